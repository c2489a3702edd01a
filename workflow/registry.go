package workflow

import (
	"log/slog"
	"sync"
)

// Registry holds workflow definitions by ID. Definitions are validated
// on registration; registering the same ID again replaces the previous
// definition with a warning.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	logger      *slog.Logger
}

// NewRegistry creates an empty definition registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		definitions: make(map[string]*Definition),
		logger:      logger,
	}
}

// Register validates and stores a definition. A definition with the
// same ID replaces the previous one.
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, exists := r.definitions[def.ID]; exists {
		r.logger.Warn("workflow definition replaced",
			slog.String("definition_id", def.ID),
			slog.Int("previous_version", prev.Version),
			slog.Int("version", def.Version),
		)
	}
	r.definitions[def.ID] = def
	return nil
}

// Get returns the definition for the given ID.
func (r *Registry) Get(definitionID string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.definitions[definitionID]
	return def, ok
}

// IDs returns the registered definition IDs.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.definitions))
	for defID := range r.definitions {
		ids = append(ids, defID)
	}
	return ids
}
