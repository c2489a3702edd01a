package job

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// HandlerFunc is a type-erased job processor that accepts the raw JSON
// payload and returns the raw JSON output. The typed Definition[T] is
// converted to a HandlerFunc at registration time by closing over JSON
// unmarshal + the typed handler.
type HandlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps job types to type-erased processors.
// It is safe for concurrent use, but processors are expected to be
// registered once at startup before steady-state traffic; concurrent
// registration during active processing is unsupported.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	logger   *slog.Logger
}

// NewRegistry creates an empty processor registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]HandlerFunc),
		logger:   logger,
	}
}

// Register associates a job type with a raw processor. Re-registration
// overwrites the previous processor (last writer wins) with a warning,
// so hot-reload is possible but accidental double registration stays
// diagnosable.
func (r *Registry) Register(jobType string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		r.logger.Warn("overwriting registered processor", slog.String("job_type", jobType))
	}
	r.handlers[jobType] = h
}

// Definition is a typed job definition with a processor function.
// T is the payload type (must be JSON-serializable). The processor's
// return value is JSON-marshaled into the job's Output.
type Definition[T any] struct {
	// Type is the unique identifier for this job type.
	Type string

	// Handler processes the job payload.
	Handler func(ctx context.Context, payload T) (any, error)

	// Opts configures retries, priority, and timeout defaults for jobs
	// enqueued through the typed helpers.
	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](jobType string, handler func(ctx context.Context, payload T) (any, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    jobType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}

// RegisterDefinition registers a typed job definition. The generic
// handler is wrapped in a closure that JSON-unmarshals the payload into
// T before calling the typed handler, so processors receive strongly
// typed input rather than casting.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, payload []byte) ([]byte, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				// A payload that cannot decode will never decode;
				// retrying is pointless.
				return nil, Permanent(fmt.Errorf("unmarshal payload for job %q: %w", def.Type, err))
			}
		}

		out, err := def.Handler(ctx, t)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}

		data, marshalErr := json.Marshal(out)
		if marshalErr != nil {
			return nil, fmt.Errorf("marshal output for job %q: %w", def.Type, marshalErr)
		}
		return data, nil
	}

	r.Register(def.Type, handler)
}

// Get returns the processor for the given job type.
// Returns false if none is registered.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
