package workflow

import (
	"context"
	"time"

	"github.com/doublegate/SubPilot-App-sub000/id"
)

// Store defines the persistence contract for workflow instances.
// Definitions are code-registered configuration and live in the
// in-memory Registry, not the store.
type Store interface {
	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, instID id.InstanceID) (*Instance, error)

	// UpdateInstance persists changes to an existing instance,
	// including appended history rows.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// ListInstancesByStatus returns instances in the given status.
	ListInstancesByStatus(ctx context.Context, status InstanceStatus) ([]*Instance, error)

	// InstanceStats returns per-status counts.
	InstanceStats(ctx context.Context) (Stats, error)

	// PurgeFinishedInstances removes terminal instances whose
	// completion is older than cutoff. Returns the number removed.
	PurgeFinishedInstances(ctx context.Context, cutoff time.Time) (int, error)
}
