// Package store defines the composite persistence contract shared by
// the job queue and workflow engine. A single backend implements every
// subsystem store plus the lifecycle operations.
package store

import (
	"context"

	"github.com/doublegate/SubPilot-App-sub000/job"
	"github.com/doublegate/SubPilot-App-sub000/workflow"
)

// Store is the composite interface a backend must satisfy.
type Store interface {
	job.Store
	workflow.Store

	// Ping verifies the backend is reachable. Used by startup health
	// checks.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
