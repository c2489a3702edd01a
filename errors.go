package subpilot

import "errors"

var (
	// Store errors.
	ErrNoStore     = errors.New("subpilot: no store configured")
	ErrStoreClosed = errors.New("subpilot: store closed")

	// Not found errors.
	ErrJobNotFound      = errors.New("subpilot: job not found")
	ErrWorkflowNotFound = errors.New("subpilot: workflow definition not found")
	ErrInstanceNotFound = errors.New("subpilot: workflow instance not found")

	// Conflict errors.
	ErrJobAlreadyExists      = errors.New("subpilot: job already exists")
	ErrWorkflowAlreadyExists = errors.New("subpilot: workflow definition already exists")

	// State errors.
	ErrInvalidState       = errors.New("subpilot: invalid state transition")
	ErrJobProcessing      = errors.New("subpilot: job is currently processing")
	ErrMaxAttemptsReached = errors.New("subpilot: max attempts reached")
	ErrJobCancelled       = errors.New("subpilot: job cancelled")
	ErrNotRunning         = errors.New("subpilot: workflow instance is not running")

	// Lifecycle errors.
	ErrNotInitialized = errors.New("subpilot: coordinator not initialized")
	ErrHealthCheck    = errors.New("subpilot: health check failed")
)
