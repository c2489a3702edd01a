// Package event provides the in-process publish/subscribe bus that
// decouples the job queue and workflow engine from their observers
// (metrics exporters, realtime pushers, audit sinks).
//
// Delivery is synchronous and in registration order per event type.
// A listener that panics is logged and skipped; publishing never
// fails. Subscribers of the Wildcard type receive every event.
package event

import (
	"time"

	"github.com/doublegate/SubPilot-App-sub000/id"
)

// Type names a category of lifecycle event.
type Type string

// Wildcard subscribes a listener to every event type.
const Wildcard Type = "*"

// Job lifecycle event types.
const (
	JobCreated        Type = "job.created"
	JobStarted        Type = "job.started"
	JobCompleted      Type = "job.completed"
	JobRetryScheduled Type = "job.retry_scheduled"
	JobFailed         Type = "job.failed"
	JobCancelled      Type = "job.cancelled"
)

// Workflow lifecycle event types.
const (
	WorkflowStarted   Type = "workflow.started"
	WorkflowProgress  Type = "workflow.progress"
	WorkflowCompleted Type = "workflow.completed"
	WorkflowFailed    Type = "workflow.failed"
	WorkflowCancelled Type = "workflow.cancelled"
)

// CancellationProgress carries a CancellationEvent alongside workflow
// progress and terminal events for instances that hold cancellation
// correlation fields in their variables.
const CancellationProgress Type = "cancellation.progress"

// Event is the envelope delivered to listeners. Data holds one of the
// typed payloads below.
type Event struct {
	ID        id.EventID `json:"id"`
	Type      Type       `json:"type"`
	Timestamp time.Time  `json:"timestamp"`
	Data      any        `json:"data,omitempty"`
}

// JobEvent is the payload for job.* events.
type JobEvent struct {
	JobID        id.JobID      `json:"job_id"`
	JobType      string        `json:"job_type"`
	Attempt      int           `json:"attempt,omitempty"`
	MaxAttempts  int           `json:"max_attempts,omitempty"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`
	NextRunAt    time.Time     `json:"next_run_at,omitzero"`
	Error        string        `json:"error,omitempty"`
	FinalFailure bool          `json:"final_failure,omitempty"`
}

// WorkflowEvent is the payload for workflow.* events.
type WorkflowEvent struct {
	InstanceID   id.InstanceID `json:"instance_id"`
	DefinitionID string        `json:"definition_id"`
	OwnerID      string        `json:"owner_id,omitempty"`
	Step         string        `json:"step,omitempty"`
	Status       string        `json:"status,omitempty"`
	Error        string        `json:"error,omitempty"`
	Elapsed      time.Duration `json:"elapsed,omitempty"`
}

// CancellationEvent carries the correlation identifiers of a
// subscription-cancellation flow. The workflow engine publishes it on
// CancellationProgress for every instance whose variables include a
// subscription_id or request_id, so external observers (realtime push,
// audit) can follow one request across subsystems.
type CancellationEvent struct {
	RequestID       string         `json:"request_id,omitempty"`
	OrchestrationID string         `json:"orchestration_id,omitempty"`
	SubscriptionID  string         `json:"subscription_id,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	Method          string         `json:"method,omitempty"`
	Status          string         `json:"status,omitempty"`
	Progress        int            `json:"progress,omitempty"`
	Error           string         `json:"error,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}
