package workflow

import (
	"time"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/id"
)

// InstanceStatus represents the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	// StatusRunning means the instance is executing steps.
	StatusRunning InstanceStatus = "running"
	// StatusCompleted means the instance finished successfully.
	StatusCompleted InstanceStatus = "completed"
	// StatusFailed means the instance failed terminally.
	StatusFailed InstanceStatus = "failed"
	// StatusPaused means the instance is suspended awaiting external
	// input.
	StatusPaused InstanceStatus = "paused"
	// StatusCancelled means the instance was explicitly cancelled.
	StatusCancelled InstanceStatus = "cancelled"
)

// Terminal reports whether no further transitions can occur from s.
func (s InstanceStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ExecutionStatus represents the state of one step execution.
type ExecutionStatus string

const (
	// ExecPending means the execution record was created but the step
	// has not started.
	ExecPending ExecutionStatus = "pending"
	// ExecRunning means the step is in flight.
	ExecRunning ExecutionStatus = "running"
	// ExecCompleted means the step succeeded.
	ExecCompleted ExecutionStatus = "completed"
	// ExecFailed means the step failed.
	ExecFailed ExecutionStatus = "failed"
	// ExecSkipped means the step was bypassed by branching.
	ExecSkipped ExecutionStatus = "skipped"
)

// StepExecution is one row in an instance's history: append-only,
// never mutated after being recorded.
type StepExecution struct {
	ID          id.ExecutionID  `json:"id"`
	StepID      string          `json:"step_id"`
	Status      ExecutionStatus `json:"status"`
	Input       map[string]any  `json:"input,omitempty"`
	Output      any             `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	RetryCount  int             `json:"retry_count,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Instance is one live execution of a workflow definition for a
// specific subject. The engine exclusively owns instance mutation; no
// other component writes to it.
type Instance struct {
	subpilot.Entity

	ID           id.InstanceID  `json:"id"`
	DefinitionID string         `json:"definition_id"`
	OwnerID      string         `json:"owner_id"`
	Status       InstanceStatus `json:"status"`
	CurrentStep  string         `json:"current_step,omitempty"`

	// Variables is the mutable scratch space seeded from definition
	// defaults merged with caller input.
	Variables map[string]any `json:"variables,omitempty"`

	// History is the append-only audit trail of step executions.
	History []StepExecution `json:"history"`

	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stats counts instances per status for the monitoring surface.
type Stats struct {
	Running   int64 `json:"running"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    int64 `json:"paused"`
	Cancelled int64 `json:"cancelled"`
	Total     int64 `json:"total"`
}
