// Package job defines the unit of retryable asynchronous work: the Job
// model, per-job options, the processor registry, and the persistence
// contract used by the worker pool.
package job

import (
	"time"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/id"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateProcessing means a worker is currently executing the job.
	StateProcessing State = "processing"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job exhausted its attempts and will not run again.
	StateFailed State = "failed"
	// StateDelayed means the job is waiting out an initial delay or a
	// retry backoff before returning to pending.
	StateDelayed State = "delayed"
	// StateCancelled means the job was explicitly cancelled.
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions can occur from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job represents a unit of work to be processed by a worker.
// Invariant: Attempts never exceeds MaxAttempts; a job reaches
// StateFailed only after exactly MaxAttempts executions.
type Job struct {
	subpilot.Entity

	ID      id.JobID `json:"id"`
	Type    string   `json:"type"`
	Payload []byte   `json:"payload,omitempty"`
	Output  []byte   `json:"output,omitempty"`
	State   State    `json:"state"`

	Priority    int           `json:"priority"`
	MaxAttempts int           `json:"max_attempts"`
	Attempts    int           `json:"attempts"`
	Backoff     string        `json:"backoff"`
	BackoffBase time.Duration `json:"backoff_base"`
	Timeout     time.Duration `json:"timeout,omitempty"`

	LastError string `json:"last_error,omitempty"`

	// UserID correlates the job with the subscription owner it acts
	// for; consulted by per-user rate limits.
	UserID string `json:"user_id,omitempty"`

	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// EnqueueSeq breaks priority ties: equal-priority jobs dequeue in
	// enqueue order. Assigned by the store.
	EnqueueSeq uint64 `json:"enqueue_seq"`

	// RunAt is the earliest time the job may execute. Delayed jobs and
	// retries move it into the future.
	RunAt       time.Time  `json:"run_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
