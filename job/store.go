package job

import (
	"context"
	"time"

	"github.com/doublegate/SubPilot-App-sub000/id"
)

// Stats counts jobs per state for the monitoring surface.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Delayed    int64 `json:"delayed"`
	Cancelled  int64 `json:"cancelled"`
	Total      int64 `json:"total"`
}

// Healthy applies the queue's failure-rate budget: at most 10% as many
// terminal failures as completions.
func (s Stats) Healthy() bool {
	return float64(s.Failed) <= float64(s.Completed)*0.1
}

// Store defines the persistence contract for jobs.
type Store interface {
	// EnqueueJob persists a new job and assigns its EnqueueSeq.
	EnqueueJob(ctx context.Context, j *Job) error

	// DequeueJob atomically claims the runnable job with the highest
	// priority (enqueue order breaks ties), transitions it to
	// processing on behalf of workerID, and returns it. Delayed jobs
	// whose RunAt has arrived are eligible. Returns nil when nothing
	// is runnable.
	DequeueJob(ctx context.Context, workerID id.WorkerID) (*Job, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// UpdateJob persists changes to an existing job.
	UpdateJob(ctx context.Context, j *Job) error

	// DeleteJob removes a job by ID. Implementations refuse to remove
	// a job in StateProcessing.
	DeleteJob(ctx context.Context, jobID id.JobID) error

	// ListJobsByState returns jobs in the given state.
	ListJobsByState(ctx context.Context, state State) ([]*Job, error)

	// ListJobsByType returns jobs of the given type.
	ListJobsByType(ctx context.Context, jobType string) ([]*Job, error)

	// JobStats returns per-state counts.
	JobStats(ctx context.Context) (Stats, error)

	// PurgeFinishedJobs removes completed/failed/cancelled jobs whose
	// terminal timestamp is older than cutoff. Returns the number
	// removed.
	PurgeFinishedJobs(ctx context.Context, cutoff time.Time) (int, error)

	// ClearJobs removes every job. It fails with ErrJobProcessing if
	// any job is mid-execution.
	ClearJobs(ctx context.Context) error
}
