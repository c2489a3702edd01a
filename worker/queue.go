package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/event"
	"github.com/doublegate/SubPilot-App-sub000/id"
	"github.com/doublegate/SubPilot-App-sub000/job"
)

// Queue is the submission facade over the job store: it creates jobs,
// exposes inspection and cancellation, and lets callers block until a
// job reaches a terminal state. Completion is observed through the
// event bus, so waiters work regardless of which worker finishes the
// job.
type Queue struct {
	store  job.Store
	bus    *event.Bus
	logger *slog.Logger
	pool   *Pool

	waitMu  sync.Mutex
	waiters map[string][]chan *job.Job
	subs    []event.Subscription
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithQueueLogger sets a custom logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// NewQueue creates a Queue over the given store and bus. The Queue
// subscribes to terminal job events to resolve Wait calls.
func NewQueue(store job.Store, bus *event.Bus, opts ...QueueOption) *Queue {
	q := &Queue{
		store:   store,
		bus:     bus,
		logger:  slog.Default(),
		waiters: make(map[string][]chan *job.Job),
	}
	for _, opt := range opts {
		opt(q)
	}
	for _, t := range []event.Type{event.JobCompleted, event.JobFailed, event.JobCancelled} {
		q.subs = append(q.subs, bus.Subscribe(t, q.onTerminal))
	}
	return q
}

// Bind attaches the worker pool so submissions wake idle workers and
// in-flight jobs can be cancelled cooperatively.
func (q *Queue) Bind(p *Pool) { q.pool = p }

// Close detaches the Queue's bus subscriptions. Pending waiters are not
// woken; callers should rely on their context.
func (q *Queue) Close() {
	for _, sub := range q.subs {
		q.bus.Unsubscribe(sub)
	}
	q.subs = nil
}

// AddJob creates and enqueues a job of the given type. The payload is
// JSON-encoded unless it is already raw bytes. Options default to
// job.DefaultOptions; a delay makes the job start in StateDelayed.
func (q *Queue) AddJob(ctx context.Context, jobType string, payload any, opts ...job.Option) (*job.Job, error) {
	o := job.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("worker: encode payload for %s: %w", jobType, err)
	}

	now := time.Now().UTC()
	j := &job.Job{
		Entity:      subpilot.NewEntity(),
		ID:          id.NewJobID(),
		Type:        jobType,
		Payload:     data,
		State:       job.StatePending,
		Priority:    o.Priority,
		MaxAttempts: o.MaxAttempts,
		Backoff:     o.Backoff,
		BackoffBase: o.BackoffBase,
		Timeout:     o.Timeout,
		UserID:      o.UserID,
		RunAt:       now,
	}
	if o.Delay > 0 {
		j.State = job.StateDelayed
		j.RunAt = now.Add(o.Delay)
	}

	if err := q.store.EnqueueJob(ctx, j); err != nil {
		return nil, err
	}

	q.bus.Publish(event.JobCreated, event.JobEvent{
		JobID:       j.ID,
		JobType:     j.Type,
		MaxAttempts: j.MaxAttempts,
		NextRunAt:   j.RunAt,
	})

	if q.pool != nil && j.State == job.StatePending {
		q.pool.Wake()
	}

	q.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", jobType),
		slog.Int("priority", j.Priority),
	)
	return j, nil
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// GetJob retrieves a job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return q.store.GetJob(ctx, jobID)
}

// GetJobsByState returns jobs in the given state.
func (q *Queue) GetJobsByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	return q.store.ListJobsByState(ctx, state)
}

// GetJobsByType returns jobs of the given type.
func (q *Queue) GetJobsByType(ctx context.Context, jobType string) ([]*job.Job, error) {
	return q.store.ListJobsByType(ctx, jobType)
}

// GetStats returns per-state job counts.
func (q *Queue) GetStats(ctx context.Context) (job.Stats, error) {
	return q.store.JobStats(ctx)
}

// Healthy reports whether the failure rate is within bounds.
func (q *Queue) Healthy(ctx context.Context) bool {
	stats, err := q.store.JobStats(ctx)
	if err != nil {
		return false
	}
	return stats.Healthy()
}

// RemoveJob deletes a job. Jobs mid-processing are refused.
func (q *Queue) RemoveJob(ctx context.Context, jobID id.JobID) error {
	return q.store.DeleteJob(ctx, jobID)
}

// Clear removes all jobs unless one is mid-processing.
func (q *Queue) Clear(ctx context.Context) error {
	return q.store.ClearJobs(ctx)
}

// Cleanup removes terminal jobs older than the given retention period.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	return q.store.PurgeFinishedJobs(ctx, time.Now().UTC().Add(-retention))
}

// CancelJob cancels a job. Pending and delayed jobs transition to
// cancelled immediately. A processing job has its execution context
// cancelled; the transition completes when its handler observes the
// cancellation. Terminal jobs return ErrInvalidState.
func (q *Queue) CancelJob(ctx context.Context, jobID id.JobID) error {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	switch j.State {
	case job.StatePending, job.StateDelayed:
		now := time.Now().UTC()
		j.State = job.StateCancelled
		j.CompletedAt = &now
		j.LastError = subpilot.ErrJobCancelled.Error()
		if err := q.store.UpdateJob(ctx, j); err != nil {
			return err
		}
		q.bus.Publish(event.JobCancelled, event.JobEvent{
			JobID:       j.ID,
			JobType:     j.Type,
			Attempt:     j.Attempts,
			MaxAttempts: j.MaxAttempts,
		})
		q.logger.Info("job cancelled",
			slog.String("job_id", jobID.String()),
			slog.String("job_type", j.Type),
		)
		return nil

	case job.StateProcessing:
		if q.pool != nil && q.pool.CancelActive(jobID) {
			return nil
		}
		return subpilot.ErrJobProcessing

	default:
		return fmt.Errorf("%w: cannot cancel job in state %s", subpilot.ErrInvalidState, j.State)
	}
}

// Wait blocks until the job reaches a terminal state and returns its
// final snapshot, or until ctx is done.
func (q *Queue) Wait(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil
	}

	ch := q.addWaiter(jobID)
	defer q.removeWaiter(jobID, ch)

	// Re-check after registering so a completion between the first
	// lookup and the subscription is not missed.
	j, err = q.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return j, nil
	}

	select {
	case final := <-ch:
		return final, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) addWaiter(jobID id.JobID) chan *job.Job {
	ch := make(chan *job.Job, 1)
	key := jobID.String()
	q.waitMu.Lock()
	q.waiters[key] = append(q.waiters[key], ch)
	q.waitMu.Unlock()
	return ch
}

func (q *Queue) removeWaiter(jobID id.JobID, ch chan *job.Job) {
	key := jobID.String()
	q.waitMu.Lock()
	defer q.waitMu.Unlock()
	chans := q.waiters[key]
	for i, c := range chans {
		if c == ch {
			q.waiters[key] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(q.waiters[key]) == 0 {
		delete(q.waiters, key)
	}
}

// onTerminal resolves waiters when a terminal job event is published.
func (q *Queue) onTerminal(evt event.Event) {
	je, ok := evt.Data.(event.JobEvent)
	if !ok {
		return
	}
	key := je.JobID.String()

	q.waitMu.Lock()
	chans := q.waiters[key]
	delete(q.waiters, key)
	q.waitMu.Unlock()

	if len(chans) == 0 {
		return
	}

	j, err := q.store.GetJob(context.Background(), je.JobID)
	if err != nil {
		q.logger.Warn("waiter resolution: job lookup failed",
			slog.String("job_id", key),
			slog.String("error", err.Error()),
		)
		return
	}
	for _, ch := range chans {
		ch <- j
	}
}
