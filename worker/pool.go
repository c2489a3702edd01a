package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/id"
	"github.com/doublegate/SubPilot-App-sub000/job"
)

// QueueManager controls per-type and per-user rate limiting and
// concurrency. The pool calls Acquire before executing a claimed job
// and Release after execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the type/user
	// combination. Returns true if the job is allowed to proceed.
	Acquire(jobType, userID string) bool
	// Release decrements the active count for the type/user pair.
	Release(jobType, userID string)
}

// Pool manages a bounded set of concurrent worker goroutines that claim
// jobs from the store and execute them through the Executor. Workers
// wake immediately when a job is submitted; a ticker drives promotion
// of delayed jobs whose run time has arrived.
type Pool struct {
	store        job.Store
	executor     *Executor
	concurrency  int
	tickInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Queue manager (optional).
	queueManager QueueManager

	notifyCh chan struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool

	activeJobs map[string]context.CancelCauseFunc
	activeMu   sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithTickInterval sets how often workers re-check the store when idle.
// This bounds how late a delayed job can be promoted.
func WithTickInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.tickInterval = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(store job.Store, executor *Executor, logger *slog.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		executor:     executor,
		concurrency:  4,
		tickInterval: 250 * time.Millisecond,
		workerID:     id.NewWorkerID(),
		logger:       logger,
		notifyCh:     make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		activeJobs:   make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Wake nudges the pool so an idle worker re-checks the store without
// waiting for the next tick. Safe to call from any goroutine; a wake
// that arrives while one is already pending is coalesced.
func (p *Pool) Wake() {
	select {
	case p.notifyCh <- struct{}{}:
	default:
	}
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.workLoop()
	}
	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active jobs are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active jobs")
		p.cancelActiveJobs(ctx.Err())
		p.wg.Wait()
	}

	return nil
}

// workLoop is run by each worker goroutine. It drains ready jobs after
// every wake-up, then blocks until notified, the next tick, or stop.
func (p *Pool) workLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.tickInterval)
	defer ticker.Stop()

	for {
		p.drain()

		select {
		case <-p.stopCh:
			return
		case <-p.notifyCh:
		case <-ticker.C:
		}
	}
}

// drain claims and executes jobs until the store has no ready work.
func (p *Pool) drain() {
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		j, err := p.store.DequeueJob(context.Background(), p.workerID)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			return
		}
		if j == nil {
			return
		}

		// Check type/user rate limit and concurrency.
		if p.queueManager != nil && !p.queueManager.Acquire(j.Type, j.UserID) {
			// Rate limited — return the job to the queue with a small delay.
			j.State = job.StateDelayed
			j.RunAt = time.Now().UTC().Add(p.tickInterval)
			j.WorkerID = id.WorkerID{}
			j.StartedAt = nil
			if updateErr := p.store.UpdateJob(context.Background(), j); updateErr != nil {
				p.logger.Error("failed to re-queue rate-limited job",
					slog.String("job_id", j.ID.String()),
					slog.String("error", updateErr.Error()),
				)
			}
			return
		}

		ctx, cancel := context.WithCancelCause(context.Background())
		p.trackJob(j.ID.String(), cancel)

		execErr := p.executor.Execute(ctx, j)
		if execErr != nil {
			p.logger.Debug("job execution failed",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackJob(j.ID.String())
		cancel(nil)

		if p.queueManager != nil {
			p.queueManager.Release(j.Type, j.UserID)
		}
	}
}

func (p *Pool) trackJob(jobID string, cancel context.CancelCauseFunc) {
	p.activeMu.Lock()
	p.activeJobs[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackJob(jobID string) {
	p.activeMu.Lock()
	delete(p.activeJobs, jobID)
	p.activeMu.Unlock()
}

// CancelActive cancels the context of a job currently executing on this
// pool. Returns false if the job is not active here.
func (p *Pool) CancelActive(jobID id.JobID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	cancel, ok := p.activeJobs[jobID.String()]
	if !ok {
		return false
	}
	cancel(subpilot.ErrJobCancelled)
	return true
}

// ActiveCount returns the number of jobs currently executing.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.activeJobs)
}

func (p *Pool) cancelActiveJobs(cause error) {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for jobID, cancel := range p.activeJobs {
		p.logger.Warn("cancelling active job", slog.String("job_id", jobID))
		cancel(cause)
	}
}
