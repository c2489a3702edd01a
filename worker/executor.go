// Package worker provides the job execution engine — an Executor that
// invokes registered handlers through middleware, a Pool that manages
// concurrent worker goroutines claiming jobs, and a Queue facade for
// submitting and tracking jobs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/backoff"
	"github.com/doublegate/SubPilot-App-sub000/event"
	"github.com/doublegate/SubPilot-App-sub000/job"
	"github.com/doublegate/SubPilot-App-sub000/middleware"
)

// Executor runs a single job through middleware and the registered handler,
// then handles retry scheduling, state updates, and lifecycle events.
type Executor struct {
	registry *job.Registry
	store    job.Store
	bus      *event.Bus
	mw       middleware.Middleware
	logger   *slog.Logger
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(
	registry *job.Registry,
	store job.Store,
	bus *event.Bus,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	return &Executor{
		registry: registry,
		store:    store,
		bus:      bus,
		mw:       middleware.Chain(mws...),
		logger:   logger,
	}
}

// Execute runs a job through the middleware chain and handler.
// On success: marks completed, emits JobCompleted.
// On failure with attempts remaining: schedules a backoff delay, emits
// JobRetryScheduled.
// On permanent failure or exhausted attempts: marks failed, emits JobFailed.
// A context cancelled with the job-cancellation cause marks the job
// cancelled instead, emitting JobCancelled.
func (e *Executor) Execute(ctx context.Context, j *job.Job) error {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		// Retrying cannot help an unregistered type.
		return e.handleFailure(ctx, j, job.Permanent(fmt.Errorf("no handler registered for job type %q", j.Type)))
	}

	j.Attempts++
	if err := e.store.UpdateJob(ctx, j); err != nil {
		e.logger.Error("failed to record job attempt",
			slog.String("job_id", j.ID.String()),
			slog.String("error", err.Error()),
		)
		return err
	}

	e.bus.Publish(event.JobStarted, event.JobEvent{
		JobID:       j.ID,
		JobType:     j.Type,
		Attempt:     j.Attempts,
		MaxAttempts: j.MaxAttempts,
	})

	start := time.Now()

	// The terminal handler that calls the registered job handler.
	var output []byte
	terminal := func(ctx context.Context) error {
		out, handlerErr := handler(ctx, j.Payload)
		output = out
		return handlerErr
	}

	err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(context.Cause(ctx), subpilot.ErrJobCancelled) {
			return e.handleCancelled(j)
		}
		return e.handleFailure(ctx, j, err)
	}

	j.Output = output
	return e.handleSuccess(ctx, j, elapsed)
}

// handleSuccess marks the job as completed and emits the lifecycle event.
func (e *Executor) handleSuccess(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	now := time.Now().UTC()
	j.State = job.StateCompleted
	j.CompletedAt = &now
	j.LastError = ""

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job after success",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.bus.Publish(event.JobCompleted, event.JobEvent{
		JobID:       j.ID,
		JobType:     j.Type,
		Attempt:     j.Attempts,
		MaxAttempts: j.MaxAttempts,
		Elapsed:     elapsed,
	})
	return nil
}

// handleFailure records the error and either schedules a retry or marks
// the job failed for good.
func (e *Executor) handleFailure(ctx context.Context, j *job.Job, handlerErr error) error {
	j.LastError = handlerErr.Error()

	if !job.IsPermanent(handlerErr) && j.Attempts < j.MaxAttempts {
		return e.scheduleRetry(ctx, j, handlerErr)
	}
	return e.markFailed(ctx, j, handlerErr)
}

// scheduleRetry sets the job to StateDelayed with a backoff delay. The
// handler may override the delay by returning job.RetryAfter.
func (e *Executor) scheduleRetry(ctx context.Context, j *job.Job, handlerErr error) error {
	delay, ok := job.RetryDelay(handlerErr)
	if !ok {
		delay = backoff.ForName(j.Backoff, j.BackoffBase).Delay(j.Attempts)
	}
	nextRunAt := time.Now().UTC().Add(delay)
	j.State = job.StateDelayed
	j.RunAt = nextRunAt
	j.StartedAt = nil

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job for retry",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.bus.Publish(event.JobRetryScheduled, event.JobEvent{
		JobID:       j.ID,
		JobType:     j.Type,
		Attempt:     j.Attempts,
		MaxAttempts: j.MaxAttempts,
		NextRunAt:   nextRunAt,
		Error:       handlerErr.Error(),
	})

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", delay),
	)

	return fmt.Errorf("job %s attempt %d/%d: %w", j.Type, j.Attempts, j.MaxAttempts, handlerErr)
}

// markFailed records the terminal failed state and emits JobFailed.
func (e *Executor) markFailed(ctx context.Context, j *job.Job, handlerErr error) error {
	now := time.Now().UTC()
	j.State = job.StateFailed
	j.CompletedAt = &now

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as failed",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.bus.Publish(event.JobFailed, event.JobEvent{
		JobID:        j.ID,
		JobType:      j.Type,
		Attempt:      j.Attempts,
		MaxAttempts:  j.MaxAttempts,
		Error:        handlerErr.Error(),
		FinalFailure: true,
	})

	e.logger.Warn("job failed permanently",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempts", j.Attempts),
		slog.String("error", handlerErr.Error()),
	)

	return handlerErr
}

// handleCancelled records the cancelled state for a job whose context
// was cancelled by an explicit cancellation request.
func (e *Executor) handleCancelled(j *job.Job) error {
	// The job's own context is dead; use a fresh one for persistence.
	ctx := context.Background()

	now := time.Now().UTC()
	j.State = job.StateCancelled
	j.CompletedAt = &now
	j.LastError = subpilot.ErrJobCancelled.Error()

	if updateErr := e.store.UpdateJob(ctx, j); updateErr != nil {
		e.logger.Error("failed to update job as cancelled",
			slog.String("job_id", j.ID.String()),
			slog.String("error", updateErr.Error()),
		)
		return updateErr
	}

	e.bus.Publish(event.JobCancelled, event.JobEvent{
		JobID:       j.ID,
		JobType:     j.Type,
		Attempt:     j.Attempts,
		MaxAttempts: j.MaxAttempts,
	})

	e.logger.Info("job cancelled during execution",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
	)

	return subpilot.ErrJobCancelled
}
