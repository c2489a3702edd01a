// Package retention runs the scheduled cleanup of finished jobs and
// workflow instances. Terminal records are kept for a configurable
// window so operators can inspect recent history, then purged on a cron
// schedule.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// JobPurger removes terminal jobs past their retention window.
// *worker.Queue satisfies it.
type JobPurger interface {
	Cleanup(ctx context.Context, retention time.Duration) (int, error)
}

// InstancePurger removes terminal workflow instances past their
// retention window. *workflow.Engine satisfies it.
type InstancePurger interface {
	CleanupOldInstances(ctx context.Context, retention time.Duration) (int, error)
}

// Janitor schedules periodic purges of finished jobs and instances.
type Janitor struct {
	jobs      JobPurger
	instances InstancePurger
	schedule  string
	jobTTL    time.Duration
	instTTL   time.Duration
	logger    *slog.Logger
	cron      *cron.Cron
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// New creates a Janitor. schedule uses cron syntax, including the
// @every shorthand (e.g. "@every 1h").
func New(jobs JobPurger, instances InstancePurger, schedule string, jobTTL, instTTL time.Duration, opts ...Option) *Janitor {
	j := &Janitor{
		jobs:      jobs,
		instances: instances,
		schedule:  schedule,
		jobTTL:    jobTTL,
		instTTL:   instTTL,
		logger:    slog.Default(),
		cron:      cron.New(),
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start registers the sweep on the cron schedule and starts the
// scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.Sweep); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("retention janitor started",
		slog.String("schedule", j.schedule),
		slog.Duration("job_retention", j.jobTTL),
		slog.Duration("instance_retention", j.instTTL),
	)
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish
// or the context to expire.
func (j *Janitor) Stop(ctx context.Context) error {
	done := j.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep purges finished jobs and instances past their retention
// windows. It is exported so callers can trigger an immediate purge.
func (j *Janitor) Sweep() {
	ctx := context.Background()

	if j.jobs != nil {
		purged, err := j.jobs.Cleanup(ctx, j.jobTTL)
		if err != nil {
			j.logger.Error("job retention sweep failed", slog.String("error", err.Error()))
		} else if purged > 0 {
			j.logger.Info("purged finished jobs", slog.Int("count", purged))
		}
	}

	if j.instances != nil {
		purged, err := j.instances.CleanupOldInstances(ctx, j.instTTL)
		if err != nil {
			j.logger.Error("instance retention sweep failed", slog.String("error", err.Error()))
		} else if purged > 0 {
			j.logger.Info("purged finished workflow instances", slog.Int("count", purged))
		}
	}
}
