package subpilot

import "time"

// Config holds configuration for the orchestration core.
type Config struct {
	// Concurrency is the maximum number of jobs processed concurrently
	// by the worker pool.
	Concurrency int

	// TickInterval is the fallback wake-up interval for workers. The
	// pool wakes immediately on enqueue; the tick exists to promote
	// delayed and backoff-scheduled jobs whose run time has arrived.
	TickInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before active jobs are cancelled.
	ShutdownTimeout time.Duration

	// JobRetention is how long completed and failed jobs are kept
	// before the retention janitor purges them.
	JobRetention time.Duration

	// InstanceRetention is how long terminal workflow instances are
	// kept before the retention janitor purges them.
	InstanceRetention time.Duration

	// CleanupSchedule is the cron expression driving the retention
	// janitor. Empty disables scheduled cleanup (manual Cleanup calls
	// remain available).
	CleanupSchedule string

	// ProbeTimeout bounds the event-bus round-trip self-test during
	// initialization.
	ProbeTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		TickInterval:      250 * time.Millisecond,
		ShutdownTimeout:   30 * time.Second,
		JobRetention:      24 * time.Hour,
		InstanceRetention: 24 * time.Hour,
		CleanupSchedule:   "@every 1h",
		ProbeTimeout:      2 * time.Second,
	}
}
