package job

import (
	"time"

	"github.com/doublegate/SubPilot-App-sub000/backoff"
)

// Options configures per-job behavior such as retries, priority, and
// timeout.
type Options struct {
	// Delay postpones the first execution. Zero means immediately
	// eligible.
	Delay time.Duration

	// Priority determines dequeue ordering. Higher values are
	// processed first; ties break by enqueue order.
	Priority int

	// MaxAttempts is the total number of executions allowed before the
	// job becomes terminally failed.
	MaxAttempts int

	// Backoff names the retry delay strategy ("fixed", "linear",
	// "exponential").
	Backoff string

	// BackoffBase is the base delay fed into the strategy.
	BackoffBase time.Duration

	// Timeout is the maximum duration a single attempt may run before
	// its context is cancelled.
	Timeout time.Duration

	// UserID correlates the job with a subscription owner for rate
	// limiting and observability.
	UserID string
}

// DefaultOptions returns Options with the queue's defaults.
func DefaultOptions() Options {
	return Options{
		Priority:    0,
		MaxAttempts: 3,
		Backoff:     backoff.NameExponential,
		BackoffBase: 1 * time.Second,
		Timeout:     30 * time.Second,
	}
}

// Option is a functional option for configuring a job.
type Option func(*Options)

// WithDelay postpones the job's first execution.
func WithDelay(d time.Duration) Option {
	return func(o *Options) { o.Delay = d }
}

// WithPriority sets the job priority. Higher values are processed first.
func WithPriority(p int) Option {
	return func(o *Options) { o.Priority = p }
}

// WithMaxAttempts sets the total number of executions allowed.
func WithMaxAttempts(n int) Option {
	return func(o *Options) { o.MaxAttempts = n }
}

// WithBackoff selects the retry delay strategy by name.
func WithBackoff(name string) Option {
	return func(o *Options) { o.Backoff = name }
}

// WithBackoffBase sets the base delay fed into the backoff strategy.
func WithBackoffBase(d time.Duration) Option {
	return func(o *Options) { o.BackoffBase = d }
}

// WithTimeout sets the maximum execution duration per attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithUserID tags the job with the subscription owner it acts for.
func WithUserID(userID string) Option {
	return func(o *Options) { o.UserID = userID }
}
