package job

import (
	"errors"
	"time"
)

// PermanentError wraps a processor error that must not be retried,
// regardless of remaining attempts. Business errors that retrying
// cannot fix (a subscription that no longer exists, an unsupported
// provider) should be returned this way.
type PermanentError struct {
	Err error
}

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func (e *PermanentError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// RetryDelayError wraps a processor error with an explicit delay before
// the next attempt, overriding the job's configured backoff strategy.
type RetryDelayError struct {
	Err   error
	Delay time.Duration
}

// RetryAfter marks err as retryable after the given delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryDelayError{Err: err, Delay: delay}
}

func (e *RetryDelayError) Error() string { return e.Err.Error() }

// Unwrap returns the wrapped error.
func (e *RetryDelayError) Unwrap() error { return e.Err }

// RetryDelay extracts an explicit retry delay override from err.
// The second return is false when no override is present.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryDelayError
	if errors.As(err, &re) {
		return re.Delay, true
	}
	return 0, false
}
