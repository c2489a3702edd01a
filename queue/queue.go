// Package queue provides per-job-type and per-user admission control
// for the worker pool: token-bucket rate limits and concurrency caps
// that gate which claimed jobs may start executing.
package queue

import (
	"sync"

	"golang.org/x/time/rate"
)

// Config defines per-job-type behaviour such as rate limiting and
// concurrency.
type Config struct {
	// JobType is the job type this config applies to (must match the
	// job.Type field).
	JobType string

	// MaxConcurrency limits how many jobs of this type may run
	// simultaneously across the local worker pool. Zero means no
	// type-specific limit (pool-wide concurrency still applies).
	MaxConcurrency int

	// RateLimit is the maximum sustained jobs per second of this type
	// that may start executing. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the burst size for the token-bucket rate limiter.
	// Defaults to 1 if RateLimit is set but RateBurst is zero.
	RateBurst int
}

// typeState tracks runtime state for a single job type.
type typeState struct {
	config  Config
	limiter *rate.Limiter
	active  int
}

// Manager controls per-type and per-user rate limiting and concurrency.
// It is safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	types map[string]*typeState
	users map[string]*userState
}

// NewManager creates a Manager with the given job-type configurations.
// Types not listed here have no limits.
func NewManager(configs ...Config) *Manager {
	m := &Manager{
		types: make(map[string]*typeState, len(configs)),
		users: make(map[string]*userState),
	}
	for _, cfg := range configs {
		m.types[cfg.JobType] = newTypeState(cfg)
	}
	return m
}

func newTypeState(cfg Config) *typeState {
	ts := &typeState{config: cfg}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		ts.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return ts
}

// Acquire checks concurrency caps and rate limits for the given job
// type and user. If the job is allowed to proceed it increments the
// active counters and returns true. The caller MUST call Release when
// the job completes.
//
// Concurrency caps are checked before any rate token is consumed, and a
// type-level token is refunded when the user-level limiter denies, so a
// rejected admission never burns a token.
func (m *Manager) Acquire(jobType, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := m.types[jobType]
	var us *userState
	if userID != "" {
		us = m.users[userKey(jobType, userID)]
	}

	if ts != nil && ts.config.MaxConcurrency > 0 && ts.active >= ts.config.MaxConcurrency {
		return false
	}
	if us != nil && us.maxConcurrency > 0 && us.active >= us.maxConcurrency {
		return false
	}

	var typeRes *rate.Reservation
	if ts != nil && ts.limiter != nil {
		typeRes = ts.limiter.Reserve()
		if !typeRes.OK() || typeRes.Delay() > 0 {
			typeRes.Cancel()
			return false
		}
	}
	if us != nil && us.limiter != nil && !us.limiter.Allow() {
		if typeRes != nil {
			typeRes.Cancel()
		}
		return false
	}

	if us != nil {
		us.active++
	}
	if ts != nil {
		ts.active++
	}
	return true
}

// Release decrements the active job count for the job type and user.
func (m *Manager) Release(jobType, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts := m.types[jobType]; ts != nil && ts.active > 0 {
		ts.active--
	}
	if userID != "" {
		if us := m.users[userKey(jobType, userID)]; us != nil && us.active > 0 {
			us.active--
		}
	}
}

// ActiveCount returns the current number of active jobs for a job type.
func (m *Manager) ActiveCount(jobType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts := m.types[jobType]; ts != nil {
		return ts.active
	}
	return 0
}

// SetConfig adds or replaces the configuration for a job type. The
// active count of an existing entry is preserved.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ts := newTypeState(cfg)
	if existing := m.types[cfg.JobType]; existing != nil {
		ts.active = existing.active
	}
	m.types[cfg.JobType] = ts
}
