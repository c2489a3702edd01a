// Package memory provides a fully in-memory store.Store. Safe for
// concurrent access. It is the default backend and the one unit tests
// run against.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/id"
	"github.com/doublegate/SubPilot-App-sub000/job"
	"github.com/doublegate/SubPilot-App-sub000/workflow"
)

// Compile-time interface checks. The composite store.Store cannot be
// referenced here without an import cycle, so each subsystem is
// verified separately.
var (
	_ job.Store      = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
)

// Store is a mutex-guarded in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	jobs      map[string]*job.Job
	instances map[string]*workflow.Instance
	seq       uint64
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:      make(map[string]*job.Job),
		instances: make(map[string]*workflow.Instance),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// EnqueueJob persists a new job and assigns its enqueue sequence.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return subpilot.ErrJobAlreadyExists
	}

	m.seq++
	j.EnqueueSeq = m.seq

	cp := *j
	m.jobs[key] = &cp
	return nil
}

// DequeueJob claims the runnable job with the highest priority,
// breaking ties by enqueue order. Delayed jobs whose RunAt has arrived
// are promoted to pending as a side effect of being claimed.
func (m *Store) DequeueJob(_ context.Context, workerID id.WorkerID) (*job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()

	var best *job.Job
	for _, j := range m.jobs {
		if j.State != job.StatePending && j.State != job.StateDelayed {
			continue
		}
		if !j.RunAt.IsZero() && j.RunAt.After(now) {
			continue
		}
		if best == nil ||
			j.Priority > best.Priority ||
			(j.Priority == best.Priority && j.EnqueueSeq < best.EnqueueSeq) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.State = job.StateProcessing
	best.WorkerID = workerID
	started := now
	best.StartedAt = &started
	best.Touch()

	cp := *best
	return &cp, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, subpilot.ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

// UpdateJob persists changes to an existing job.
func (m *Store) UpdateJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return subpilot.ErrJobNotFound
	}
	cp := *j
	m.jobs[key] = &cp
	return nil
}

// DeleteJob removes a job. A job mid-processing is refused.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	j, ok := m.jobs[key]
	if !ok {
		return subpilot.ErrJobNotFound
	}
	if j.State == job.StateProcessing {
		return subpilot.ErrJobProcessing
	}
	delete(m.jobs, key)
	return nil
}

// ListJobsByState returns jobs in the given state, enqueue-ordered.
func (m *Store) ListJobsByState(_ context.Context, state job.State) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.State == state {
			cp := *j
			out = append(out, &cp)
		}
	}
	sortJobs(out)
	return out, nil
}

// ListJobsByType returns jobs of the given type, enqueue-ordered.
func (m *Store) ListJobsByType(_ context.Context, jobType string) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Type == jobType {
			cp := *j
			out = append(out, &cp)
		}
	}
	sortJobs(out)
	return out, nil
}

func sortJobs(jobs []*job.Job) {
	sort.Slice(jobs, func(a, b int) bool {
		return jobs[a].EnqueueSeq < jobs[b].EnqueueSeq
	})
}

// JobStats returns per-state counts.
func (m *Store) JobStats(_ context.Context) (job.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s job.Stats
	for _, j := range m.jobs {
		switch j.State {
		case job.StatePending:
			s.Pending++
		case job.StateProcessing:
			s.Processing++
		case job.StateCompleted:
			s.Completed++
		case job.StateFailed:
			s.Failed++
		case job.StateDelayed:
			s.Delayed++
		case job.StateCancelled:
			s.Cancelled++
		}
		s.Total++
	}
	return s, nil
}

// PurgeFinishedJobs removes terminal jobs older than cutoff.
func (m *Store) PurgeFinishedJobs(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, j := range m.jobs {
		if !j.State.Terminal() {
			continue
		}
		ts := j.UpdatedAt
		if j.CompletedAt != nil {
			ts = *j.CompletedAt
		}
		if ts.Before(cutoff) {
			delete(m.jobs, key)
			removed++
		}
	}
	return removed, nil
}

// ClearJobs removes every job unless one is mid-processing.
func (m *Store) ClearJobs(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.State == job.StateProcessing {
			return subpilot.ErrJobProcessing
		}
	}
	m.jobs = make(map[string]*job.Job)
	return nil
}

// ──────────────────────────────────────────────────
// Workflow store
// ──────────────────────────────────────────────────

// CreateInstance persists a new workflow instance.
func (m *Store) CreateInstance(_ context.Context, inst *workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	if _, exists := m.instances[key]; exists {
		return subpilot.ErrWorkflowAlreadyExists
	}
	cp := cloneInstance(inst)
	m.instances[key] = cp
	return nil
}

// GetInstance retrieves an instance by ID.
func (m *Store) GetInstance(_ context.Context, instID id.InstanceID) (*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[instID.String()]
	if !ok {
		return nil, subpilot.ErrInstanceNotFound
	}
	return cloneInstance(inst), nil
}

// UpdateInstance persists changes to an existing instance.
func (m *Store) UpdateInstance(_ context.Context, inst *workflow.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := inst.ID.String()
	if _, ok := m.instances[key]; !ok {
		return subpilot.ErrInstanceNotFound
	}
	m.instances[key] = cloneInstance(inst)
	return nil
}

// ListInstancesByStatus returns instances in the given status.
func (m *Store) ListInstancesByStatus(_ context.Context, status workflow.InstanceStatus) ([]*workflow.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*workflow.Instance, 0)
	for _, inst := range m.instances {
		if inst.Status == status {
			out = append(out, cloneInstance(inst))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].StartedAt.Before(out[b].StartedAt)
	})
	return out, nil
}

// InstanceStats returns per-status counts.
func (m *Store) InstanceStats(_ context.Context) (workflow.Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s workflow.Stats
	for _, inst := range m.instances {
		switch inst.Status {
		case workflow.StatusRunning:
			s.Running++
		case workflow.StatusCompleted:
			s.Completed++
		case workflow.StatusFailed:
			s.Failed++
		case workflow.StatusPaused:
			s.Paused++
		case workflow.StatusCancelled:
			s.Cancelled++
		}
		s.Total++
	}
	return s, nil
}

// PurgeFinishedInstances removes terminal instances older than cutoff.
func (m *Store) PurgeFinishedInstances(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, inst := range m.instances {
		if !inst.Status.Terminal() {
			continue
		}
		ts := inst.UpdatedAt
		if inst.CompletedAt != nil {
			ts = *inst.CompletedAt
		}
		if ts.Before(cutoff) {
			delete(m.instances, key)
			removed++
		}
	}
	return removed, nil
}

// cloneInstance deep-copies the fields the engine mutates so callers
// never share history or variable maps with the stored copy.
func cloneInstance(inst *workflow.Instance) *workflow.Instance {
	cp := *inst
	if inst.Variables != nil {
		cp.Variables = make(map[string]any, len(inst.Variables))
		for k, v := range inst.Variables {
			cp.Variables[k] = v
		}
	}
	cp.History = make([]workflow.StepExecution, len(inst.History))
	copy(cp.History, inst.History)
	return &cp
}
