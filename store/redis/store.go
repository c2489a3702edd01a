// Package redis implements store.Store on Redis for ephemeral
// high-throughput deployments. Jobs live as JSON values with a Sorted
// Set acting as the priority queue; workflow instances are JSON values
// indexed by a Set.
//
// Usage:
//
//	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	s := redisstore.New(client)
//	if err := s.Ping(ctx); err != nil { ... }
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/id"
	"github.com/doublegate/SubPilot-App-sub000/job"
	"github.com/doublegate/SubPilot-App-sub000/workflow"
)

// Compile-time interface checks.
var (
	_ job.Store      = (*Store)(nil)
	_ workflow.Store = (*Store)(nil)
)

// Option configures the Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements the composite store.Store interface backed by Redis.
type Store struct {
	client goredis.Cmdable
	logger *slog.Logger
}

// New creates a new Redis-backed store. The caller owns the Redis
// client lifecycle.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Client returns the underlying Redis client.
func (s *Store) Client() goredis.Cmdable { return s.client }

// Ping verifies the Redis connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close is a no-op — the caller owns the Redis client lifecycle.
func (s *Store) Close() error { return nil }

// ── Key scheme ──
// All keys are prefixed with "subpilot:" to avoid collisions.

const (
	keyPrefix   = "subpilot:"
	jobIDsKey   = keyPrefix + "job_ids"
	jobQueueKey = keyPrefix + "job_queue"
	jobSeqKey   = keyPrefix + "job_seq"
	instIDsKey  = keyPrefix + "instance_ids"
)

func jobKey(jid string) string      { return keyPrefix + "job:" + jid }
func instanceKey(iid string) string { return keyPrefix + "instance:" + iid }

// jobScore orders the queue Sorted Set: lowest score dequeues first.
// Higher priority sorts lower; within a priority, earlier enqueue
// sequence sorts lower (stable FIFO tie-break).
func jobScore(priority int, seq uint64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

// ──────────────────────────────────────────────────
// Job store
// ──────────────────────────────────────────────────

// EnqueueJob stores the job as JSON and adds it to the queue Sorted Set.
func (s *Store) EnqueueJob(ctx context.Context, j *job.Job) error {
	jid := j.ID.String()
	key := jobKey(jid)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("subpilot/redis: enqueue check exists: %w", err)
	}
	if exists > 0 {
		return subpilot.ErrJobAlreadyExists
	}

	seq, err := s.client.Incr(ctx, jobSeqKey).Result()
	if err != nil {
		return fmt.Errorf("subpilot/redis: enqueue seq: %w", err)
	}
	j.EnqueueSeq = uint64(seq)

	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("subpilot/redis: marshal job: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, jobIDsKey, jid)
	pipe.ZAdd(ctx, jobQueueKey, goredis.Z{Score: jobScore(j.Priority, j.EnqueueSeq), Member: jid})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subpilot/redis: enqueue job: %w", err)
	}
	return nil
}

// DequeueJob scans the queue Sorted Set in priority order and claims
// the first job whose RunAt has arrived.
func (s *Store) DequeueJob(ctx context.Context, workerID id.WorkerID) (*job.Job, error) {
	now := time.Now().UTC()

	members, err := s.client.ZRange(ctx, jobQueueKey, 0, 63).Result()
	if err != nil {
		return nil, fmt.Errorf("subpilot/redis: dequeue zrange: %w", err)
	}

	for _, jid := range members {
		j, getErr := s.getJob(ctx, jobKey(jid))
		if getErr != nil {
			if errors.Is(getErr, subpilot.ErrJobNotFound) {
				// Stale queue entry; drop it.
				s.client.ZRem(ctx, jobQueueKey, jid)
				continue
			}
			return nil, getErr
		}

		if j.State != job.StatePending && j.State != job.StateDelayed {
			s.client.ZRem(ctx, jobQueueKey, jid)
			continue
		}
		if !j.RunAt.IsZero() && j.RunAt.After(now) {
			continue
		}

		// Claim: only the caller that removes the queue entry wins.
		removed, remErr := s.client.ZRem(ctx, jobQueueKey, jid).Result()
		if remErr != nil {
			return nil, fmt.Errorf("subpilot/redis: dequeue claim: %w", remErr)
		}
		if removed == 0 {
			continue
		}

		j.State = job.StateProcessing
		j.WorkerID = workerID
		started := now
		j.StartedAt = &started
		j.Touch()
		if err := s.writeJob(ctx, j); err != nil {
			return nil, err
		}
		return j, nil
	}
	return nil, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return s.getJob(ctx, jobKey(jobID.String()))
}

func (s *Store) getJob(ctx context.Context, key string) (*job.Job, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, subpilot.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subpilot/redis: get job: %w", err)
	}

	var j job.Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("subpilot/redis: decode job: %w", err)
	}
	return &j, nil
}

func (s *Store) writeJob(ctx context.Context, j *job.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("subpilot/redis: marshal job: %w", err)
	}
	if err := s.client.Set(ctx, jobKey(j.ID.String()), data, 0).Err(); err != nil {
		return fmt.Errorf("subpilot/redis: write job: %w", err)
	}
	return nil
}

// UpdateJob persists changes to an existing job. A job re-entering a
// runnable state (retry backoff, cancellation undo) is re-added to the
// queue Sorted Set.
func (s *Store) UpdateJob(ctx context.Context, j *job.Job) error {
	jid := j.ID.String()

	exists, err := s.client.Exists(ctx, jobKey(jid)).Result()
	if err != nil {
		return fmt.Errorf("subpilot/redis: update job exists: %w", err)
	}
	if exists == 0 {
		return subpilot.ErrJobNotFound
	}

	j.Touch()
	if err := s.writeJob(ctx, j); err != nil {
		return err
	}

	switch j.State {
	case job.StatePending, job.StateDelayed:
		err = s.client.ZAdd(ctx, jobQueueKey, goredis.Z{
			Score:  jobScore(j.Priority, j.EnqueueSeq),
			Member: jid,
		}).Err()
	default:
		err = s.client.ZRem(ctx, jobQueueKey, jid).Err()
	}
	if err != nil {
		return fmt.Errorf("subpilot/redis: update queue entry: %w", err)
	}
	return nil
}

// DeleteJob removes a job by ID. A job mid-processing is refused.
func (s *Store) DeleteJob(ctx context.Context, jobID id.JobID) error {
	jid := jobID.String()

	j, err := s.getJob(ctx, jobKey(jid))
	if err != nil {
		return err
	}
	if j.State == job.StateProcessing {
		return subpilot.ErrJobProcessing
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, jobKey(jid))
	pipe.SRem(ctx, jobIDsKey, jid)
	pipe.ZRem(ctx, jobQueueKey, jid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subpilot/redis: delete job: %w", err)
	}
	return nil
}

// ListJobsByState returns jobs in the given state.
func (s *Store) ListJobsByState(ctx context.Context, state job.State) ([]*job.Job, error) {
	return s.listJobs(ctx, func(j *job.Job) bool { return j.State == state })
}

// ListJobsByType returns jobs of the given type.
func (s *Store) ListJobsByType(ctx context.Context, jobType string) ([]*job.Job, error) {
	return s.listJobs(ctx, func(j *job.Job) bool { return j.Type == jobType })
}

func (s *Store) listJobs(ctx context.Context, keep func(*job.Job) bool) ([]*job.Job, error) {
	ids, err := s.client.SMembers(ctx, jobIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("subpilot/redis: list job ids: %w", err)
	}

	out := make([]*job.Job, 0, len(ids))
	for _, jid := range ids {
		j, getErr := s.getJob(ctx, jobKey(jid))
		if errors.Is(getErr, subpilot.ErrJobNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		if keep(j) {
			out = append(out, j)
		}
	}
	return out, nil
}

// JobStats returns per-state counts.
func (s *Store) JobStats(ctx context.Context) (job.Stats, error) {
	jobs, err := s.listJobs(ctx, func(*job.Job) bool { return true })
	if err != nil {
		return job.Stats{}, err
	}

	var st job.Stats
	for _, j := range jobs {
		switch j.State {
		case job.StatePending:
			st.Pending++
		case job.StateProcessing:
			st.Processing++
		case job.StateCompleted:
			st.Completed++
		case job.StateFailed:
			st.Failed++
		case job.StateDelayed:
			st.Delayed++
		case job.StateCancelled:
			st.Cancelled++
		}
		st.Total++
	}
	return st, nil
}

// PurgeFinishedJobs removes terminal jobs older than cutoff.
func (s *Store) PurgeFinishedJobs(ctx context.Context, cutoff time.Time) (int, error) {
	jobs, err := s.listJobs(ctx, func(j *job.Job) bool { return j.State.Terminal() })
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, j := range jobs {
		ts := j.UpdatedAt
		if j.CompletedAt != nil {
			ts = *j.CompletedAt
		}
		if !ts.Before(cutoff) {
			continue
		}
		if err := s.DeleteJob(ctx, j.ID); err != nil && !errors.Is(err, subpilot.ErrJobNotFound) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// ClearJobs removes every job unless one is mid-processing.
func (s *Store) ClearJobs(ctx context.Context) error {
	jobs, err := s.listJobs(ctx, func(*job.Job) bool { return true })
	if err != nil {
		return err
	}
	for _, j := range jobs {
		if j.State == job.StateProcessing {
			return subpilot.ErrJobProcessing
		}
	}
	for _, j := range jobs {
		if err := s.DeleteJob(ctx, j.ID); err != nil && !errors.Is(err, subpilot.ErrJobNotFound) {
			return err
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Workflow store
// ──────────────────────────────────────────────────

// CreateInstance persists a new workflow instance.
func (s *Store) CreateInstance(ctx context.Context, inst *workflow.Instance) error {
	iid := inst.ID.String()
	key := instanceKey(iid)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("subpilot/redis: create instance exists: %w", err)
	}
	if exists > 0 {
		return subpilot.ErrWorkflowAlreadyExists
	}

	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("subpilot/redis: marshal instance: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, key, data, 0)
	pipe.SAdd(ctx, instIDsKey, iid)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("subpilot/redis: create instance: %w", err)
	}
	return nil
}

// GetInstance retrieves an instance by ID.
func (s *Store) GetInstance(ctx context.Context, instID id.InstanceID) (*workflow.Instance, error) {
	data, err := s.client.Get(ctx, instanceKey(instID.String())).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, subpilot.ErrInstanceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("subpilot/redis: get instance: %w", err)
	}

	var inst workflow.Instance
	if err := json.Unmarshal(data, &inst); err != nil {
		return nil, fmt.Errorf("subpilot/redis: decode instance: %w", err)
	}
	return &inst, nil
}

// UpdateInstance persists changes to an existing instance.
func (s *Store) UpdateInstance(ctx context.Context, inst *workflow.Instance) error {
	key := instanceKey(inst.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("subpilot/redis: update instance exists: %w", err)
	}
	if exists == 0 {
		return subpilot.ErrInstanceNotFound
	}

	inst.Touch()
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("subpilot/redis: marshal instance: %w", err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("subpilot/redis: update instance: %w", err)
	}
	return nil
}

// ListInstancesByStatus returns instances in the given status.
func (s *Store) ListInstancesByStatus(ctx context.Context, status workflow.InstanceStatus) ([]*workflow.Instance, error) {
	ids, err := s.client.SMembers(ctx, instIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("subpilot/redis: list instance ids: %w", err)
	}

	out := make([]*workflow.Instance, 0, len(ids))
	for _, iid := range ids {
		parsed, parseErr := id.ParseInstanceID(iid)
		if parseErr != nil {
			continue
		}
		inst, getErr := s.GetInstance(ctx, parsed)
		if errors.Is(getErr, subpilot.ErrInstanceNotFound) {
			continue
		}
		if getErr != nil {
			return nil, getErr
		}
		if inst.Status == status {
			out = append(out, inst)
		}
	}
	return out, nil
}

// InstanceStats returns per-status counts.
func (s *Store) InstanceStats(ctx context.Context) (workflow.Stats, error) {
	ids, err := s.client.SMembers(ctx, instIDsKey).Result()
	if err != nil {
		return workflow.Stats{}, fmt.Errorf("subpilot/redis: list instance ids: %w", err)
	}

	var st workflow.Stats
	for _, iid := range ids {
		parsed, parseErr := id.ParseInstanceID(iid)
		if parseErr != nil {
			continue
		}
		inst, getErr := s.GetInstance(ctx, parsed)
		if errors.Is(getErr, subpilot.ErrInstanceNotFound) {
			continue
		}
		if getErr != nil {
			return workflow.Stats{}, getErr
		}
		switch inst.Status {
		case workflow.StatusRunning:
			st.Running++
		case workflow.StatusCompleted:
			st.Completed++
		case workflow.StatusFailed:
			st.Failed++
		case workflow.StatusPaused:
			st.Paused++
		case workflow.StatusCancelled:
			st.Cancelled++
		}
		st.Total++
	}
	return st, nil
}

// PurgeFinishedInstances removes terminal instances older than cutoff.
func (s *Store) PurgeFinishedInstances(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, instIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("subpilot/redis: list instance ids: %w", err)
	}

	removed := 0
	for _, iid := range ids {
		parsed, parseErr := id.ParseInstanceID(iid)
		if parseErr != nil {
			continue
		}
		inst, getErr := s.GetInstance(ctx, parsed)
		if errors.Is(getErr, subpilot.ErrInstanceNotFound) {
			continue
		}
		if getErr != nil {
			return removed, getErr
		}
		if !inst.Status.Terminal() {
			continue
		}
		ts := inst.UpdatedAt
		if inst.CompletedAt != nil {
			ts = *inst.CompletedAt
		}
		if !ts.Before(cutoff) {
			continue
		}

		pipe := s.client.TxPipeline()
		pipe.Del(ctx, instanceKey(iid))
		pipe.SRem(ctx, instIDsKey, iid)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, fmt.Errorf("subpilot/redis: purge instance: %w", err)
		}
		removed++
	}
	return removed, nil
}
