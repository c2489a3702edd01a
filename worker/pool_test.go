package worker_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/event"
	"github.com/doublegate/SubPilot-App-sub000/job"
	"github.com/doublegate/SubPilot-App-sub000/middleware"
	"github.com/doublegate/SubPilot-App-sub000/store/memory"
	"github.com/doublegate/SubPilot-App-sub000/worker"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness assembles a store, bus, registry, executor, pool, and queue
// the way the engine package wires them.
type harness struct {
	store    *memory.Store
	bus      *event.Bus
	registry *job.Registry
	pool     *worker.Pool
	queue    *worker.Queue
}

func newHarness(t *testing.T, poolOpts ...worker.PoolOption) *harness {
	t.Helper()
	logger := quietLogger()

	st := memory.New()
	bus := event.NewBus(event.WithBusLogger(logger))
	registry := job.NewRegistry(logger)
	executor := worker.NewExecutor(registry, st, bus, logger,
		middleware.Recover(logger),
		middleware.Timeout(logger),
	)

	opts := append([]worker.PoolOption{
		worker.WithPoolConcurrency(2),
		worker.WithTickInterval(10 * time.Millisecond),
	}, poolOpts...)
	pool := worker.NewPool(st, executor, logger, opts...)

	q := worker.NewQueue(st, bus, worker.WithQueueLogger(logger))
	q.Bind(pool)

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("pool start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = pool.Stop(ctx)
		q.Close()
	})

	return &harness{store: st, bus: bus, registry: registry, pool: pool, queue: q}
}

func TestPool_ExecutesJobToCompletion(t *testing.T) {
	h := newHarness(t)

	h.registry.Register("cancel.validate", func(_ context.Context, payload []byte) ([]byte, error) {
		return []byte(`{"valid":true}`), nil
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.validate", map[string]string{"subscription_id": "sub_1"})
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateCompleted {
		t.Fatalf("final state = %s, want completed", final.State)
	}
	if string(final.Output) != `{"valid":true}` {
		t.Errorf("output = %s", final.Output)
	}
	if final.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", final.Attempts)
	}
}

func TestPool_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	h.registry.Register("cancel.attempt", func(_ context.Context, _ []byte) ([]byte, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("provider timeout")
		}
		return []byte(`"done"`), nil
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.attempt", nil,
		job.WithMaxAttempts(3),
		job.WithBackoff("fixed"),
		job.WithBackoffBase(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateCompleted {
		t.Fatalf("final state = %s, want completed (last error %q)", final.State, final.LastError)
	}
	if final.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", final.Attempts)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("handler calls = %d, want 3", got)
	}
}

func TestPool_ExhaustedAttemptsFail(t *testing.T) {
	h := newHarness(t)

	var (
		eventsMu sync.Mutex
		events   []event.Type
	)
	h.bus.Subscribe(event.Wildcard, func(evt event.Event) {
		eventsMu.Lock()
		events = append(events, evt.Type)
		eventsMu.Unlock()
	})

	h.registry.Register("cancel.attempt", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, errors.New("always failing")
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.attempt", nil,
		job.WithMaxAttempts(2),
		job.WithBackoff("fixed"),
		job.WithBackoffBase(10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateFailed {
		t.Fatalf("final state = %s, want failed", final.State)
	}
	if final.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", final.Attempts)
	}
	if final.LastError != "always failing" {
		t.Errorf("last error = %q", final.LastError)
	}

	eventsMu.Lock()
	defer eventsMu.Unlock()
	var sawRetry, sawFailed bool
	for _, e := range events {
		switch e {
		case event.JobRetryScheduled:
			sawRetry = true
		case event.JobFailed:
			sawFailed = true
		}
	}
	if !sawRetry || !sawFailed {
		t.Errorf("lifecycle events = %v, want retry_scheduled and failed", events)
	}
}

func TestPool_PermanentErrorSkipsRetry(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	h.registry.Register("cancel.validate", func(_ context.Context, _ []byte) ([]byte, error) {
		calls.Add(1)
		return nil, job.Permanent(errors.New("subscription does not exist"))
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.validate", nil, job.WithMaxAttempts(5))
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateFailed {
		t.Fatalf("final state = %s, want failed", final.State)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("handler calls = %d, want 1 (no retries on permanent failure)", got)
	}
}

func TestPool_RetryAfterOverridesBackoff(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	var firstRetryAt, secondCallAt time.Time
	h.registry.Register("cancel.attempt", func(_ context.Context, _ []byte) ([]byte, error) {
		switch calls.Add(1) {
		case 1:
			firstRetryAt = time.Now()
			return nil, job.RetryAfter(errors.New("rate limited"), 150*time.Millisecond)
		default:
			secondCallAt = time.Now()
			return nil, nil
		}
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.attempt", nil, job.WithMaxAttempts(3))
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateCompleted {
		t.Fatalf("final state = %s", final.State)
	}
	if gap := secondCallAt.Sub(firstRetryAt); gap < 150*time.Millisecond {
		t.Errorf("retry ran after %v, want at least the RetryAfter delay", gap)
	}
}

func TestPool_HandlerTimeout(t *testing.T) {
	h := newHarness(t)

	h.registry.Register("cancel.attempt", func(ctx context.Context, _ []byte) ([]byte, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.attempt", nil,
		job.WithTimeout(50*time.Millisecond),
		job.WithMaxAttempts(1),
	)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateFailed {
		t.Fatalf("final state = %s, want failed after timeout", final.State)
	}
}

func TestPool_PanicRecovered(t *testing.T) {
	h := newHarness(t)

	h.registry.Register("cancel.attempt", func(_ context.Context, _ []byte) ([]byte, error) {
		panic("handler bug")
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.attempt", nil, job.WithMaxAttempts(1))
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateFailed {
		t.Fatalf("final state = %s, want failed after panic", final.State)
	}
}

func TestPool_UnregisteredTypeFails(t *testing.T) {
	h := newHarness(t)

	j, err := h.queue.AddJob(context.Background(), "no.such.type", nil)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateFailed {
		t.Fatalf("final state = %s, want failed", final.State)
	}
}

func TestPool_DelayedJobRunsAfterDelay(t *testing.T) {
	h := newHarness(t)

	var ranAt atomic.Int64
	h.registry.Register("cancel.validate", func(_ context.Context, _ []byte) ([]byte, error) {
		ranAt.Store(time.Now().UnixNano())
		return nil, nil
	})

	enqueuedAt := time.Now()
	j, err := h.queue.AddJob(context.Background(), "cancel.validate", nil, job.WithDelay(100*time.Millisecond))
	if err != nil {
		t.Fatalf("add job: %v", err)
	}
	if j.State != job.StateDelayed {
		t.Fatalf("delayed job created in state %s", j.State)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateCompleted {
		t.Fatalf("final state = %s", final.State)
	}
	if elapsed := time.Unix(0, ranAt.Load()).Sub(enqueuedAt); elapsed < 100*time.Millisecond {
		t.Errorf("delayed job ran after %v, want at least 100ms", elapsed)
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	h := newHarness(t) // concurrency 2

	var active, peak atomic.Int32
	h.registry.Register("cancel.attempt", func(_ context.Context, _ []byte) ([]byte, error) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		active.Add(-1)
		return nil, nil
	})

	ids := make([]*job.Job, 0, 6)
	for i := range 6 {
		j, err := h.queue.AddJob(context.Background(), "cancel.attempt", fmt.Sprintf("payload-%d", i))
		if err != nil {
			t.Fatalf("add job: %v", err)
		}
		ids = append(ids, j)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, j := range ids {
		if _, err := h.queue.Wait(ctx, j.ID); err != nil {
			t.Fatalf("wait %s: %v", j.ID, err)
		}
	}

	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want at most pool size 2", p)
	}
}

func TestQueue_CancelPendingJob(t *testing.T) {
	h := newHarness(t)

	// No handler registered on purpose; the job sits pending only if
	// the pool cannot pick it up first, so use a delay.
	j, err := h.queue.AddJob(context.Background(), "cancel.attempt", nil, job.WithDelay(time.Hour))
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	if err := h.queue.CancelJob(context.Background(), j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	final, err := h.queue.GetJob(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", final.State)
	}

	// Cancelling a terminal job is an error.
	if err := h.queue.CancelJob(context.Background(), j.ID); !errors.Is(err, subpilot.ErrInvalidState) {
		t.Errorf("cancel of cancelled job = %v, want ErrInvalidState", err)
	}
}

func TestQueue_CancelProcessingJob(t *testing.T) {
	h := newHarness(t)

	started := make(chan struct{})
	h.registry.Register("cancel.attempt", func(ctx context.Context, _ []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.attempt", nil)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job never started")
	}

	if err := h.queue.CancelJob(context.Background(), j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateCancelled {
		t.Errorf("state = %s, want cancelled", final.State)
	}
}

func TestQueue_WaitReturnsImmediatelyForTerminalJob(t *testing.T) {
	h := newHarness(t)

	h.registry.Register("cancel.validate", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, nil
	})
	j, err := h.queue.AddJob(context.Background(), "cancel.validate", nil)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := h.queue.Wait(ctx, j.ID); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	// Second wait must not block.
	quick, quickCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer quickCancel()
	final, err := h.queue.Wait(quick, j.ID)
	if err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if !final.State.Terminal() {
		t.Errorf("state = %s", final.State)
	}
}

func TestQueue_RateLimitedTypeStillCompletes(t *testing.T) {
	// Covered via the engine-level queue manager; here we only check
	// the pool survives an Acquire denial by re-queueing.
	h := newHarness(t, worker.WithQueueManager(denyOnce{}))

	h.registry.Register("cancel.validate", func(_ context.Context, _ []byte) ([]byte, error) {
		return nil, nil
	})

	j, err := h.queue.AddJob(context.Background(), "cancel.validate", nil)
	if err != nil {
		t.Fatalf("add job: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := h.queue.Wait(ctx, j.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.State != job.StateCompleted {
		t.Errorf("state = %s", final.State)
	}
}

// denyOnce refuses the first Acquire and admits everything after.
type denyOnce struct{}

var denied atomic.Bool

func (denyOnce) Acquire(_, _ string) bool {
	return !denied.CompareAndSwap(false, true)
}

func (denyOnce) Release(_, _ string) {}
