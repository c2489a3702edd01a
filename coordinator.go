package subpilot

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// HealthCheck verifies that a dependency is reachable and responsive.
// A non-nil error fails initialization.
type HealthCheck func(ctx context.Context) error

// ShutdownHook releases a resource during shutdown. Hooks run in
// reverse registration order (LIFO) so the most recently started
// subsystem stops first.
type ShutdownHook func(ctx context.Context) error

type namedCheck struct {
	name  string
	check HealthCheck
}

type namedHook struct {
	name string
	hook ShutdownHook
}

// Coordinator is the composition root's operational safety net. It
// runs startup health checks, owns the shutdown hook stack, listens
// for termination signals, and exposes status to monitoring.
//
// Create one with NewCoordinator and inject it where needed; there is
// deliberately no package-level singleton.
type Coordinator struct {
	logger *slog.Logger

	mu          sync.Mutex
	checks      []namedCheck
	hooks       []namedHook
	initialized bool
	shutdownRun bool
	startedAt   time.Time

	signalOnce sync.Once
	signalStop context.CancelFunc
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorLogger sets the coordinator's logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterHealthCheck adds a named check run during Initialize.
// Checks registered after initialization are only consulted by Healthy.
func (c *Coordinator) RegisterHealthCheck(name string, check HealthCheck) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// OnShutdown pushes a hook onto the shutdown stack.
func (c *Coordinator) OnShutdown(name string, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook{name: name, hook: hook})
}

// Initialize runs all registered health checks concurrently and marks
// the coordinator ready. It is idempotent: repeated calls after a
// successful initialization log a warning and return nil. If any check
// fails, hooks registered so far are unwound and the error is returned.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		c.logger.Warn("coordinator already initialized, ignoring repeated Initialize")
		return nil
	}
	checks := make([]namedCheck, len(c.checks))
	copy(checks, c.checks)
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, nc := range checks {
		g.Go(func() error {
			if err := nc.check(gctx); err != nil {
				return fmt.Errorf("%w: %s: %w", ErrHealthCheck, nc.name, err)
			}
			c.logger.Debug("health check passed", slog.String("check", nc.name))
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		c.logger.Error("initialization aborted", slog.String("error", err.Error()))
		// Unwind whatever was started before the failing check.
		if sdErr := c.Shutdown(ctx); sdErr != nil {
			c.logger.Error("cleanup after failed initialization",
				slog.String("error", sdErr.Error()),
			)
		}
		return err
	}

	c.mu.Lock()
	c.initialized = true
	c.shutdownRun = false
	c.startedAt = time.Now().UTC()
	c.mu.Unlock()

	c.logger.Info("orchestration core initialized",
		slog.Int("health_checks", len(checks)),
	)
	return nil
}

// Shutdown runs all registered hooks in reverse registration order.
// It is idempotent; hook failures are logged and do not block the
// remaining hooks.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdownRun {
		c.mu.Unlock()
		return nil
	}
	c.shutdownRun = true
	c.initialized = false
	hooks := make([]namedHook, len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	c.logger.Info("shutting down", slog.Int("hooks", len(hooks)))

	var firstErr error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		if err := h.hook(ctx); err != nil {
			c.logger.Error("shutdown hook failed",
				slog.String("hook", h.name),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("shutdown hook %q: %w", h.name, err)
			}
			continue
		}
		c.logger.Debug("shutdown hook completed", slog.String("hook", h.name))
	}
	return firstErr
}

// HandleSignals installs handlers for SIGINT and SIGTERM that trigger
// a graceful Shutdown bounded by the given timeout. It returns
// immediately; the watcher goroutine exits after the first signal or
// when the context is cancelled. Repeated calls are no-ops.
func (c *Coordinator) HandleSignals(ctx context.Context, timeout time.Duration) {
	c.signalOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		c.signalStop = cancel

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		go func() {
			defer signal.Stop(sigCh)
			select {
			case sig := <-sigCh:
				c.logger.Info("termination signal received",
					slog.String("signal", sig.String()),
				)
				sdCtx, sdCancel := context.WithTimeout(context.Background(), timeout)
				defer sdCancel()
				if err := c.Shutdown(sdCtx); err != nil {
					c.logger.Error("signal shutdown", slog.String("error", err.Error()))
				}
			case <-ctx.Done():
			}
		}()
	})
}

// Recover is meant to be deferred at the top of core-owned goroutines.
// A panic is logged with its stack and triggers an emergency shutdown
// instead of crashing the process silently.
func (c *Coordinator) Recover(timeout time.Duration) {
	if r := recover(); r != nil {
		c.logger.Error("unhandled panic, emergency shutdown",
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())),
		)
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := c.Shutdown(ctx); err != nil {
			c.logger.Error("emergency shutdown", slog.String("error", err.Error()))
		}
	}
}

// Status is a point-in-time snapshot for monitoring.
type Status struct {
	Initialized   bool          `json:"initialized"`
	Uptime        time.Duration `json:"uptime"`
	ShutdownHooks int           `json:"shutdown_hooks"`
	HealthChecks  int           `json:"health_checks"`
}

// GetStatus reports whether the coordinator is initialized, how long it
// has been up, and how many hooks/checks are registered.
func (c *Coordinator) GetStatus() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		Initialized:   c.initialized,
		ShutdownHooks: len(c.hooks),
		HealthChecks:  len(c.checks),
	}
	if c.initialized {
		s.Uptime = time.Since(c.startedAt)
	}
	return s
}

// Healthy re-runs all registered health checks sequentially and
// reports the first failure. Used by the monitoring surface after
// startup.
func (c *Coordinator) Healthy(ctx context.Context) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	checks := make([]namedCheck, len(c.checks))
	copy(checks, c.checks)
	c.mu.Unlock()

	for _, nc := range checks {
		if err := nc.check(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrHealthCheck, nc.name, err)
		}
	}
	return nil
}
