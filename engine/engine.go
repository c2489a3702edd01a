// Package engine wires all subsystems together: the event bus, job
// registry, middleware chain, worker pool, workflow engine, retention
// janitor, and lifecycle coordinator.
//
// This package exists to break the import cycle: the root subpilot
// package defines Entity and Config (imported by job, workflow, etc.)
// and so cannot import those packages back. The engine package sits
// above all subsystem packages and below the application layer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/event"
	"github.com/doublegate/SubPilot-App-sub000/id"
	"github.com/doublegate/SubPilot-App-sub000/job"
	mw "github.com/doublegate/SubPilot-App-sub000/middleware"
	"github.com/doublegate/SubPilot-App-sub000/queue"
	"github.com/doublegate/SubPilot-App-sub000/retention"
	"github.com/doublegate/SubPilot-App-sub000/store"
	"github.com/doublegate/SubPilot-App-sub000/worker"
	"github.com/doublegate/SubPilot-App-sub000/workflow"
)

// instrumentationScope is the OTel scope name for engine-built middleware.
const instrumentationScope = "github.com/doublegate/SubPilot-App-sub000"

// probeEvent is the bus round-trip self-test type used during
// initialization.
const probeEvent = event.Type("health.probe")

// Engine is the assembled orchestration core.
// Use Build() to create one.
type Engine struct {
	cfg    subpilot.Config
	store  store.Store
	logger *slog.Logger

	bus        *event.Bus
	registry   *job.Registry
	queue      *worker.Queue
	pool       *worker.Pool
	wfRegistry *workflow.Registry
	workflows  *workflow.Engine
	janitor    *retention.Janitor
	coord      *subpilot.Coordinator

	// Options accumulated before wiring.
	mws          []mw.Middleware
	queueConfigs []queue.Config
	queueManager *queue.Manager
	evaluator    workflow.Evaluator

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger used across all subsystems.
func WithLogger(l *slog.Logger) Option {
	return func(eng *Engine) { eng.logger = l }
}

// WithMiddleware appends middleware to the default job execution chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) { eng.mws = append(eng.mws, m) }
}

// WithQueueConfig registers job-type rate limiting and concurrency
// configurations. Types not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(eng *Engine) { eng.queueConfigs = append(eng.queueConfigs, configs...) }
}

// WithEvaluator sets the condition evaluator used by the workflow
// engine. Defaults to workflow.NewExprEvaluator.
func WithEvaluator(e workflow.Evaluator) Option {
	return func(eng *Engine) { eng.evaluator = e }
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses this provider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) { eng.tracerProvider = tp }
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, the
// metrics middleware uses this provider instead of the global one.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) { eng.meterProvider = mp }
}

// Build assembles an Engine from a config and a store.
func Build(cfg subpilot.Config, st store.Store, opts ...Option) (*Engine, error) {
	if st == nil {
		return nil, subpilot.ErrNoStore
	}

	eng := &Engine{
		cfg:    cfg,
		store:  st,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(eng)
	}

	eng.bus = event.NewBus(event.WithBusLogger(eng.logger))
	eng.registry = job.NewRegistry(eng.logger)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationScope))
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationScope))
	} else {
		metricsMw = mw.Metrics()
	}

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	allMws := []mw.Middleware{
		mw.Recover(eng.logger),
		tracingMw,
		metricsMw,
		mw.Logging(eng.logger),
		mw.Timeout(eng.logger),
	}
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.registry, st, eng.bus, eng.logger, allMws...)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(cfg.Concurrency),
		worker.WithTickInterval(cfg.TickInterval),
	}
	if len(eng.queueConfigs) > 0 {
		eng.queueManager = queue.NewManager(eng.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(eng.queueManager))
	}
	eng.pool = worker.NewPool(st, executor, eng.logger, poolOpts...)

	eng.queue = worker.NewQueue(st, eng.bus, worker.WithQueueLogger(eng.logger))
	eng.queue.Bind(eng.pool)

	eng.wfRegistry = workflow.NewRegistry(eng.logger)
	wfOpts := []workflow.EngineOption{workflow.WithEngineLogger(eng.logger)}
	if eng.evaluator != nil {
		wfOpts = append(wfOpts, workflow.WithEvaluator(eng.evaluator))
	}
	eng.workflows = workflow.NewEngine(eng.wfRegistry, st, eng.queue, eng.bus, wfOpts...)

	if cfg.CleanupSchedule != "" {
		eng.janitor = retention.New(
			eng.queue, eng.workflows,
			cfg.CleanupSchedule, cfg.JobRetention, cfg.InstanceRetention,
			retention.WithLogger(eng.logger),
		)
	}

	eng.coord = subpilot.NewCoordinator(subpilot.WithCoordinatorLogger(eng.logger))
	eng.coord.RegisterHealthCheck("store", st.Ping)
	eng.coord.RegisterHealthCheck("job-queue", eng.queueHealth)
	eng.coord.RegisterHealthCheck("event-bus", eng.busProbe)

	return eng, nil
}

// queueHealth applies the job queue's failure-rate budget.
func (eng *Engine) queueHealth(ctx context.Context) error {
	if !eng.queue.Healthy(ctx) {
		return errors.New("job failure rate over budget")
	}
	return nil
}

// busProbe verifies the event bus delivers a published event back to a
// one-shot listener within the configured probe timeout.
func (eng *Engine) busProbe(ctx context.Context) error {
	done := make(chan struct{})
	eng.bus.SubscribeOnce(probeEvent, func(event.Event) { close(done) })
	eng.bus.Publish(probeEvent, nil)

	timeout := eng.cfg.ProbeTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(timeout):
		return fmt.Errorf("%w: event bus probe timed out", subpilot.ErrHealthCheck)
	}
}

// Start brings all subsystems up, registers their shutdown hooks, and
// runs the coordinator's health checks. Hooks are registered in startup
// order; the coordinator unwinds them LIFO on Shutdown.
func (eng *Engine) Start(ctx context.Context) error {
	eng.coord.OnShutdown("store", func(context.Context) error { return eng.store.Close() })
	eng.coord.OnShutdown("job-queue", func(context.Context) error {
		eng.queue.Close()
		return nil
	})

	if err := eng.pool.Start(ctx); err != nil {
		return fmt.Errorf("start worker pool: %w", err)
	}
	eng.coord.OnShutdown("worker-pool", eng.pool.Stop)
	eng.coord.OnShutdown("workflow-engine", eng.workflows.Stop)

	if eng.janitor != nil {
		if err := eng.janitor.Start(); err != nil {
			return fmt.Errorf("start retention janitor: %w", err)
		}
		eng.coord.OnShutdown("retention-janitor", eng.janitor.Stop)
	}

	return eng.coord.Initialize(ctx)
}

// Stop gracefully shuts down all subsystems in reverse start order.
func (eng *Engine) Stop(ctx context.Context) error {
	return eng.coord.Shutdown(ctx)
}

// HandleSignals installs SIGINT/SIGTERM handlers that trigger a
// graceful Stop bounded by the configured shutdown timeout.
func (eng *Engine) HandleSignals(ctx context.Context) {
	eng.coord.HandleSignals(ctx, eng.cfg.ShutdownTimeout)
}

// Health re-runs all registered health checks and reports the first
// failure.
func (eng *Engine) Health(ctx context.Context) error {
	return eng.coord.Healthy(ctx)
}

// Register registers a typed job definition with the engine.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
}

// Enqueue creates and enqueues a job with a typed payload.
func Enqueue[T any](ctx context.Context, eng *Engine, jobType string, payload T, opts ...job.Option) (*job.Job, error) {
	return eng.queue.AddJob(ctx, jobType, payload, opts...)
}

// RegisterWorkflow validates and registers a workflow definition.
func (eng *Engine) RegisterWorkflow(def *workflow.Definition) error {
	return eng.wfRegistry.Register(def)
}

// StartWorkflow starts an instance of a registered definition.
func (eng *Engine) StartWorkflow(ctx context.Context, definitionID, ownerID string, variables map[string]any) (*workflow.Instance, error) {
	return eng.workflows.StartWorkflow(ctx, definitionID, ownerID, variables)
}

// CancelWorkflow requests cooperative cancellation of a running instance.
func (eng *Engine) CancelWorkflow(ctx context.Context, instID id.InstanceID) error {
	return eng.workflows.CancelWorkflow(ctx, instID)
}

// Queue returns the job submission facade.
func (eng *Engine) Queue() *worker.Queue { return eng.queue }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Bus returns the event bus.
func (eng *Engine) Bus() *event.Bus { return eng.bus }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Workflows returns the workflow engine.
func (eng *Engine) Workflows() *workflow.Engine { return eng.workflows }

// WorkflowRegistry returns the workflow definition registry.
func (eng *Engine) WorkflowRegistry() *workflow.Registry { return eng.wfRegistry }

// Coordinator returns the lifecycle coordinator.
func (eng *Engine) Coordinator() *subpilot.Coordinator { return eng.coord }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (eng *Engine) QueueManager() *queue.Manager { return eng.queueManager }

// Janitor returns the retention janitor, or nil if scheduled cleanup is
// disabled.
func (eng *Engine) Janitor() *retention.Janitor { return eng.janitor }
