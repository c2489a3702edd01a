package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/event"
	"github.com/doublegate/SubPilot-App-sub000/id"
	"github.com/doublegate/SubPilot-App-sub000/job"
)

// errCancelRequested marks a run context cancelled by CancelWorkflow,
// as opposed to a shutdown or timeout.
var errCancelRequested = errors.New("workflow: cancellation requested")

// JobRunner is the slice of the job queue the engine needs to execute
// task steps. *worker.Queue satisfies it.
type JobRunner interface {
	AddJob(ctx context.Context, jobType string, payload any, opts ...job.Option) (*job.Job, error)
	Wait(ctx context.Context, jobID id.JobID) (*job.Job, error)
	CancelJob(ctx context.Context, jobID id.JobID) error
}

// StepProcessor executes a single step and returns its output. Custom
// processors registered for a step type take precedence over the
// built-in task/condition/wait/parallel handling.
type StepProcessor func(ctx context.Context, inst *Instance, step *Step) (any, error)

// TaskPayload is the JSON payload handed to job handlers spawned by
// task steps.
type TaskPayload struct {
	InstanceID string         `json:"instance_id"`
	OwnerID    string         `json:"owner_id,omitempty"`
	StepID     string         `json:"step_id"`
	Variables  map[string]any `json:"variables,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
}

// Engine drives workflow instances through their definition's step
// graph. Each started instance runs on its own goroutine; progress is
// persisted to the store after every step and surfaced on the event
// bus.
type Engine struct {
	registry *Registry
	store    Store
	jobs     JobRunner
	bus      *event.Bus
	eval     Evaluator
	logger   *slog.Logger

	procMu     sync.RWMutex
	processors map[StepType]StepProcessor

	runMu   sync.Mutex
	running map[string]context.CancelCauseFunc
	wg      sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithEvaluator sets the condition evaluator.
func WithEvaluator(e Evaluator) EngineOption {
	return func(eng *Engine) { eng.eval = e }
}

// WithEngineLogger sets a custom logger.
func WithEngineLogger(l *slog.Logger) EngineOption {
	return func(eng *Engine) { eng.logger = l }
}

// NewEngine creates a workflow engine.
func NewEngine(registry *Registry, store Store, jobs JobRunner, bus *event.Bus, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:   registry,
		store:      store,
		jobs:       jobs,
		bus:        bus,
		eval:       NewExprEvaluator(),
		logger:     slog.Default(),
		processors: make(map[StepType]StepProcessor),
		running:    make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterStepProcessor installs a processor for a step type,
// overriding the built-in behaviour for that type. Registering the
// same type again replaces the previous processor with a warning.
func (e *Engine) RegisterStepProcessor(t StepType, p StepProcessor) {
	e.procMu.Lock()
	defer e.procMu.Unlock()
	if _, exists := e.processors[t]; exists {
		e.logger.Warn("step processor replaced", slog.String("step_type", string(t)))
	}
	e.processors[t] = p
}

func (e *Engine) processor(t StepType) (StepProcessor, bool) {
	e.procMu.RLock()
	defer e.procMu.RUnlock()
	p, ok := e.processors[t]
	return p, ok
}

// StartWorkflow creates an instance of the given definition and begins
// executing it asynchronously. The supplied variables overlay the
// definition's defaults. The returned instance is the initial snapshot;
// use GetWorkflowStatus to observe progress.
func (e *Engine) StartWorkflow(ctx context.Context, definitionID, ownerID string, variables map[string]any) (*Instance, error) {
	def, ok := e.registry.Get(definitionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", subpilot.ErrWorkflowNotFound, definitionID)
	}

	merged := make(map[string]any, len(def.Variables)+len(variables))
	for k, v := range def.Variables {
		merged[k] = v
	}
	for k, v := range variables {
		merged[k] = v
	}

	now := time.Now().UTC()
	inst := &Instance{
		Entity:       subpilot.NewEntity(),
		ID:           id.NewInstanceID(),
		DefinitionID: definitionID,
		OwnerID:      ownerID,
		Status:       StatusRunning,
		CurrentStep:  def.StartStep,
		Variables:    merged,
		StartedAt:    now,
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return nil, err
	}

	e.bus.Publish(event.WorkflowStarted, event.WorkflowEvent{
		InstanceID:   inst.ID,
		DefinitionID: definitionID,
		OwnerID:      ownerID,
		Step:         def.StartStep,
		Status:       string(StatusRunning),
	})

	runCtx, cancel := context.WithCancelCause(context.Background())
	e.runMu.Lock()
	e.running[inst.ID.String()] = cancel
	e.runMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.runMu.Lock()
			delete(e.running, inst.ID.String())
			e.runMu.Unlock()
			cancel(nil)
		}()
		e.run(runCtx, def, inst)
	}()

	return inst, nil
}

// CancelWorkflow requests cooperative cancellation of a running
// instance. The instance finishes its current step before transitioning
// to cancelled. Instances in any other status return ErrNotRunning.
func (e *Engine) CancelWorkflow(ctx context.Context, instID id.InstanceID) error {
	inst, err := e.store.GetInstance(ctx, instID)
	if err != nil {
		return err
	}
	if inst.Status != StatusRunning {
		return fmt.Errorf("%w: instance %s is %s", subpilot.ErrNotRunning, instID, inst.Status)
	}

	e.runMu.Lock()
	cancel, ok := e.running[instID.String()]
	e.runMu.Unlock()

	if ok {
		cancel(errCancelRequested)
		return nil
	}

	// Not running on this engine (e.g. orphaned after a restart):
	// transition directly.
	return e.finish(context.Background(), inst, StatusCancelled, "")
}

// GetWorkflowStatus returns the current snapshot of an instance.
func (e *Engine) GetWorkflowStatus(ctx context.Context, instID id.InstanceID) (*Instance, error) {
	return e.store.GetInstance(ctx, instID)
}

// GetStats returns per-status instance counts.
func (e *Engine) GetStats(ctx context.Context) (Stats, error) {
	return e.store.InstanceStats(ctx)
}

// CleanupOldInstances removes terminal instances older than the given
// retention period.
func (e *Engine) CleanupOldInstances(ctx context.Context, retention time.Duration) (int, error) {
	return e.store.PurgeFinishedInstances(ctx, time.Now().UTC().Add(-retention))
}

// Running returns the number of instances executing on this engine.
func (e *Engine) Running() int {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	return len(e.running)
}

// Stop cancels all running instances and waits for their goroutines to
// finish or the context to expire.
func (e *Engine) Stop(ctx context.Context) error {
	e.runMu.Lock()
	for instID, cancel := range e.running {
		e.logger.Warn("cancelling running workflow instance", slog.String("instance_id", instID))
		cancel(errCancelRequested)
	}
	e.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run walks the step graph until a terminal status is reached.
func (e *Engine) run(ctx context.Context, def *Definition, inst *Instance) {
	start := time.Now()
	current := def.StartStep

	for current != "" {
		if err := context.Cause(ctx); err != nil {
			e.finishRun(def, inst, start, StatusCancelled, "")
			return
		}

		step, ok := def.Step(current)
		if !ok {
			e.finishRun(def, inst, start, StatusFailed, fmt.Sprintf("step %q not found in definition %s", current, def.ID))
			return
		}

		inst.CurrentStep = current
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			e.logger.Error("failed to persist workflow progress",
				slog.String("instance_id", inst.ID.String()),
				slog.String("error", err.Error()),
			)
		}

		e.bus.Publish(event.WorkflowProgress, event.WorkflowEvent{
			InstanceID:   inst.ID,
			DefinitionID: inst.DefinitionID,
			OwnerID:      inst.OwnerID,
			Step:         current,
			Status:       string(StatusRunning),
		})
		if ce, ok := cancellationEnvelope(def, inst, string(StatusRunning), ""); ok {
			e.bus.Publish(event.CancellationProgress, ce)
		}

		output, branch, stepErr := e.runStep(ctx, def, inst, step)

		// Recorded before the error branch: a partially failed parallel
		// step still returns its per-branch outcome map, and the
		// failure edge needs to see it.
		if output != nil {
			inst.Variables[step.ID] = output
		}

		if stepErr != nil {
			if errors.Is(context.Cause(ctx), errCancelRequested) {
				e.finishRun(def, inst, start, StatusCancelled, "")
				return
			}
			if len(step.OnFailure) > 0 {
				current = step.OnFailure[0]
				continue
			}
			e.finishRun(def, inst, start, StatusFailed, stepErr.Error())
			return
		}

		switch {
		case branch != "":
			current = branch
		case len(step.OnSuccess) > 0:
			current = step.OnSuccess[0]
		case len(step.NextSteps) > 0:
			current = step.NextSteps[0]
		default:
			current = ""
		}
	}

	e.finishRun(def, inst, start, StatusCompleted, "")
}

// runStep executes one step with history recording and the step's
// timeout applied. branch is non-empty only for condition steps.
func (e *Engine) runStep(ctx context.Context, def *Definition, inst *Instance, step *Step) (output any, branch string, err error) {
	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		defer cancel()
	}

	exec := StepExecution{
		ID:        id.NewExecutionID(),
		StepID:    step.ID,
		Status:    ExecRunning,
		StartedAt: time.Now().UTC(),
	}

	output, branch, err = e.executeStep(stepCtx, def, inst, step)

	now := time.Now().UTC()
	exec.CompletedAt = &now
	if err != nil {
		exec.Status = ExecFailed
		exec.Error = err.Error()
	} else {
		exec.Status = ExecCompleted
		exec.Output = output
	}
	inst.History = append(inst.History, exec)

	return output, branch, err
}

// executeStep dispatches on step type. A registered StepProcessor for
// the type overrides the built-in behaviour.
func (e *Engine) executeStep(ctx context.Context, def *Definition, inst *Instance, step *Step) (any, string, error) {
	if proc, ok := e.processor(step.Type); ok {
		out, err := proc(ctx, inst, step)
		return out, "", err
	}

	switch step.Type {
	case StepTask:
		out, err := e.runTask(ctx, inst, step)
		return out, "", err
	case StepCondition:
		return e.runCondition(inst, step)
	case StepWait:
		return nil, "", e.runWait(ctx, step)
	case StepParallel:
		out, err := e.runParallel(ctx, def, inst, step)
		return out, "", err
	default:
		return nil, "", fmt.Errorf("workflow: unknown step type %q", step.Type)
	}
}

// runTask enqueues a job for the step and blocks until it reaches a
// terminal state.
func (e *Engine) runTask(ctx context.Context, inst *Instance, step *Step) (any, error) {
	opts := []job.Option{job.WithUserID(inst.OwnerID)}
	if step.Config.Priority != 0 {
		opts = append(opts, job.WithPriority(step.Config.Priority))
	}
	if step.Config.MaxAttempts > 0 {
		opts = append(opts, job.WithMaxAttempts(step.Config.MaxAttempts))
	}
	if step.Config.JobTimeout > 0 {
		opts = append(opts, job.WithTimeout(step.Config.JobTimeout))
	}

	payload := TaskPayload{
		InstanceID: inst.ID.String(),
		OwnerID:    inst.OwnerID,
		StepID:     step.ID,
		Variables:  inst.Variables,
		Params:     step.Config.Params,
	}

	j, err := e.jobs.AddJob(ctx, step.Config.JobType, payload, opts...)
	if err != nil {
		return nil, fmt.Errorf("workflow: enqueue task %s: %w", step.ID, err)
	}

	final, err := e.jobs.Wait(ctx, j.ID)
	if err != nil {
		// The workflow is going away; don't leave the job running.
		if cancelErr := e.jobs.CancelJob(context.Background(), j.ID); cancelErr != nil {
			e.logger.Debug("task job cancel after wait failure",
				slog.String("job_id", j.ID.String()),
				slog.String("error", cancelErr.Error()),
			)
		}
		return nil, fmt.Errorf("workflow: wait for task %s: %w", step.ID, err)
	}

	switch final.State {
	case job.StateCompleted:
		return decodeOutput(final.Output), nil
	case job.StateCancelled:
		return nil, fmt.Errorf("workflow: task %s: %w", step.ID, subpilot.ErrJobCancelled)
	default:
		return nil, fmt.Errorf("workflow: task %s failed: %s", step.ID, final.LastError)
	}
}

func decodeOutput(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return string(raw)
	}
	return out
}

// runCondition evaluates the step expression against instance variables
// and selects the matching branch.
func (e *Engine) runCondition(inst *Instance, step *Step) (any, string, error) {
	result, err := e.eval.Evaluate(step.Config.Expression, inst.Variables)
	if err != nil {
		return nil, "", err
	}
	if result {
		return result, step.Config.TrueStep, nil
	}
	return result, step.Config.FalseStep, nil
}

// runWait sleeps for the configured duration, honouring cancellation.
func (e *Engine) runWait(ctx context.Context, step *Step) error {
	timer := time.NewTimer(step.Config.Duration)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runParallel executes the referenced steps concurrently. Every branch
// runs to completion even if a sibling fails, and the per-branch
// outcome map is always returned as the step's output (failed branches
// carry an "error" entry) so downstream failure edges can react to
// partial results. The first failure is reported after all branches
// finish.
func (e *Engine) runParallel(ctx context.Context, def *Definition, inst *Instance, step *Step) (any, error) {
	var (
		g       errgroup.Group
		mu      sync.Mutex
		outputs = make(map[string]any, len(step.Config.Steps))
	)

	for _, subID := range step.Config.Steps {
		g.Go(func() error {
			sub, ok := def.Step(subID)
			if !ok {
				subErr := fmt.Errorf("workflow: parallel step %s references unknown step %q", step.ID, subID)
				mu.Lock()
				outputs[subID] = map[string]any{"error": subErr.Error()}
				mu.Unlock()
				return subErr
			}

			exec := StepExecution{
				ID:        id.NewExecutionID(),
				StepID:    sub.ID,
				Status:    ExecRunning,
				StartedAt: time.Now().UTC(),
			}

			out, _, subErr := e.executeStep(ctx, def, inst, sub)

			now := time.Now().UTC()
			exec.CompletedAt = &now
			mu.Lock()
			if subErr != nil {
				exec.Status = ExecFailed
				exec.Error = subErr.Error()
				outputs[sub.ID] = map[string]any{"error": subErr.Error()}
			} else {
				exec.Status = ExecCompleted
				exec.Output = out
				outputs[sub.ID] = out
			}
			inst.History = append(inst.History, exec)
			mu.Unlock()

			return subErr
		})
	}

	return outputs, g.Wait()
}

// finishRun transitions the instance to a terminal status and emits the
// matching lifecycle event.
func (e *Engine) finishRun(def *Definition, inst *Instance, start time.Time, status InstanceStatus, errMsg string) {
	if err := e.finish(context.Background(), inst, status, errMsg); err != nil {
		e.logger.Error("failed to persist terminal workflow state",
			slog.String("instance_id", inst.ID.String()),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}

	evtType := event.WorkflowCompleted
	switch status {
	case StatusFailed:
		evtType = event.WorkflowFailed
	case StatusCancelled:
		evtType = event.WorkflowCancelled
	}

	e.bus.Publish(evtType, event.WorkflowEvent{
		InstanceID:   inst.ID,
		DefinitionID: inst.DefinitionID,
		OwnerID:      inst.OwnerID,
		Step:         inst.CurrentStep,
		Status:       string(status),
		Error:        errMsg,
		Elapsed:      time.Since(start),
	})
	if ce, ok := cancellationEnvelope(def, inst, string(status), errMsg); ok {
		e.bus.Publish(event.CancellationProgress, ce)
	}

	e.logger.Info("workflow finished",
		slog.String("instance_id", inst.ID.String()),
		slog.String("definition_id", inst.DefinitionID),
		slog.String("status", string(status)),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// finish persists the terminal status on an instance.
func (e *Engine) finish(ctx context.Context, inst *Instance, status InstanceStatus, errMsg string) error {
	now := time.Now().UTC()
	inst.Status = status
	inst.Error = errMsg
	inst.CompletedAt = &now
	return e.store.UpdateInstance(ctx, inst)
}

// cancellationEnvelope builds the external correlation payload for
// instances whose variables carry subscription-cancellation context.
// Instances without a subscription_id or request_id produce no
// envelope.
func cancellationEnvelope(def *Definition, inst *Instance, status, errMsg string) (event.CancellationEvent, bool) {
	sub, _ := inst.Variables["subscription_id"].(string)
	req, _ := inst.Variables["request_id"].(string)
	if sub == "" && req == "" {
		return event.CancellationEvent{}, false
	}
	method, _ := inst.Variables["method"].(string)

	// Progress is the share of definition steps executed so far. Skipped
	// branches never run, so a completed instance reports 100 outright.
	progress := 0
	if status == string(StatusCompleted) {
		progress = 100
	} else if n := len(def.Steps); n > 0 {
		progress = len(inst.History) * 100 / n
		if progress > 100 {
			progress = 100
		}
	}

	return event.CancellationEvent{
		RequestID:       req,
		OrchestrationID: inst.ID.String(),
		SubscriptionID:  sub,
		UserID:          inst.OwnerID,
		Method:          method,
		Status:          status,
		Progress:        progress,
		Error:           errMsg,
	}, true
}
