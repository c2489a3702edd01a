package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	subpilot "github.com/doublegate/SubPilot-App-sub000"
	"github.com/doublegate/SubPilot-App-sub000/event"
	"github.com/doublegate/SubPilot-App-sub000/id"
	"github.com/doublegate/SubPilot-App-sub000/job"
	"github.com/doublegate/SubPilot-App-sub000/store/memory"
	"github.com/doublegate/SubPilot-App-sub000/workflow"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner executes task-step jobs synchronously inside Wait, so
// engine tests stay deterministic without a worker pool.
type fakeRunner struct {
	mu       sync.Mutex
	handlers map[string]func(ctx context.Context, p workflow.TaskPayload) (any, error)
	jobs     map[string]*job.Job
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		handlers: make(map[string]func(ctx context.Context, p workflow.TaskPayload) (any, error)),
		jobs:     make(map[string]*job.Job),
	}
}

func (f *fakeRunner) handle(jobType string, h func(ctx context.Context, p workflow.TaskPayload) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[jobType] = h
}

func (f *fakeRunner) AddJob(_ context.Context, jobType string, payload any, _ ...job.Option) (*job.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	j := &job.Job{
		ID:      id.NewJobID(),
		Type:    jobType,
		Payload: data,
		State:   job.StateProcessing,
	}
	f.mu.Lock()
	f.jobs[j.ID.String()] = j
	f.mu.Unlock()
	return j, nil
}

func (f *fakeRunner) Wait(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	f.mu.Lock()
	j, ok := f.jobs[jobID.String()]
	var h func(ctx context.Context, p workflow.TaskPayload) (any, error)
	if ok {
		h = f.handlers[j.Type]
	}
	f.mu.Unlock()

	if !ok {
		return nil, subpilot.ErrJobNotFound
	}
	if h == nil {
		j.State = job.StateFailed
		j.LastError = "no handler registered for " + j.Type
		return j, nil
	}

	var p workflow.TaskPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, err
	}

	out, err := h(ctx, p)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		j.State = job.StateFailed
		j.LastError = err.Error()
	} else {
		j.State = job.StateCompleted
		j.Output, _ = json.Marshal(out)
	}
	return j, nil
}

func (f *fakeRunner) CancelJob(_ context.Context, jobID id.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j, ok := f.jobs[jobID.String()]; ok && !j.State.Terminal() {
		j.State = job.StateCancelled
	}
	return nil
}

type engineFixture struct {
	engine *workflow.Engine
	runner *fakeRunner
	store  *memory.Store
	bus    *event.Bus
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	logger := quietLogger()
	st := memory.New()
	bus := event.NewBus(event.WithBusLogger(logger))
	runner := newFakeRunner()
	registry := workflow.NewRegistry(logger)
	eng := workflow.NewEngine(registry, st, runner, bus, workflow.WithEngineLogger(logger))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})

	fx := &engineFixture{engine: eng, runner: runner, store: st, bus: bus}
	if err := registry.Register(cancellationDef()); err != nil {
		t.Fatalf("register definition: %v", err)
	}
	return fx
}

// awaitTerminal subscribes before starting and returns a channel that
// fires once the instance reaches a terminal status.
func (fx *engineFixture) awaitTerminal() <-chan event.WorkflowEvent {
	ch := make(chan event.WorkflowEvent, 3)
	for _, t := range []event.Type{event.WorkflowCompleted, event.WorkflowFailed, event.WorkflowCancelled} {
		fx.bus.Subscribe(t, func(evt event.Event) {
			if we, ok := evt.Data.(event.WorkflowEvent); ok {
				ch <- we
			}
		})
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan event.WorkflowEvent) event.WorkflowEvent {
	t.Helper()
	select {
	case we := <-ch:
		return we
	case <-time.After(5 * time.Second):
		t.Fatal("workflow did not reach a terminal state")
		return event.WorkflowEvent{}
	}
}

func TestEngine_HappyPathCompletes(t *testing.T) {
	fx := newEngineFixture(t)

	fx.runner.handle("cancel.validate", func(_ context.Context, p workflow.TaskPayload) (any, error) {
		return map[string]any{"subscription_id": p.Variables["subscription_id"]}, nil
	})
	fx.runner.handle("cancel.attempt", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		return "requested", nil
	})
	fx.runner.handle("cancel.finalize", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		return "done", nil
	})

	done := fx.awaitTerminal()
	inst, err := fx.engine.StartWorkflow(context.Background(), "subscription.cancel", "user_1",
		map[string]any{"subscription_id": "sub_9", "confirmed": true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusCompleted) {
		t.Fatalf("terminal status = %s, error = %s", we.Status, we.Error)
	}

	final, err := fx.engine.GetWorkflowStatus(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if final.Status != workflow.StatusCompleted {
		t.Fatalf("instance status = %s", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}

	// History is append-only and ordered: validate, attempt, check, finalize.
	wantSteps := []string{"validate", "attempt", "check", "finalize"}
	if len(final.History) != len(wantSteps) {
		t.Fatalf("history length = %d (%v), want %d", len(final.History), stepIDs(final.History), len(wantSteps))
	}
	for i, want := range wantSteps {
		if final.History[i].StepID != want {
			t.Errorf("history[%d] = %s, want %s", i, final.History[i].StepID, want)
		}
		if final.History[i].Status != workflow.ExecCompleted {
			t.Errorf("history[%d] status = %s", i, final.History[i].Status)
		}
	}

	// Task outputs land in variables keyed by step id.
	if final.Variables["attempt"] != "requested" {
		t.Errorf("attempt output variable = %v", final.Variables["attempt"])
	}
}

func stepIDs(history []workflow.StepExecution) []string {
	ids := make([]string, len(history))
	for i, h := range history {
		ids[i] = h.StepID
	}
	return ids
}

func TestEngine_ConditionFalseBranch(t *testing.T) {
	fx := newEngineFixture(t)

	var manualRan bool
	fx.runner.handle("cancel.validate", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })
	fx.runner.handle("cancel.attempt", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })
	fx.runner.handle("cancel.manual", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		manualRan = true
		return nil, nil
	})

	done := fx.awaitTerminal()
	_, err := fx.engine.StartWorkflow(context.Background(), "subscription.cancel", "user_1",
		map[string]any{"confirmed": false})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusCompleted) {
		t.Fatalf("terminal status = %s, error = %s", we.Status, we.Error)
	}
	if !manualRan {
		t.Error("false branch did not route to the manual step")
	}
}

func TestEngine_OnFailureEdge(t *testing.T) {
	fx := newEngineFixture(t)

	var manualRan bool
	fx.runner.handle("cancel.validate", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })
	fx.runner.handle("cancel.attempt", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		return nil, errors.New("provider rejected the request")
	})
	fx.runner.handle("cancel.manual", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		manualRan = true
		return nil, nil
	})

	done := fx.awaitTerminal()
	inst, err := fx.engine.StartWorkflow(context.Background(), "subscription.cancel", "user_1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusCompleted) {
		t.Fatalf("terminal status = %s, error = %s", we.Status, we.Error)
	}
	if !manualRan {
		t.Error("failure edge did not route to the manual step")
	}

	final, _ := fx.engine.GetWorkflowStatus(context.Background(), inst.ID)
	var sawFailedExec bool
	for _, h := range final.History {
		if h.StepID == "attempt" && h.Status == workflow.ExecFailed {
			sawFailedExec = true
		}
	}
	if !sawFailedExec {
		t.Error("failed step execution missing from history")
	}
}

func TestEngine_FailureWithoutEdgeFailsInstance(t *testing.T) {
	fx := newEngineFixture(t)

	fx.runner.handle("cancel.validate", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		return nil, errors.New("subscription not found")
	})

	done := fx.awaitTerminal()
	inst, err := fx.engine.StartWorkflow(context.Background(), "subscription.cancel", "user_1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusFailed) {
		t.Fatalf("terminal status = %s", we.Status)
	}

	final, _ := fx.engine.GetWorkflowStatus(context.Background(), inst.ID)
	if final.Status != workflow.StatusFailed {
		t.Errorf("instance status = %s", final.Status)
	}
	if final.Error == "" {
		t.Error("instance error not recorded")
	}
}

func TestEngine_WaitStep(t *testing.T) {
	fx := newEngineFixture(t)
	logger := quietLogger()

	registry := workflow.NewRegistry(logger)
	def := &workflow.Definition{
		ID:        "cancel.cooldown",
		Version:   1,
		StartStep: "pause",
		Steps: []workflow.Step{
			{ID: "pause", Type: workflow.StepWait, Config: workflow.StepConfig{Duration: 80 * time.Millisecond}},
		},
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := workflow.NewEngine(registry, fx.store, fx.runner, fx.bus, workflow.WithEngineLogger(logger))

	done := fx.awaitTerminal()
	start := time.Now()
	if _, err := eng.StartWorkflow(context.Background(), "cancel.cooldown", "", nil); err != nil {
		t.Fatalf("start: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusCompleted) {
		t.Fatalf("terminal status = %s", we.Status)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("wait step finished after %v, want at least 80ms", elapsed)
	}
}

func TestEngine_ParallelRunsAllBranches(t *testing.T) {
	fx := newEngineFixture(t)
	logger := quietLogger()

	var mu sync.Mutex
	ran := map[string]bool{}
	mark := func(name string) {
		mu.Lock()
		ran[name] = true
		mu.Unlock()
	}

	fx.runner.handle("notify.email", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		mark("email")
		return nil, errors.New("smtp down")
	})
	fx.runner.handle("notify.audit", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		// Slower than the failing sibling; must still run to completion.
		time.Sleep(50 * time.Millisecond)
		mark("audit")
		return nil, nil
	})

	registry := workflow.NewRegistry(logger)
	def := &workflow.Definition{
		ID:        "cancel.notify",
		Version:   1,
		StartStep: "fanout",
		Steps: []workflow.Step{
			{ID: "fanout", Type: workflow.StepParallel, Config: workflow.StepConfig{Steps: []string{"email", "audit"}}},
			{ID: "email", Type: workflow.StepTask, Config: workflow.StepConfig{JobType: "notify.email"}},
			{ID: "audit", Type: workflow.StepTask, Config: workflow.StepConfig{JobType: "notify.audit"}},
		},
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := workflow.NewEngine(registry, fx.store, fx.runner, fx.bus, workflow.WithEngineLogger(logger))

	done := fx.awaitTerminal()
	inst, err := eng.StartWorkflow(context.Background(), "cancel.notify", "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusFailed) {
		t.Fatalf("terminal status = %s, want failed (one branch errored)", we.Status)
	}

	mu.Lock()
	defer mu.Unlock()
	if !ran["email"] || !ran["audit"] {
		t.Errorf("branches run = %v, want both despite the failure", ran)
	}

	final, _ := eng.GetWorkflowStatus(context.Background(), inst.ID)
	var emailExec, auditExec bool
	for _, h := range final.History {
		switch h.StepID {
		case "email":
			emailExec = h.Status == workflow.ExecFailed
		case "audit":
			auditExec = h.Status == workflow.ExecCompleted
		}
	}
	if !emailExec || !auditExec {
		t.Errorf("parallel sub-executions missing or wrong: %v", stepIDs(final.History))
	}
}

func TestEngine_CancelRunningWorkflow(t *testing.T) {
	fx := newEngineFixture(t)

	started := make(chan struct{})
	fx.runner.handle("cancel.validate", func(ctx context.Context, _ workflow.TaskPayload) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	done := fx.awaitTerminal()
	inst, err := fx.engine.StartWorkflow(context.Background(), "subscription.cancel", "user_1", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("first step never started")
	}

	if err := fx.engine.CancelWorkflow(context.Background(), inst.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusCancelled) {
		t.Fatalf("terminal status = %s, want cancelled", we.Status)
	}

	final, _ := fx.engine.GetWorkflowStatus(context.Background(), inst.ID)
	if final.Status != workflow.StatusCancelled {
		t.Errorf("instance status = %s", final.Status)
	}

	// Cancelling a finished instance is rejected.
	if err := fx.engine.CancelWorkflow(context.Background(), inst.ID); !errors.Is(err, subpilot.ErrNotRunning) {
		t.Errorf("cancel of terminal instance = %v, want ErrNotRunning", err)
	}
}

func TestEngine_UnknownDefinition(t *testing.T) {
	fx := newEngineFixture(t)

	_, err := fx.engine.StartWorkflow(context.Background(), "no.such.workflow", "", nil)
	if !errors.Is(err, subpilot.ErrWorkflowNotFound) {
		t.Errorf("err = %v, want ErrWorkflowNotFound", err)
	}
}

func TestEngine_VariableMerge(t *testing.T) {
	fx := newEngineFixture(t)
	logger := quietLogger()

	var seen map[string]any
	fx.runner.handle("probe", func(_ context.Context, p workflow.TaskPayload) (any, error) {
		seen = p.Variables
		return nil, nil
	})

	registry := workflow.NewRegistry(logger)
	def := &workflow.Definition{
		ID:        "cancel.probe",
		Version:   1,
		StartStep: "probe",
		Variables: map[string]any{"method": "api", "retries": float64(3)},
		Steps: []workflow.Step{
			{ID: "probe", Type: workflow.StepTask, Config: workflow.StepConfig{JobType: "probe"}},
		},
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := workflow.NewEngine(registry, fx.store, fx.runner, fx.bus, workflow.WithEngineLogger(logger))

	done := fx.awaitTerminal()
	if _, err := eng.StartWorkflow(context.Background(), "cancel.probe", "", map[string]any{"method": "email"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, done)

	if seen["method"] != "email" {
		t.Errorf("start variables should override defaults, got method = %v", seen["method"])
	}
	if seen["retries"] != float64(3) {
		t.Errorf("definition default lost, retries = %v", seen["retries"])
	}
}

func TestEngine_CustomStepProcessor(t *testing.T) {
	fx := newEngineFixture(t)
	logger := quietLogger()

	registry := workflow.NewRegistry(logger)
	def := &workflow.Definition{
		ID:        "cancel.custom",
		Version:   1,
		StartStep: "webhook",
		Steps: []workflow.Step{
			{ID: "webhook", Type: workflow.StepType("webhook"), Config: workflow.StepConfig{Params: map[string]any{"url": "https://example.test"}}},
		},
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}

	eng := workflow.NewEngine(registry, fx.store, fx.runner, fx.bus, workflow.WithEngineLogger(logger))
	eng.RegisterStepProcessor("webhook", func(_ context.Context, _ *workflow.Instance, step *workflow.Step) (any, error) {
		return step.Config.Params["url"], nil
	})

	done := fx.awaitTerminal()
	inst, err := eng.StartWorkflow(context.Background(), "cancel.custom", "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusCompleted) {
		t.Fatalf("terminal status = %s, error = %s", we.Status, we.Error)
	}

	final, _ := eng.GetWorkflowStatus(context.Background(), inst.ID)
	if final.Variables["webhook"] != "https://example.test" {
		t.Errorf("custom processor output = %v", final.Variables["webhook"])
	}
}

func TestEngine_StatsAndCleanup(t *testing.T) {
	fx := newEngineFixture(t)

	fx.runner.handle("cancel.validate", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })
	fx.runner.handle("cancel.attempt", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })
	fx.runner.handle("cancel.finalize", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })

	done := fx.awaitTerminal()
	inst, err := fx.engine.StartWorkflow(context.Background(), "subscription.cancel", "user_1",
		map[string]any{"confirmed": true})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, done)

	stats, err := fx.engine.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Completed != 1 || stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}

	// Nothing young enough to purge yet.
	purged, err := fx.engine.CleanupOldInstances(context.Background(), time.Hour)
	if err != nil || purged != 0 {
		t.Errorf("purge young = %d, err %v", purged, err)
	}

	// With a zero retention window everything terminal goes.
	purged, err = fx.engine.CleanupOldInstances(context.Background(), -time.Second)
	if err != nil || purged != 1 {
		t.Errorf("purge all = %d, err %v", purged, err)
	}
	if _, err := fx.engine.GetWorkflowStatus(context.Background(), inst.ID); !errors.Is(err, subpilot.ErrInstanceNotFound) {
		t.Error("purged instance still present")
	}
}

func TestEngine_ParallelPartialFailureKeepsOutputs(t *testing.T) {
	fx := newEngineFixture(t)
	logger := quietLogger()

	fx.runner.handle("notify.email", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		return map[string]any{"sent": true}, nil
	})
	fx.runner.handle("notify.push", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		return map[string]any{"sent": true}, nil
	})
	fx.runner.handle("notify.sms", func(_ context.Context, _ workflow.TaskPayload) (any, error) {
		return nil, errors.New("carrier rejected")
	})

	var afterRan bool
	fx.runner.handle("notify.record", func(_ context.Context, p workflow.TaskPayload) (any, error) {
		afterRan = true
		return nil, nil
	})

	registry := workflow.NewRegistry(logger)
	def := &workflow.Definition{
		ID:        "cancel.fanout",
		Version:   1,
		StartStep: "fanout",
		Steps: []workflow.Step{
			{
				ID:        "fanout",
				Type:      workflow.StepParallel,
				Config:    workflow.StepConfig{Steps: []string{"email", "push", "sms"}},
				OnFailure: []string{"after"},
			},
			{ID: "email", Type: workflow.StepTask, Config: workflow.StepConfig{JobType: "notify.email"}},
			{ID: "push", Type: workflow.StepTask, Config: workflow.StepConfig{JobType: "notify.push"}},
			{ID: "sms", Type: workflow.StepTask, Config: workflow.StepConfig{JobType: "notify.sms"}},
			{ID: "after", Type: workflow.StepTask, Config: workflow.StepConfig{JobType: "notify.record"}},
		},
	}
	if err := registry.Register(def); err != nil {
		t.Fatalf("register: %v", err)
	}
	eng := workflow.NewEngine(registry, fx.store, fx.runner, fx.bus, workflow.WithEngineLogger(logger))

	done := fx.awaitTerminal()
	inst, err := eng.StartWorkflow(context.Background(), "cancel.fanout", "", nil)
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	we := waitEvent(t, done)
	if we.Status != string(workflow.StatusCompleted) {
		t.Fatalf("terminal status = %s, error = %s (failure edge should recover)", we.Status, we.Error)
	}
	if !afterRan {
		t.Fatal("failure edge did not run after partial parallel failure")
	}

	final, _ := eng.GetWorkflowStatus(context.Background(), inst.ID)
	outcome, ok := final.Variables["fanout"].(map[string]any)
	if !ok {
		t.Fatalf("fanout output missing from variables: %v", final.Variables)
	}
	for _, branch := range []string{"email", "push"} {
		res, ok := outcome[branch].(map[string]any)
		if !ok || res["sent"] != true {
			t.Errorf("successful branch %q result lost: %v", branch, outcome[branch])
		}
	}
	failed, ok := outcome["sms"].(map[string]any)
	if !ok || failed["error"] == "" {
		t.Errorf("failed branch outcome missing its error entry: %v", outcome["sms"])
	}
}

func TestEngine_PublishesCancellationCorrelation(t *testing.T) {
	fx := newEngineFixture(t)

	fx.runner.handle("cancel.validate", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })
	fx.runner.handle("cancel.attempt", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })
	fx.runner.handle("cancel.finalize", func(_ context.Context, _ workflow.TaskPayload) (any, error) { return nil, nil })

	var mu sync.Mutex
	var envelopes []event.CancellationEvent
	fx.bus.Subscribe(event.CancellationProgress, func(evt event.Event) {
		if ce, ok := evt.Data.(event.CancellationEvent); ok {
			mu.Lock()
			envelopes = append(envelopes, ce)
			mu.Unlock()
		}
	})

	done := fx.awaitTerminal()
	inst, err := fx.engine.StartWorkflow(context.Background(), "subscription.cancel", "user_42", map[string]any{
		"subscription_id": "sub_9",
		"request_id":      "req_1",
		"method":          "api",
		"confirmed":       true,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	waitEvent(t, done)

	mu.Lock()
	defer mu.Unlock()
	if len(envelopes) == 0 {
		t.Fatal("no correlation envelopes published")
	}
	for _, ce := range envelopes {
		if ce.SubscriptionID != "sub_9" || ce.RequestID != "req_1" {
			t.Fatalf("correlation fields wrong: %+v", ce)
		}
		if ce.OrchestrationID != inst.ID.String() {
			t.Errorf("orchestration id = %q, want %q", ce.OrchestrationID, inst.ID)
		}
		if ce.Method != "api" {
			t.Errorf("method = %q", ce.Method)
		}
	}
	last := envelopes[len(envelopes)-1]
	if last.Status != string(workflow.StatusCompleted) {
		t.Errorf("final envelope status = %q", last.Status)
	}
	if last.Progress != 100 {
		t.Errorf("final envelope progress = %d, want 100", last.Progress)
	}
}
