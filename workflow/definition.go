// Package workflow implements the step-graph engine that sequences
// jobs and branching logic into named, resumable business processes
// such as the full subscription-cancellation flow.
package workflow

import (
	"fmt"
	"time"
)

// StepType identifies the built-in step kinds. Additional kinds can be
// plugged in through Engine.RegisterStepProcessor.
type StepType string

const (
	// StepTask enqueues a job and awaits its terminal state.
	StepTask StepType = "task"
	// StepCondition evaluates a boolean expression over instance
	// variables and routes to TrueStep or FalseStep.
	StepCondition StepType = "condition"
	// StepWait suspends the instance for a configured duration.
	StepWait StepType = "wait"
	// StepParallel runs a set of sibling steps concurrently and
	// aggregates their outcomes.
	StepParallel StepType = "parallel"
)

// StepConfig carries the type-specific parameters of a step. Only the
// fields relevant to the step's type are consulted.
type StepConfig struct {
	// Task: the job type to enqueue and optional per-job settings.
	JobType     string        `json:"job_type,omitempty"`
	Priority    int           `json:"priority,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	JobTimeout  time.Duration `json:"job_timeout,omitempty"`

	// Condition: a side-effect-free boolean expression over instance
	// variables, and the branch targets.
	Expression string `json:"expression,omitempty"`
	TrueStep   string `json:"true_step,omitempty"`
	FalseStep  string `json:"false_step,omitempty"`

	// Wait: how long to suspend.
	Duration time.Duration `json:"duration,omitempty"`

	// Parallel: the sibling step ids to fan out to.
	Steps []string `json:"steps,omitempty"`

	// Params is free-form configuration for custom step processors.
	Params map[string]any `json:"params,omitempty"`
}

// Step is a node in a workflow definition's graph.
type Step struct {
	ID     string     `json:"id"`
	Type   StepType   `json:"type"`
	Config StepConfig `json:"config"`

	// Edge lists name subsequent step ids. OnSuccess takes precedence
	// over NextSteps after a successful step; OnFailure is the
	// fallback path after a failed one. Empty edges mean the workflow
	// completes (success) or fails (failure).
	NextSteps []string `json:"next_steps,omitempty"`
	OnSuccess []string `json:"on_success,omitempty"`
	OnFailure []string `json:"on_failure,omitempty"`

	// Timeout bounds the step's execution. Zero means no step-level
	// deadline (job timeouts still apply inside task steps).
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Definition is an immutable, named step graph. Registered once at
// startup and treated as read-only configuration afterwards.
type Definition struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	Version   int            `json:"version"`
	StartStep string         `json:"start_step"`
	Steps     []Step         `json:"steps"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Step looks up a step by id.
func (d *Definition) Step(stepID string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Validate checks the definition's structural integrity: a non-empty
// id, a resolvable start step, and every named edge target present in
// Steps. Malformed definitions are rejected at registration time so
// structural errors surface at startup, not mid-run.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("workflow definition: missing id")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("workflow %q: no steps", d.ID)
	}

	known := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ID == "" {
			return fmt.Errorf("workflow %q: step %d has no id", d.ID, i)
		}
		if known[s.ID] {
			return fmt.Errorf("workflow %q: duplicate step id %q", d.ID, s.ID)
		}
		known[s.ID] = true
	}

	if d.StartStep == "" {
		return fmt.Errorf("workflow %q: missing start step", d.ID)
	}
	if !known[d.StartStep] {
		return fmt.Errorf("workflow %q: start step %q not found", d.ID, d.StartStep)
	}

	for i := range d.Steps {
		s := &d.Steps[i]
		for _, edge := range [][]string{s.NextSteps, s.OnSuccess, s.OnFailure} {
			for _, target := range edge {
				if !known[target] {
					return fmt.Errorf("workflow %q: step %q references unknown step %q", d.ID, s.ID, target)
				}
			}
		}

		switch s.Type {
		case StepTask:
			if s.Config.JobType == "" {
				return fmt.Errorf("workflow %q: task step %q has no job type", d.ID, s.ID)
			}
		case StepCondition:
			if s.Config.Expression == "" {
				return fmt.Errorf("workflow %q: condition step %q has no expression", d.ID, s.ID)
			}
			for _, branch := range []string{s.Config.TrueStep, s.Config.FalseStep} {
				if branch != "" && !known[branch] {
					return fmt.Errorf("workflow %q: condition step %q references unknown step %q", d.ID, s.ID, branch)
				}
			}
		case StepWait:
			if s.Config.Duration <= 0 {
				return fmt.Errorf("workflow %q: wait step %q has no duration", d.ID, s.ID)
			}
		case StepParallel:
			if len(s.Config.Steps) == 0 {
				return fmt.Errorf("workflow %q: parallel step %q has no sub-steps", d.ID, s.ID)
			}
			for _, sub := range s.Config.Steps {
				if !known[sub] {
					return fmt.Errorf("workflow %q: parallel step %q references unknown step %q", d.ID, s.ID, sub)
				}
			}
		}
	}

	return nil
}
