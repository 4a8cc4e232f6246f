package flow

import (
	"context"
	"errors"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// Hook is a lifecycle callback invoked around workflow execution.
type Hook func(ctx context.Context, fc *Context) error

// Workflow is an ordered sequence of named steps with optional lifecycle
// hooks. Step names must be unique within a workflow.
type Workflow struct {
	Name      string
	Steps     []Step
	BeforeAll Hook
	AfterAll  Hook
	OnError   Hook
}

// Run executes the workflow steps strictly in order, storing each step's
// output in the context under the step's name. The first step failure invokes
// the OnError hook and fails the run with an error naming the failing step and
// wrapping the cause.
func (w *Workflow) Run(ctx context.Context, fc *Context) error {
	if fc == nil {
		fc = NewContext(nil)
	}

	if w.BeforeAll != nil {
		if err := w.BeforeAll(ctx, fc); err != nil {
			return w.fail(ctx, fc, "", err)
		}
	}

	for i := range w.Steps {
		step := &w.Steps[i]
		if err := ctx.Err(); err != nil {
			return w.fail(ctx, fc, step.Name, schema.NewError(schema.ErrCodeCancelled, "run cancelled").WithStep(step.Name))
		}
		output, err := step.run(ctx, fc)
		if err != nil {
			return w.fail(ctx, fc, step.Name, err)
		}
		fc.Set(step.Name, output)
	}

	if w.AfterAll != nil {
		if err := w.AfterAll(ctx, fc); err != nil {
			return w.fail(ctx, fc, "", err)
		}
	}
	return nil
}

// fail runs the OnError hook and wraps the cause into a STEP_FAILED error.
// Hook errors never mask the original failure.
func (w *Workflow) fail(ctx context.Context, fc *Context, stepName string, cause error) error {
	if w.OnError != nil {
		_ = w.OnError(ctx, fc)
	}
	var serr *schema.Error
	if errors.As(cause, &serr) && serr.StepName != "" {
		return schema.NewErrorf(schema.ErrCodeStepFailed, "workflow %s: %s", w.Name, serr.Message).
			WithStep(serr.StepName).WithCause(cause)
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "workflow %s: %s", w.Name, cause.Error()).
		WithStep(stepName).WithCause(cause)
}

// StepNames returns the step names in definition order.
func (w *Workflow) StepNames() []string {
	names := make([]string, len(w.Steps))
	for i := range w.Steps {
		names[i] = w.Steps[i].Name
	}
	return names
}

// Step returns the step with the given name, or nil.
func (w *Workflow) Step(name string) *Step {
	for i := range w.Steps {
		if w.Steps[i].Name == name {
			return &w.Steps[i]
		}
	}
	return nil
}
