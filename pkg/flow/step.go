package flow

import (
	"context"
	"fmt"
	"time"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// Action is one unit of executable work. Implementations read earlier step
// outputs from the Context and return their own result, which the workflow
// stores under the step's name.
type Action interface {
	Execute(ctx context.Context, fc *Context) (any, error)
}

// ActionFunc adapts a plain function to the Action interface.
type ActionFunc func(ctx context.Context, fc *Context) (any, error)

func (f ActionFunc) Execute(ctx context.Context, fc *Context) (any, error) {
	return f(ctx, fc)
}

// Predicate gates a conditional step. A false result completes the step with a
// nil output without failing the run.
type Predicate func(fc *Context) (bool, error)

// Branch selects one of several actions by evaluating the value stored under
// Key in the Context against the case table. A missing case fails the run.
type Branch struct {
	Key   string
	Cases map[string]Action
}

// Step is a named unit of work within a workflow. Exactly one of Action or
// Branch must be set; Predicate is optional and makes the step conditional.
type Step struct {
	Name      string
	Action    Action
	Predicate Predicate
	Branch    *Branch
	Timeout   time.Duration
}

// run executes the step against the context, honoring predicate, branch
// selection and timeout. The returned value is the step output (nil when a
// predicate gated the step off).
func (s *Step) run(ctx context.Context, fc *Context) (any, error) {
	if s.Predicate != nil {
		ok, err := s.Predicate(fc)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "predicate: %s", err.Error()).
				WithStep(s.Name).WithCause(err)
		}
		if !ok {
			return nil, nil
		}
	}

	action := s.Action
	if s.Branch != nil {
		var err error
		action, err = s.Branch.selectCase(fc)
		if err != nil {
			return nil, err
		}
	}
	if action == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "step has no action").WithStep(s.Name)
	}

	if s.Timeout <= 0 {
		return action.Execute(ctx, fc)
	}

	stepCtx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := action.Execute(stepCtx, fc)
		done <- outcome{v, err}
	}()

	select {
	case out := <-done:
		if stepCtx.Err() == context.DeadlineExceeded && out.err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step timed out after %s", s.Timeout).WithStep(s.Name).WithCause(out.err)
		}
		return out.value, out.err
	case <-stepCtx.Done():
		if stepCtx.Err() == context.DeadlineExceeded {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"step timed out after %s", s.Timeout).WithStep(s.Name)
		}
		return nil, schema.NewError(schema.ErrCodeCancelled, "step cancelled").WithStep(s.Name)
	}
}

func (b *Branch) selectCase(fc *Context) (Action, error) {
	raw, ok := fc.Get(b.Key)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoCase, "branch key %q not present in context", b.Key)
	}
	selector := fmt.Sprintf("%v", raw)
	action, ok := b.Cases[selector]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNoCase, "no case for key %q value %q", b.Key, selector)
	}
	return action, nil
}
