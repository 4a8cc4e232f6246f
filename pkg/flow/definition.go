package flow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// ToolInvoker executes a named tool with parameters. Satisfied by
// tools.Registry; kept as a local interface so flow stays free of tool
// plumbing.
type ToolInvoker interface {
	Execute(ctx context.Context, name string, params map[string]any) (any, error)
}

// PredicateCompiler compiles a predicate expression into a Predicate over the
// run context. Satisfied by the CEL expression engine.
type PredicateCompiler interface {
	CompilePredicate(expression string) (func(values map[string]any) (bool, error), error)
}

// FromDefinition builds an executable Workflow from a serialized definition,
// resolving tool names through the invoker and compiling conditional
// predicates through the compiler. The compiler may be nil when the definition
// has no conditional steps.
func FromDefinition(def *schema.WorkflowDefinition, invoker ToolInvoker, compiler PredicateCompiler) (*Workflow, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition has no steps")
	}

	wf := &Workflow{Name: def.Name, Steps: make([]Step, 0, len(def.Steps))}
	seen := make(map[string]bool, len(def.Steps))

	for i := range def.Steps {
		sd := &def.Steps[i]
		if sd.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step %d has no name", i)
		}
		if seen[sd.Name] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step name %q", sd.Name)
		}
		seen[sd.Name] = true

		step := Step{Name: sd.Name}
		if sd.Timeout != "" {
			dur, err := time.ParseDuration(sd.Timeout)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %q: invalid timeout %q", sd.Name, sd.Timeout)
			}
			step.Timeout = dur
		}

		kind := sd.Kind
		if kind == "" {
			kind = schema.StepKindAction
		}
		switch kind {
		case schema.StepKindAction:
			step.Action = toolAction(invoker, sd.Tool, sd.Params)

		case schema.StepKindConditional:
			if compiler == nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %q: conditional step requires a predicate compiler", sd.Name)
			}
			pred, err := compiler.CompilePredicate(sd.Predicate)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %q: invalid predicate: %s", sd.Name, err.Error()).WithCause(err)
			}
			step.Predicate = func(fc *Context) (bool, error) {
				return pred(fc.Snapshot())
			}
			step.Action = toolAction(invoker, sd.Tool, sd.Params)

		case schema.StepKindBranch:
			cases := make(map[string]Action, len(sd.Cases))
			for value, bc := range sd.Cases {
				cases[value] = toolAction(invoker, bc.Tool, bc.Params)
			}
			step.Branch = &Branch{Key: sd.BranchKey, Cases: cases}

		default:
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"step %q: unknown kind %q", sd.Name, kind)
		}

		wf.Steps = append(wf.Steps, step)
	}
	return wf, nil
}

// toolAction adapts a registered tool into an Action. The run context
// snapshot is merged under the reserved "context" parameter so tools can read
// earlier step outputs.
func toolAction(invoker ToolInvoker, tool string, rawParams json.RawMessage) Action {
	return ActionFunc(func(ctx context.Context, fc *Context) (any, error) {
		params := make(map[string]any)
		if len(rawParams) > 0 {
			if err := json.Unmarshal(rawParams, &params); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"unmarshal tool params: %s", err.Error()).WithCause(err)
			}
		}
		params["context"] = fc.Snapshot()
		if override, ok := fc.Get("tool"); ok {
			// A correction strategy may reroute the step to an alternate tool.
			if name, isStr := override.(string); isStr && name != "" {
				tool = name
			}
		}
		return invoker.Execute(ctx, tool, params)
	})
}
