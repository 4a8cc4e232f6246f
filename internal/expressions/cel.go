package expressions

import (
	"context"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/reprise-dev/reprise/pkg/schema"
)

// CELEngine evaluates conditional step predicates using Google's Common
// Expression Language. The environment exposes a single top-level variable:
//
//   - context: map(string, dyn) — the run context snapshot, keyed by step name
//
// Thread-safe: compiled programs are cached and reused across goroutines.
type CELEngine struct {
	env *cel.Env

	mu    sync.RWMutex
	cache map[string]cel.Program
}

// NewCELEngine creates a CEL engine with a sandboxed environment.
func NewCELEngine() (*CELEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("context", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"create CEL environment: %s", err.Error()).WithCause(err)
	}
	return &CELEngine{
		env:   env,
		cache: make(map[string]cel.Program),
	}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Evaluate compiles (or retrieves from cache) a CEL expression and evaluates
// it against the given context snapshot.
func (e *CELEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	if data == nil {
		data = map[string]any{}
	}
	out, _, err := prg.Eval(map[string]any{"context": data})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"CEL evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return out.Value(), nil
}

// CompilePredicate compiles a CEL expression into a boolean predicate over a
// context snapshot. Non-boolean results are a VALIDATION_ERROR at evaluation
// time.
func (e *CELEngine) CompilePredicate(expression string) (func(values map[string]any) (bool, error), error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty predicate expression")
	}
	if _, err := e.getOrCompile(expression); err != nil {
		return nil, err
	}
	return func(values map[string]any) (bool, error) {
		out, err := e.Evaluate(context.Background(), expression, values)
		if err != nil {
			return false, err
		}
		b, ok := out.(bool)
		if !ok {
			return false, schema.NewErrorf(schema.ErrCodeValidation,
				"predicate %q did not evaluate to a boolean", expression)
		}
		return b, nil
	}, nil
}

func (e *CELEngine) getOrCompile(expression string) (cel.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL compile failed for %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL program creation failed for %q: %s", expression, err.Error()).WithCause(err)
	}
	e.cache[expression] = prg
	return prg, nil
}
