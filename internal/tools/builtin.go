package tools

import (
	"context"
	"errors"
	"time"

	"github.com/reprise-dev/reprise/internal/expressions"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// RegisterBuiltins registers the built-in tool set in the given registry.
func RegisterBuiltins(reg *Registry) error {
	all := []Tool{
		&echoTool{},
		&sleepTool{},
		&failTool{},
		newTransformTool(),
		newEvalTool(),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// --- echo ---

type echoTool struct{}

func (t *echoTool) Name() string        { return "echo" }
func (t *echoTool) Description() string { return "Return the 'value' parameter unchanged" }

func (t *echoTool) Validate(params map[string]any) error {
	if _, ok := params["value"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "echo requires 'value' parameter")
	}
	return nil
}

func (t *echoTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	return params["value"], nil
}

// --- sleep ---

type sleepTool struct{}

func (t *sleepTool) Name() string        { return "sleep" }
func (t *sleepTool) Description() string { return "Block for the 'duration' parameter (Go syntax)" }

func (t *sleepTool) Validate(params map[string]any) error {
	raw, ok := params["duration"].(string)
	if !ok || raw == "" {
		return schema.NewError(schema.ErrCodeValidation, "sleep requires string 'duration' parameter")
	}
	if _, err := time.ParseDuration(raw); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid duration %q: %s", raw, err.Error())
	}
	return nil
}

func (t *sleepTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	d, _ := time.ParseDuration(params["duration"].(string))
	select {
	case <-time.After(d):
		return map[string]any{"slept": d.String()}, nil
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "sleep interrupted").WithCause(ctx.Err())
	}
}

// --- fail ---

type failTool struct{}

func (t *failTool) Name() string        { return "fail" }
func (t *failTool) Description() string { return "Fail with the 'message' parameter (testing aid)" }

func (t *failTool) Validate(map[string]any) error { return nil }

func (t *failTool) Invoke(_ context.Context, params map[string]any) (any, error) {
	msg := "fail tool invoked"
	if m, ok := params["message"].(string); ok && m != "" {
		msg = m
	}
	return nil, schema.NewError(schema.ErrCodeExecution, msg).WithCause(errors.New(msg))
}

// --- transform (jq) ---

type transformTool struct {
	jq *expressions.GoJQEngine
}

func newTransformTool() *transformTool {
	return &transformTool{jq: expressions.NewGoJQEngine()}
}

func (t *transformTool) Name() string { return "transform" }
func (t *transformTool) Description() string {
	return "Apply the jq 'expression' to 'input' (or to the run context when 'input' is absent)"
}

func (t *transformTool) Validate(params map[string]any) error {
	if expr, ok := params["expression"].(string); !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "transform requires string 'expression' parameter")
	}
	return nil
}

func (t *transformTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	data := inputOrContext(params)
	return t.jq.Evaluate(ctx, params["expression"].(string), data)
}

// --- eval (expr) ---

type evalTool struct {
	expr *expressions.ExprEngine
}

func newEvalTool() *evalTool {
	return &evalTool{expr: expressions.NewExprEngine()}
}

func (t *evalTool) Name() string { return "eval" }
func (t *evalTool) Description() string {
	return "Evaluate the expr 'expression' against 'input' (or the run context) as top-level variables"
}

func (t *evalTool) Validate(params map[string]any) error {
	if expr, ok := params["expression"].(string); !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "eval requires string 'expression' parameter")
	}
	return nil
}

func (t *evalTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	data := inputOrContext(params)
	return t.expr.Evaluate(ctx, params["expression"].(string), data)
}

// inputOrContext picks the expression data: an explicit 'input' map wins,
// then the run context snapshot merged in by the workflow builder.
func inputOrContext(params map[string]any) map[string]any {
	if in, ok := params["input"].(map[string]any); ok {
		return in
	}
	if cx, ok := params["context"].(map[string]any); ok {
		return cx
	}
	return map[string]any{}
}
