package tools

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reprise-dev/reprise/pkg/schema"
)

type stubTool struct {
	name string
	fn   func(ctx context.Context, params map[string]any) (any, error)
}

func (s *stubTool) Name() string                 { return s.name }
func (s *stubTool) Description() string          { return "stub" }
func (s *stubTool) Validate(map[string]any) error { return nil }
func (s *stubTool) Invoke(ctx context.Context, params map[string]any) (any, error) {
	return s.fn(ctx, params)
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTool{name: "noop", fn: func(context.Context, map[string]any) (any, error) { return nil, nil }}))

	got, err := reg.Get("noop")
	require.NoError(t, err)
	assert.Equal(t, "noop", got.Name())
	assert.True(t, reg.Has("noop"))
	assert.Equal(t, 1, reg.Count())
}

func TestRegistry_DuplicateName(t *testing.T) {
	reg := NewRegistry()
	tool := &stubTool{name: "dup", fn: func(context.Context, map[string]any) (any, error) { return nil, nil }}
	require.NoError(t, reg.Register(tool))

	err := reg.Register(tool)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeConflict, serr.Code)
}

func TestRegistry_GetUnknown(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("nope")
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

func TestRegistry_List_Sorted(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		require.NoError(t, reg.Register(&stubTool{name: name, fn: func(context.Context, map[string]any) (any, error) { return nil, nil }}))
	}

	infos := reg.List()
	require.Len(t, infos, 3)
	assert.Equal(t, "alpha", infos[0].Name)
	assert.Equal(t, "mid", infos[1].Name)
	assert.Equal(t, "zeta", infos[2].Name)
}

func TestRegistry_Execute_WrapsPlainErrors(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubTool{
		name: "boom",
		fn: func(context.Context, map[string]any) (any, error) {
			return nil, errors.New("kaput")
		},
	}))

	_, err := reg.Execute(context.Background(), "boom", nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeExecution, serr.Code)
	assert.Contains(t, serr.Message, "kaput")
}

func TestRegistry_Execute_UnknownTool(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Execute(context.Background(), "ghost", nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeNotFound, serr.Code)
}

// --- Builtins ---

func builtinRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, RegisterBuiltins(reg))
	return reg
}

func TestBuiltin_Echo(t *testing.T) {
	reg := builtinRegistry(t)

	out, err := reg.Execute(context.Background(), "echo", map[string]any{"value": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)
}

func TestBuiltin_Echo_MissingValue(t *testing.T) {
	reg := builtinRegistry(t)

	_, err := reg.Execute(context.Background(), "echo", map[string]any{})
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

func TestBuiltin_Sleep(t *testing.T) {
	reg := builtinRegistry(t)

	start := time.Now()
	out, err := reg.Execute(context.Background(), "sleep", map[string]any{"duration": "10ms"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, map[string]any{"slept": "10ms"}, out)
}

func TestBuiltin_Sleep_Cancelled(t *testing.T) {
	reg := builtinRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reg.Execute(ctx, "sleep", map[string]any{"duration": "1h"})
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeCancelled, serr.Code)
}

func TestBuiltin_Fail(t *testing.T) {
	reg := builtinRegistry(t)

	_, err := reg.Execute(context.Background(), "fail", map[string]any{"message": "deliberate"})
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeExecution, serr.Code)
	assert.Equal(t, "deliberate", serr.Message)
}

func TestBuiltin_Transform(t *testing.T) {
	reg := builtinRegistry(t)

	out, err := reg.Execute(context.Background(), "transform", map[string]any{
		"expression": ".items | length",
		"input":      map[string]any{"items": []any{1.0, 2.0, 3.0}},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)
}

func TestBuiltin_Transform_FallsBackToContext(t *testing.T) {
	reg := builtinRegistry(t)

	out, err := reg.Execute(context.Background(), "transform", map[string]any{
		"expression": ".fetch.status",
		"context":    map[string]any{"fetch": map[string]any{"status": "ok"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestBuiltin_Eval(t *testing.T) {
	reg := builtinRegistry(t)

	out, err := reg.Execute(context.Background(), "eval", map[string]any{
		"expression": "score > 0.5",
		"input":      map[string]any{"score": 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}
