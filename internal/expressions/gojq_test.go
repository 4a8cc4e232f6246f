package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reprise-dev/reprise/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.NotNil(t, e)
	assert.Equal(t, "jq", e.Name())
}

// --- Interface compliance ---

func TestGoJQEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*GoJQEngine)(nil)
}

// --- Basic evaluation ---

func TestGoJQ_Identity(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"name": "reprise"}

	out, err := e.Evaluate(context.Background(), ".", data)
	require.NoError(t, err)

	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "reprise", m["name"])
}

func TestGoJQ_SelectField(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"fetch": map[string]any{"status": "ok", "items": 4.0},
	}

	out, err := e.Evaluate(context.Background(), ".fetch.status", data)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}

func TestGoJQ_MultipleResults(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"items": []any{1.0, 2.0, 3.0},
	}

	out, err := e.Evaluate(context.Background(), ".items[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{1.0, 2.0, 3.0}, out)
}

func TestGoJQ_NoResults(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), "empty", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Aggregation(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"scores": []any{0.5, 0.7, 0.8},
	}

	out, err := e.Evaluate(context.Background(), ".scores | add", data)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, out, 1e-9)
}

// --- Error cases ---

func TestGoJQ_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[invalid", nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

func TestGoJQ_RuntimeError(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"value": "not a number"}

	_, err := e.Evaluate(context.Background(), ".value + 1", data)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeExecution, serr.Code)
}

// --- Cache behavior ---

func TestGoJQ_CacheReuse(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".a", map[string]any{"a": 1.0})
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Evaluate(context.Background(), ".a", map[string]any{"a": 2.0})
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}
