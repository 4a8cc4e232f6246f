package expressions

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reprise-dev/reprise/pkg/schema"
)

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.NotNil(t, e)
	assert.Equal(t, "cel", e.Name())
}

// --- Interface compliance ---

func TestCELEngine_ImplementsEngine(t *testing.T) {
	var _ Engine = (*CELEngine)(nil)
}

// --- Basic evaluation ---

func TestCEL_BooleanLiteral(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "true", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_IntegerArithmetic(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "1 + 2", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)
}

// --- Predicates over the run context ---

func TestCEL_ContextAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{
		"classify": map[string]any{
			"kind":  "invoice",
			"score": 0.92,
		},
	}

	t.Run("string comparison", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `context.classify.kind == "invoice"`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("numeric comparison", func(t *testing.T) {
		out, err := e.Evaluate(context.Background(), `context.classify.score > 0.5`, data)
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})

	t.Run("missing key errors", func(t *testing.T) {
		_, err := e.Evaluate(context.Background(), `context.absent.kind == "x"`, data)
		require.Error(t, err)
		var serr *schema.Error
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, schema.ErrCodeExecution, serr.Code)
	})
}

func TestCEL_CompilePredicate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	pred, err := e.CompilePredicate(`context.fetch.count >= 3`)
	require.NoError(t, err)

	ok, err := pred(map[string]any{"fetch": map[string]any{"count": int64(5)}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = pred(map[string]any{"fetch": map[string]any{"count": int64(1)}})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_CompilePredicate_NonBoolean(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	pred, err := e.CompilePredicate(`1 + 2`)
	require.NoError(t, err)

	_, err = pred(map[string]any{})
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

// --- Error cases ---

func TestCEL_EmptyExpression(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "1 +++ )", nil)
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeValidation, serr.Code)
}

// --- Cache behavior ---

func TestCEL_CacheReuse(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), "1 + 1", nil)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)

	_, err = e.Evaluate(context.Background(), "1 + 1", nil)
	require.NoError(t, err)
	assert.Len(t, e.cache, 1)
}

func TestCEL_ConcurrentEvaluation(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "2 * 3", nil)
			assert.NoError(t, err)
			assert.Equal(t, int64(6), out)
		}()
	}
	wg.Wait()
}
