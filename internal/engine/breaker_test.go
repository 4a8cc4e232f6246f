package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reprise-dev/reprise/pkg/schema"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Hour, HalfOpenMax: 1})

	for i := 0; i < 2; i++ {
		assert.Equal(t, CircuitClosed, reg.RecordFailure("fetch"))
	}
	assert.Equal(t, CircuitOpen, reg.RecordFailure("fetch"))

	err := reg.AllowRequest("fetch")
	require.Error(t, err)
	var serr *schema.Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, schema.ErrCodeCircuitOpen, serr.Code)

	// Other tools are unaffected.
	assert.NoError(t, reg.AllowRequest("classify"))
}

func TestBreaker_SuccessResets(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour, HalfOpenMax: 1})

	reg.RecordFailure("fetch")
	reg.RecordSuccess("fetch")
	assert.Equal(t, CircuitClosed, reg.RecordFailure("fetch"))
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	assert.Equal(t, CircuitOpen, reg.RecordFailure("fetch"))
	require.Error(t, reg.AllowRequest("fetch"))

	time.Sleep(15 * time.Millisecond)

	// One test request allowed, the second rejected.
	require.NoError(t, reg.AllowRequest("fetch"))
	require.Error(t, reg.AllowRequest("fetch"))

	// Success in half-open closes the circuit.
	reg.RecordSuccess("fetch")
	assert.Equal(t, CircuitClosed, reg.GetState("fetch"))
}

func TestBreaker_FailureInHalfOpenReopens(t *testing.T) {
	reg := NewBreakerRegistry(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Millisecond, HalfOpenMax: 1})

	reg.RecordFailure("fetch")
	time.Sleep(15 * time.Millisecond)
	require.NoError(t, reg.AllowRequest("fetch"))

	assert.Equal(t, CircuitOpen, reg.RecordFailure("fetch"))
	require.Error(t, reg.AllowRequest("fetch"))
}
