package device

import (
	"testing"
	"time"

	"github.com/chiquitav2/vpn-provisioner/internal/shared/logger"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, time.Minute, logger.NewNop())
	cb.now = func() time.Time { return now }

	assert.True(t, cb.Allow())
	cb.OnFailure()
	assert.Equal(t, CircuitStateClosed, cb.State())
	cb.OnFailure()
	assert.Equal(t, CircuitStateOpen, cb.State())
	assert.False(t, cb.Allow())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow(), "trial after reset timeout")
	assert.Equal(t, CircuitStateHalfOpen, cb.State())
	assert.False(t, cb.Allow(), "only one trial at a time")

	cb.OnFailure()
	assert.Equal(t, CircuitStateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.Allow())
	cb.OnSuccess()
	assert.Equal(t, CircuitStateClosed, cb.State())
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewCircuitBreaker(0, time.Minute, logger.NewNop())
	for i := 0; i < 10; i++ {
		cb.OnFailure()
	}
	assert.True(t, cb.Allow())
}

func TestCircuitBreakerRetryIn(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(1, time.Minute, logger.NewNop())
	cb.now = func() time.Time { return now }

	assert.Zero(t, cb.RetryIn())
	cb.OnFailure()
	assert.Equal(t, time.Minute, cb.RetryIn())

	now = now.Add(90 * time.Second)
	assert.Zero(t, cb.RetryIn())
}
