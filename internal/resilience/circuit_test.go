package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()
	boom := eris.New("boom")

	for i := 0; i < 3; i++ {
		_, err := ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 0, boom })
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	calls := 0
	_, err := ExecuteVal(ctx, cb, func(_ context.Context) (int, error) {
		calls++
		return 0, nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "open circuit rejects without invoking")
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	ctx := context.Background()
	boom := eris.New("boom")

	for i := 0; i < 2; i++ {
		_, _ = ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 0, boom })
	}
	_, err := ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 1, nil })
	require.NoError(t, err)

	// Two more failures stay under the threshold after the reset.
	for i := 0; i < 2; i++ {
		_, _ = ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 0, boom })
	}
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second}).
		WithNow(func() time.Time { return now })
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 0, eris.New("boom") })
	assert.Equal(t, CircuitOpen, cb.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State())

	val, err := ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, val)
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeFailureReopens(t *testing.T) {
	t.Parallel()

	now := time.Now()
	cb := NewCircuitBreaker("test", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second}).
		WithNow(func() time.Time { return now })
	ctx := context.Background()

	_, _ = ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 0, eris.New("boom") })
	now = now.Add(11 * time.Second)

	_, err := ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 0, eris.New("still down") })
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())

	_, err = ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 0, nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_ShouldTripFilter(t *testing.T) {
	t.Parallel()

	cb := NewCircuitBreaker("test", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		ShouldTrip:       IsTransient,
	})
	ctx := context.Background()

	// Permanent errors pass through without tripping.
	_, err := ExecuteVal(ctx, cb, func(_ context.Context) (int, error) { return 0, eris.New("bad input") })
	require.Error(t, err)
	assert.Equal(t, CircuitClosed, cb.State())

	_, err = ExecuteVal(ctx, cb, func(_ context.Context) (int, error) {
		return 0, NewTransientError(eris.New("outage"), 503)
	})
	require.Error(t, err)
	assert.Equal(t, CircuitOpen, cb.State())
}
