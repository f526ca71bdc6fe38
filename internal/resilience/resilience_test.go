package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := NewBreaker(3, 50*time.Millisecond)
	key := "provider-a"

	assert.True(t, b.Allow(key))
	b.RecordFailure(key)
	b.RecordFailure(key)
	assert.Equal(t, StateClosed, b.State(key))
	b.RecordFailure(key)
	assert.Equal(t, StateOpen, b.State(key))
	assert.False(t, b.Allow(key))

	time.Sleep(60 * time.Millisecond)
	assert.True(t, b.Allow(key))
	assert.Equal(t, StateHalfOpen, b.State(key))

	b.RecordSuccess(key)
	assert.Equal(t, StateClosed, b.State(key))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 10*time.Millisecond)
	key := "provider-b"
	b.RecordFailure(key)
	require.Equal(t, StateOpen, b.State(key))

	time.Sleep(20 * time.Millisecond)
	require.True(t, b.Allow(key))
	b.RecordFailure(key)
	assert.Equal(t, StateOpen, b.State(key))
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_PermanentErrorStopsImmediately(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		return Permanent(errors.New("bad input"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, "bad input", err.Error())
}

func TestRateLimiter_AllowsBurstThenThrottles(t *testing.T) {
	l := NewRateLimiter(RateLimitConfig{RequestsPerMinute: 60, BurstSize: 2, CleanupInterval: time.Hour})
	defer l.Stop()

	assert.True(t, l.Allow("k"))
	assert.True(t, l.Allow("k"))
	assert.False(t, l.Allow("k"))
}

func TestCaller_RecordsBreakerOutcome(t *testing.T) {
	b := NewBreaker(2, time.Hour)
	c := NewCaller(b, nil, 1, time.Millisecond)

	err := c.Do(context.Background(), "chain", func(ctx context.Context) error {
		return errors.New("rpc down")
	})
	assert.Error(t, err)
	err = c.Do(context.Background(), "chain", func(ctx context.Context) error {
		return errors.New("rpc down")
	})
	assert.Error(t, err)
	assert.Equal(t, StateOpen, b.State("chain"))

	err = c.Do(context.Background(), "chain", func(ctx context.Context) error { return nil })
	var circuitErr *ErrCircuitOpen
	require.ErrorAs(t, err, &circuitErr)
}
