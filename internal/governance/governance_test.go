package governance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstThenRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{EventsPerSecond: 1000, BurstSize: 1000}, 0)
	now := time.Unix(1700000000, 0)

	allowed := 0
	for i := 0; i < 10000; i++ {
		if rl.AllowAt("global", now) {
			allowed++
		}
	}
	assert.Equal(t, 1000, allowed)

	// One second later the bucket holds a full burst again.
	later := now.Add(time.Second)
	allowed = 0
	for i := 0; i < 2000; i++ {
		if rl.AllowAt("global", later) {
			allowed++
		}
	}
	assert.Equal(t, 1000, allowed)
}

func TestRateLimiterPerKeyConfig(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{EventsPerSecond: 10}, 0)
	rl.Configure(map[string]RateLimiterConfig{"fs.write": {EventsPerSecond: 1, BurstSize: 2}})
	now := time.Now()

	assert.True(t, rl.AllowAt("fs.write", now))
	assert.True(t, rl.AllowAt("fs.write", now))
	assert.False(t, rl.AllowAt("fs.write", now))

	// Fallback bucket has burst = rate.
	for i := 0; i < 10; i++ {
		assert.True(t, rl.AllowAt("fs.read", now))
	}
	assert.False(t, rl.AllowAt("fs.read", now))

	stats := rl.Stats()
	require.Contains(t, stats, "fs.write")
	assert.Equal(t, 2, stats["fs.write"].BurstSize)
}

func TestRateLimiterKeyBound(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{EventsPerSecond: 1, BurstSize: 1}, 2)
	now := time.Now()
	rl.AllowAt("a", now)
	rl.AllowAt("b", now)
	rl.AllowAt("c", now)
	rl.AllowAt("d", now)
	assert.Len(t, rl.Stats(), 3)

	rl.Reset()
	assert.Empty(t, rl.Stats())
}

func TestRetryPolicySucceedsAfterFailures(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxAttempts: 3})
	calls := 0
	attempts, err := rp.Execute(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryPolicyExhausted(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxAttempts: 2})
	cause := errors.New("boom")
	attempts, err := rp.Execute(context.Background(), func(int) error { return cause })
	assert.Equal(t, 2, attempts)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
	assert.ErrorIs(t, err, cause)
}

func TestRetryPolicyNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	rp := NewRetryPolicy(RetryConfig{
		MaxAttempts: 5,
		Retryable:   func(err error) bool { return !errors.Is(err, permanent) },
	})
	attempts, err := rp.Execute(context.Background(), func(int) error { return permanent })
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, permanent)
	assert.NotErrorIs(t, err, ErrMaxRetriesExceeded)
}

func TestRetryPolicyBackoff(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        25 * time.Millisecond,
		BackoffMultiplier: 2,
	})
	assert.Equal(t, 10*time.Millisecond, rp.CalculateBackoff(0))
	assert.Equal(t, 20*time.Millisecond, rp.CalculateBackoff(1))
	assert.Equal(t, 25*time.Millisecond, rp.CalculateBackoff(2))

	assert.Zero(t, NewRetryPolicy(RetryConfig{MaxAttempts: 2}).CalculateBackoff(3))
}

func TestRetryPolicyContextCancelled(t *testing.T) {
	rp := NewRetryPolicy(RetryConfig{MaxAttempts: 3})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts, err := rp.Execute(ctx, func(int) error { return nil })
	assert.Zero(t, attempts)
	assert.ErrorIs(t, err, context.Canceled)
}
