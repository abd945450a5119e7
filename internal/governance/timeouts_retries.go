package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// ErrMaxRetriesExceeded is returned when all retry attempts have been exhausted.
var ErrMaxRetriesExceeded = errors.New("max retries exceeded")

// RetryConfig defines retry behavior for an operation.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first (minimum 1).
	MaxAttempts int
	// InitialBackoff is the delay before the first retry. Zero retries immediately.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases.
	BackoffMultiplier float64
	// Jitter adds up to 25% random delay.
	Jitter bool
	// Retryable decides whether an error is worth another attempt. Nil retries
	// every error except context cancellation.
	Retryable func(error) bool
}

// DefaultRetryConfig returns defaults suited to in-process translation retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        50 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// RetryPolicy runs an operation until it succeeds or attempts run out.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.InitialBackoff < 0 {
		config.InitialBackoff = 0
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultRetryConfig().MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (zero based) may be followed by another.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt+1 >= rp.config.MaxAttempts {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if rp.config.Retryable != nil {
		return rp.config.Retryable(err)
	}
	return true
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	if rp.config.InitialBackoff == 0 {
		return 0
	}
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))
	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}
	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		backoff += time.Duration(rand.Int63n(int64(backoff / 4)))
	}
	return backoff
}

// Execute calls fn until it succeeds, the error is not retryable, attempts run
// out, or ctx ends. It returns the number of attempts made. Every attempt
// receives the same inputs; fn must not depend on earlier attempts.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(attempt int) error) (int, error) {
	var lastErr error
	for attempt := 0; attempt < rp.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt, fmt.Errorf("%w: %v", lastErr, err)
			}
			return attempt, err
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return attempt + 1, nil
		}
		if !rp.ShouldRetry(lastErr, attempt) {
			if attempt+1 >= rp.config.MaxAttempts && rp.config.MaxAttempts > 1 {
				return attempt + 1, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
			}
			return attempt + 1, lastErr
		}

		if backoff := rp.CalculateBackoff(attempt); backoff > 0 {
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt + 1, fmt.Errorf("%w: %v", lastErr, ctx.Err())
			case <-timer.C:
			}
		}
	}
	return rp.config.MaxAttempts, fmt.Errorf("%w: %w", ErrMaxRetriesExceeded, lastErr)
}
