// Package resilience provides retry and circuit breaker primitives used by
// the step executor and the cross-agent HTTP resolver.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/agentmesh/agentmesh/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// RetryIf decides whether an error is worth another attempt. A nil
	// predicate retries everything.
	RetryIf func(error) bool
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
		RetryIf:       core.IsRetryable,
	}
}

// Backoff returns the delay to apply before the given 1-based retry attempt.
// The step scheduler uses this to stamp a readiness time on failed steps
// instead of parking a goroutine in a sleep.
func Backoff(config *RetryConfig, attempt int) time.Duration {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(config.InitialDelay) * math.Pow(config.BackoffFactor, float64(attempt-1)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterEnabled {
		jitter := time.Duration(float64(delay) * 0.1 * math.Sin(float64(attempt)))
		delay += jitter
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Retry executes a function with exponential backoff. Non-retryable errors
// (per config.RetryIf) abort immediately.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryIf != nil && !config.RetryIf(err) {
			return err
		}
		if attempt == config.MaxAttempts {
			break
		}

		timer := time.NewTimer(Backoff(config, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker combines retry logic with a circuit breaker.
// An open breaker is not retried; the caller should fall back or fail fast.
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	wrapped := *config
	inner := config.RetryIf
	wrapped.RetryIf = func(err error) bool {
		if errors.Is(err, core.ErrCircuitBreakerOpen) {
			return false
		}
		if inner != nil {
			return inner(err)
		}
		return true
	}

	return Retry(ctx, &wrapped, func() error {
		return cb.Execute(fn)
	})
}
