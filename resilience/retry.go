package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/domainpulse/domainpulse/core"
)

// RetryConfig holds configuration for retry behavior
type RetryConfig struct {
	// MaxAttempts is the total number of attempts (initial call included)
	MaxAttempts int

	// InitialDelay is the backoff before the first retry
	InitialDelay time.Duration

	// MaxDelay caps the backoff between attempts
	MaxDelay time.Duration

	// BackoffFactor multiplies the delay after each attempt
	BackoffFactor float64

	// JitterEnabled randomizes each delay to avoid thundering herds
	JitterEnabled bool
}

// DefaultRetryConfig returns a sensible default configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// RetryableFunc is a function that can be retried
type RetryableFunc func(ctx context.Context) error

// Retry executes fn with classification-aware backoff:
//   - fatal errors (auth, unknown model) return immediately, never retried
//   - parse failures get exactly one retry
//   - transient and rate-limit errors retry up to MaxAttempts
//
// A nil config uses DefaultRetryConfig.
func Retry(ctx context.Context, config *RetryConfig, fn RetryableFunc) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	maxAttempts := config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	parseRetried := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %v", core.ErrContextCanceled, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		// An open circuit will not close within the backoff window;
		// short-circuit instead of burning the retry budget against it
		if errors.Is(lastErr, core.ErrCircuitBreakerOpen) {
			return lastErr
		}

		switch core.Classify(lastErr) {
		case core.ClassFatal:
			return lastErr
		case core.ClassParse:
			if parseRetried {
				return lastErr
			}
			parseRetried = true
		}

		if attempt == maxAttempts {
			break
		}

		delay := backoffDelay(config, attempt)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %v", core.ErrContextCanceled, ctx.Err())
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", core.ErrMaxRetriesExceeded, maxAttempts, lastErr)
}

// backoffDelay computes the jittered exponential delay for the given attempt
func backoffDelay(config *RetryConfig, attempt int) time.Duration {
	delay := config.InitialDelay
	if delay <= 0 {
		delay = time.Second
	}
	factor := config.BackoffFactor
	if factor <= 1 {
		factor = 2.0
	}
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * factor)
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
			break
		}
	}
	if config.MaxDelay > 0 && delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.JitterEnabled {
		// uniform jitter in [0.5, 1.5) of the nominal delay
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()))
	}
	return delay
}
