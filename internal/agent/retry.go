package agent

import (
	"context"
	"time"
)

// RetryConfig controls retry behavior for controller requests.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts before giving up
	MaxAttempts int

	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff is the maximum delay between retries
	MaxBackoff time.Duration

	// BackoffMultiply is the factor to multiply backoff by after each attempt
	BackoffMultiply float64
}

// DefaultRetryConfig provides sensible defaults for talking to the
// controller over a flaky link.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  1 * time.Second,
	MaxBackoff:      30 * time.Second,
	BackoffMultiply: 2.0,
}

// RetryWithBackoff retries an operation with exponential backoff. It retries
// on any error; controller requests fail transiently far more often than
// permanently.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, operation func(ctx context.Context) error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiply)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	return lastErr
}
