package embed

import (
	"context"
	"fmt"
	"time"
)

// RetryConfig configures retry behavior for embedding requests.
type RetryConfig struct {
	MaxAttempts  int           // Total attempts including the initial one
	InitialDelay time.Duration // Delay before first retry
	MaxDelay     time.Duration // Maximum delay between retries
	Multiplier   float64       // Multiplier for exponential backoff
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  DefaultMaxRetries,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
	}
}

// withRetry executes fn with exponential backoff. The attempt number
// (starting at 0) is passed to fn so callers can scale per-attempt timeouts.
// Exhausted retries are wrapped in ErrProviderUnavailable; context
// cancellation is returned immediately and never retried.
func withRetry(ctx context.Context, cfg RetryConfig, fn func(attempt int) error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxRetries
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 200 * time.Millisecond
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 2.0
	}

	delay := cfg.InitialDelay
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(attempt); err != nil {
			lastErr = err

			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt >= cfg.MaxAttempts-1 {
				break
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			continue
		}

		return nil
	}

	return fmt.Errorf("%w: failed after %d attempts: %w", ErrProviderUnavailable, cfg.MaxAttempts, lastErr)
}
