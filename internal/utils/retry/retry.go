// Package retry retries network calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64

	// Retryable reports whether err is worth another attempt. Nil retries
	// everything except context cancellation.
	Retryable func(error) bool
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		Multiplier:  2.0,
	}
}

// Do executes fn with retry logic using default config.
func Do[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	return DoWithConfig(ctx, DefaultConfig(), fn)
}

// DoWithConfig executes fn with retry logic using provided config.
func DoWithConfig[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	var err error

	wait := cfg.InitialWait
	for attempt := 1; attempt <= max(cfg.MaxAttempts, 1); attempt++ {
		result, err = fn()
		if err == nil || !cfg.retryable(err) {
			return result, err
		}

		// Don't wait after the last attempt
		if attempt >= cfg.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(wait):
		}

		// Exponential backoff
		wait = time.Duration(float64(wait) * cfg.Multiplier)
		if wait > cfg.MaxWait {
			wait = cfg.MaxWait
		}
	}

	return result, err
}

func (c Config) retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if c.Retryable != nil {
		return c.Retryable(err)
	}
	return true
}
