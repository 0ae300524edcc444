package scheduler

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryConfig controls how last-run bookkeeping writes are retried.
type RetryConfig struct {
	// MaxAttempts counts the first try. Values below 1 mean a single try.
	MaxAttempts int

	// InitialBackoff is the wait before the second attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the wait after each attempt.
	BackoffMultiplier float64

	// JitterFraction randomizes each wait by up to this fraction (0.0 to 1.0).
	JitterFraction float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		JitterFraction:    0.1,
	}
}

// withRetry runs op until it succeeds, the attempts are exhausted or ctx ends.
// Context errors returned by op are never retried.
func withRetry(ctx context.Context, cfg RetryConfig, op func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	wait := cfg.InitialBackoff

	var err error
	for i := 1; i <= attempts; i++ {
		if err = op(); err == nil {
			return nil
		}
		if !retryable(err) || i == attempts {
			return err
		}

		d := wait + time.Duration(float64(wait)*cfg.JitterFraction*(rand.Float64()*2-1))
		if d < 0 {
			d = wait
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}

		wait = time.Duration(float64(wait) * cfg.BackoffMultiplier)
		if cfg.MaxBackoff > 0 && wait > cfg.MaxBackoff {
			wait = cfg.MaxBackoff
		}
	}
	return err
}

func retryable(err error) bool {
	return err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
