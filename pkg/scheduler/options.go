package scheduler

import (
	"log/slog"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

// Option configures a Runner.
type Option interface {
	apply(*Runner)
}

type optionFunc func(*Runner)

func (f optionFunc) apply(r *Runner) { f(r) }

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(r *Runner) {
		if now != nil {
			r.now = now
		}
	})
}

// WithLocker serializes whole runs across processes. The lease is held for ttl
// and refreshed between tasks.
func WithLocker(l core.Locker, ttl time.Duration) Option {
	return optionFunc(func(r *Runner) {
		r.locker = l
		if ttl > 0 {
			r.lockTTL = ttl
		}
	})
}

// WithStorageRetry configures retries of the last-run bookkeeping writes.
func WithStorageRetry(cfg RetryConfig) Option {
	return optionFunc(func(r *Runner) {
		r.retry = cfg
	})
}

// DisableRetry writes last-run timestamps exactly once.
func DisableRetry() Option {
	return optionFunc(func(r *Runner) {
		r.retry = RetryConfig{MaxAttempts: 1}
	})
}

// WithPollInterval sets how often Start checks for due tasks.
func WithPollInterval(d time.Duration) Option {
	return optionFunc(func(r *Runner) {
		if d > 0 {
			r.pollInterval = d
		}
	})
}

// WithObserver registers a callback receiving core.TaskRun events.
func WithObserver(fn core.Observer) Option {
	return optionFunc(func(r *Runner) {
		if fn != nil {
			r.observers = append(r.observers, fn)
		}
	})
}
