package archiver

import (
	"log/slog"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/period"
)

// Option configures a CronArchive.
type Option interface {
	apply(*CronArchive)
}

type optionFunc func(*CronArchive)

func (f optionFunc) apply(c *CronArchive) { f(c) }

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(c *CronArchive) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *CronArchive) {
		if now != nil {
			c.now = now
		}
	})
}

// WithLocker takes a lock per unit before computing it. The lease lasts ttl.
func WithLocker(l Locker, ttl time.Duration) Option {
	return optionFunc(func(c *CronArchive) {
		c.locker = l
		if ttl > 0 {
			c.lockTTL = ttl
		}
	})
}

// WithFreshness sets how long an archive including today stays fresh, per kind.
// config.Settings.TTL has this signature.
func WithFreshness(ttl func(period.Kind) time.Duration) Option {
	return optionFunc(func(c *CronArchive) {
		if ttl != nil {
			c.ttl = ttl
		}
	})
}

// WithCustomRanges archives extra ranges for every site: explicit
// "YYYY-MM-DD,YYYY-MM-DD" ranges or lastN / previousN.
func WithCustomRanges(ranges ...string) Option {
	return optionFunc(func(c *CronArchive) {
		c.customRanges = append(c.customRanges, ranges...)
	})
}

// WithClaimTimeout sets after how long an in-progress ledger entry is assumed
// abandoned and queued again.
func WithClaimTimeout(d time.Duration) Option {
	return optionFunc(func(c *CronArchive) {
		if d > 0 {
			c.claimTimeout = d
		}
	})
}

// WithObserver registers a callback receiving unit and run events.
func WithObserver(fn core.Observer) Option {
	return optionFunc(func(c *CronArchive) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	})
}
