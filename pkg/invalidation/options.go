package invalidation

import (
	"log/slog"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/period"
)

// Option configures a Ledger.
type Option interface {
	apply(*Ledger)
}

type optionFunc func(*Ledger)

func (f optionFunc) apply(l *Ledger) { f(l) }

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	})
}

// WithCalendar sets the calendar used to normalize weeks.
func WithCalendar(cal period.Calendar) Option {
	return optionFunc(func(l *Ledger) {
		l.calendar = cal
	})
}

// WithLogRetention enables the warning for dates whose raw data is already
// deleted by the log purger. Zero disables it.
func WithLogRetention(days int) Option {
	return optionFunc(func(l *Ledger) {
		l.logRetentionDays = days
	})
}

// WithObserver registers a callback for ArchivesInvalidated events.
func WithObserver(fn core.Observer) Option {
	return optionFunc(func(l *Ledger) {
		if fn != nil {
			l.observers = append(l.observers, fn)
		}
	})
}
