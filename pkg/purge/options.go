package purge

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

// Authorizer decides whether archives may be purged in the current context.
// Browser-triggered installs rely on temporary archives that a cron-less purge
// would otherwise remove.
type Authorizer interface {
	RequestAuthorizedToArchive(ctx context.Context) bool
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context) bool

// RequestAuthorizedToArchive calls f.
func (f AuthorizerFunc) RequestAuthorizedToArchive(ctx context.Context) bool { return f(ctx) }

// common holds the collaborators shared by every purger.
type common struct {
	logger    *slog.Logger
	now       func() time.Time
	observers []core.Observer
}

func newCommon(opts []Option) common {
	c := common{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt.apply(&c)
	}
	return c
}

func (c *common) notify(ctx context.Context, r *Report) {
	if r.Skipped != nil || len(c.observers) == 0 {
		return
	}
	core.Notify(ctx, c.observers, &core.ArchivesPurged{Kind: r.Kind, Rows: r.Rows, Timestamp: c.now()})
}

// Option configures a purger.
type Option interface {
	apply(*common)
}

type optionFunc func(*common)

func (f optionFunc) apply(c *common) { f(c) }

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(c *common) {
		if logger != nil {
			c.logger = logger
		}
	})
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(c *common) {
		if now != nil {
			c.now = now
		}
	})
}

// WithObserver registers a callback receiving ArchivesPurged events.
func WithObserver(fn core.Observer) Option {
	return optionFunc(func(c *common) {
		if fn != nil {
			c.observers = append(c.observers, fn)
		}
	})
}
