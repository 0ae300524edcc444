package archiver

import (
	"context"
	"log/slog"
	"strconv"
	"time"
)

// LastCronRunOption holds the unix time of the last completed cron archive run.
const LastCronRunOption = "archiving_last_cron_run"

// OptionReader reads persisted options.
type OptionReader interface {
	GetOption(ctx context.Context, name string) (string, bool, error)
}

// Policy decides whether the current request may archive, which the archive
// purger checks before deleting temporary archives.
type Policy struct {
	store            OptionReader
	browserTriggered bool
	window           time.Duration
	now              func() time.Time
	logger           *slog.Logger
}

// NewPolicy creates a Policy. Requests are authorized when browser triggered
// archiving is enabled or a cron run completed within window.
func NewPolicy(store OptionReader, browserTriggered bool, window time.Duration) *Policy {
	return &Policy{
		store:            store,
		browserTriggered: browserTriggered,
		window:           window,
		now:              time.Now,
		logger:           slog.Default(),
	}
}

// WithClock returns a copy of p using now as its time source.
func (p *Policy) WithClock(now func() time.Time) *Policy {
	cp := *p
	cp.now = now
	return &cp
}

// RequestAuthorizedToArchive implements purge.Authorizer.
func (p *Policy) RequestAuthorizedToArchive(ctx context.Context) bool {
	if p.browserTriggered {
		return true
	}
	last, err := LastCronRun(ctx, p.store)
	if err != nil {
		p.logger.Warn("cannot read last cron archive run", "error", err)
		return false
	}
	if last.IsZero() {
		return false
	}
	return p.now().Sub(last) <= p.window
}

// LastCronRun returns when the last cron archive run completed; the zero time
// means never or unreadable.
func LastCronRun(ctx context.Context, store OptionReader) (time.Time, error) {
	v, ok, err := store.GetOption(ctx, LastCronRunOption)
	if err != nil || !ok {
		return time.Time{}, err
	}
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, nil
	}
	return time.Unix(sec, 0).UTC(), nil
}
