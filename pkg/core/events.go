package core

import (
	"context"
	"time"
)

// Event is the interface for all lifecycle events.
type Event interface {
	eventMarker()
}

// Observer receives events synchronously at the extension points.
type Observer func(ctx context.Context, e Event)

// Unit names one archiving unit of work.
type Unit struct {
	IDSite    int
	PeriodKey string
	Segment   string
	// Reason is "today", "invalidated" or "custom-range".
	Reason string
}

// UnitStarted is emitted before a unit's archive is computed.
type UnitStarted struct {
	Unit      Unit
	Timestamp time.Time
}

func (*UnitStarted) eventMarker() {}

// UnitCompleted is emitted when a unit's archive was written.
type UnitCompleted struct {
	Unit       Unit
	ArchiveID  string
	Duration   time.Duration
	Timestamp  time.Time
	TsArchived time.Time
}

func (*UnitCompleted) eventMarker() {}

// UnitFailed is emitted when a unit's computation failed.
type UnitFailed struct {
	Unit      Unit
	Error     error
	Timestamp time.Time
}

func (*UnitFailed) eventMarker() {}

// UnitSkipped is emitted when a unit was fresh or locked by another process.
type UnitSkipped struct {
	Unit      Unit
	Reason    string
	Timestamp time.Time
}

func (*UnitSkipped) eventMarker() {}

// RunCompleted is emitted at the end of an orchestrator run.
type RunCompleted struct {
	Units     int
	Failed    int
	Duration  time.Duration
	Timestamp time.Time
}

func (*RunCompleted) eventMarker() {}

// ArchivesInvalidated is emitted after the ledger recorded new entries.
type ArchivesInvalidated struct {
	IDSites   []int
	Periods   []string
	Segment   string
	Entries   int
	Timestamp time.Time
}

func (*ArchivesInvalidated) eventMarker() {}

// ArchivesPurged is emitted after a purge removed rows.
type ArchivesPurged struct {
	Kind      string // outdated, invalidated, deleted-sites, deleted-segments, reports, logs
	Rows      map[string]int64
	Timestamp time.Time
}

func (*ArchivesPurged) eventMarker() {}

// Notify calls every observer in registration order.
func Notify(ctx context.Context, observers []Observer, e Event) {
	for _, fn := range observers {
		fn(ctx, e)
	}
}
