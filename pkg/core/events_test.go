package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUnitEvents_ImplementEvent(t *testing.T) {
	unit := Unit{IDSite: 1, PeriodKey: "day:2024-03-15", Reason: "today"}

	var events = []Event{
		&UnitStarted{Unit: unit, Timestamp: time.Now()},
		&UnitCompleted{Unit: unit, ArchiveID: "a1", Duration: time.Second, Timestamp: time.Now()},
		&UnitFailed{Unit: unit, Error: errors.New("boom"), Timestamp: time.Now()},
		&UnitSkipped{Unit: unit, Reason: "fresh", Timestamp: time.Now()},
		&RunCompleted{Units: 1, Timestamp: time.Now()},
		&ArchivesInvalidated{IDSites: []int{1}, Entries: 4, Timestamp: time.Now()},
		&ArchivesPurged{Kind: "outdated", Rows: map[string]int64{"archive_numeric_2024_03": 3}},
	}
	assert.Len(t, events, 7)
}

func TestNotify_CallsObserversInOrder(t *testing.T) {
	var order []int
	observers := []Observer{
		func(context.Context, Event) { order = append(order, 1) },
		func(context.Context, Event) { order = append(order, 2) },
	}

	Notify(context.Background(), observers, &RunCompleted{})

	assert.Equal(t, []int{1, 2}, order)
}

func TestArchiveStatus_Usable(t *testing.T) {
	assert.True(t, ArchiveValid.Usable())
	assert.True(t, ArchiveTemporary.Usable())
	assert.False(t, ArchiveInvalidated.Usable())
	assert.False(t, ArchiveError.Usable())
}
