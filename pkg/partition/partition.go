// Package partition maps periods to the monthly archive tables holding them.
//
// Every partition is a pair of physical tables sharing a year-month suffix:
// archive_numeric_YYYY_MM for scalar records and archive_blob_YYYY_MM for
// serialized reports.
package partition

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/period"
)

const (
	NumericPrefix = "archive_numeric"
	BlobPrefix    = "archive_blob"
)

// LegacyYear is the last year considered a corrupt or legacy partition.
// Purge operations never touch partitions at or before it.
const LegacyYear = 1990

// ID identifies a monthly partition.
type ID struct {
	Year  int
	Month int
}

// For returns the partition holding a period: the month of its start date.
func For(p period.Period) ID {
	return ForDate(p.Start())
}

// ForDate returns the partition holding the given day.
func ForDate(t time.Time) ID {
	t = t.UTC()
	return ID{Year: t.Year(), Month: int(t.Month())}
}

// Parse reads a "YYYY_MM" suffix.
func Parse(suffix string) (ID, error) {
	if len(suffix) != 7 || suffix[4] != '_' {
		return ID{}, fmt.Errorf("invalid partition suffix %q", suffix)
	}
	year, errY := strconv.Atoi(suffix[:4])
	month, errM := strconv.Atoi(suffix[5:])
	if errY != nil || errM != nil {
		return ID{}, fmt.Errorf("invalid partition suffix %q", suffix)
	}
	id := ID{Year: year, Month: month}
	if id.Month < 1 || id.Month > 12 {
		return ID{}, fmt.Errorf("invalid partition month in %q", suffix)
	}
	return id, nil
}

// ParseTable extracts the partition of a numeric or blob table name.
func ParseTable(table string) (ID, bool) {
	for _, prefix := range []string{NumericPrefix, BlobPrefix} {
		if suffix, ok := strings.CutPrefix(table, prefix+"_"); ok {
			id, err := Parse(suffix)
			if err != nil {
				return ID{}, false
			}
			return id, true
		}
	}
	return ID{}, false
}

// Suffix is the YYYY_MM table suffix.
func (id ID) Suffix() string {
	return fmt.Sprintf("%04d_%02d", id.Year, id.Month)
}

func (id ID) String() string { return id.Suffix() }

// NumericTable is the scalar record table name.
func (id ID) NumericTable() string { return NumericPrefix + "_" + id.Suffix() }

// BlobTable is the serialized report table name.
func (id ID) BlobTable() string { return BlobPrefix + "_" + id.Suffix() }

// Tables returns both physical tables, numeric first.
func (id ID) Tables() []string { return []string{id.NumericTable(), id.BlobTable()} }

// IsLegacy reports whether the partition falls at or before LegacyYear.
func (id ID) IsLegacy() bool { return id.Year <= LegacyYear }

// Start is the first day of the partition month.
func (id ID) Start() time.Time {
	return time.Date(id.Year, time.Month(id.Month), 1, 0, 0, 0, 0, time.UTC)
}

// Before reports whether id is an earlier month than o.
func (id ID) Before(o ID) bool {
	if id.Year != o.Year {
		return id.Year < o.Year
	}
	return id.Month < o.Month
}

// AddMonths shifts the partition by n months.
func (id ID) AddMonths(n int) ID {
	return ForDate(id.Start().AddDate(0, n, 0))
}
