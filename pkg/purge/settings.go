package purge

import "github.com/jdziat/archive-lifecycle/pkg/period"

// Settings is the retention policy applied to raw logs and aggregated reports.
type Settings struct {
	LogsEnabled              bool
	LogsOlderThanDays        int
	LogsMaxRowsPerQuery      int
	LogsUnusedActionsEnabled bool

	ReportsEnabled         bool
	ReportsOlderThanMonths int
	KeepBasicMetrics       bool
	KeepDayReports         bool
	KeepWeekReports        bool
	KeepMonthReports       bool
	KeepYearReports        bool
	KeepRangeReports       bool
	KeepSegmentReports     bool

	ScheduleLowestIntervalDays int
}

// DefaultSettings mirrors the shipped defaults: purging disabled, six months of
// logs and a year of reports.
func DefaultSettings() Settings {
	return Settings{
		LogsOlderThanDays:          180,
		LogsMaxRowsPerQuery:        100000,
		ReportsOlderThanMonths:     12,
		KeepBasicMetrics:           true,
		KeepMonthReports:           true,
		KeepYearReports:            true,
		ScheduleLowestIntervalDays: 7,
	}
}

// keptKinds lists the period kinds whose reports survive a report purge.
func (s Settings) keptKinds() map[period.Kind]bool {
	return map[period.Kind]bool{
		period.Day:   s.KeepDayReports,
		period.Week:  s.KeepWeekReports,
		period.Month: s.KeepMonthReports,
		period.Year:  s.KeepYearReports,
		period.Range: s.KeepRangeReports,
	}
}

// purgedRanks returns the stored ranks of the period kinds to delete, lowest first.
func (s Settings) purgedRanks() []int {
	kept := s.keptKinds()
	var out []int
	for _, k := range []period.Kind{period.Day, period.Week, period.Month, period.Year, period.Range} {
		if !kept[k] {
			out = append(out, int(k))
		}
	}
	return out
}
