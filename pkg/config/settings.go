package config

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/period"
	"github.com/jdziat/archive-lifecycle/pkg/purge"
)

// Settings holds the persisted retention and archiving keys. Each key can be
// overridden at runtime through the options table of the same name.
type Settings struct {
	DeleteLogsEnable                 bool `yaml:"delete_logs_enable"`
	DeleteLogsOlderThan              int  `yaml:"delete_logs_older_than"`
	DeleteLogsScheduleLowestInterval int  `yaml:"delete_logs_schedule_lowest_interval"`
	DeleteLogsMaxRowsPerQuery        int  `yaml:"delete_logs_max_rows_per_query"`
	DeleteLogsUnusedActionsEnable    bool `yaml:"delete_logs_unused_actions_enable"`

	DeleteReportsEnable             bool `yaml:"delete_reports_enable"`
	DeleteReportsOlderThan          int  `yaml:"delete_reports_older_than"`
	DeleteReportsKeepBasicMetrics   bool `yaml:"delete_reports_keep_basic_metrics"`
	DeleteReportsKeepDayReports     bool `yaml:"delete_reports_keep_day_reports"`
	DeleteReportsKeepWeekReports    bool `yaml:"delete_reports_keep_week_reports"`
	DeleteReportsKeepMonthReports   bool `yaml:"delete_reports_keep_month_reports"`
	DeleteReportsKeepYearReports    bool `yaml:"delete_reports_keep_year_reports"`
	DeleteReportsKeepRangeReports   bool `yaml:"delete_reports_keep_range_reports"`
	DeleteReportsKeepSegmentReports bool `yaml:"delete_reports_keep_segment_reports"`

	// Archive TTLs in seconds. A negative week, month, year or range TTL falls
	// back to the today TTL.
	TimeBeforeTodayArchiveConsideredOutdated int `yaml:"time_before_today_archive_considered_outdated"`
	TimeBeforeWeekArchiveConsideredOutdated  int `yaml:"time_before_week_archive_considered_outdated"`
	TimeBeforeMonthArchiveConsideredOutdated int `yaml:"time_before_month_archive_considered_outdated"`
	TimeBeforeYearArchiveConsideredOutdated  int `yaml:"time_before_year_archive_considered_outdated"`
	TimeBeforeRangeArchiveConsideredOutdated int `yaml:"time_before_range_archive_considered_outdated"`

	PurgeDateRangeArchivesAfterXDays int  `yaml:"purge_date_range_archives_after_X_days"`
	EnableBrowserArchivingTriggering bool `yaml:"enable_browser_archiving_triggering"`
}

// DefaultSettings returns the shipped defaults.
func DefaultSettings() Settings {
	p := purge.DefaultSettings()
	return Settings{
		DeleteLogsOlderThan:              p.LogsOlderThanDays,
		DeleteLogsScheduleLowestInterval: p.ScheduleLowestIntervalDays,
		DeleteLogsMaxRowsPerQuery:        p.LogsMaxRowsPerQuery,

		DeleteReportsOlderThan:        p.ReportsOlderThanMonths,
		DeleteReportsKeepBasicMetrics: p.KeepBasicMetrics,
		DeleteReportsKeepMonthReports: p.KeepMonthReports,
		DeleteReportsKeepYearReports:  p.KeepYearReports,

		TimeBeforeTodayArchiveConsideredOutdated: 900,
		TimeBeforeWeekArchiveConsideredOutdated:  -1,
		TimeBeforeMonthArchiveConsideredOutdated: -1,
		TimeBeforeYearArchiveConsideredOutdated:  -1,
		TimeBeforeRangeArchiveConsideredOutdated: -1,

		PurgeDateRangeArchivesAfterXDays: 1,
		EnableBrowserArchivingTriggering: true,
	}
}

// Keys lists every persisted setting name.
func Keys() []string {
	s := DefaultSettings()
	out := make([]string, 0, len(s.fields()))
	for _, f := range s.fields() {
		out = append(out, f.name)
	}
	return out
}

type field struct {
	name    string
	boolean *bool
	number  *int
}

func (s *Settings) fields() []field {
	b := func(name string, p *bool) field { return field{name: name, boolean: p} }
	n := func(name string, p *int) field { return field{name: name, number: p} }
	return []field{
		b("delete_logs_enable", &s.DeleteLogsEnable),
		n("delete_logs_older_than", &s.DeleteLogsOlderThan),
		n("delete_logs_schedule_lowest_interval", &s.DeleteLogsScheduleLowestInterval),
		n("delete_logs_max_rows_per_query", &s.DeleteLogsMaxRowsPerQuery),
		b("delete_logs_unused_actions_enable", &s.DeleteLogsUnusedActionsEnable),
		b("delete_reports_enable", &s.DeleteReportsEnable),
		n("delete_reports_older_than", &s.DeleteReportsOlderThan),
		b("delete_reports_keep_basic_metrics", &s.DeleteReportsKeepBasicMetrics),
		b("delete_reports_keep_day_reports", &s.DeleteReportsKeepDayReports),
		b("delete_reports_keep_week_reports", &s.DeleteReportsKeepWeekReports),
		b("delete_reports_keep_month_reports", &s.DeleteReportsKeepMonthReports),
		b("delete_reports_keep_year_reports", &s.DeleteReportsKeepYearReports),
		b("delete_reports_keep_range_reports", &s.DeleteReportsKeepRangeReports),
		b("delete_reports_keep_segment_reports", &s.DeleteReportsKeepSegmentReports),
		n("time_before_today_archive_considered_outdated", &s.TimeBeforeTodayArchiveConsideredOutdated),
		n("time_before_week_archive_considered_outdated", &s.TimeBeforeWeekArchiveConsideredOutdated),
		n("time_before_month_archive_considered_outdated", &s.TimeBeforeMonthArchiveConsideredOutdated),
		n("time_before_year_archive_considered_outdated", &s.TimeBeforeYearArchiveConsideredOutdated),
		n("time_before_range_archive_considered_outdated", &s.TimeBeforeRangeArchiveConsideredOutdated),
		n("purge_date_range_archives_after_X_days", &s.PurgeDateRangeArchivesAfterXDays),
		b("enable_browser_archiving_triggering", &s.EnableBrowserArchivingTriggering),
	}
}

// ApplyOptions overrides settings from persisted options keyed by setting name.
// Malformed values are skipped and reported; unknown names are ignored.
func (s *Settings) ApplyOptions(opts map[string]string) []error {
	var errs []error
	for _, f := range s.fields() {
		v, ok := opts[f.name]
		if !ok {
			continue
		}
		if f.boolean != nil {
			b, err := parseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("setting %s: %w", f.name, err))
				continue
			}
			*f.boolean = b
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("setting %s: %w", f.name, err))
			continue
		}
		*f.number = n
	}
	return errs
}

// OptionReader reads persisted options. storage.GormStorage implements it.
type OptionReader interface {
	GetOption(ctx context.Context, name string) (string, bool, error)
}

// LoadOptions overlays the persisted options on s. The returned slice reports
// malformed values; the error reports a failing store.
func (s *Settings) LoadOptions(ctx context.Context, store OptionReader) ([]error, error) {
	opts := make(map[string]string)
	for _, name := range Keys() {
		v, ok, err := store.GetOption(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			opts[name] = v
		}
	}
	return s.ApplyOptions(opts), nil
}

// parseBool also accepts the 0/1 values persisted by the admin screens.
func parseBool(v string) (bool, error) {
	switch v {
	case "":
		return false, nil
	case "yes", "on":
		return true, nil
	case "no", "off":
		return false, nil
	}
	return strconv.ParseBool(v)
}

// PurgeSettings builds the log and report retention policy.
func (s Settings) PurgeSettings() purge.Settings {
	return purge.Settings{
		LogsEnabled:              s.DeleteLogsEnable,
		LogsOlderThanDays:        s.DeleteLogsOlderThan,
		LogsMaxRowsPerQuery:      s.DeleteLogsMaxRowsPerQuery,
		LogsUnusedActionsEnabled: s.DeleteLogsUnusedActionsEnable,

		ReportsEnabled:         s.DeleteReportsEnable,
		ReportsOlderThanMonths: s.DeleteReportsOlderThan,
		KeepBasicMetrics:       s.DeleteReportsKeepBasicMetrics,
		KeepDayReports:         s.DeleteReportsKeepDayReports,
		KeepWeekReports:        s.DeleteReportsKeepWeekReports,
		KeepMonthReports:       s.DeleteReportsKeepMonthReports,
		KeepYearReports:        s.DeleteReportsKeepYearReports,
		KeepRangeReports:       s.DeleteReportsKeepRangeReports,
		KeepSegmentReports:     s.DeleteReportsKeepSegmentReports,

		ScheduleLowestIntervalDays: s.DeleteLogsScheduleLowestInterval,
	}
}

// Retention builds the archive purger retention. safetyMargin keeps freshly
// invalidated rows.
func (s Settings) Retention(safetyMargin time.Duration) purge.Retention {
	return purge.Retention{
		TodayTTL:                s.TTL(period.Day),
		RangeAfterDays:          s.PurgeDateRangeArchivesAfterXDays,
		InvalidatedSafetyMargin: safetyMargin,
	}
}

// TTL returns how long an archive of kind that includes today stays fresh.
func (s Settings) TTL(kind period.Kind) time.Duration {
	today := s.TimeBeforeTodayArchiveConsideredOutdated
	secs := today
	switch kind {
	case period.Week:
		secs = s.TimeBeforeWeekArchiveConsideredOutdated
	case period.Month:
		secs = s.TimeBeforeMonthArchiveConsideredOutdated
	case period.Year:
		secs = s.TimeBeforeYearArchiveConsideredOutdated
	case period.Range:
		secs = s.TimeBeforeRangeArchiveConsideredOutdated
	}
	if secs < 0 {
		secs = today
	}
	if secs < 0 {
		secs = 0
	}
	return time.Duration(secs) * time.Second
}
