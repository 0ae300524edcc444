// Package maintenance registers the archive and data retention tasks on a
// scheduler.Runner.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jdziat/archive-lifecycle/pkg/purge"
	"github.com/jdziat/archive-lifecycle/pkg/schedule"
	"github.com/jdziat/archive-lifecycle/pkg/scheduler"
)

// Task names.
const (
	TaskPurgeOrphanedArchives    = "purge-orphaned-archives"
	TaskPurgeOutdatedArchives    = "purge-outdated-archives"
	TaskPurgeInvalidatedArchives = "purge-invalidated-archives"
	TaskDeleteLogData            = "delete-log-data"
	TaskDeleteReportData         = "delete-report-data"
)

const day = 24 * time.Hour

// Deps are the purgers the tasks drive. A nil purger leaves its tasks
// unregistered.
type Deps struct {
	Archives *purge.ArchivePurger
	Logs     *purge.LogPurger
	Reports  *purge.ReportPurger

	// LowestIntervalDays spaces the log and report deletions. Values below one
	// mean daily.
	LowestIntervalDays int
	// Overrides replaces the interval of a task with a cron expression, keyed
	// by task name.
	Overrides map[string]string
	// Window aligns the tasks on a time of day. Without one they run at plain
	// intervals from their last run.
	Window *schedule.Window

	Now    func() time.Time
	Logger *slog.Logger
}

// Register adds the maintenance tasks to r.
func Register(r *scheduler.Runner, d Deps) error {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	lowest := d.LowestIntervalDays
	if lowest < 1 {
		lowest = 1
	}

	var tasks []scheduler.Task
	if d.Archives != nil {
		tasks = append(tasks,
			scheduler.Task{
				Name:     TaskPurgeOrphanedArchives,
				Schedule: d.every(7),
				Priority: scheduler.PriorityHigh,
				Run:      d.purgeOrphaned,
			},
			scheduler.Task{
				Name:            TaskPurgeOutdatedArchives,
				Schedule:        d.every(1),
				Priority:        scheduler.PriorityNormal,
				RecordBeforeRun: true,
				Run:             d.purgeOutdated,
			},
			scheduler.Task{
				Name:            TaskPurgeInvalidatedArchives,
				Schedule:        d.every(1),
				Priority:        scheduler.PriorityNormal,
				RecordBeforeRun: true,
				Run:             d.purgeInvalidated,
			},
		)
	}
	if d.Logs != nil {
		tasks = append(tasks, scheduler.Task{
			Name:            TaskDeleteLogData,
			Schedule:        d.every(lowest),
			Priority:        scheduler.PriorityLow,
			RecordBeforeRun: true,
			Run:             d.deleteLogs,
		})
	}
	if d.Reports != nil {
		tasks = append(tasks, scheduler.Task{
			Name:            TaskDeleteReportData,
			Schedule:        d.every(lowest),
			Priority:        scheduler.PriorityLow,
			RecordBeforeRun: true,
			Run:             d.deleteReports,
		})
	}

	for _, t := range tasks {
		if expr, ok := d.Overrides[t.Name]; ok && expr != "" {
			s, err := schedule.ParseCron(expr)
			if err != nil {
				return fmt.Errorf("task %s: %w", t.Name, err)
			}
			t.Schedule = s
		}
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// every spaces runs by days, inside the window when one is set.
func (d Deps) every(days int) schedule.Schedule {
	if d.Window == nil {
		return schedule.Every(time.Duration(days) * day)
	}
	return schedule.Aligned(days, *d.Window)
}

// monthAnchors returns the first day of the current and the previous month.
func (d Deps) monthAnchors() []time.Time {
	now := d.Now().UTC()
	current := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return []time.Time{current, current.AddDate(0, -1, 0)}
}

func (d Deps) done(task string, reports ...*purge.Report) error {
	var rows int64
	var errs []error
	for _, r := range reports {
		if r == nil {
			continue
		}
		rows += r.Total()
		for _, w := range r.Warnings {
			d.Logger.Warn(w, "task", task)
		}
		if r.Skipped != nil {
			d.Logger.Info("purge skipped", "task", task, "kind", r.Kind, "reason", r.Skipped)
		}
		if err := r.Err(); err != nil {
			errs = append(errs, err)
		}
	}
	d.Logger.Info("maintenance task purged rows", "task", task, "rows", humanize.Comma(rows))
	return errors.Join(errs...)
}

func (d Deps) purgeOrphaned(ctx context.Context) error {
	r, err := d.Archives.PurgeOrphanedArchives(ctx)
	if err != nil {
		return err
	}
	return d.done(TaskPurgeOrphanedArchives, r)
}

func (d Deps) purgeOutdated(ctx context.Context) error {
	var reports []*purge.Report
	for _, anchor := range d.monthAnchors() {
		r, err := d.Archives.PurgeOutdatedArchives(ctx, anchor)
		if err != nil {
			return errors.Join(err, d.done(TaskPurgeOutdatedArchives, reports...))
		}
		reports = append(reports, r)
	}
	return d.done(TaskPurgeOutdatedArchives, reports...)
}

func (d Deps) purgeInvalidated(ctx context.Context) error {
	worklist, err := d.Archives.PurgeInvalidatedFromWorklist(ctx)
	if err != nil {
		return err
	}
	reports := []*purge.Report{worklist}
	for _, anchor := range d.monthAnchors() {
		r, err := d.Archives.PurgeInvalidatedArchivesFrom(ctx, anchor)
		if err != nil {
			return errors.Join(err, d.done(TaskPurgeInvalidatedArchives, reports...))
		}
		reports = append(reports, r)
	}
	return d.done(TaskPurgeInvalidatedArchives, reports...)
}

func (d Deps) deleteLogs(ctx context.Context) error {
	r, err := d.Logs.PurgeData(ctx)
	if err != nil {
		return err
	}
	return d.done(TaskDeleteLogData, r)
}

func (d Deps) deleteReports(ctx context.Context) error {
	r, err := d.Reports.PurgeReports(ctx)
	if err != nil {
		return err
	}
	return d.done(TaskDeleteReportData, r)
}
