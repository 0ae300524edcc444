// Package archives keeps the pre-aggregated archives of an analytics store
// consistent with its raw data and deletes what is no longer needed.
//
// This is the package most callers import. New wires the invalidation ledger,
// the archive, log and report purgers, the cron archiver and the maintenance
// scheduler over one database.
//
// Basic usage:
//
//	cfg, _ := config.Load("archives.yaml")
//	db, _ := storage.Open(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.PoolOptions()...)
//	sys, _ := archives.New(ctx, db, cfg, archives.WithEngine(engine))
//
//	// Mark March 15th and everything built from it as stale
//	lines, _ := sys.InvalidateArchivedReports(ctx, []int{1}, "2024-03-15", "day", "", false)
//
//	// Recompute what is stale or outdated
//	report, _ := sys.RunCronArchive(ctx)
//
//	// Run the due purge tasks
//	tasks, _ := sys.RunScheduledTasks(ctx)
package archives

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"

	"github.com/jdziat/archive-lifecycle/pkg/archiver"
	"github.com/jdziat/archive-lifecycle/pkg/config"
	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/invalidation"
	"github.com/jdziat/archive-lifecycle/pkg/lock"
	"github.com/jdziat/archive-lifecycle/pkg/maintenance"
	"github.com/jdziat/archive-lifecycle/pkg/metrics"
	"github.com/jdziat/archive-lifecycle/pkg/partition"
	"github.com/jdziat/archive-lifecycle/pkg/purge"
	"github.com/jdziat/archive-lifecycle/pkg/registry"
	"github.com/jdziat/archive-lifecycle/pkg/scheduler"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

// Type aliases for the types callers handle most.
type (
	// Event is the interface of all lifecycle events.
	Event = core.Event

	// Observer receives lifecycle events synchronously.
	Observer = core.Observer

	// Locker hands out expiring cross-process leases.
	Locker = core.Locker

	// Engine aggregates raw data into archives.
	Engine = archiver.Engine

	// RunReport summarises a cron archive run.
	RunReport = archiver.RunReport

	// TaskRunReport is the outcome of one scheduled task.
	TaskRunReport = scheduler.TaskRunReport

	// PurgeSettings is the log and report retention policy.
	PurgeSettings = purge.Settings
)

// Re-exported errors.
var (
	ErrInvalidArgument     = core.ErrInvalidArgument
	ErrConcurrencyConflict = core.ErrConcurrencyConflict
	ErrPermissionDenied    = core.ErrPermissionDenied
	ErrNoEngine            = fmt.Errorf("%w: no aggregation engine configured", core.ErrInvalidArgument)
)

// Option configures New.
type Option interface {
	apply(*options)
}

type optionFunc func(*options)

func (f optionFunc) apply(o *options) { f(o) }

type options struct {
	logger     *slog.Logger
	now        func() time.Time
	locker     core.Locker
	engine     archiver.Engine
	registerer prometheus.Registerer
	observers  []core.Observer
}

// WithLogger sets the structured logger of every component.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	})
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) {
		if now != nil {
			o.now = now
		}
	})
}

// WithLocker sets the distributed lock. The default locks through the
// archive_locks table.
func WithLocker(l Locker) Option {
	return optionFunc(func(o *options) {
		o.locker = l
	})
}

// WithEngine sets the aggregation engine. Without one, an HTTP engine is used
// when archiving.engine_url is configured.
func WithEngine(e Engine) Option {
	return optionFunc(func(o *options) {
		o.engine = e
	})
}

// WithMetrics registers the prometheus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return optionFunc(func(o *options) {
		o.registerer = reg
	})
}

// WithObserver receives every lifecycle event.
func WithObserver(fn Observer) Option {
	return optionFunc(func(o *options) {
		if fn != nil {
			o.observers = append(o.observers, fn)
		}
	})
}

// System is a fully wired archive lifecycle.
type System struct {
	Config   *config.Config
	Settings config.Settings

	Store     *storage.GormStorage
	Archives  *storage.ArchiveStore
	Ledger    *invalidation.Ledger
	Registry  *registry.GormRegistry
	Policy    *archiver.Policy
	Purger    *purge.ArchivePurger
	Logs      *purge.LogPurger
	Reports   *purge.ReportPurger
	Estimator *purge.Estimator
	Cron      *archiver.CronArchive
	Runner    *scheduler.Runner
	Metrics   *metrics.Collectors

	logger *slog.Logger
}

// New migrates the schema, overlays the persisted settings on cfg.Settings and
// wires every component.
func New(ctx context.Context, db *gorm.DB, cfg *config.Config, opts ...Option) (*System, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := &options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt.apply(o)
	}
	if o.locker == nil {
		o.locker = lock.NewDBLocker(db, o.now)
	}
	if o.engine == nil && cfg.Archiving.EngineURL != "" {
		o.engine = archiver.NewHTTPEngine(cfg.Archiving.EngineURL, cfg.Archiving.EngineTimeout)
	}
	cal, err := cfg.Archiving.Calendar()
	if err != nil {
		return nil, err
	}

	store := storage.NewGormStorage(db)
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}

	settings := cfg.Settings
	warnings, err := settings.LoadOptions(ctx, store)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		o.logger.Warn("ignoring malformed persisted setting", "error", w)
	}

	sys := &System{Config: cfg, Settings: settings, Store: store, logger: o.logger}
	observers := o.observers
	if o.registerer != nil {
		sys.Metrics = metrics.New(o.registerer)
		observers = append(observers, sys.Metrics.Observe)
	}

	locator := partition.NewLocator(db)
	sys.Archives = storage.NewArchiveStore(db, locator)

	logRetention := 0
	if settings.DeleteLogsEnable {
		logRetention = settings.DeleteLogsOlderThan
	}
	ledgerOpts := []invalidation.Option{
		invalidation.WithLogger(o.logger),
		invalidation.WithClock(o.now),
		invalidation.WithCalendar(cal),
		invalidation.WithLogRetention(logRetention),
	}
	for _, fn := range observers {
		ledgerOpts = append(ledgerOpts, invalidation.WithObserver(fn))
	}
	sys.Ledger = invalidation.New(store, sys.Archives, ledgerOpts...)

	sys.Registry = registry.NewGormRegistry(db)
	sys.Policy = archiver.NewPolicy(store, settings.EnableBrowserArchivingTriggering, cfg.Archiving.CronRecentWindow).WithClock(o.now)

	purgeOpts := []purge.Option{purge.WithLogger(o.logger), purge.WithClock(o.now)}
	for _, fn := range observers {
		purgeOpts = append(purgeOpts, purge.WithObserver(fn))
	}
	ps := settings.PurgeSettings()
	sys.Purger = purge.NewArchivePurger(store, locator, sys.Policy, sys.Registry,
		settings.Retention(cfg.Archiving.InvalidatedSafetyMargin), purgeOpts...)
	sys.Logs = purge.NewLogPurger(db, ps, purge.NewDBActionLocker(db), purgeOpts...)
	sys.Reports = purge.NewReportPurger(db, locator, ps, purgeOpts...)
	sys.Estimator = purge.NewEstimator(db, sys.Reports, purgeOpts...)

	if o.engine != nil {
		cronOpts := []archiver.Option{
			archiver.WithLogger(o.logger),
			archiver.WithClock(o.now),
			archiver.WithLocker(o.locker, cfg.Archiving.LockTTL),
			archiver.WithFreshness(settings.TTL),
			archiver.WithCustomRanges(cfg.Archiving.CustomRanges...),
			archiver.WithClaimTimeout(cfg.Archiving.ClaimTimeout),
		}
		for _, fn := range observers {
			cronOpts = append(cronOpts, archiver.WithObserver(fn))
		}
		sys.Cron = archiver.New(store, sys.Archives, sys.Ledger, sys.Registry, o.engine, cronOpts...)
	}

	runnerOpts := []scheduler.Option{
		scheduler.WithLogger(o.logger),
		scheduler.WithClock(o.now),
		scheduler.WithLocker(o.locker, cfg.Archiving.LockTTL),
	}
	for _, fn := range observers {
		runnerOpts = append(runnerOpts, scheduler.WithObserver(fn))
	}
	sys.Runner = scheduler.New(store, runnerOpts...)
	window, err := cfg.Maintenance.Window()
	if err != nil {
		return nil, err
	}
	if err := maintenance.Register(sys.Runner, maintenance.Deps{
		Archives:           sys.Purger,
		Logs:               sys.Logs,
		Reports:            sys.Reports,
		LowestIntervalDays: settings.DeleteLogsScheduleLowestInterval,
		Overrides:          cfg.Tasks,
		Window:             window,
		Now:                o.now,
		Logger:             o.logger,
	}); err != nil {
		return nil, err
	}
	return sys, nil
}

// InvalidateArchivedReports marks archives stale and returns the log lines of
// what was invalidated. dates is a comma separated list, or a single
// "start,end" range when periodType is "range".
func (s *System) InvalidateArchivedReports(ctx context.Context, idSites []int, dates, periodType, segment string, cascadeDown bool) ([]string, error) {
	return s.Ledger.InvalidateArchivedReports(ctx, idSites, dates, periodType, segment, cascadeDown)
}

// RunCronArchive computes the stale, outdated and missing archives.
func (s *System) RunCronArchive(ctx context.Context) (*RunReport, error) {
	if s.Cron == nil {
		return nil, ErrNoEngine
	}
	return s.Cron.Run(ctx)
}

// RunScheduledTasks runs the due maintenance tasks.
func (s *System) RunScheduledTasks(ctx context.Context) ([]TaskRunReport, error) {
	return s.Runner.RunScheduledTasks(ctx)
}

// GetPurgeEstimate counts the rows the log and report purges would delete.
// A nil settings uses the configured policy.
func (s *System) GetPurgeEstimate(ctx context.Context, settings *PurgeSettings) (map[string]int64, error) {
	ps := s.Settings.PurgeSettings()
	if settings != nil {
		ps = *settings
	}
	return s.Estimator.GetPurgeEstimate(ctx, ps)
}
