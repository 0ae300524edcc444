package archives_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	archives "github.com/jdziat/archive-lifecycle"
	"github.com/jdziat/archive-lifecycle/pkg/archiver"
	"github.com/jdziat/archive-lifecycle/pkg/config"
	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/scheduler"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

var testNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

// openTestDB opens a private in-memory SQLite database on a single connection.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.Open(storage.DriverSQLite, ":memory:", storage.MaxOpenConns(1), storage.MaxIdleConns(1))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

var staticEngine = archiver.EngineFunc(func(context.Context, archiver.ComputeRequest) (*archiver.ComputeResult, error) {
	return &archiver.ComputeResult{Numeric: map[string]float64{"nb_visits": 1}}, nil
})

func newSystem(t *testing.T, db *gorm.DB, opts ...archives.Option) *archives.System {
	t.Helper()
	opts = append([]archives.Option{archives.WithClock(clock)}, opts...)
	sys, err := archives.New(context.Background(), db, config.Default(), opts...)
	require.NoError(t, err)
	return sys
}

// ---------------------------------------------------------------------------
// Wiring
// ---------------------------------------------------------------------------

func TestNew_WiresEverything(t *testing.T) {
	sys := newSystem(t, openTestDB(t), archives.WithEngine(staticEngine))

	assert.NotNil(t, sys.Ledger)
	assert.NotNil(t, sys.Purger)
	assert.NotNil(t, sys.Estimator)
	assert.NotNil(t, sys.Cron)
	assert.Len(t, sys.Runner.Tasks(), 5)
	assert.Nil(t, sys.Metrics)
}

func TestNew_PersistedSettingsOverrideConfig(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	store := storage.NewGormStorage(db)
	require.NoError(t, store.Migrate(ctx))
	require.NoError(t, store.SetOption(ctx, "enable_browser_archiving_triggering", "0"))
	require.NoError(t, store.SetOption(ctx, "delete_logs_older_than", "oops"))

	sys := newSystem(t, db)
	assert.False(t, sys.Settings.EnableBrowserArchivingTriggering)
	assert.Equal(t, config.DefaultSettings().DeleteLogsOlderThan, sys.Settings.DeleteLogsOlderThan)
	assert.False(t, sys.Policy.RequestAuthorizedToArchive(ctx))
}

func TestNew_InvalidTaskOverride(t *testing.T) {
	cfg := config.Default()
	cfg.Tasks["delete-log-data"] = "not a cron"
	_, err := archives.New(context.Background(), openTestDB(t), cfg)
	assert.Error(t, err)
}

func TestNew_MaintenanceWindow(t *testing.T) {
	cfg := config.Default()
	cfg.Maintenance.At = "04:30"
	sys, err := archives.New(context.Background(), openTestDB(t), cfg, archives.WithClock(clock))
	require.NoError(t, err)

	for _, task := range sys.Runner.Tasks() {
		if task.Name == "purge-outdated-archives" {
			assert.Equal(t, time.Date(2024, 3, 21, 4, 30, 0, 0, time.UTC), task.Schedule.Next(testNow))
		}
	}

	cfg.Maintenance.At = "4h30"
	_, err = archives.New(context.Background(), openTestDB(t), cfg)
	assert.Error(t, err)
}

func TestRunCronArchive_NeedsEngine(t *testing.T) {
	sys := newSystem(t, openTestDB(t))
	_, err := sys.RunCronArchive(context.Background())
	assert.ErrorIs(t, err, archives.ErrNoEngine)
	assert.ErrorIs(t, err, archives.ErrInvalidArgument)
}

// ---------------------------------------------------------------------------
// End to end
// ---------------------------------------------------------------------------

func TestSystem_InvalidateArchivePurge(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := prometheus.NewRegistry()
	var events int
	sys := newSystem(t, db,
		archives.WithEngine(staticEngine),
		archives.WithMetrics(reg),
		archives.WithObserver(func(context.Context, archives.Event) { events++ }),
	)
	require.NoError(t, db.Create(&core.Site{IDSite: 1, Name: "shop", Timezone: "UTC"}).Error)

	lines, err := sys.InvalidateArchivedReports(ctx, []int{1}, "2024-03-10", "day", "", false)
	require.NoError(t, err)
	assert.Equal(t, "1 entries invalidated", lines[0])
	assert.Equal(t, float64(4), testutil.ToFloat64(sys.Metrics.InvalidatedTotal))

	// Entries were created at testNow; archives written later resolve them.
	later := testNow.Add(time.Minute)
	sys2 := newSystem(t, db, archives.WithEngine(staticEngine), archives.WithClock(func() time.Time { return later }))
	rep, err := sys2.RunCronArchive(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Failed())
	assert.Equal(t, 6, rep.Count(archiver.OutcomeCompleted))

	n, err := sys2.Ledger.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	reports, err := sys.RunScheduledTasks(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 5)
	for _, r := range reports {
		assert.Equal(t, scheduler.StateSucceeded, r.State, "%s: %v", r.Name, r.Err)
	}
	assert.Equal(t, float64(1), testutil.ToFloat64(sys.Metrics.TaskRunsTotal.WithLabelValues("delete-log-data", "succeeded")))
	assert.Positive(t, events)
}

func TestSystem_CronMetrics(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	reg := prometheus.NewRegistry()
	sys := newSystem(t, db, archives.WithEngine(staticEngine), archives.WithMetrics(reg))
	require.NoError(t, db.Create(&core.Site{IDSite: 1, Timezone: "UTC"}).Error)

	_, err := sys.RunCronArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(4), testutil.ToFloat64(sys.Metrics.UnitsTotal.WithLabelValues("completed", archiver.ReasonToday)))
	assert.Equal(t, float64(1), testutil.ToFloat64(sys.Metrics.RunsTotal))
}

func TestSystem_GetPurgeEstimate(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sys := newSystem(t, db)
	require.NoError(t, db.Create(&[]core.LogVisit{
		{IDVisit: 1, IDSite: 1, VisitFirstTime: testNow.AddDate(0, 0, -400), VisitLastActionTime: testNow.AddDate(0, 0, -400)},
		{IDVisit: 2, IDSite: 1, VisitFirstTime: testNow, VisitLastActionTime: testNow},
	}).Error)

	// Log deletion is disabled by default.
	est, err := sys.GetPurgeEstimate(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, est)

	s := sys.Settings.PurgeSettings()
	s.LogsEnabled = true
	s.LogsOlderThanDays = 180
	est, err = sys.GetPurgeEstimate(ctx, &s)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"log_visit": 1}, est)
}
