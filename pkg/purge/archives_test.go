package purge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/internal/testdb"
	"github.com/jdziat/archive-lifecycle/pkg/partition"
	"github.com/jdziat/archive-lifecycle/pkg/period"
	"github.com/jdziat/archive-lifecycle/pkg/storage"
)

var testNow = time.Date(2024, 3, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.GormStorage
	archives *storage.ArchiveStore
	locator  *partition.Locator
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewGormStorage(testdb.Open(t))
	require.NoError(t, store.Migrate(context.Background()))
	locator := partition.NewLocator(store.DB())
	return &fixture{
		store:    store,
		archives: storage.NewArchiveStore(store.DB(), locator),
		locator:  locator,
		now:      testNow,
	}
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) purger(authorizer Authorizer, registry Registry, opts ...Option) *ArchivePurger {
	opts = append([]Option{WithClock(f.clock)}, opts...)
	return NewArchivePurger(f.store, f.locator, authorizer, registry, DefaultRetention(), opts...)
}

// write stores an archive with two numeric rows (done + nb_visits) and one blob.
func (f *fixture) write(t *testing.T, site int, p period.Period, segHash string, status core.ArchiveStatus, ts time.Time) string {
	t.Helper()
	id, err := f.archives.WriteArchive(context.Background(), storage.ArchiveWrite{
		IDSite:      site,
		Period:      p,
		SegmentHash: segHash,
		Status:      status,
		Numeric:     map[string]float64{"nb_visits": 3},
		Blobs:       []storage.Blob{{Name: "Actions_actions", Value: []byte("[]")}},
		TsArchived:  ts,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) count(t *testing.T, table string, status core.ArchiveStatus) int64 {
	t.Helper()
	n, err := f.archives.CountRows(context.Background(), table, status)
	require.NoError(t, err)
	return n
}

func mustPeriod(t *testing.T, kind period.Kind, d string) period.Period {
	t.Helper()
	day, err := period.ParseDate(d)
	require.NoError(t, err)
	p, err := period.New(kind, day)
	require.NoError(t, err)
	return p
}

type fakeRegistry struct {
	active  []int
	deleted []DeletedSegment
	err     error
}

func (r *fakeRegistry) ActiveSiteIDs(context.Context) ([]int, error) { return r.active, r.err }

func (r *fakeRegistry) DeletedSegments(context.Context) ([]DeletedSegment, error) {
	return r.deleted, r.err
}

// ──────────────────────────────────────────────────────────────────────────────
// Outdated archives
// ──────────────────────────────────────────────────────────────────────────────

func TestPurgeOutdated_LatestArchiveWins(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, day, "", core.ArchiveValid, testNow.Add(-48*time.Hour))
	newest := f.write(t, 1, day, "", core.ArchiveValid, testNow.Add(-24*time.Hour))

	r, err := f.purger(nil, nil).PurgeOutdatedArchives(ctx, day.Start())
	require.NoError(t, err)
	assert.Nil(t, r.Skipped)
	assert.Equal(t, int64(2), r.Rows["archive_numeric_2024_03"])
	assert.Equal(t, int64(1), r.Rows["archive_blob_2024_03"])

	info, err := f.archives.LatestArchive(ctx, 1, day, "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, newest, info.ArchiveID)
	assert.Equal(t, int64(2), f.count(t, "archive_numeric_2024_03", ""))
	assert.Equal(t, int64(1), f.count(t, "archive_blob_2024_03", ""))
}

func TestPurgeOutdated_KeepsOtherKeysApart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, day, "", core.ArchiveValid, testNow.Add(-48*time.Hour))
	f.write(t, 2, day, "", core.ArchiveValid, testNow.Add(-24*time.Hour))
	f.write(t, 1, day, "seg", core.ArchiveValid, testNow.Add(-24*time.Hour))

	r, err := f.purger(nil, nil).PurgeOutdatedArchives(ctx, day.Start())
	require.NoError(t, err)
	assert.Zero(t, r.Total())
	assert.Equal(t, int64(6), f.count(t, "archive_numeric_2024_03", ""))
}

func TestPurgeOutdated_SkipsWhenNotAuthorized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, day, "", core.ArchiveValid, testNow.Add(-48*time.Hour))
	f.write(t, 1, day, "", core.ArchiveValid, testNow.Add(-24*time.Hour))

	var events int
	p := f.purger(AuthorizerFunc(func(context.Context) bool { return false }), nil,
		WithObserver(func(context.Context, core.Event) { events++ }))
	r, err := p.PurgeOutdatedArchives(ctx, day.Start())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Skipped, core.ErrPurgeNotAuthorized)
	assert.ErrorIs(t, r.Skipped, core.ErrPermissionDenied)
	assert.Zero(t, r.Total())
	assert.Zero(t, events)
	assert.Equal(t, int64(4), f.count(t, "archive_numeric_2024_03", ""))
}

func TestPurgeOutdated_NeverTouchesLegacyPartitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "1985-03-10")
	old := time.Date(1985, 3, 11, 0, 0, 0, 0, time.UTC)
	f.write(t, 1, day, "", core.ArchiveValid, old)
	f.write(t, 1, day, "", core.ArchiveTemporary, old.Add(time.Hour))

	p := f.purger(nil, nil)
	r, err := p.PurgeOutdatedArchives(ctx, day.Start())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Skipped, core.ErrLegacyPartition)

	r, err = p.PurgeInvalidatedArchivesFrom(ctx, day.Start())
	require.NoError(t, err)
	assert.ErrorIs(t, r.Skipped, core.ErrLegacyPartition)

	_, err = p.PurgeOrphanedArchives(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(4), f.count(t, "archive_numeric_1985_03", ""))
	assert.Equal(t, int64(2), f.count(t, "archive_blob_1985_03", ""))
}

func TestPurgeOutdated_TemporaryTTL(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	today := mustPeriod(t, period.Day, "2024-03-20")
	week := mustPeriod(t, period.Week, "2024-03-20")
	fresh := f.write(t, 1, today, "", core.ArchiveTemporary, testNow.Add(-10*time.Minute))
	f.write(t, 1, week, "", core.ArchiveTemporary, testNow.Add(-time.Hour))

	r, err := f.purger(nil, nil).PurgeOutdatedArchives(ctx, today.Start())
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Rows["archive_numeric_2024_03"])
	assert.Equal(t, int64(1), r.Rows["archive_blob_2024_03"])

	info, err := f.archives.LatestArchive(ctx, 1, week, "")
	require.NoError(t, err)
	assert.Nil(t, info)

	info, err = f.archives.LatestArchive(ctx, 1, today, "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, fresh, info.ArchiveID)
}

func TestPurgeOutdated_KeepsLastArchiveOfEndedPeriod(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	yesterday := mustPeriod(t, period.Day, "2024-03-19")
	before := mustPeriod(t, period.Day, "2024-03-18")
	f.write(t, 1, yesterday, "", core.ArchiveTemporary, testNow.Add(-2*time.Hour))
	final := f.write(t, 1, yesterday, "", core.ArchiveValid, testNow.Add(-30*time.Minute))
	last := f.write(t, 1, before, "", core.ArchiveTemporary, testNow.Add(-30*time.Hour))

	r, err := f.purger(nil, nil).PurgeOutdatedArchives(ctx, yesterday.Start())
	require.NoError(t, err)
	assert.Equal(t, int64(2), r.Rows["archive_numeric_2024_03"])

	info, err := f.archives.LatestArchive(ctx, 1, yesterday, "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, final, info.ArchiveID)

	// Nothing supersedes the temporary archive of the 18th yet.
	info, err = f.archives.LatestArchive(ctx, 1, before, "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, last, info.ArchiveID)
	assert.Equal(t, core.ArchiveTemporary, info.Status)
}

func TestPurgeOutdated_RangeRetention(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	old, err := period.ParseRange("2024-03-01,2024-03-05")
	require.NoError(t, err)
	recent, err := period.ParseRange("2024-03-02,2024-03-06")
	require.NoError(t, err)
	f.write(t, 1, old, "", core.ArchiveValid, testNow.AddDate(0, 0, -2))
	f.write(t, 1, recent, "", core.ArchiveValid, testNow.Add(-time.Hour))

	_, err = f.purger(nil, nil).PurgeOutdatedArchives(ctx, old.Start())
	require.NoError(t, err)

	info, err := f.archives.LatestArchive(ctx, 1, old, "")
	require.NoError(t, err)
	assert.Nil(t, info)
	info, err = f.archives.LatestArchive(ctx, 1, recent, "")
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestPurgeOutdated_MissingPartition(t *testing.T) {
	f := newFixture(t)
	r, err := f.purger(nil, nil).PurgeOutdatedArchives(context.Background(), testNow)
	require.NoError(t, err)
	assert.Nil(t, r.Skipped)
	assert.Zero(t, r.Total())
}

func TestPurgeOutdated_NotifiesObservers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, day, "", core.ArchiveValid, testNow.Add(-48*time.Hour))
	f.write(t, 1, day, "", core.ArchiveValid, testNow.Add(-24*time.Hour))

	var got []*core.ArchivesPurged
	p := f.purger(nil, nil, WithObserver(func(_ context.Context, e core.Event) {
		if ev, ok := e.(*core.ArchivesPurged); ok {
			got = append(got, ev)
		}
	}))
	_, err := p.PurgeOutdatedArchives(ctx, day.Start())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, KindOutdated, got[0].Kind)
	assert.Equal(t, testNow, got[0].Timestamp)
}

// ──────────────────────────────────────────────────────────────────────────────
// Invalidated archives
// ──────────────────────────────────────────────────────────────────────────────

func TestPurgeInvalidated_SafetyMargin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	a := mustPeriod(t, period.Day, "2024-03-10")
	b := mustPeriod(t, period.Day, "2024-03-11")
	f.write(t, 1, a, "", core.ArchiveValid, testNow.Add(-3*time.Hour))
	f.write(t, 1, b, "", core.ArchiveValid, testNow.Add(-time.Hour))
	for _, p := range []period.Period{a, b} {
		_, err := f.archives.MarkInvalidated(ctx, 1, p, storage.AnySegment)
		require.NoError(t, err)
	}

	r, err := f.purger(nil, nil).PurgeInvalidatedArchivesFrom(ctx, a.Start())
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Total())
	assert.Equal(t, int64(2), f.count(t, "archive_numeric_2024_03", core.ArchiveInvalidated))
	assert.Equal(t, int64(1), f.count(t, "archive_blob_2024_03", core.ArchiveInvalidated))
}

func TestPurgeInvalidatedFromWorklist_DrainsOnlyClearedPartitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-11")
	f.write(t, 1, day, "", core.ArchiveValid, testNow.Add(-time.Hour))
	_, err := f.archives.MarkInvalidated(ctx, 1, day, storage.AnySegment)
	require.NoError(t, err)

	gone := partition.ID{Year: 2023, Month: 7}
	require.NoError(t, f.store.AddToPurgeWorklist(ctx, partition.ForDate(day.Start()), gone))

	p := f.purger(nil, nil)
	r, err := p.PurgeInvalidatedFromWorklist(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.Total())
	assert.Empty(t, r.Errors)

	ids, err := f.store.PurgeWorklist(ctx)
	require.NoError(t, err)
	assert.Equal(t, []partition.ID{{Year: 2024, Month: 3}}, ids, "rows inside the safety margin keep the partition queued")

	f.now = testNow.Add(2 * time.Hour)
	r, err = p.PurgeInvalidatedFromWorklist(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Total())

	ids, err = f.store.PurgeWorklist(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Draining an empty worklist is a no-op.
	r, err = p.PurgeInvalidatedFromWorklist(ctx)
	require.NoError(t, err)
	assert.Zero(t, r.Total())
}

// ──────────────────────────────────────────────────────────────────────────────
// Orphaned archives
// ──────────────────────────────────────────────────────────────────────────────

func TestPurgeDeletedSites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, day, "", core.ArchiveValid, testNow)
	f.write(t, 2, day, "", core.ArchiveValid, testNow)

	r, err := f.purger(nil, &fakeRegistry{active: []int{1}}).PurgeDeletedSiteArchives(ctx, day.Start())
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.Total())

	info, err := f.archives.LatestArchive(ctx, 2, day, "")
	require.NoError(t, err)
	assert.Nil(t, info)
	info, err = f.archives.LatestArchive(ctx, 1, day, "")
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestPurgeDeletedSites_EmptyActiveListDeletesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, day, "", core.ArchiveValid, testNow)

	r, err := f.purger(nil, &fakeRegistry{}).PurgeDeletedSiteArchives(ctx, day.Start())
	require.NoError(t, err)
	assert.Zero(t, r.Total())
	assert.NotEmpty(t, r.Warnings)
	assert.Equal(t, int64(2), f.count(t, "archive_numeric_2024_03", ""))
}

func TestPurgeDeletedSegments_HonoursDeletionTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, day, "abc", core.ArchiveValid, testNow.AddDate(0, 0, -2))
	recreated := f.write(t, 3, day, "abc", core.ArchiveValid, testNow.Add(-time.Hour))
	f.write(t, 2, day, "abc", core.ArchiveValid, testNow.AddDate(0, 0, -2))
	f.write(t, 1, day, "", core.ArchiveValid, testNow.AddDate(0, 0, -2))

	deleted := []DeletedSegment{
		{Hash: "abc", IDSite: 0, DeletedAt: testNow.AddDate(0, 0, -1)},
		{Hash: "", DeletedAt: testNow},
	}
	r, err := f.purger(nil, nil).PurgeDeletedSegmentArchives(ctx, day.Start(), deleted)
	require.NoError(t, err)
	assert.Equal(t, int64(6), r.Total())

	info, err := f.archives.LatestArchive(ctx, 3, day, "abc")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, recreated, info.ArchiveID)
	info, err = f.archives.LatestArchive(ctx, 1, day, "")
	require.NoError(t, err)
	assert.NotNil(t, info, "all visits archives are never treated as a deleted segment")
}

func TestPurgeDeletedSegments_SiteScoped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	day := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, day, "abc", core.ArchiveValid, testNow.AddDate(0, 0, -2))
	f.write(t, 2, day, "abc", core.ArchiveValid, testNow.AddDate(0, 0, -2))

	deleted := []DeletedSegment{{Hash: "abc", IDSite: 2, DeletedAt: testNow}}
	_, err := f.purger(nil, nil).PurgeDeletedSegmentArchives(ctx, day.Start(), deleted)
	require.NoError(t, err)

	info, err := f.archives.LatestArchive(ctx, 1, day, "abc")
	require.NoError(t, err)
	assert.NotNil(t, info)
	info, err = f.archives.LatestArchive(ctx, 2, day, "abc")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestPurgeOrphaned_AllPartitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	feb := mustPeriod(t, period.Day, "2024-02-10")
	mar := mustPeriod(t, period.Day, "2024-03-10")
	f.write(t, 1, feb, "", core.ArchiveValid, testNow)
	f.write(t, 2, feb, "", core.ArchiveValid, testNow)
	f.write(t, 2, mar, "", core.ArchiveValid, testNow)
	f.write(t, 1, mar, "gone", core.ArchiveValid, testNow.Add(-time.Hour))

	reg := &fakeRegistry{
		active:  []int{1},
		deleted: []DeletedSegment{{Hash: "gone", DeletedAt: testNow}},
	}
	r, err := f.purger(nil, reg).PurgeOrphanedArchives(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindOrphaned, r.Kind)
	assert.Equal(t, int64(9), r.Total())
	assert.Equal(t, int64(2), f.count(t, "archive_numeric_2024_02", ""))
	assert.Zero(t, f.count(t, "archive_numeric_2024_03", ""))
}

func TestPurgeOrphaned_RegistryFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("registry down")
	_, err := f.purger(nil, &fakeRegistry{err: boom}).PurgeOrphanedArchives(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestPurgeOrphaned_NoRegistry(t *testing.T) {
	f := newFixture(t)
	r, err := f.purger(nil, nil).PurgeOrphanedArchives(context.Background())
	require.NoError(t, err)
	assert.Zero(t, r.Total())
}
