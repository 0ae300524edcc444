package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/archive-lifecycle/pkg/core"
	"github.com/jdziat/archive-lifecycle/pkg/partition"
	"github.com/jdziat/archive-lifecycle/pkg/period"
)

func newTestArchiveStore(t *testing.T) *ArchiveStore {
	t.Helper()
	s := newTestStorage(t)
	return NewArchiveStore(s.DB(), partition.NewLocator(s.DB()))
}

func mustPeriod(t *testing.T, kind period.Kind, d string) period.Period {
	t.Helper()
	day, err := period.ParseDate(d)
	require.NoError(t, err)
	p, err := period.New(kind, day)
	require.NoError(t, err)
	return p
}

func TestWriteArchive_CreatesPartitionAndDoneRow(t *testing.T) {
	ctx := context.Background()
	s := newTestArchiveStore(t)
	day := mustPeriod(t, period.Day, "2024-03-15")

	id, err := s.WriteArchive(ctx, ArchiveWrite{
		IDSite:  1,
		Period:  day,
		Numeric: map[string]float64{"nb_visits": 12},
		Blobs:   []Blob{{Name: "Referrers_type", Value: []byte("{}")}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	n, err := s.CountRows(ctx, "archive_numeric_2024_03", "")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.CountRows(ctx, "archive_blob_2024_03", core.ArchiveValid)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLatestArchive_NewestUsableWins(t *testing.T) {
	ctx := context.Background()
	s := newTestArchiveStore(t)
	day := mustPeriod(t, period.Day, "2024-03-15")
	t1 := time.Date(2024, 3, 16, 1, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	_, err := s.WriteArchive(ctx, ArchiveWrite{IDSite: 1, Period: day, Numeric: map[string]float64{"nb_visits": 10}, TsArchived: t1})
	require.NoError(t, err)
	id2, err := s.WriteArchive(ctx, ArchiveWrite{IDSite: 1, Period: day, Numeric: map[string]float64{"nb_visits": 11}, TsArchived: t2})
	require.NoError(t, err)

	info, err := s.LatestArchive(ctx, 1, day, "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, id2, info.ArchiveID)
	assert.True(t, info.TsArchived.Equal(t2))

	v, ok, err := s.NumericValue(ctx, 1, day, "", "nb_visits")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 11.0, v)
}

func TestLatestArchive_MissingPartition(t *testing.T) {
	s := newTestArchiveStore(t)
	info, err := s.LatestArchive(context.Background(), 1, mustPeriod(t, period.Day, "2020-01-01"), "")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestMarkInvalidated_SegmentScope(t *testing.T) {
	ctx := context.Background()
	s := newTestArchiveStore(t)
	month := mustPeriod(t, period.Month, "2024-03-01")

	_, err := s.WriteArchive(ctx, ArchiveWrite{IDSite: 1, Period: month})
	require.NoError(t, err)
	_, err = s.WriteArchive(ctx, ArchiveWrite{IDSite: 1, Period: month, SegmentHash: "abc"})
	require.NoError(t, err)
	_, err = s.WriteArchive(ctx, ArchiveWrite{IDSite: 2, Period: month})
	require.NoError(t, err)

	n, err := s.MarkInvalidated(ctx, 1, month, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.MarkInvalidated(ctx, 1, month, AnySegment)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "only the remaining usable row of site 1")

	info, err := s.LatestArchive(ctx, 1, month, "")
	require.NoError(t, err)
	assert.Nil(t, info, "invalidated rows are not served")

	info, err = s.LatestArchive(ctx, 2, month, "")
	require.NoError(t, err)
	assert.NotNil(t, info)
}

func TestMarkRangesContaining(t *testing.T) {
	ctx := context.Background()
	s := newTestArchiveStore(t)

	spanning, err := period.ParseRange("2024-02-20,2024-03-20")
	require.NoError(t, err)
	other, err := period.ParseRange("2024-03-16,2024-03-31")
	require.NoError(t, err)
	_, err = s.WriteArchive(ctx, ArchiveWrite{IDSite: 1, Period: spanning})
	require.NoError(t, err)
	_, err = s.WriteArchive(ctx, ArchiveWrite{IDSite: 1, Period: other})
	require.NoError(t, err)

	day, err := period.ParseDate("2024-03-15")
	require.NoError(t, err)
	touched, err := s.MarkRangesContaining(ctx, 1, day, AnySegment)
	require.NoError(t, err)
	assert.Equal(t, []partition.ID{{Year: 2024, Month: 2}}, touched)

	info, err := s.LatestArchive(ctx, 1, other, "")
	require.NoError(t, err)
	assert.NotNil(t, info, "range not containing the day stays valid")
}
