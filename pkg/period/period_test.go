package period

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestParseKind(t *testing.T) {
	for _, name := range []string{"day", "week", "month", "year", "range"} {
		k, err := ParseKind(name)
		require.NoError(t, err)
		assert.Equal(t, name, k.String())
	}

	k, err := ParseKind(" Month ")
	require.NoError(t, err)
	assert.Equal(t, Month, k)

	_, err = ParseKind("fortnight")
	assert.ErrorIs(t, err, core.ErrInvalidPeriodType)
}

func TestKindFromRank(t *testing.T) {
	k, err := KindFromRank(3)
	require.NoError(t, err)
	assert.Equal(t, Month, k)

	_, err = KindFromRank(9)
	assert.ErrorIs(t, err, core.ErrInvalidPeriodType)
}

func TestParseDate_Invalid(t *testing.T) {
	_, err := ParseDate("not-a-date")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInvalidDateFormat)

	var dateErr *core.DateError
	require.ErrorAs(t, err, &dateErr)
	assert.Equal(t, "not-a-date", dateErr.Input)
}

// ──────────────────────────────────────────────────────────────────────────────
// Normalization
// ──────────────────────────────────────────────────────────────────────────────

func TestNormalize_Week_MondayStart(t *testing.T) {
	p, err := New(Week, date(t, "2024-03-15"))
	require.NoError(t, err)

	assert.Equal(t, "2024-03-11", p.Date1())
	assert.Equal(t, "2024-03-17", p.Date2())
	assert.Equal(t, "week:2024-03-11", p.Key())
}

func TestNormalize_Week_SundayStart(t *testing.T) {
	cal := Calendar{WeekStart: time.Sunday}
	p, err := cal.Normalize(Week, date(t, "2024-03-15"))
	require.NoError(t, err)

	assert.Equal(t, "2024-03-10", p.Date1())
	assert.Equal(t, "2024-03-16", p.Date2())
}

func TestNormalize_Week_AnchorOnWeekStart(t *testing.T) {
	p, err := New(Week, date(t, "2024-03-11"))
	require.NoError(t, err)
	assert.Equal(t, "2024-03-11", p.Date1())
}

func TestNormalize_Month_LeapYear(t *testing.T) {
	p, err := New(Month, date(t, "2024-02-10"))
	require.NoError(t, err)

	assert.Equal(t, "2024-02-01", p.Date1())
	assert.Equal(t, "2024-02-29", p.Date2())
	assert.Equal(t, "2024-02", p.String())
}

func TestNormalize_Year(t *testing.T) {
	p, err := New(Year, date(t, "2024-07-04"))
	require.NoError(t, err)

	assert.Equal(t, "2024-01-01", p.Date1())
	assert.Equal(t, "2024-12-31", p.Date2())
	assert.Equal(t, "year:2024", p.Key())
}

func TestNormalize_StripsTimeOfDay(t *testing.T) {
	anchor := time.Date(2024, 3, 15, 23, 59, 0, 0, time.UTC)
	p, err := New(Day, anchor)
	require.NoError(t, err)

	other, err := New(Day, date(t, "2024-03-15"))
	require.NoError(t, err)
	assert.True(t, p.Equal(other))
}

func TestNormalize_RangeRejected(t *testing.T) {
	_, err := New(Range, time.Now())
	assert.ErrorIs(t, err, core.ErrInvalidPeriodType)
}

// ──────────────────────────────────────────────────────────────────────────────
// Ranges
// ──────────────────────────────────────────────────────────────────────────────

func TestParseRange(t *testing.T) {
	p, err := ParseRange("2024-01-01,2024-01-31")
	require.NoError(t, err)

	assert.Equal(t, Range, p.Kind())
	assert.Equal(t, "range:2024-01-01,2024-01-31", p.Key())
	assert.Len(t, p.Days(), 31)
}

func TestParseRange_Malformed(t *testing.T) {
	for _, in := range []string{"2024-01-01", "2024-01-01,2024-01-02,2024-01-03", "2024-01-01,nope", ""} {
		_, err := ParseRange(in)
		assert.ErrorIs(t, err, core.ErrInvalidPeriodFormat, in)
	}
}

func TestParseRange_StartAfterEnd(t *testing.T) {
	_, err := ParseRange("2024-02-01,2024-01-01")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
	assert.ErrorIs(t, err, core.ErrRangeStartAfterEnd)
}

func TestResolveRange_Keywords(t *testing.T) {
	today := date(t, "2024-03-15")

	last, err := Default.ResolveRange("last7", today)
	require.NoError(t, err)
	assert.Equal(t, "2024-03-09", last.Date1())
	assert.Equal(t, "2024-03-15", last.Date2())

	prev, err := Default.ResolveRange("previous30", today)
	require.NoError(t, err)
	assert.Equal(t, "2024-02-14", prev.Date1())
	assert.Equal(t, "2024-03-14", prev.Date2())

	_, err = Default.ResolveRange("last0", today)
	assert.ErrorIs(t, err, core.ErrInvalidPeriodFormat)
}

func TestFromBounds(t *testing.T) {
	p, err := Default.FromBounds(Week, "2024-03-11", "2024-03-17")
	require.NoError(t, err)
	assert.Equal(t, "week:2024-03-11", p.Key())

	r, err := Default.FromBounds(Range, "2024-03-01", "2024-03-05")
	require.NoError(t, err)
	assert.Equal(t, "range:2024-03-01,2024-03-05", r.Key())
}

// ──────────────────────────────────────────────────────────────────────────────
// Hierarchy
// ──────────────────────────────────────────────────────────────────────────────

func keys(ps []Period) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Key())
	}
	return out
}

func TestParents_Day(t *testing.T) {
	p, err := New(Day, date(t, "2024-03-15"))
	require.NoError(t, err)

	assert.Equal(t, []string{"week:2024-03-11", "month:2024-03", "year:2024"}, keys(p.Parents()))
}

func TestParents_WeekSpanningMonthsAndYears(t *testing.T) {
	p, err := New(Week, date(t, "2024-12-31"))
	require.NoError(t, err)

	assert.Equal(t, []string{"month:2024-12", "month:2025-01", "year:2024", "year:2025"}, keys(p.Parents()))
}

func TestParents_TopLevel(t *testing.T) {
	y, err := New(Year, date(t, "2024-01-01"))
	require.NoError(t, err)
	assert.Empty(t, y.Parents())
}

func TestChildren_MonthWeeks(t *testing.T) {
	p, err := New(Month, date(t, "2024-03-01"))
	require.NoError(t, err)

	weeks := p.Children(Week)
	require.Len(t, weeks, 5)
	assert.Equal(t, "week:2024-02-26", weeks[0].Key())
	assert.Equal(t, "week:2024-03-25", weeks[4].Key())
}

func TestChildren_YearMonths(t *testing.T) {
	p, err := New(Year, date(t, "2023-06-01"))
	require.NoError(t, err)

	months := p.Children(Month)
	require.Len(t, months, 12)
	assert.Equal(t, "month:2023-01", months[0].Key())
	assert.Equal(t, "month:2023-12", months[11].Key())
}

func TestChildren_InvalidKind(t *testing.T) {
	p, err := New(Week, date(t, "2024-03-11"))
	require.NoError(t, err)

	assert.Nil(t, p.Children(Month))
	assert.Nil(t, p.Children(Week))
	assert.Len(t, p.Children(Day), 7)
}

func TestDescendants_Month(t *testing.T) {
	p, err := New(Month, date(t, "2024-02-01"))
	require.NoError(t, err)

	d := p.Descendants()
	// 5 weeks touching February 2024 plus 29 days
	assert.Len(t, d, 34)
	assert.Equal(t, Week, d[0].Kind())
	assert.Equal(t, Day, d[len(d)-1].Kind())
}

func TestContains(t *testing.T) {
	p, err := New(Week, date(t, "2024-03-15"))
	require.NoError(t, err)

	assert.True(t, p.Contains(date(t, "2024-03-11")))
	assert.True(t, p.Contains(time.Date(2024, 3, 17, 23, 0, 0, 0, time.UTC)))
	assert.False(t, p.Contains(date(t, "2024-03-18")))
	assert.False(t, p.Contains(date(t, "2024-03-10")))
}

func TestParents_ContainDayProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	base := date(t, "2000-01-01")
	for i := 0; i < 500; i++ {
		d := base.AddDate(0, 0, rng.Intn(365*40))
		p, err := New(Day, d)
		require.NoError(t, err)

		parents := p.Parents()
		require.Len(t, parents, 3)
		for _, parent := range parents {
			assert.True(t, parent.Contains(d), "%s should contain %s", parent.Key(), p.Key())
			assert.Greater(t, parent.Kind(), p.Kind())
		}
	}
}
