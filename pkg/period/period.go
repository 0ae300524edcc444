// Package period models calendar periods (day, week, month, year, range).
//
// Periods are immutable values. Two periods are equal when their Key matches,
// so equality survives process restarts and round-trips through storage.
package period

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jdziat/archive-lifecycle/pkg/core"
)

// Kind is the granularity of a period. Its numeric value is the rank stored
// in the archive tables, children always rank lower than their parents.
type Kind int

const (
	Day Kind = iota + 1
	Week
	Month
	Year
	Range
)

// DateLayout is the format of every date string handled by this package.
const DateLayout = "2006-01-02"

var kindNames = map[Kind]string{
	Day:   "day",
	Week:  "week",
	Month: "month",
	Year:  "year",
	Range: "range",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind parses "day", "week", "month", "year" or "range".
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", core.ErrInvalidPeriodType, s)
}

// KindFromRank converts a stored rank back into a Kind.
func KindFromRank(rank int) (Kind, error) {
	k := Kind(rank)
	if !k.Valid() {
		return 0, fmt.Errorf("%w: rank %d", core.ErrInvalidPeriodType, rank)
	}
	return k, nil
}

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, &core.DateError{Input: s, Err: core.ErrInvalidDateFormat}
	}
	return t, nil
}

// Midnight truncates t to the start of its UTC day.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Period is a typed, inclusive, UTC-normalized date interval.
type Period struct {
	kind      Kind
	start     time.Time
	end       time.Time
	weekStart time.Weekday
}

// Kind returns the period granularity.
func (p Period) Kind() Kind { return p.kind }

// Start returns the first day of the period.
func (p Period) Start() time.Time { return p.start }

// End returns the last day of the period (inclusive).
func (p Period) End() time.Time { return p.end }

// IsZero reports whether p was never built.
func (p Period) IsZero() bool { return p.kind == 0 }

// Date1 is the formatted start date.
func (p Period) Date1() string { return p.start.Format(DateLayout) }

// Date2 is the formatted end date.
func (p Period) Date2() string { return p.end.Format(DateLayout) }

// Key is the canonical storage and lookup key of the period.
func (p Period) Key() string {
	switch p.kind {
	case Day, Week:
		return p.kind.String() + ":" + p.Date1()
	case Month:
		return "month:" + p.start.Format("2006-01")
	case Year:
		return "year:" + p.start.Format("2006")
	case Range:
		return "range:" + p.Date1() + "," + p.Date2()
	}
	return ""
}

// String is the human readable label of the period.
func (p Period) String() string {
	switch p.kind {
	case Day:
		return p.Date1()
	case Month:
		return p.start.Format("2006-01")
	case Year:
		return p.start.Format("2006")
	}
	return p.Date1() + "," + p.Date2()
}

// Equal compares canonical keys.
func (p Period) Equal(o Period) bool {
	return p.Key() == o.Key()
}

// Contains reports whether the day of t lies within the period.
func (p Period) Contains(t time.Time) bool {
	d := Midnight(t)
	return !d.Before(p.start) && !d.After(p.end)
}

// Overlaps reports whether the two periods share at least one day.
func (p Period) Overlaps(o Period) bool {
	return !p.end.Before(o.start) && !o.end.Before(p.start)
}

func (p Period) calendar() Calendar {
	return Calendar{WeekStart: p.weekStart}
}

// Parents returns the periods whose aggregates are derived from p, lowest rank first.
// A week spanning two months or two years has both as parents.
func (p Period) Parents() []Period {
	cal := p.calendar()
	var out []Period
	add := func(kind Kind, anchor time.Time) {
		parent, _ := cal.Normalize(kind, anchor)
		for _, existing := range out {
			if existing.Equal(parent) {
				return
			}
		}
		out = append(out, parent)
	}

	switch p.kind {
	case Day:
		add(Week, p.start)
		add(Month, p.start)
		add(Year, p.start)
	case Week:
		add(Month, p.start)
		add(Month, p.end)
		add(Year, p.start)
		add(Year, p.end)
	case Month:
		add(Year, p.start)
	}
	return out
}

// Children enumerates the sub-periods of the given kind that overlap p.
// Range periods only have day children.
func (p Period) Children(kind Kind) []Period {
	if p.kind == Range {
		if kind != Day {
			return nil
		}
	} else if kind >= p.kind || kind == Range || !kind.Valid() {
		return nil
	}

	cal := p.calendar()
	var out []Period
	cur, _ := cal.Normalize(kind, p.start)
	for !cur.start.After(p.end) {
		out = append(out, cur)
		var next time.Time
		switch kind {
		case Day:
			next = cur.start.AddDate(0, 0, 1)
		case Week:
			next = cur.start.AddDate(0, 0, 7)
		case Month:
			next = cur.start.AddDate(0, 1, 0)
		}
		cur, _ = cal.Normalize(kind, next)
	}
	return out
}

// Days returns every day of the period.
func (p Period) Days() []Period {
	if p.kind == Day {
		return []Period{p}
	}
	return p.Children(Day)
}

// Descendants returns every lower-ranked period inside p, highest rank first.
func (p Period) Descendants() []Period {
	if p.kind == Range {
		return p.Children(Day)
	}
	var out []Period
	for kind := p.kind - 1; kind >= Day; kind-- {
		out = append(out, p.Children(kind)...)
	}
	return out
}

// Calendar normalizes anchor dates into periods.
type Calendar struct {
	WeekStart time.Weekday
}

// Default starts weeks on Monday.
var Default = Calendar{WeekStart: time.Monday}

// Normalize builds the calendar-aligned period of the given kind containing anchor.
func (c Calendar) Normalize(kind Kind, anchor time.Time) (Period, error) {
	d := Midnight(anchor)
	p := Period{kind: kind, weekStart: c.WeekStart}

	switch kind {
	case Day:
		p.start, p.end = d, d
	case Week:
		offset := (int(d.Weekday()) - int(c.WeekStart) + 7) % 7
		p.start = d.AddDate(0, 0, -offset)
		p.end = p.start.AddDate(0, 0, 6)
	case Month:
		p.start = time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
		p.end = p.start.AddDate(0, 1, -1)
	case Year:
		p.start = time.Date(d.Year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		p.end = time.Date(d.Year(), time.December, 31, 0, 0, 0, 0, time.UTC)
	case Range:
		return Period{}, fmt.Errorf("%w: range periods need explicit bounds", core.ErrInvalidPeriodType)
	default:
		return Period{}, fmt.Errorf("%w: kind %d", core.ErrInvalidPeriodType, int(kind))
	}
	return p, nil
}

// NewRange builds a range period with arbitrary bounds.
func (c Calendar) NewRange(start, end time.Time) (Period, error) {
	s, e := Midnight(start), Midnight(end)
	if s.After(e) {
		return Period{}, fmt.Errorf("%w: %s > %s", core.ErrRangeStartAfterEnd, s.Format(DateLayout), e.Format(DateLayout))
	}
	return Period{kind: Range, start: s, end: e, weekStart: c.WeekStart}, nil
}

// ParseRange parses "YYYY-MM-DD,YYYY-MM-DD".
func (c Calendar) ParseRange(s string) (Period, error) {
	parts := strings.Split(strings.TrimSpace(s), ",")
	if len(parts) != 2 {
		return Period{}, fmt.Errorf("%w: %q", core.ErrInvalidPeriodFormat, s)
	}
	start, err := ParseDate(parts[0])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", core.ErrInvalidPeriodFormat, s)
	}
	end, err := ParseDate(parts[1])
	if err != nil {
		return Period{}, fmt.Errorf("%w: %q", core.ErrInvalidPeriodFormat, s)
	}
	return c.NewRange(start, end)
}

// ResolveRange accepts an explicit range or the lastN / previousN keywords.
// lastN ends today, previousN ends yesterday.
func (c Calendar) ResolveRange(s string, today time.Time) (Period, error) {
	s = strings.TrimSpace(s)
	end := Midnight(today)
	var digits string
	switch {
	case strings.HasPrefix(s, "last"):
		digits = strings.TrimPrefix(s, "last")
	case strings.HasPrefix(s, "previous"):
		digits = strings.TrimPrefix(s, "previous")
		end = end.AddDate(0, 0, -1)
	default:
		return c.ParseRange(s)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return Period{}, fmt.Errorf("%w: %q", core.ErrInvalidPeriodFormat, s)
	}
	return c.NewRange(end.AddDate(0, 0, -(n - 1)), end)
}

// FromBounds rebuilds a stored period from its kind and dates.
func (c Calendar) FromBounds(kind Kind, date1, date2 string) (Period, error) {
	start, err := ParseDate(date1)
	if err != nil {
		return Period{}, err
	}
	if kind != Range {
		return c.Normalize(kind, start)
	}
	end, err := ParseDate(date2)
	if err != nil {
		return Period{}, err
	}
	return c.NewRange(start, end)
}

// New normalizes with the Default calendar.
func New(kind Kind, anchor time.Time) (Period, error) {
	return Default.Normalize(kind, anchor)
}

// NewRange builds a range with the Default calendar.
func NewRange(start, end time.Time) (Period, error) {
	return Default.NewRange(start, end)
}

// ParseRange parses "YYYY-MM-DD,YYYY-MM-DD" with the Default calendar.
func ParseRange(s string) (Period, error) {
	return Default.ParseRange(s)
}
