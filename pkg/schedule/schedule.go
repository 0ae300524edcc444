package schedule

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule determines when a task is due again after it last ran.
type Schedule interface {
	Next(from time.Time) time.Time
}

const day = 24 * time.Hour

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

func (s *everySchedule) String() string {
	return "every " + s.interval.String()
}

// Window is the time of day maintenance runs at. Weekly schedules run on
// Weekday; a nil Location means UTC.
type Window struct {
	Hour     int
	Minute   int
	Weekday  time.Weekday
	Location *time.Location
}

func (w Window) loc() *time.Location {
	if w.Location == nil {
		return time.UTC
	}
	return w.Location
}

// at returns the window time on the calendar day of t.
func (w Window) at(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), w.Hour, w.Minute, 0, 0, w.loc())
}

// alignedSchedule runs every days days inside a window.
type alignedSchedule struct {
	days int
	w    Window
}

// Aligned spaces runs by days while keeping them inside the window. Seven days
// run on the window weekday and thirty on the first of the month; any other
// value runs at the window time once days-1 full days have passed.
func Aligned(days int, w Window) Schedule {
	if days < 1 {
		days = 1
	}
	return &alignedSchedule{days: days, w: w}
}

func (s *alignedSchedule) Next(from time.Time) time.Time {
	from = from.In(s.w.loc())
	switch s.days {
	case 7:
		ahead := int(s.w.Weekday - from.Weekday())
		if ahead < 0 {
			ahead += 7
		}
		next := s.w.at(from.AddDate(0, 0, ahead))
		if !next.After(from) {
			next = next.AddDate(0, 0, 7)
		}
		return next
	case 30:
		next := s.w.at(time.Date(from.Year(), from.Month(), 1, 0, 0, 0, 0, s.w.loc()))
		if !next.After(from) {
			next = next.AddDate(0, 1, 0)
		}
		return next
	}
	earliest := from.Add(time.Duration(s.days-1) * day)
	next := s.w.at(earliest)
	if !next.After(earliest) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (s *alignedSchedule) String() string {
	return fmt.Sprintf("every %d days at %02d:%02d", s.days, s.w.Hour, s.w.Minute)
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	expr     string
	schedule cron.Schedule
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a five-field cron expression or a descriptor such as "@daily".
func ParseCron(expr string) (Schedule, error) {
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{expr: expr, schedule: schedule}, nil
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

func (s *cronSchedule) String() string {
	return s.expr
}
