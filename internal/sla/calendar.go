package sla

import (
	"fmt"
	"time"
)

// nextBusinessDayScanLimit bounds the forward scan so a calendar with no
// business days cannot loop forever.
const nextBusinessDayScanLimit = 30

// ScheduleConfig describes weekly office hours. Week holds seven entries
// indexed by time.Weekday (Sunday first). With Enabled false every instant
// counts as business time.
type ScheduleConfig struct {
	Enabled  bool        `mapstructure:"enabled" json:"enabled"`
	Timezone string      `mapstructure:"timezone" json:"timezone"`
	Week     []DayWindow `mapstructure:"week" json:"week"`
}

// DayWindow is one weekday's office-hours window, "HH:MM" local to the
// schedule's timezone. End is exclusive.
type DayWindow struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled"`
	Start   string `mapstructure:"start" json:"start"`
	End     string `mapstructure:"end" json:"end"`
}

// HolidayConfig lists whole-day non-business dates: one-off "YYYY-MM-DD"
// entries and yearly recurring "MM-DD" entries.
type HolidayConfig struct {
	Dates     []string `mapstructure:"dates" json:"dates"`
	Recurring []string `mapstructure:"recurring" json:"recurring"`
}

type dayWindow struct {
	enabled  bool
	startMin int
	endMin   int
}

// Calendar answers business-time questions for one office-hours schedule.
// Safe for concurrent use once built.
type Calendar struct {
	enabled   bool
	loc       *time.Location
	days      [7]dayWindow
	dates     map[string]struct{}
	recurring map[string]struct{}
}

func NewCalendar(schedule ScheduleConfig, holidays HolidayConfig) (*Calendar, error) {
	loc := time.UTC
	if schedule.Timezone != "" {
		l, err := time.LoadLocation(schedule.Timezone)
		if err != nil {
			return nil, fmt.Errorf("invalid office hours timezone %q: %w", schedule.Timezone, err)
		}
		loc = l
	}

	cal := &Calendar{
		enabled:   schedule.Enabled,
		loc:       loc,
		dates:     make(map[string]struct{}, len(holidays.Dates)),
		recurring: make(map[string]struct{}, len(holidays.Recurring)),
	}

	if schedule.Enabled {
		if len(schedule.Week) != 7 {
			return nil, fmt.Errorf("office hours week must have 7 entries (Sunday first), got %d", len(schedule.Week))
		}
		for i, day := range schedule.Week {
			if !day.Enabled {
				continue
			}
			start, err := parseMinuteOfDay(day.Start)
			if err != nil {
				return nil, fmt.Errorf("office hours %s start: %w", time.Weekday(i), err)
			}
			end, err := parseMinuteOfDay(day.End)
			if err != nil {
				return nil, fmt.Errorf("office hours %s end: %w", time.Weekday(i), err)
			}
			if end <= start {
				return nil, fmt.Errorf("office hours %s: end %q must be after start %q", time.Weekday(i), day.End, day.Start)
			}
			cal.days[i] = dayWindow{enabled: true, startMin: start, endMin: end}
		}
	}

	for _, d := range holidays.Dates {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return nil, fmt.Errorf("invalid holiday date %q: %w", d, err)
		}
		cal.dates[d] = struct{}{}
	}
	for _, d := range holidays.Recurring {
		if _, err := time.Parse("01-02", d); err != nil {
			return nil, fmt.Errorf("invalid recurring holiday %q: %w", d, err)
		}
		cal.recurring[d] = struct{}{}
	}

	return cal, nil
}

func parseMinuteOfDay(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q (want HH:MM): %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// HasBusinessTime reports whether the calendar can ever accrue business
// time. A disabled calendar passes all time through and so always has it.
func (c *Calendar) HasBusinessTime() bool {
	if !c.enabled {
		return true
	}
	for _, d := range c.days {
		if d.enabled {
			return true
		}
	}
	return false
}

// IsBusinessTime reports whether t falls inside office hours.
func (c *Calendar) IsBusinessTime(t time.Time) bool {
	if !c.enabled {
		return true
	}
	t = t.In(c.loc)
	if c.isHoliday(t) {
		return false
	}
	d := c.days[t.Weekday()]
	if !d.enabled {
		return false
	}
	min := t.Hour()*60 + t.Minute()
	return min >= d.startMin && min < d.endMin
}

// BusinessDuration accumulates the office-hours overlap between start and
// end, walking day by day so multi-day spans sum each day's window. Returns
// zero when end is not after start.
func (c *Calendar) BusinessDuration(start, end time.Time) time.Duration {
	if !end.After(start) {
		return 0
	}
	if !c.enabled {
		return end.Sub(start)
	}

	start = start.In(c.loc)
	end = end.In(c.loc)

	var total time.Duration
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, c.loc)
	for day.Before(end) {
		if w := c.days[day.Weekday()]; w.enabled && !c.isHoliday(day) {
			opens := day.Add(time.Duration(w.startMin) * time.Minute)
			closes := day.Add(time.Duration(w.endMin) * time.Minute)
			if start.After(opens) {
				opens = start
			}
			if end.Before(closes) {
				closes = end
			}
			if closes.After(opens) {
				total += closes.Sub(opens)
			}
		}
		day = day.AddDate(0, 0, 1)
	}
	return total
}

// BusinessMinutesBetween is BusinessDuration in whole minutes.
func (c *Calendar) BusinessMinutesBetween(start, end time.Time) int64 {
	return int64(c.BusinessDuration(start, end) / time.Minute)
}

// NextBusinessDay returns the opening instant of the first business day
// strictly after from. The scan is bounded; when no business day exists
// within the limit it returns the start of the last scanned day.
func (c *Calendar) NextBusinessDay(from time.Time) time.Time {
	from = from.In(c.loc)
	day := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, c.loc)
	for i := 1; i <= nextBusinessDayScanLimit; i++ {
		d := day.AddDate(0, 0, i)
		if !c.enabled {
			return d
		}
		if w := c.days[d.Weekday()]; w.enabled && !c.isHoliday(d) {
			return d.Add(time.Duration(w.startMin) * time.Minute)
		}
	}
	return day.AddDate(0, 0, nextBusinessDayScanLimit)
}

func (c *Calendar) isHoliday(t time.Time) bool {
	if _, ok := c.dates[t.Format("2006-01-02")]; ok {
		return true
	}
	_, ok := c.recurring[t.Format("01-02")]
	return ok
}
