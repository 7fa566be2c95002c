package schedule

import (
	"encoding/json"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"scriptserver/internal/core"
)

// RepeatUnit is the interval unit of a recurring schedule.
type RepeatUnit string

const (
	UnitMinutes RepeatUnit = "minutes"
	UnitHours   RepeatUnit = "hours"
	UnitDays    RepeatUnit = "days"
	UnitWeeks   RepeatUnit = "weeks"
	UnitMonths  RepeatUnit = "months"
)

func (u RepeatUnit) normalize() RepeatUnit {
	s := strings.ToLower(strings.TrimSpace(string(u)))
	if s != "" && !strings.HasSuffix(s, "s") {
		s += "s"
	}
	return RepeatUnit(s)
}

// EndOption tells when a recurring schedule stops producing fire times.
type EndOption string

const (
	EndNever         EndOption = "never"
	EndMaxExecutions EndOption = "max_executions"
	EndDatetime      EndOption = "end_datetime"
)

// Weekday is a day of week serialised by its lowercase English name.
type Weekday time.Weekday

func (d Weekday) MarshalText() ([]byte, error) {
	return []byte(strings.ToLower(time.Weekday(d).String())), nil
}

func (d *Weekday) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for day := time.Sunday; day <= time.Saturday; day++ {
		full := strings.ToLower(day.String())
		if name == full || name == full[:3] {
			*d = Weekday(day)
			return nil
		}
	}
	return core.InvalidSchedulef("unknown weekday %q", string(text))
}

// EndArg carries the end_option argument: an execution count or a
// timestamp. Numbers and strings are both accepted on input.
type EndArg string

func (a *EndArg) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*a = EndArg(s)
		return nil
	}
	if string(data) == "null" {
		*a = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return errors.Wrap(err, "end_arg")
	}
	*a = EndArg(n.String())
	return nil
}

// Config is a one-time or recurring timing rule.
//
// A one-time config fires once at StartAt. A recurring config fires at
// StartAt and then every RepeatPeriod RepeatUnits; with UnitWeeks it fires on
// the listed Weekdays of every RepeatPeriod-th week at StartAt's time of day.
// A non-empty Cron expression replaces the unit based rule.
type Config struct {
	Repeatable   bool       `json:"repeatable"`
	StartAt      time.Time  `json:"start_datetime"`
	RepeatUnit   RepeatUnit `json:"repeat_unit,omitempty"`
	RepeatPeriod int        `json:"repeat_period,omitempty"`
	Weekdays     []Weekday  `json:"weekdays,omitempty"`
	Cron         string     `json:"cron,omitempty"`
	EndOption    EndOption  `json:"end_option,omitempty"`
	EndArg       EndArg     `json:"end_arg,omitempty"`
}

// Validate checks that the rule is well formed. One-time rules must lie in
// the future relative to now.
func (c Config) Validate(now time.Time) error {
	if !c.Repeatable {
		if c.StartAt.IsZero() {
			return core.InvalidSchedulef("start_datetime is required")
		}
		if !c.StartAt.After(now) {
			return errors.WithHint(
				core.InvalidSchedulef("start_datetime %s is in the past", c.StartAt.Format(time.RFC3339)),
				"one-time schedules must start in the future")
		}
		return nil
	}

	if strings.TrimSpace(c.Cron) != "" {
		if _, err := core.ParseCron(c.Cron); err != nil {
			return err
		}
	} else {
		if c.StartAt.IsZero() {
			return core.InvalidSchedulef("start_datetime is required")
		}
		switch c.RepeatUnit.normalize() {
		case UnitMinutes, UnitHours, UnitDays, UnitMonths:
		case UnitWeeks:
			if len(c.Weekdays) == 0 {
				return core.InvalidSchedulef("at least one weekday is required for weekly schedules")
			}
		default:
			return core.InvalidSchedulef("unsupported repeat_unit %q", c.RepeatUnit)
		}
		if c.RepeatPeriod <= 0 {
			return core.InvalidSchedulef("repeat_period must be positive")
		}
	}

	switch c.EndOption {
	case "", EndNever:
	case EndMaxExecutions:
		if _, err := c.maxExecutions(); err != nil {
			return err
		}
	case EndDatetime:
		if _, err := c.endTime(); err != nil {
			return err
		}
	default:
		return core.InvalidSchedulef("unsupported end_option %q", c.EndOption)
	}
	return nil
}

func (c Config) maxExecutions() (int, error) {
	n, err := strconv.Atoi(string(c.EndArg))
	if err != nil || n <= 0 {
		return 0, core.InvalidSchedulef("end_arg must be a positive execution count, got %q", string(c.EndArg))
	}
	return n, nil
}

func (c Config) endTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339, string(c.EndArg))
	if err != nil {
		return time.Time{}, core.InvalidSchedulef("end_arg must be an RFC3339 timestamp, got %q", string(c.EndArg))
	}
	return t, nil
}

// NextTime returns the first fire time strictly after after, evaluated in
// loc. Occurrences that fell in the past are skipped, never replayed.
// executions is the number of times the job already fired; it only matters
// for EndMaxExecutions. The boolean is false when nothing is left to fire.
func (c Config) NextTime(after time.Time, loc *time.Location, executions int) (time.Time, bool) {
	if loc == nil {
		loc = time.Local
	}
	start := c.StartAt.In(loc)
	after = after.In(loc)

	if !c.Repeatable {
		if start.After(after) {
			return start, true
		}
		return time.Time{}, false
	}

	switch c.EndOption {
	case EndMaxExecutions:
		if n, err := c.maxExecutions(); err != nil || executions >= n {
			return time.Time{}, false
		}
	}

	next, ok := c.nextRecurring(start, after)
	if !ok {
		return time.Time{}, false
	}
	if c.EndOption == EndDatetime {
		end, err := c.endTime()
		if err != nil || next.After(end) {
			return time.Time{}, false
		}
	}
	return next, true
}

func (c Config) nextRecurring(start, after time.Time) (time.Time, bool) {
	if strings.TrimSpace(c.Cron) != "" {
		sched, err := core.ParseCron(c.Cron)
		if err != nil {
			return time.Time{}, false
		}
		base := after
		if !start.IsZero() && start.After(after) {
			// cron only returns times strictly after its base
			base = start.Add(-time.Second)
		}
		next := sched.Next(base)
		return next, !next.IsZero()
	}

	period := c.RepeatPeriod
	if period <= 0 {
		return time.Time{}, false
	}
	if start.After(after) && c.RepeatUnit.normalize() != UnitWeeks {
		return start, true
	}

	switch c.RepeatUnit.normalize() {
	case UnitMinutes:
		return stepAfter(start, after, time.Duration(period)*time.Minute), true
	case UnitHours:
		return stepAfter(start, after, time.Duration(period)*time.Hour), true
	case UnitDays:
		k := max(0, daysBetween(start, after)/period-1)
		for {
			next := start.AddDate(0, 0, k*period)
			if next.After(after) {
				return next, true
			}
			k++
		}
	case UnitMonths:
		diff := (after.Year()-start.Year())*12 + int(after.Month()-start.Month())
		k := max(0, diff/period-1)
		for {
			next := addMonthsClamped(start, k*period)
			if next.After(after) {
				return next, true
			}
			k++
		}
	case UnitWeeks:
		return c.nextWeekly(start, after, period)
	}
	return time.Time{}, false
}

func (c Config) nextWeekly(start, after time.Time, period int) (time.Time, bool) {
	if len(c.Weekdays) == 0 {
		return time.Time{}, false
	}
	from := start
	if after.After(from) {
		from = after
	}
	startMonday := mondayOf(start)
	// two full cycles always contain a matching day
	for i := 0; i <= 14*period; i++ {
		day := from.AddDate(0, 0, i)
		candidate := time.Date(day.Year(), day.Month(), day.Day(),
			start.Hour(), start.Minute(), start.Second(), start.Nanosecond(), start.Location())
		if candidate.Before(start) || !candidate.After(after) {
			continue
		}
		if !slices.Contains(c.Weekdays, Weekday(candidate.Weekday())) {
			continue
		}
		if (daysBetween(startMonday, mondayOf(candidate))/7)%period != 0 {
			continue
		}
		return candidate, true
	}
	return time.Time{}, false
}

func stepAfter(start, after time.Time, step time.Duration) time.Time {
	k := after.Sub(start)/step + 1
	next := start.Add(k * step)
	for !next.After(after) {
		next = next.Add(step)
	}
	return next
}

// daysBetween counts calendar days from a to b, ignoring time of day and DST.
func daysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func mondayOf(t time.Time) time.Time {
	offset := (int(t.Weekday()) + 6) % 7
	return t.AddDate(0, 0, -offset)
}

// addMonthsClamped adds n months, clamping the day to the target month's
// length (Jan 31 + 1 month is the last day of February).
func addMonthsClamped(t time.Time, n int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(n), 1,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return time.Date(first.Year(), first.Month(), min(t.Day(), last),
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
