// Package recurrence computes the next occurrence of a repeating schedule.
//
// All arithmetic happens on the wall clock of the rule's location, and every
// candidate is derived from the anchor (ref + k*interval) rather than from the
// previous candidate. That keeps a 09:00 reminder at 09:00 across daylight
// saving transitions and keeps month-end anchors from drifting
// (Jan 31 -> Feb 29 -> Mar 31).
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Pattern names a recurrence rule.
type Pattern string

const (
	Daily              Pattern = "DAILY"
	Weekly             Pattern = "WEEKLY"
	Monthly            Pattern = "MONTHLY"
	Yearly             Pattern = "YEARLY"
	Weekdays           Pattern = "WEEKDAYS"
	Weekends           Pattern = "WEEKENDS"
	FirstDayOfMonth    Pattern = "FIRST_DAY_OF_MONTH"
	LastDayOfMonth     Pattern = "LAST_DAY_OF_MONTH"
	FirstMondayOfMonth Pattern = "FIRST_MONDAY_OF_MONTH"
	EveryNDays         Pattern = "EVERY_N_DAYS"
	EveryNWeeks        Pattern = "EVERY_N_WEEKS"
	EveryNMonths       Pattern = "EVERY_N_MONTHS"
	Custom             Pattern = "CUSTOM"
)

// Patterns lists every supported pattern.
var Patterns = []Pattern{
	Daily, Weekly, Monthly, Yearly, Weekdays, Weekends,
	FirstDayOfMonth, LastDayOfMonth, FirstMondayOfMonth,
	EveryNDays, EveryNWeeks, EveryNMonths, Custom,
}

// ErrInvalidRule is returned for unknown patterns, bad intervals and
// unparseable custom expressions.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// maxSteps bounds the candidate search after fast-forwarding.
const maxSteps = 100_000

var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Rule describes how a reminder repeats.
type Rule struct {
	Pattern  Pattern
	Interval int            // defaults to 1
	Location *time.Location // defaults to UTC
	Expr     string         // cron expression, CUSTOM only
}

// ParsePattern converts user input into a Pattern.
func ParsePattern(s string) (Pattern, error) {
	p := Pattern(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Patterns {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: unknown pattern %q", ErrInvalidRule, s)
}

// LoadLocation resolves an IANA zone name; empty means UTC.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", ErrInvalidRule, name)
	}
	return loc, nil
}

// Validate reports whether the rule can produce occurrences.
func (r Rule) Validate() error {
	if _, err := ParsePattern(string(r.Pattern)); err != nil {
		return err
	}
	if r.Interval < 0 {
		return fmt.Errorf("%w: interval must be positive, got %d", ErrInvalidRule, r.Interval)
	}
	if r.Pattern == Custom {
		if strings.TrimSpace(r.Expr) == "" {
			return fmt.Errorf("%w: custom pattern requires a schedule expression", ErrInvalidRule)
		}
		if _, err := parser.Parse(r.Expr); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	return nil
}

func (r Rule) interval() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

func (r Rule) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// Next returns the first occurrence strictly after now. A reference that is
// still in the future is returned unchanged.
func Next(ref time.Time, rule Rule, now time.Time) (time.Time, error) {
	if err := rule.Validate(); err != nil {
		return time.Time{}, err
	}
	if ref.After(now) {
		return ref, nil
	}

	loc := rule.location()
	anchor := ref.In(loc)
	n := rule.interval()

	switch rule.Pattern {
	case Daily, EveryNDays:
		period := time.Duration(n) * 24 * time.Hour
		return search(anchor, now, fastForward(anchor, now, period), func(k int) time.Time {
			return anchor.AddDate(0, 0, k*n)
		})

	case Weekly, EveryNWeeks:
		period := time.Duration(n) * 7 * 24 * time.Hour
		return search(anchor, now, fastForward(anchor, now, period), func(k int) time.Time {
			return anchor.AddDate(0, 0, 7*k*n)
		})

	case Monthly, EveryNMonths:
		return search(anchor, now, monthsBetween(anchor, now)/n-1, func(k int) time.Time {
			return addMonthsClamped(anchor, k*n)
		})

	case Yearly:
		return search(anchor, now, monthsBetween(anchor, now)/(12*n)-1, func(k int) time.Time {
			return addMonthsClamped(anchor, 12*k*n)
		})

	case Weekdays:
		return dayByDay(anchor, now, func(d time.Weekday) bool {
			return d != time.Saturday && d != time.Sunday
		})

	case Weekends:
		return dayByDay(anchor, now, func(d time.Weekday) bool {
			return d == time.Saturday || d == time.Sunday
		})

	case FirstDayOfMonth:
		return monthAnchored(anchor, now, n, firstDayOf)

	case LastDayOfMonth:
		return monthAnchored(anchor, now, n, lastDayOf)

	case FirstMondayOfMonth:
		return monthAnchored(anchor, now, n, firstMondayOf)

	case Custom:
		sched, err := parser.Parse(rule.Expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
		next := sched.Next(now.In(loc))
		if next.IsZero() {
			return time.Time{}, fmt.Errorf("%w: expression %q never fires", ErrInvalidRule, rule.Expr)
		}
		return next, nil
	}

	return time.Time{}, fmt.Errorf("%w: unknown pattern %q", ErrInvalidRule, rule.Pattern)
}

// search walks k = start, start+1, ... until at(k) is after both the anchor
// and now.
func search(anchor, now time.Time, start int, at func(k int) time.Time) (time.Time, error) {
	if start < 1 {
		start = 1
	}
	for k := start; k < start+maxSteps; k++ {
		c := at(k)
		if c.After(now) && c.After(anchor) {
			return c, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no occurrence found after %s", ErrInvalidRule, now.Format(time.RFC3339))
}

// fastForward estimates the first step worth checking for fixed-length
// periods. Wall-clock anchoring never drifts more than a DST offset, so
// stepping back one period is enough slack.
func fastForward(anchor, now time.Time, period time.Duration) int {
	if !now.After(anchor) || period <= 0 {
		return 1
	}
	return int(now.Sub(anchor)/period) - 1
}

func monthsBetween(from, to time.Time) int {
	to = to.In(from.Location())
	return (to.Year()-from.Year())*12 + int(to.Month()) - int(from.Month())
}

func dayByDay(anchor, now time.Time, match func(time.Weekday) bool) (time.Time, error) {
	start := fastForward(anchor, now, 24*time.Hour)
	return search(anchor, now, start, func(k int) time.Time {
		// Only matching days count as candidates; others are pushed out of
		// range so search keeps advancing one day at a time.
		c := anchor.AddDate(0, 0, k)
		if !match(c.Weekday()) {
			return anchor
		}
		return c
	})
}

// monthAnchored picks one day per month (every n months) at the anchor's clock time.
func monthAnchored(anchor, now time.Time, n int, day func(month time.Time) time.Time) (time.Time, error) {
	start := monthsBetween(anchor, now)/n - 1
	if start < 0 {
		start = 0
	}
	for k := start; k < start+maxSteps; k++ {
		month := time.Date(anchor.Year(), anchor.Month()+time.Month(k*n), 1,
			anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), anchor.Location())
		c := day(month)
		if c.After(now) && c.After(anchor) {
			return c, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: no occurrence found after %s", ErrInvalidRule, now.Format(time.RFC3339))
}

func firstDayOf(month time.Time) time.Time {
	return month
}

func lastDayOf(month time.Time) time.Time {
	return time.Date(month.Year(), month.Month()+1, 0,
		month.Hour(), month.Minute(), month.Second(), month.Nanosecond(), month.Location())
}

func firstMondayOf(month time.Time) time.Time {
	offset := (int(time.Monday) - int(month.Weekday()) + 7) % 7
	return month.AddDate(0, 0, offset)
}

// addMonthsClamped adds months keeping the day of month, clamped to the
// length of the target month.
func addMonthsClamped(t time.Time, months int) time.Time {
	first := time.Date(t.Year(), t.Month()+time.Month(months), 1, 0, 0, 0, 0, t.Location())
	day := t.Day()
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
