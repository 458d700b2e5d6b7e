package calendar

import (
	"errors"
	"fmt"
	"time"
)

// WeekStart is the first column of the booking calendar grid. The clinic UI
// renders weeks Monday-first; changing the convention is a config change here,
// not arithmetic scattered through callers.
const WeekStart = time.Monday

// DefaultTimeSlots is the closed set of bookable times for a day, split
// around the midday break. Booking is slot-based: free-form times are never
// accepted.
var DefaultTimeSlots = []string{
	"09:00",
	"10:00",
	"11:00",
	"13:30",
	"14:30",
	"15:30",
	"16:30",
	"17:30",
}

const (
	// StartLayout is the canonical wall-clock form of an appointment start.
	// No zone designator: the same calendar date + slot always produces the
	// same value regardless of the caller's local offset.
	StartLayout = "2006-01-02T15:04:05"
	DateLayout  = "2006-01-02"
	slotLayout  = "15:04"
)

var (
	ErrPastDate    = errors.New("date is in the past")
	ErrUnknownSlot = errors.New("time is not a bookable slot")
)

// DaysInMonth returns the number of days in the given month. Day zero of the
// following month normalizes to the last day of this one, which makes leap
// years fall out of the stdlib.
func DaysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// FirstWeekdayOffset returns how many leading blank cells precede day 1 when
// the grid starts on WeekStart. With Monday first, a month starting on Sunday
// yields 6.
func FirstWeekdayOffset(year int, month time.Month) int {
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Weekday()
	return (int(first) - int(WeekStart) + 7) % 7
}

// IsSelectable reports whether candidate is bookable relative to today.
// Comparison is at day granularity: today stays selectable for its whole
// duration, and there is no upper bound on future dates.
func IsSelectable(candidate, today time.Time) bool {
	return !truncateToDay(candidate).Before(truncateToDay(today))
}

// IsSlot reports membership in the fixed slot set.
func IsSlot(slot string) bool {
	for _, s := range DefaultTimeSlots {
		if s == slot {
			return true
		}
	}
	return false
}

// Validate checks a candidate (date, slot) pair against the booking rules.
func Validate(date time.Time, slot string, today time.Time) error {
	if !IsSlot(slot) {
		return fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	if !IsSelectable(date, today) {
		return fmt.Errorf("%w: %s", ErrPastDate, date.Format(DateLayout))
	}
	return nil
}

// ComposeStart builds the canonical start timestamp for a calendar date and a
// slot from the fixed set.
func ComposeStart(date time.Time, slot string) (string, error) {
	clock, err := time.Parse(slotLayout, slot)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnknownSlot, slot)
	}
	start := time.Date(date.Year(), date.Month(), date.Day(), clock.Hour(), clock.Minute(), 0, 0, time.UTC)
	return start.Format(StartLayout), nil
}

// ParseStart parses a value produced by ComposeStart. The result is anchored
// to UTC so round trips are exact.
func ParseStart(s string) (time.Time, error) {
	return time.ParseInLocation(StartLayout, s, time.UTC)
}

// MonthGrid describes the display grid for one month: the count of leading
// blank cells under the WeekStart convention, and the day count.
type MonthGrid struct {
	Year          int
	Month         time.Month
	LeadingBlanks int
	Days          int
}

func GridFor(year int, month time.Month) MonthGrid {
	return MonthGrid{
		Year:          year,
		Month:         month,
		LeadingBlanks: FirstWeekdayOffset(year, month),
		Days:          DaysInMonth(year, month),
	}
}

func truncateToDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
