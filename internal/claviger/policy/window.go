package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidTimeOfDay = errors.New("time of day must be HH:MM")
	ErrInvalidDate      = errors.New("date must be YYYY-MM-DD")
	ErrInvalidWindow    = errors.New("window start must be before end")
	ErrInvalidWeekday   = errors.New("weekday must be between 0 (Sunday) and 6 (Saturday)")
)

// TimeOfDay is a wall-clock time in minutes since midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay accepts "HH:MM" and "HH:MM:SS" (seconds are dropped).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return TimeOfDay(t.Hour()*60 + t.Minute()), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidTimeOfDay, s)
}

// MustTimeOfDay is ParseTimeOfDay for literals known to be valid.
func MustTimeOfDay(s string) *TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return &t
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

func (t TimeOfDay) valid() bool { return t >= 0 && t < minutesPerDay }

// Date is a calendar date with no time zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's own location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) After(o Date) bool {
	if d.Year != o.Year {
		return d.Year > o.Year
	}
	if d.Month != o.Month {
		return d.Month > o.Month
	}
	return d.Day > o.Day
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Window is a weekly access window. Empty Days allows every weekday; the
// daily range [Start, End) only applies when both ends are set.
type Window struct {
	Days  []time.Weekday
	Start *TimeOfDay
	End   *TimeOfDay
}

// Validate rejects windows that could never match. Ranges crossing midnight
// are not supported, so Start must be strictly before End.
func (w Window) Validate() error {
	seen := make(map[time.Weekday]bool, len(w.Days))
	for _, d := range w.Days {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: %d", ErrInvalidWeekday, d)
		}
		if seen[d] {
			return fmt.Errorf("duplicate weekday %s", d)
		}
		seen[d] = true
	}
	return validateRange(w.Start, w.End)
}

// Contains reports whether the local instant t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return w.allowsDay(t.Weekday()) && clockWithin(w.Start, w.End, t)
}

func (w Window) allowsDay(d time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, allowed := range w.Days {
		if allowed == d {
			return true
		}
	}
	return false
}

func validateRange(start, end *TimeOfDay) error {
	if start != nil && !start.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTimeOfDay, int(*start))
	}
	if end != nil && !end.valid() {
		return fmt.Errorf("%w: %d", ErrInvalidTimeOfDay, int(*end))
	}
	if start != nil && end != nil && *start >= *end {
		return fmt.Errorf("%w: %s-%s", ErrInvalidWindow, start, end)
	}
	return nil
}

// clockWithin checks t's time of day against [start, end) at second
// precision. Either bound missing leaves the axis unconstrained.
func clockWithin(start, end *TimeOfDay, t time.Time) bool {
	if start == nil || end == nil {
		return true
	}
	secs := t.Hour()*3600 + t.Minute()*60 + t.Second()
	return secs >= int(*start)*60 && secs < int(*end)*60
}
