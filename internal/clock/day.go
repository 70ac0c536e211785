package clock

import (
	"fmt"
	"time"
)

const dayLayout = "2006-01-02"

// Day is a calendar date with no zone attached. The zero value means "never".
type Day struct {
	Year  int
	Month time.Month
	Dom   int
}

// DayOf returns the date of t as seen in loc.
func DayOf(t time.Time, loc *time.Location) Day {
	y, m, d := t.In(loc).Date()
	return Day{Year: y, Month: m, Dom: d}
}

// ParseDay parses "YYYY-MM-DD".
func ParseDay(s string) (Day, error) {
	t, err := time.Parse(dayLayout, s)
	if err != nil {
		return Day{}, fmt.Errorf("parse day %q: %w", s, err)
	}
	return DayOf(t, time.UTC), nil
}

func (d Day) IsZero() bool { return d == Day{} }

func (d Day) String() string {
	if d.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Dom)
}

// Start returns midnight of d in loc.
func (d Day) Start(loc *time.Location) time.Time {
	return time.Date(d.Year, d.Month, d.Dom, 0, 0, 0, 0, loc)
}

// AddDays normalizes across month and year boundaries.
func (d Day) AddDays(n int) Day {
	return DayOf(time.Date(d.Year, d.Month, d.Dom+n, 12, 0, 0, 0, time.UTC), time.UTC)
}

func (d Day) Before(o Day) bool { return d.compare(o) < 0 }
func (d Day) After(o Day) bool  { return d.compare(o) > 0 }

func (d Day) compare(o Day) int {
	switch {
	case d.Year != o.Year:
		return d.Year - o.Year
	case d.Month != o.Month:
		return int(d.Month) - int(o.Month)
	default:
		return d.Dom - o.Dom
	}
}

// Contains reports whether t falls on d in loc.
func (d Day) Contains(t time.Time, loc *time.Location) bool { return DayOf(t, loc) == d }
