package dispatch

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"calbot/internal/clock"
)

var ErrInvalidTime = errors.New("invalid time, expected HH:MM")

var reHHMM = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseFireTime parses a 24-hour "HH:MM" wall-clock time.
func ParseFireTime(raw string) (hour, minute int, err error) {
	m := reHHMM.FindStringSubmatch(raw)
	if m == nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	hour, _ = strconv.Atoi(m[1])
	minute, _ = strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q out of range", ErrInvalidTime, raw)
	}
	return hour, minute, nil
}

// schedules caches one daily cron schedule per distinct fire time.
type schedules struct {
	mu sync.Mutex
	m  map[int]cron.Schedule
}

func newSchedules() *schedules { return &schedules{m: map[int]cron.Schedule{}} }

func (s *schedules) get(hour, minute int) (cron.Schedule, error) {
	key := hour*60 + minute
	s.mu.Lock()
	defer s.mu.Unlock()
	if sched, ok := s.m[key]; ok {
		return sched, nil
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", minute, hour))
	if err != nil {
		return nil, fmt.Errorf("fire time %02d:%02d: %w", hour, minute, err)
	}
	s.m[key] = sched
	return sched, nil
}

// firesIn returns the fires of hour:minute in (prev, now], at most one per
// day in loc. cron skips a wall time that falls into a DST gap; on such a day
// the fire moves to the normalized instant (02:30 becomes 03:30 CEST).
func firesIn(sched cron.Schedule, hour, minute int, prev, now time.Time, loc *time.Location) []time.Time {
	var out []time.Time
	seen := map[clock.Day]bool{}
	for t := sched.Next(prev.In(loc)); !t.IsZero() && !t.After(now); t = sched.Next(t) {
		d := clock.DayOf(t, loc)
		if !seen[d] {
			seen[d] = true
			out = append(out, t)
		}
	}
	last := clock.DayOf(now, loc)
	for d := clock.DayOf(prev, loc); !d.After(last); d = d.AddDays(1) {
		if seen[d] {
			continue
		}
		t := time.Date(d.Year, d.Month, d.Dom, hour, minute, 0, 0, loc)
		if h, m, _ := t.Clock(); h == hour && m == minute {
			continue // not a gap; cron owns this day
		}
		if t.After(prev) && !t.After(now) && clock.DayOf(t, loc) == d {
			seen[d] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
