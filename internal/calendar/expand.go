package calendar

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"calbot/internal/clock"
	"calbot/pkg/logx"
)

// maxPerDay caps occurrences of one recurring event inside a single day.
const maxPerDay = 256

// occurrencesOn expands events and keeps those whose start falls on day in loc,
// ordered by start and then by feed position.
func occurrencesOn(events []vevent, day clock.Day, loc *time.Location, log logx.Logger) []Event {
	from, to := day.Start(loc), day.AddDays(1).Start(loc)

	// RECURRENCE-ID overrides replace the matching base instance.
	overridden := map[string][]time.Time{}
	for _, ev := range events {
		if ev.recurrence != nil {
			overridden[ev.uid] = append(overridden[ev.uid], *ev.recurrence)
		}
	}

	var out []Event
	for _, ev := range events {
		if (ev.rrule == "" && len(ev.rdates) == 0) || ev.recurrence != nil {
			if day.Contains(ev.start, loc) {
				out = append(out, ev.instance(ev.start, loc))
			}
			continue
		}
		starts, dropped := expandRule(ev, from, to)
		if dropped > 0 {
			log.Warn("recurring event truncated",
				logx.String("uid", ev.uid),
				logx.String("day", day.String()),
				logx.Int("kept", len(starts)),
				logx.Int("dropped", dropped),
			)
		}
		for _, start := range starts {
			if isOverridden(overridden[ev.uid], start) || !day.Contains(start, loc) {
				continue
			}
			out = append(out, ev.instance(start, loc))
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// expandRule returns the starts of ev in [from, to] from its RRULE and RDATEs
// minus EXDATEs, capped at maxPerDay. dropped counts starts past the cap.
func expandRule(ev vevent, from, to time.Time) (starts []time.Time, dropped int) {
	tz := ev.start.Location()
	var set rrule.Set
	if ev.rrule != "" {
		r, err := rrule.StrToRRule(ev.rrule)
		if err != nil {
			return nil, 0
		}
		r.DTStart(ev.start)
		set.RRule(r)
	} else {
		// without an RRULE, DTSTART is the first instance
		set.RDate(ev.start)
	}
	for _, rd := range ev.rdates {
		set.RDate(rd.In(tz))
	}
	for _, ex := range ev.exdates {
		set.ExDate(ex.In(tz))
	}
	starts = set.Between(from.In(tz), to.In(tz), true)
	if len(starts) > maxPerDay {
		dropped = len(starts) - maxPerDay
		starts = starts[:maxPerDay]
	}
	return starts, dropped
}

func isOverridden(rids []time.Time, start time.Time) bool {
	for _, rid := range rids {
		if rid.Equal(start) {
			return true
		}
	}
	return false
}

func (ev vevent) instance(start time.Time, loc *time.Location) Event {
	return Event{
		UID:      ev.uid,
		Summary:  ev.summary,
		Location: ev.location,
		Start:    start.In(loc),
		End:      start.Add(ev.end.Sub(ev.start)).In(loc),
		AllDay:   ev.allDay,
		seq:      ev.seq,
	}
}
