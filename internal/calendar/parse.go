package calendar

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
)

// vevent is a parsed VEVENT before recurrence expansion.
type vevent struct {
	seq      int
	uid      string
	summary  string
	location string
	start    time.Time
	end      time.Time
	allDay   bool

	rrule      string
	rdates     []time.Time
	exdates    []time.Time
	recurrence *time.Time // RECURRENCE-ID, set on overrides
}

// parseFeed parses body and returns its events plus the feed's declared zone.
// def is used when the feed declares none.
func parseFeed(body []byte, def *time.Location) ([]vevent, *time.Location, error) {
	trimmed := bytes.TrimLeft(bytes.TrimPrefix(body, []byte("\xef\xbb\xbf")), " \t\r\n")
	if !bytes.HasPrefix(bytes.ToUpper(trimmed[:min(len(trimmed), 15)]), []byte("BEGIN:VCALENDAR")) {
		return nil, nil, fmt.Errorf("%w: missing BEGIN:VCALENDAR", ErrFeedMalformed)
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(trimmed))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrFeedMalformed, err)
	}

	loc := feedLocation(cal, def)
	var out []vevent
	for i, ve := range cal.Events() {
		ev, err := parseVEvent(ve, loc)
		if err != nil {
			// one broken entry does not invalidate the feed
			continue
		}
		ev.seq = i
		out = append(out, ev)
	}
	return out, loc, nil
}

// feedLocation resolves X-WR-TIMEZONE, then the first VTIMEZONE, then def.
func feedLocation(cal *ical.Calendar, def *time.Location) *time.Location {
	for _, p := range cal.CalendarProperties {
		if strings.EqualFold(p.IANAToken, "X-WR-TIMEZONE") {
			if loc, err := time.LoadLocation(strings.TrimSpace(p.Value)); err == nil {
				return loc
			}
		}
	}
	for _, c := range cal.Components {
		tz, ok := c.(*ical.VTimezone)
		if !ok {
			continue
		}
		if p := tz.GetProperty("TZID"); p != nil {
			if loc, err := time.LoadLocation(strings.TrimSpace(p.Value)); err == nil {
				return loc
			}
		}
	}
	return def
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (vevent, error) {
	var ev vevent
	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		ev.uid = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		ev.summary = strings.TrimSpace(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		ev.location = strings.TrimSpace(p.Value)
	}

	startProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if startProp == nil {
		return ev, fmt.Errorf("vevent %q: missing DTSTART", ev.uid)
	}
	start, allDay, err := propTime(startProp.Value, startProp.ICalParameters, loc)
	if err != nil {
		return ev, err
	}
	ev.start, ev.allDay = start, allDay

	switch endProp := ve.GetProperty(ical.ComponentPropertyDtEnd); {
	case endProp != nil:
		if ev.end, _, err = propTime(endProp.Value, endProp.ICalParameters, loc); err != nil {
			return ev, err
		}
	case allDay:
		ev.end = start.AddDate(0, 0, 1)
	default:
		ev.end = start
	}
	if ev.end.Before(ev.start) {
		ev.end = ev.start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		ev.rrule = p.Value
	}
	ev.rdates = propTimes(ve.GetProperties(ical.ComponentPropertyRdate), loc)
	ev.exdates = propTimes(ve.GetProperties(ical.ComponentPropertyExdate), loc)
	if p := ve.GetProperty("RECURRENCE-ID"); p != nil {
		if t, _, err := propTime(p.Value, p.ICalParameters, loc); err == nil {
			ev.recurrence = &t
		}
	}
	return ev, nil
}

// propTimes collects the comma-separated values of RDATE or EXDATE lines.
// PERIOD values and unparsable parts are skipped.
func propTimes(props []*ical.IANAProperty, loc *time.Location) []time.Time {
	var out []time.Time
	for _, p := range props {
		for _, part := range strings.Split(p.Value, ",") {
			if t, _, err := propTime(part, p.ICalParameters, loc); err == nil {
				out = append(out, t)
			}
		}
	}
	return out
}

// propTime parses a DATE or DATE-TIME value. TZID wins when it names a known
// zone; UTC values keep UTC; floating values are read in loc.
func propTime(value string, params map[string][]string, loc *time.Location) (time.Time, bool, error) {
	value = strings.TrimSpace(value)
	in := loc
	if tz := params["TZID"]; len(tz) > 0 {
		if l, err := time.LoadLocation(strings.Trim(tz[0], `"`)); err == nil {
			in = l
		}
	}
	isDate := len(value) == 8
	if v := params["VALUE"]; len(v) > 0 && strings.EqualFold(v[0], "DATE") {
		isDate = true
	}

	switch {
	case isDate:
		t, err := time.ParseInLocation("20060102", value, loc)
		return t, true, err
	case strings.HasSuffix(value, "Z"):
		t, err := time.Parse("20060102T150405Z", value)
		return t, false, err
	default:
		t, err := time.ParseInLocation("20060102T150405", value, in)
		return t, false, err
	}
}
