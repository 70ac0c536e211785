package calendar

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"calbot/internal/clock"
	"calbot/pkg/logx"
)

func ics(lines ...string) string {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN", "X-WR-TIMEZONE:Europe/Berlin"}, lines...)
	all = append(all, "END:VCALENDAR")
	return strings.Join(all, "\r\n") + "\r\n"
}

func veventLines(uid, summary, start, end string, extra ...string) []string {
	out := []string{
		"BEGIN:VEVENT",
		"UID:" + uid,
		"DTSTAMP:20250101T000000Z",
		"SUMMARY:" + summary,
		"DTSTART;TZID=Europe/Berlin:" + start,
		"DTEND;TZID=Europe/Berlin:" + end,
	}
	out = append(out, extra...)
	return append(out, "END:VEVENT")
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func serve(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/calendar")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestReader(t *testing.T) *Reader {
	t.Helper()
	berlin, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	return NewReader(Config{Timeout: 2 * time.Second, Location: berlin}, nil, logx.Nop())
}

func day(t *testing.T, s string) clock.Day {
	t.Helper()
	d, err := clock.ParseDay(s)
	if err != nil {
		t.Fatalf("ParseDay: %v", err)
	}
	return d
}

func TestEventsOnSortsAndFilters(t *testing.T) {
	t.Parallel()

	body := ics(concat(
		veventLines("c", "Late / Prof C", "20250110T160000", "20250110T173000"),
		veventLines("other-day", "Tomorrow", "20250111T080000", "20250111T090000"),
		veventLines("a", "Early / Prof A", "20250110T081500", "20250110T094500", "LOCATION:HS 1"),
		veventLines("b", "Same time first", "20250110T120000", "20250110T130000"),
		veventLines("b2", "Same time second", "20250110T120000", "20250110T123000"),
	)...)
	srv := serve(t, http.StatusOK, body)

	events, err := newTestReader(t).EventsOn(context.Background(), srv.URL, day(t, "2025-01-10"))
	if err != nil {
		t.Fatalf("EventsOn: %v", err)
	}
	var uids []string
	for _, e := range events {
		uids = append(uids, e.UID)
	}
	if got, want := strings.Join(uids, ","), "a,b,b2,c"; got != want {
		t.Fatalf("order = %s, want %s", got, want)
	}
	if events[0].Location != "HS 1" || events[0].Start.Format("15:04") != "08:15" || events[0].End.Format("15:04") != "09:45" {
		t.Fatalf("first event = %+v", events[0])
	}
}

func TestEventsOnUsesFeedZone(t *testing.T) {
	t.Parallel()

	// 23:30Z on Jan 9 is 00:30 on Jan 10 in Berlin.
	body := ics(
		"BEGIN:VEVENT", "UID:utc", "SUMMARY:Night", "DTSTART:20250109T233000Z", "DTEND:20250110T003000Z", "END:VEVENT",
	)
	srv := serve(t, http.StatusOK, body)
	r := newTestReader(t)

	got, err := r.EventsOn(context.Background(), srv.URL, day(t, "2025-01-10"))
	if err != nil || len(got) != 1 {
		t.Fatalf("EventsOn(Jan 10) = %v, %v; want one event", got, err)
	}
	if got[0].Start.Format("15:04") != "00:30" {
		t.Fatalf("start rendered %s, want 00:30 local", got[0].Start.Format("15:04"))
	}
	if got, _ := r.EventsOn(context.Background(), srv.URL, day(t, "2025-01-09")); len(got) != 0 {
		t.Fatalf("EventsOn(Jan 9) = %v, want none", got)
	}
}

func TestEventsOnExpandsRecurrence(t *testing.T) {
	t.Parallel()

	body := ics(concat(
		veventLines("weekly", "Lecture", "20250106T100000", "20250106T113000",
			"RRULE:FREQ=WEEKLY;BYDAY=MO;COUNT=10",
			"EXDATE;TZID=Europe/Berlin:20250113T100000"),
		[]string{
			"BEGIN:VEVENT", "UID:weekly", "SUMMARY:Lecture (moved)",
			"RECURRENCE-ID;TZID=Europe/Berlin:20250120T100000",
			"DTSTART;TZID=Europe/Berlin:20250120T140000",
			"DTEND;TZID=Europe/Berlin:20250120T153000",
			"END:VEVENT",
		},
	)...)
	srv := serve(t, http.StatusOK, body)
	r := newTestReader(t)
	ctx := context.Background()

	cases := []struct {
		day   string
		want  string
		count int
	}{
		{"2025-01-06", "10:00", 1},
		{"2025-01-13", "", 0}, // EXDATE
		{"2025-01-20", "14:00", 1},
		{"2025-01-27", "10:00", 1},
		{"2025-01-28", "", 0},
	}
	for _, tc := range cases {
		got, err := r.EventsOn(ctx, srv.URL, day(t, tc.day))
		if err != nil {
			t.Fatalf("%s: %v", tc.day, err)
		}
		if len(got) != tc.count {
			t.Fatalf("%s: %d events, want %d (%+v)", tc.day, len(got), tc.count, got)
		}
		if tc.count == 1 && got[0].Start.Format("15:04") != tc.want {
			t.Fatalf("%s: start %s, want %s", tc.day, got[0].Start.Format("15:04"), tc.want)
		}
	}
}

func TestEventsOnExpandsRDates(t *testing.T) {
	t.Parallel()

	body := ics(concat(
		veventLines("extra", "Tutorial", "20250106T100000", "20250106T110000",
			"RDATE;TZID=Europe/Berlin:20250109T100000,20250115T120000"),
		veventLines("mixed", "Seminar", "20250107T090000", "20250107T100000",
			"RRULE:FREQ=WEEKLY;COUNT=3",
			"RDATE;TZID=Europe/Berlin:20250116T140000",
			"RDATE;TZID=Europe/Berlin:20250117T140000",
			"EXDATE;TZID=Europe/Berlin:20250117T140000"),
	)...)
	srv := serve(t, http.StatusOK, body)
	r := newTestReader(t)
	ctx := context.Background()

	cases := []struct {
		day  string
		want string
	}{
		{"2025-01-06", "extra@10:00"},
		{"2025-01-07", "mixed@09:00"},
		{"2025-01-09", "extra@10:00"},
		{"2025-01-14", "mixed@09:00"},
		{"2025-01-15", "extra@12:00"},
		{"2025-01-16", "mixed@14:00"},
		{"2025-01-17", ""}, // EXDATE removes the RDATE
		{"2025-01-28", ""},
	}
	for _, tc := range cases {
		got, err := r.EventsOn(ctx, srv.URL, day(t, tc.day))
		if err != nil {
			t.Fatalf("%s: %v", tc.day, err)
		}
		var parts []string
		for _, e := range got {
			parts = append(parts, e.UID+"@"+e.Start.Format("15:04"))
		}
		if s := strings.Join(parts, ","); s != tc.want {
			t.Fatalf("%s: events = %q, want %q", tc.day, s, tc.want)
		}
	}
}

func TestEventsOnLogsTruncatedRecurrence(t *testing.T) {
	t.Parallel()

	body := ics(veventLines("tick", "Every minute", "20250110T000000", "20250110T000100",
		"RRULE:FREQ=MINUTELY;COUNT=2000")...)
	srv := serve(t, http.StatusOK, body)

	var buf bytes.Buffer
	r := newTestReader(t)
	r.log = logx.NewWriter(&buf, "debug")

	got, err := r.EventsOn(context.Background(), srv.URL, day(t, "2025-01-10"))
	if err != nil {
		t.Fatalf("EventsOn: %v", err)
	}
	if len(got) != maxPerDay {
		t.Fatalf("events = %d, want %d", len(got), maxPerDay)
	}
	out := buf.String()
	if !strings.Contains(out, "recurring event truncated") || !strings.Contains(out, "tick") {
		t.Fatalf("log output = %q", out)
	}
}

func TestEventsOnErrors(t *testing.T) {
	t.Parallel()

	notFound := serve(t, http.StatusNotFound, "nope")
	notFeed := serve(t, http.StatusOK, "Hello world")
	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	t.Cleanup(slow.Close)

	cases := []struct {
		name string
		url  string
		want error
	}{
		{"404", notFound.URL, ErrFeedUnreachable},
		{"not a calendar", notFeed.URL, ErrFeedMalformed},
		{"connection refused", closed.URL, ErrFeedUnreachable},
		{"bad scheme", "ftp://example.com/x.ics", ErrFeedUnreachable},
		{"timeout", slow.URL, ErrFeedUnreachable},
	}
	r := NewReader(Config{Timeout: 200 * time.Millisecond}, nil, logx.Nop())
	for _, tc := range cases {
		_, err := r.EventsOn(context.Background(), tc.url, day(t, "2025-01-10"))
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: err = %v, want %v", tc.name, err, tc.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, want string
		ok       bool
	}{
		{"https://kusss.jku.at/cal.ics?token=x", "https://kusss.jku.at/cal.ics?token=x", true},
		{"  webcal://example.com/a.ics ", "https://example.com/a.ics", true},
		{"mailto:me@example.com", "", false},
		{"not a url", "", false},
	}
	for _, tc := range cases {
		got, err := NormalizeURL(tc.in)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("NormalizeURL(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestApplyLimitsBody(t *testing.T) {
	t.Parallel()

	srv := serve(t, http.StatusOK, ics(veventLines("a", "Lecture", "20250110T100000", "20250110T110000")...))
	r := newTestReader(t)
	if err := r.Validate(context.Background(), srv.URL); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	r.Apply(Config{Timeout: 2 * time.Second, MaxBytes: 16})
	if err := r.Validate(context.Background(), srv.URL); !errors.Is(err, ErrFeedMalformed) {
		t.Fatalf("Validate after Apply = %v, want ErrFeedMalformed", err)
	}
}
