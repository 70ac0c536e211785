package render

import (
	"strings"
	"testing"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/clock"
)

func TestParseTitle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in, title, organizer string
	}{
		{"KV Responsible AI / Martina Mara / (510101/2024W)", "KV Responsible AI", "Martina Mara"},
		{"Office Hours", "Office Hours", "N/A"},
		{"VL Algebra / Prof. X", "VL Algebra", "Prof. X"},
		{"  Spaced  ", "Spaced", "N/A"},
		{"Exam/Room 3", "Exam/Room 3", "N/A"},
		{"Seminar /  / x", "Seminar", "N/A"},
	}
	for _, tc := range cases {
		title, org := ParseTitle(tc.in)
		if title != tc.title || org != tc.organizer {
			t.Fatalf("ParseTitle(%q) = (%q, %q), want (%q, %q)", tc.in, title, org, tc.title, tc.organizer)
		}
	}
}

func TestRenderEmptyDiffersByDay(t *testing.T) {
	t.Parallel()

	today, _ := clock.ParseDay("2025-01-10")
	tomorrow := today.AddDays(1)

	if got := Render(nil, today, today); got != NoEventsToday {
		t.Fatalf("Render(today) = %q", got)
	}
	if got := Render(nil, tomorrow, today); got != NoEventsTomorrow {
		t.Fatalf("Render(tomorrow) = %q", got)
	}
	if NoEventsToday == NoEventsTomorrow {
		t.Fatalf("empty messages must differ")
	}
}

func TestRenderEvents(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("CET", 3600)
	target, _ := clock.ParseDay("2025-01-11")
	events := []calendar.Event{
		{
			Summary:  "KV Responsible AI / Martina Mara / (510101/2024W)",
			Location: "HS 18",
			Start:    time.Date(2025, 1, 11, 8, 30, 0, 0, loc),
			End:      time.Date(2025, 1, 11, 10, 0, 0, 0, loc),
		},
		{
			Summary: "Office Hours",
			Start:   time.Date(2025, 1, 11, 14, 5, 0, 0, loc),
			End:     time.Date(2025, 1, 11, 15, 0, 0, 0, loc),
		},
	}

	want := "📅 Servus!\nHere’s your schedule for 2025-01-11:\n\n" +
		"━━━━━━━━━━━━━━━━━━\n" +
		"🎯 Subject: KV Responsible AI\n" +
		"👨‍🏫 Instructor: Martina Mara\n" +
		"🗓 Time: 08:30 – 10:00\n" +
		"🏫 Room: HS 18\n" +
		"━━━━━━━━━━━━━━━━━━\n" +
		"🎯 Subject: Office Hours\n" +
		"👨‍🏫 Instructor: N/A\n" +
		"🗓 Time: 14:05 – 15:00\n" +
		"🏫 Room: N/A\n"

	if got := Render(events, target, target.AddDays(-1)); got != want {
		t.Fatalf("Render mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestRenderUsesEventLocation(t *testing.T) {
	t.Parallel()

	berlin := time.FixedZone("CEST", 2*3600)
	ev := calendar.Event{
		Summary: "Late",
		Start:   time.Date(2025, 6, 1, 21, 0, 0, 0, time.UTC).In(berlin),
		End:     time.Date(2025, 6, 1, 22, 0, 0, 0, time.UTC).In(berlin),
	}
	if e := EntryFor(ev); e.Start != "23:00" || e.End != "00:00" {
		t.Fatalf("EntryFor = %+v, want 23:00 – 00:00", e)
	}
	if e := EntryFor(calendar.Event{Summary: "Holiday", AllDay: true}); !strings.Contains(e.Start, "all day") {
		t.Fatalf("all-day entry = %+v", e)
	}
}
