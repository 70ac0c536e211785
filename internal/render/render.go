// Package render turns a day's events into the notification body.
//
// The layout is a fixed contract: chat clients show it verbatim.
package render

import (
	"fmt"
	"strings"

	"calbot/internal/calendar"
	"calbot/internal/clock"
)

const (
	NoEventsToday    = "No events scheduled for today. Enjoy your day! 🌟"
	NoEventsTomorrow = "No events scheduled for tomorrow. Enjoy your day! 🌟"

	notAvailable = "N/A"
	separator    = "━━━━━━━━━━━━━━━━━━"
	titleDelim   = " / "
)

// Entry is the display form of one event.
type Entry struct {
	Title     string
	Organizer string
	Start     string
	End       string
	Location  string
}

// ParseTitle splits "Title / Organizer / ..." into its first two segments.
// Without a delimiter the whole summary is the title and the organizer is "N/A".
func ParseTitle(summary string) (title, organizer string) {
	parts := strings.Split(summary, titleDelim)
	if len(parts) < 2 {
		return strings.TrimSpace(summary), notAvailable
	}
	title, organizer = strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
	if organizer == "" {
		organizer = notAvailable
	}
	return title, organizer
}

// EntryFor maps an event to its display fields. Times are 24-hour HH:MM in
// the event's own location.
func EntryFor(ev calendar.Event) Entry {
	e := Entry{Location: strings.TrimSpace(ev.Location)}
	e.Title, e.Organizer = ParseTitle(ev.Summary)
	if e.Location == "" {
		e.Location = notAvailable
	}
	if ev.AllDay {
		e.Start, e.End = "all day", ""
	} else {
		e.Start, e.End = ev.Start.Format("15:04"), ev.End.Format("15:04")
	}
	return e
}

// Render builds the message for target. today selects the phrasing of the
// empty-day message: target == today reads "today", anything else "tomorrow".
func Render(events []calendar.Event, target, today clock.Day) string {
	if len(events) == 0 {
		if target == today {
			return NoEventsToday
		}
		return NoEventsTomorrow
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📅 Servus!\nHere’s your schedule for %s:\n\n", target)
	for _, ev := range events {
		e := EntryFor(ev)
		b.WriteString(separator + "\n")
		fmt.Fprintf(&b, "🎯 Subject: %s\n", e.Title)
		fmt.Fprintf(&b, "👨‍🏫 Instructor: %s\n", e.Organizer)
		if e.End == "" {
			fmt.Fprintf(&b, "🗓 Time: %s\n", e.Start)
		} else {
			fmt.Fprintf(&b, "🗓 Time: %s – %s\n", e.Start, e.End)
		}
		fmt.Fprintf(&b, "🏫 Room: %s\n", e.Location)
	}
	return b.String()
}
