// Package calendar fetches a subscriber's iCal feed and returns the events
// that start on a given day, in the feed's own time zone.
//
// Feeds are always fetched fresh; nothing is cached between calls. Recurring
// events (RRULE, EXDATE, RECURRENCE-ID) are expanded before filtering.
package calendar
