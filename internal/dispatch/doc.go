// Package dispatch is the scheduling core: a polling loop that finds due
// subscribers in each elapsed window and sends them tomorrow's schedule, and
// a supervisor that keeps exactly one such loop alive across restarts.
//
// A subscriber is due in the window (prev, now] when the next occurrence of
// its HH:MM in the reference zone after prev is not later than now. Sends
// are gated by the per-subscriber delivery ledger; the day ledger is written
// for bookkeeping only.
package dispatch
