package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field decorates a single zerolog event. Fields are applied in order,
// so a later field with the same key wins.
type Field func(e *zerolog.Event)

func String(k, v string) Field        { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field   { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Uint64(k string, v uint64) Field { return func(e *zerolog.Event) { e.Uint64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Any(k string, v any) Field       { return func(e *zerolog.Event) { e.Interface(k, v) } }

func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}

func Time(k string, v time.Time) Field {
	return func(e *zerolog.Event) { e.Time(k, v) }
}

// Stringer logs v.String() lazily; nil-safe.
func Stringer(k string, v interface{ String() string }) Field {
	return func(e *zerolog.Event) {
		if v != nil {
			e.Str(k, v.String())
		}
	}
}

func Err(err error) Field {
	return func(e *zerolog.Event) {
		if err != nil {
			e.Err(err)
		}
	}
}

func Stack(stack string) Field {
	return func(e *zerolog.Event) {
		if strings.TrimSpace(stack) != "" {
			e.Str("stack", stack)
		}
	}
}

// Subscriber tags an event with the subscriber identity.
func Subscriber(id int64) Field { return Int64("subscriber_id", id) }
