package calendar

import (
	"errors"
	"time"
)

var (
	// ErrFeedUnreachable covers transport failures, non-2xx responses and timeouts.
	ErrFeedUnreachable = errors.New("feed unreachable")
	// ErrFeedMalformed means the body is not an iCalendar document.
	ErrFeedMalformed = errors.New("feed malformed")
	ErrInvalidURL    = errors.New("invalid feed url")
)

// Event is one concrete occurrence. Start and End carry the feed's location.
type Event struct {
	UID      string
	Summary  string
	Location string
	Start    time.Time
	End      time.Time
	AllDay   bool

	seq int // position of the source VEVENT in the feed
}
