package calendar

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"calbot/internal/clock"
	"calbot/pkg/logx"
)

type Config struct {
	Timeout   time.Duration
	MaxBytes  int64
	UserAgent string
	// Location is used for feeds that declare no time zone.
	Location *time.Location
}

// Reader implements the calendar source. It is safe for concurrent use.
type Reader struct {
	cfg    atomic.Pointer[Config]
	client *http.Client
	log    logx.Logger
}

func NewReader(cfg Config, client *http.Client, log logx.Logger) *Reader {
	if client == nil {
		client = &http.Client{}
	}
	r := &Reader{client: client, log: log}
	r.Apply(cfg)
	return r
}

// Apply swaps the fetch settings. Requests already in flight keep the old ones.
func (r *Reader) Apply(cfg Config) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 8 << 20
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "calbot/1.0"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	r.cfg.Store(&cfg)
}

func (r *Reader) config() Config { return *r.cfg.Load() }

// EventsOn fetches url and returns the events starting on day in the feed's
// declared zone, ascending by start. Ties keep feed order.
func (r *Reader) EventsOn(ctx context.Context, url string, day clock.Day) ([]Event, error) {
	body, err := r.fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	events, loc, err := parseFeed(body, r.config().Location)
	if err != nil {
		return nil, err
	}
	return occurrencesOn(events, day, loc, r.log), nil
}

// Validate fetches and parses url without filtering. Registration uses it to
// reject feeds before they are stored.
func (r *Reader) Validate(ctx context.Context, url string) error {
	body, err := r.fetch(ctx, url)
	if err != nil {
		return err
	}
	_, _, err = parseFeed(body, r.config().Location)
	return err
}
