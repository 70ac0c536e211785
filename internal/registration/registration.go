// Package registration is the write side of the subscriber set: it validates
// feeds and fire times coming from chat and tells the loop supervisor when a
// schedule changed.
package registration

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/clock"
	"calbot/internal/dispatch"
	"calbot/internal/render"
	"calbot/internal/storage"
	"calbot/internal/subscriber"
	"calbot/pkg/logx"
)

var (
	ErrNotFound    = subscriber.ErrNotFound
	ErrInvalidTime = dispatch.ErrInvalidTime
)

type Registry interface {
	Upsert(ctx context.Context, s subscriber.Subscriber) error
	UpdateFireTime(ctx context.Context, id int64, hour, minute int) error
	Remove(ctx context.Context, id int64) error
	Get(id int64) (subscriber.Subscriber, bool)
}

type Feeds interface {
	Validate(ctx context.Context, url string) error
	EventsOn(ctx context.Context, url string, day clock.Day) ([]calendar.Event, error)
}

// Restarter is satisfied by *dispatch.LoopSupervisor.
type Restarter interface {
	Restart(reason string)
}

type Config struct {
	Location      *time.Location
	DefaultHour   int
	DefaultMinute int
	FetchTimeout  time.Duration
}

type Service struct {
	cfg     atomic.Pointer[Config]
	reg     Registry
	feeds   Feeds
	restart Restarter
	clock   clock.Clock
	log     logx.Logger
}

func New(cfg Config, reg Registry, feeds Feeds, restart Restarter, clk clock.Clock, log logx.Logger) *Service {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	s := &Service{reg: reg, feeds: feeds, restart: restart, clock: clk, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps the settings used by later calls (config reload).
func (s *Service) Apply(cfg Config) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	s.cfg.Store(&cfg)
}

func (s *Service) config() Config { return *s.cfg.Load() }

// Register validates the feed and replaces any record for id with the
// default fire time. The stored URL is the normalized one.
func (s *Service) Register(ctx context.Context, id int64, rawURL string) (subscriber.Subscriber, error) {
	url, err := calendar.NormalizeURL(rawURL)
	if err != nil {
		return subscriber.Subscriber{}, err
	}
	cfg := s.config()
	vctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()
	if err := s.feeds.Validate(vctx, url); err != nil {
		s.log.Info("feed rejected", logx.Subscriber(id), logx.Err(err))
		return subscriber.Subscriber{}, err
	}

	sub := subscriber.Subscriber{ID: id, URL: url, Hour: cfg.DefaultHour, Minute: cfg.DefaultMinute}
	if err := s.reg.Upsert(ctx, sub); err != nil {
		return subscriber.Subscriber{}, fmt.Errorf("save subscriber: %w", err)
	}
	s.log.Info("subscriber registered", logx.Subscriber(id), logx.String("fire_time", sub.FireTime()))
	return sub, nil
}

// Reconfigure changes the fire time of an existing subscriber and restarts
// the dispatch loop once. Invalid times and unknown ids never restart it.
func (s *Service) Reconfigure(ctx context.Context, id int64, hour, minute int) error {
	if err := storage.ValidFireTime(hour, minute); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidTime, err)
	}
	if err := s.reg.UpdateFireTime(ctx, id, hour, minute); err != nil {
		return err
	}
	s.log.Info("fire time changed", logx.Subscriber(id), logx.String("fire_time", fmt.Sprintf("%02d:%02d", hour, minute)))
	s.restart.Restart("fire time changed")
	return nil
}

// ReconfigureText parses "HH:MM" and calls Reconfigure.
func (s *Service) ReconfigureText(ctx context.Context, id int64, raw string) (hour, minute int, err error) {
	hour, minute, err = dispatch.ParseFireTime(raw)
	if err != nil {
		return 0, 0, err
	}
	return hour, minute, s.Reconfigure(ctx, id, hour, minute)
}

func (s *Service) Unsubscribe(ctx context.Context, id int64) error {
	if err := s.reg.Remove(ctx, id); err != nil {
		return err
	}
	s.log.Info("subscriber removed", logx.Subscriber(id))
	return nil
}

// Preview renders the subscriber's schedule for today plus offset days.
func (s *Service) Preview(ctx context.Context, id int64, offset int) (string, error) {
	sub, ok := s.reg.Get(id)
	if !ok {
		return "", ErrNotFound
	}
	today := clock.DayOf(s.clock.Now(), s.config().Location)
	return s.render(ctx, sub.URL, today.AddDays(offset), today)
}

// PreviewURL renders today's schedule of a feed that may not be stored yet.
func (s *Service) PreviewURL(ctx context.Context, url string) (string, error) {
	today := clock.DayOf(s.clock.Now(), s.config().Location)
	return s.render(ctx, url, today, today)
}

func (s *Service) render(ctx context.Context, url string, day, today clock.Day) (string, error) {
	fctx, cancel := context.WithTimeout(ctx, s.config().FetchTimeout)
	defer cancel()
	events, err := s.feeds.EventsOn(fctx, url, day)
	if err != nil {
		return "", err
	}
	return render.Render(events, day, today), nil
}

// Lookup reports the stored record for id.
func (s *Service) Lookup(id int64) (subscriber.Subscriber, bool) { return s.reg.Get(id) }

// UserMessage maps registration errors to the reply shown in chat.
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, calendar.ErrInvalidURL):
		return "That does not look like a calendar link. Send an http(s) or webcal URL."
	case errors.Is(err, calendar.ErrFeedUnreachable):
		return "I could not download that calendar. Check the link and try again."
	case errors.Is(err, calendar.ErrFeedMalformed):
		return "That link does not point to a valid iCal calendar."
	case errors.Is(err, ErrInvalidTime):
		return "Please send the time as HH:MM, for example 08:30."
	case errors.Is(err, ErrNotFound):
		return "You are not registered yet. Use /start to add your calendar."
	default:
		return "Something went wrong. Please try again later."
	}
}
