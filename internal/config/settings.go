package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/dispatch"
	"calbot/internal/notifier"
	"calbot/internal/storage"
)

const DefaultTimezone = "Europe/Berlin"

// DispatchLoop resolves the dispatch section into loop settings.
func (c *Config) DispatchLoop() (dispatch.Config, error) {
	d := c.Dispatch
	loc, err := c.Location()
	if err != nil {
		return dispatch.Config{}, err
	}
	out := dispatch.Config{Location: loc, Concurrency: d.Concurrency}
	if out.Interval, err = ParseDurationOrDefault("dispatch.poll_interval", d.PollInterval, 30*time.Second); err != nil {
		return dispatch.Config{}, err
	}
	if out.FetchTimeout, err = ParseDurationOrDefault("dispatch.fetch_timeout", d.FetchTimeout, 20*time.Second); err != nil {
		return dispatch.Config{}, err
	}
	if out.SendTimeout, err = ParseDurationOrDefault("dispatch.send_timeout", d.SendTimeout, 15*time.Second); err != nil {
		return dispatch.Config{}, err
	}
	if out.CatchUp, err = ParseDurationOrDefault("dispatch.catch_up", d.CatchUp, 15*time.Minute); err != nil {
		return dispatch.Config{}, err
	}
	if d.Concurrency < 0 {
		return dispatch.Config{}, errors.New("dispatch.concurrency must be >= 0")
	}
	return out, nil
}

// Location is the reference zone for fire times and "tomorrow".
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Dispatch.Timezone)
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("dispatch.timezone: %w", err)
	}
	return loc, nil
}

// DefaultFireTime is the fire time given to new subscribers.
func (c *Config) DefaultFireTime() (hour, minute int, err error) {
	raw := strings.TrimSpace(c.Dispatch.DefaultTime)
	if raw == "" {
		return 0, 0, nil
	}
	hour, minute, err = dispatch.ParseFireTime(raw)
	if err != nil {
		return 0, 0, fmt.Errorf("dispatch.default_time: %w", err)
	}
	return hour, minute, nil
}

func (c *Config) FeedReader() (calendar.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return calendar.Config{}, err
	}
	timeout, err := ParseDurationOrDefault("feed.timeout", c.Feed.Timeout, 20*time.Second)
	if err != nil {
		return calendar.Config{}, err
	}
	if c.Feed.MaxBytes < 0 {
		return calendar.Config{}, errors.New("feed.max_bytes must be >= 0")
	}
	return calendar.Config{
		Timeout:   timeout,
		MaxBytes:  c.Feed.MaxBytes,
		UserAgent: strings.TrimSpace(c.Feed.UserAgent),
		Location:  loc,
	}, nil
}

func (c *Config) NotifierService() (notifier.Config, error) {
	n := c.Notifier
	base, err := ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	if n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, errors.New("notifier: rate_per_sec and retry_max must be >= 0")
	}
	retries := n.RetryMax
	if retries == 0 {
		retries = 3
	}
	return notifier.Config{
		RatePerSec:    n.RatePerSec,
		RetryMax:      retries,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
	}, nil
}

func (c *Config) StorageBackend() (storage.Config, error) {
	s := c.Storage
	busy, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		DSN:         strings.TrimSpace(s.DSN),
		BusyTimeout: busy,
	}
	if out.Driver == "" {
		out.Driver = "sqlite"
	}
	if out.Path == "" && (out.Driver == "sqlite" || out.Driver == "sqlite3") {
		out.Path = "./calbot.db"
	}
	if out.Path == "" && out.Driver == "file" {
		out.Path = "./calbot.json"
	}
	return out, nil
}

func (c *Config) SessionTTL() (time.Duration, error) {
	return ParseDurationOrDefault("conversation.session_ttl", c.Conversation.SessionTTL, 30*time.Minute)
}

func (c *Config) PollTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("telegram.poll_timeout", c.Telegram.PollTimeout, 10*time.Second)
}

// GroupLogChat parses telegram.group_log. Zero means unset.
func (c *Config) GroupLogChat() (int64, error) {
	raw := strings.TrimSpace(c.Telegram.GroupLog)
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram.group_log: %w", err)
	}
	return id, nil
}

// Validate resolves every section once so a bad file is rejected before it
// is committed or published.
func Validate(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := c.DispatchLoop()
	collect(err)
	_, _, err = c.DefaultFireTime()
	collect(err)
	_, err = c.FeedReader()
	collect(err)
	_, err = c.NotifierService()
	collect(err)
	sc, err := c.StorageBackend()
	collect(err)
	if err == nil && (sc.Driver == "postgres" || sc.Driver == "postgresql") && sc.DSN == "" {
		collect(errors.New("storage.dsn is required for postgres"))
	}
	_, err = c.SessionTTL()
	collect(err)
	_, err = c.PollTimeout()
	collect(err)
	_, err = c.GroupLogChat()
	collect(err)
	return errors.Join(errs...)
}
