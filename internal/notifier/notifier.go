package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"calbot/internal/eventbus"
	"calbot/internal/transport"
	"calbot/pkg/logx"
)

// ErrChannelUnavailable wraps every failed delivery.
var ErrChannelUnavailable = errors.New("notification channel unavailable")

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 20
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}

type HistoryItem struct {
	At       time.Time
	ChatID   int64
	Attempts int
	Err      string
}

// Event is published on the bus for every delivery outcome.
type Event struct {
	ChatID   int64  `json:"chat_id"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

const historyLimit = 300

type Service struct {
	log    logx.Logger
	sender transport.Sender
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender transport.Sender, bus eventbus.Bus, log logx.Logger) *Service {
	s := &Service{sender: sender, bus: bus, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps limits and retry policy; in-flight sends keep their snapshot.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	// burst = rate so a fan-out spike is not throttled to single sends
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	s.mu.Unlock()
}

// Send delivers text to chatID. Transient failures are retried with jittered
// exponential backoff; permanent ones fail immediately.
func (s *Service) Send(ctx context.Context, chatID int64, text string) error {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	var (
		lastErr  error
		attempts int
	)
	for attempts < 1+cfg.RetryMax {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		cctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		_, err := s.sender.SendText(cctx, transport.ChatTarget{ChatID: chatID}, text, &transport.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.record(chatID, attempts, nil)
			return nil
		}
		lastErr = err
		// a partial send is not retried: the delivered parts would repeat
		if errors.Is(err, transport.ErrRecipientGone) || errors.Is(err, transport.ErrPartialSend) || attempts > cfg.RetryMax {
			break
		}
		s.log.Debug("send failed, retrying", logx.Int64("chat_id", chatID), logx.Int("attempt", attempts), logx.Err(err))

		t := time.NewTimer(retryDelay(cfg, attempts))
		select {
		case <-ctx.Done():
			t.Stop()
			lastErr = ctx.Err()
			attempts = 1 + cfg.RetryMax
		case <-t.C:
		}
	}
	s.record(chatID, attempts, lastErr)
	return fmt.Errorf("%w: %w", ErrChannelUnavailable, lastErr)
}

func (s *Service) record(chatID int64, attempts int, err error) {
	item := HistoryItem{At: time.Now(), ChatID: chatID, Attempts: attempts}
	ev := eventbus.Event{Type: eventbus.TypeNotifySent, Time: item.At}
	if err != nil {
		item.Err = err.Error()
		ev.Type = eventbus.TypeNotifyFailed
	}
	ev.Data = Event{ChatID: chatID, Attempts: attempts, Error: item.Err}

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()

	if s.bus != nil {
		s.bus.Publish(ev)
	}
}

// History returns recent delivery outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1), capped,
// with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
