package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"calbot/internal/calendar"
	"calbot/internal/clock"
	"calbot/internal/eventbus"
	"calbot/internal/ledger"
	"calbot/internal/render"
	"calbot/internal/subscriber"
	"calbot/pkg/logx"
)

// maxWindow bounds how far back a single evaluation may reach.
const maxWindow = 24 * time.Hour

type Config struct {
	Location     *time.Location
	Interval     time.Duration
	FetchTimeout time.Duration
	SendTimeout  time.Duration
	Concurrency  int
	// CatchUp is how far back the first window reaches on a fresh start.
	CatchUp time.Duration
}

func (c Config) withDefaults() Config {
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 20 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 15 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.CatchUp < 0 {
		c.CatchUp = 0
	}
	if c.CatchUp > maxWindow {
		c.CatchUp = maxWindow
	}
	return c
}

type SubscriberSource interface {
	List() []subscriber.Subscriber
}

type EventSource interface {
	EventsOn(ctx context.Context, url string, day clock.Day) ([]calendar.Event, error)
}

type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type Ledger interface {
	LastProcessedDay(ctx context.Context) (clock.Day, bool, error)
	RecordProcessed(ctx context.Context, day clock.Day) error
	Delivered(ctx context.Context, id int64, day clock.Day) (bool, error)
	RecordDelivery(ctx context.Context, id int64, day clock.Day) error
}

// Report summarizes one dispatch iteration.
type Report struct {
	RunID    string        `json:"run_id"`
	From     time.Time     `json:"from"`
	To       time.Time     `json:"to"`
	Due      int           `json:"due"`
	Sent     int           `json:"sent"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Aborted  bool          `json:"aborted,omitempty"`
	Took     time.Duration `json:"took"`
	Recorded []clock.Day   `json:"recorded,omitempty"`
}

// Loop evaluates subscribers every Interval. Run may be called again after
// it returns; the supervisor does so on restart.
type Loop struct {
	subs   SubscriberSource
	events EventSource
	notify Notifier
	ledger Ledger
	clock  clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	cfg   atomic.Pointer[Config]
	sched *schedules
	last  atomic.Pointer[Report]
}

type Deps struct {
	Subscribers SubscriberSource
	Events      EventSource
	Notifier    Notifier
	Ledger      Ledger
	Clock       clock.Clock
	Bus         eventbus.Bus
	Log         logx.Logger
}

func NewLoop(cfg Config, d Deps) *Loop {
	if d.Clock == nil {
		d.Clock = clock.SystemClock{}
	}
	l := &Loop{
		subs:   d.Subscribers,
		events: d.Events,
		notify: d.Notifier,
		ledger: d.Ledger,
		clock:  d.Clock,
		bus:    d.Bus,
		log:    d.Log,
		sched:  newSchedules(),
	}
	l.Apply(cfg)
	return l
}

// Apply replaces the configuration. A running loop picks it up on its next
// Run, so callers restart the loop afterwards.
func (l *Loop) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.cfg.Store(&cfg)
}

func (l *Loop) config() Config { return *l.cfg.Load() }

// LastReport returns the most recent iteration report, if any.
func (l *Loop) LastReport() (Report, bool) {
	if r := l.last.Load(); r != nil {
		return *r, true
	}
	return Report{}, false
}

// Run evaluates windows until ctx is cancelled and returns the end of the
// last fully evaluated window. A zero from starts CatchUp in the past.
// Ledger failures before the first iteration are returned as errors.
func (l *Loop) Run(ctx context.Context, from time.Time) (time.Time, error) {
	cfg := l.config()
	now := l.clock.Now()

	last, ok, err := l.ledger.LastProcessedDay(ctx)
	if err != nil {
		return from, fmt.Errorf("read mailing ledger: %w", err)
	}
	today := clock.DayOf(now, cfg.Location)
	switch {
	case !ok:
		l.log.Info("loop starting", logx.String("last_processed", "never"))
	case last.AddDays(1).Before(today):
		l.log.Warn("loop starting after a gap", logx.Stringer("last_processed", last), logx.Stringer("today", today))
	default:
		l.log.Info("loop starting", logx.Stringer("last_processed", last))
	}

	prev := from
	if prev.IsZero() {
		prev = now.Add(-cfg.CatchUp)
	}

	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			l.log.Info("loop stopped", logx.Time("watermark", prev))
			return prev, nil
		case <-t.C:
		}

		now = l.clock.Now()
		if now.After(prev) {
			rep := l.Tick(ctx, prev, now)
			if !rep.Aborted {
				prev = now
			}
		}
		t.Reset(cfg.Interval)
	}
}

type job struct {
	sub     subscriber.Subscriber
	fireDay clock.Day
}

// Tick runs one dispatch iteration over (prev, now]. Per-subscriber failures
// are logged and counted, never returned. If ctx ends mid-iteration the
// report is marked Aborted and no day is recorded.
func (l *Loop) Tick(ctx context.Context, prev, now time.Time) Report {
	cfg := l.config()
	start := time.Now()
	rep := Report{RunID: uuid.NewString(), From: prev, To: now}
	log := l.log.With(logx.String("run_id", rep.RunID))

	if now.Sub(prev) > maxWindow {
		log.Warn("window clamped", logx.Time("from", prev), logx.Duration("max", maxWindow))
		prev = now.Add(-maxWindow)
		rep.From = prev
	}

	jobs := l.dueJobs(prev, now, cfg.Location, log)
	rep.Due = len(jobs)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, cfg.Concurrency)
	)
	for _, j := range jobs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			defer func() { <-sem }()
			res := l.deliver(ctx, cfg, j, log)
			mu.Lock()
			switch res {
			case resultSent:
				rep.Sent++
			case resultSkipped:
				rep.Skipped++
			case resultFailed:
				rep.Failed++
			}
			mu.Unlock()
		}(j)
	}
	wg.Wait()

	if ctx.Err() != nil {
		rep.Aborted = true
	} else {
		rep.Recorded = l.recordDays(ctx, prev, now, cfg.Location, log)
	}
	rep.Took = time.Since(start)
	l.last.Store(&rep)

	if rep.Due > 0 || rep.Aborted {
		log.Info("dispatch iteration",
			logx.Int("due", rep.Due),
			logx.Int("sent", rep.Sent),
			logx.Int("skipped", rep.Skipped),
			logx.Int("failed", rep.Failed),
			logx.Bool("aborted", rep.Aborted),
			logx.Duration("took", rep.Took),
		)
	}
	l.publish(eventbus.TypeIterationDone, rep)
	return rep
}

func (l *Loop) dueJobs(prev, now time.Time, loc *time.Location, log logx.Logger) []job {
	var jobs []job
	for _, s := range l.subs.List() {
		sched, err := l.sched.get(s.Hour, s.Minute)
		if err != nil {
			log.Warn("bad fire time", logx.Subscriber(s.ID), logx.Err(err))
			continue
		}
		for _, at := range firesIn(sched, s.Hour, s.Minute, prev, now, loc) {
			jobs = append(jobs, job{sub: s, fireDay: clock.DayOf(at, loc)})
		}
	}
	return jobs
}

type result int

const (
	resultSent result = iota
	resultSkipped
	resultFailed
	resultAborted
)

// deliver sends fireDay+1 to one subscriber. The send itself runs detached
// from ctx so cancellation never interrupts a message halfway.
func (l *Loop) deliver(ctx context.Context, cfg Config, j job, log logx.Logger) result {
	log = log.With(logx.Subscriber(j.sub.ID), logx.Stringer("fire_day", j.fireDay))
	target := j.fireDay.AddDays(1)

	done, err := l.ledger.Delivered(ctx, j.sub.ID, j.fireDay)
	if err != nil {
		if ctx.Err() != nil {
			return resultAborted
		}
		log.Warn("notification failed", logx.String("stage", "ledger"), logx.Err(err))
		return resultFailed
	}
	if done {
		log.Debug("already delivered")
		return resultSkipped
	}

	fctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	events, err := l.events.EventsOn(fctx, j.sub.URL, target)
	cancel()
	if ctx.Err() != nil {
		log.Debug("delivery aborted", logx.Err(ctx.Err()))
		return resultAborted
	}
	if err != nil {
		log.Warn("notification failed", logx.String("stage", "feed"), logx.Err(err))
		return resultFailed
	}

	text := render.Render(events, target, j.fireDay)

	detached := context.WithoutCancel(ctx)
	sctx, cancel := context.WithTimeout(detached, cfg.SendTimeout)
	err = l.notify.Send(sctx, j.sub.ID, text)
	cancel()
	if err != nil {
		log.Warn("notification failed", logx.String("stage", "send"), logx.Err(err))
		return resultFailed
	}
	if err := l.ledger.RecordDelivery(detached, j.sub.ID, j.fireDay); err != nil {
		log.Error("record delivery failed", logx.Err(err))
	}
	log.Debug("notification sent", logx.Int("events", len(events)))
	return resultSent
}

// recordDays appends every day whose end lies inside (prev, now].
func (l *Loop) recordDays(ctx context.Context, prev, now time.Time, loc *time.Location, log logx.Logger) []clock.Day {
	var out []clock.Day
	end := clock.DayOf(now, loc)
	for d := clock.DayOf(prev, loc); d.Before(end); d = d.AddDays(1) {
		err := l.ledger.RecordProcessed(ctx, d)
		switch {
		case err == nil:
			out = append(out, d)
			log.Info("day processed", logx.Stringer("day", d))
			l.publish(eventbus.TypeDayProcessed, d)
		case errors.Is(err, ledger.ErrDuplicateDay):
			log.Debug("day already recorded", logx.Stringer("day", d))
		default:
			log.Error("record day failed", logx.Stringer("day", d), logx.Err(err))
		}
	}
	return out
}

func (l *Loop) publish(typ string, data any) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(eventbus.Event{Type: typ, Time: l.clock.Now(), Data: data})
}
