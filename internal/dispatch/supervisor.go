package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"calbot/internal/eventbus"
	"calbot/internal/runtime/supervisor"
	"calbot/pkg/logx"
)

// Runner is one loop instance. Run returns the watermark to resume from.
type Runner interface {
	Run(ctx context.Context, from time.Time) (time.Time, error)
}

// LoopSupervisor keeps at most one Runner active. Start, Restart and Stop
// serialize on one mutex; Restart waits for the old instance to exit before
// launching the next one.
type LoopSupervisor struct {
	parent context.Context
	runner Runner
	bus    eventbus.Bus
	log    logx.Logger

	mu        sync.Mutex
	cur       *loopHandle
	gen       uint64
	watermark time.Time

	restarts atomic.Uint64
}

type loopHandle struct {
	gen  uint64
	sup  *supervisor.Supervisor
	mu   sync.Mutex
	mark time.Time
}

func (h *loopHandle) watermark() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mark
}

func (h *loopHandle) setWatermark(t time.Time) {
	h.mu.Lock()
	if t.After(h.mark) {
		h.mark = t
	}
	h.mu.Unlock()
}

// LoopStatus is a point-in-time view for /status and tests.
type LoopStatus struct {
	Running    bool                `json:"running"`
	Generation uint64              `json:"generation"`
	Restarts   uint64              `json:"restarts"`
	Watermark  time.Time           `json:"watermark"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}

func NewLoopSupervisor(parent context.Context, runner Runner, bus eventbus.Bus, log logx.Logger) *LoopSupervisor {
	return &LoopSupervisor{parent: parent, runner: runner, bus: bus, log: log}
}

// Start launches the loop if none is running.
func (s *LoopSupervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur != nil {
		return
	}
	s.launchLocked()
}

// Restart replaces the running loop, resuming from the old loop's watermark.
// Concurrent calls serialize; each leaves exactly one loop running.
func (s *LoopSupervisor) Restart(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	s.stopLocked(context.Background())
	s.launchLocked()
	n := s.restarts.Add(1)

	s.log.Info("loop restarted",
		logx.String("reason", reason),
		logx.Uint64("generation", s.gen),
		logx.Duration("took", time.Since(start)),
	)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeLoopRestarted, Time: time.Now(), Data: n})
	}
}

// Stop cancels the running loop and waits for it or for ctx.
func (s *LoopSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopLocked(ctx)
}

func (s *LoopSupervisor) Restarts() uint64 { return s.restarts.Load() }

func (s *LoopSupervisor) Status() LoopStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := LoopStatus{Generation: s.gen, Restarts: s.restarts.Load(), Watermark: s.watermark}
	if s.cur != nil {
		st.Running = true
		st.Watermark = s.cur.watermark()
		st.Supervisor = s.cur.sup.Snapshot()
	}
	return st
}

func (s *LoopSupervisor) launchLocked() {
	s.gen++
	h := &loopHandle{
		gen:  s.gen,
		mark: s.watermark,
		sup:  supervisor.New(s.parent, supervisor.WithLogger(s.log)),
	}
	log := s.log.With(logx.Uint64("generation", h.gen))
	h.sup.GoRestart("dispatch.loop", func(ctx context.Context) error {
		mark, err := s.runner.Run(ctx, h.watermark())
		h.setWatermark(mark)
		return err
	},
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithOnRestart(func(attempt int, err error) {
			log.Warn("loop failed to start, retrying", logx.Int("attempt", attempt), logx.Err(err))
		}),
	)
	s.cur = h
}

func (s *LoopSupervisor) stopLocked(ctx context.Context) error {
	h := s.cur
	if h == nil {
		return nil
	}
	err := h.sup.Stop(ctx)
	if ctx.Err() != nil {
		// still running; keep the handle so a later Stop can wait again
		return err
	}
	s.cur = nil
	s.watermark = h.watermark()
	return nil
}
