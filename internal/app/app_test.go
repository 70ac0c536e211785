package app

import (
	"context"
	"testing"
	"time"
	_ "time/tzdata"

	"calbot/internal/config"
	"calbot/internal/dispatch"
	"calbot/internal/eventbus"
	"calbot/internal/ledger"
	"calbot/internal/runtime/supervisor"
	"calbot/internal/storage"
	"calbot/internal/subscriber"
	"calbot/pkg/logx"
)

func TestRegistrationConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Dispatch.DefaultTime = "07:45"
	cfg.Feed.Timeout = "5s"

	rc, err := registrationConfig(cfg)
	if err != nil {
		t.Fatalf("registrationConfig: %v", err)
	}
	if rc.Location.String() != config.DefaultTimezone {
		t.Fatalf("location = %v", rc.Location)
	}
	if rc.DefaultHour != 7 || rc.DefaultMinute != 45 || rc.FetchTimeout != 5*time.Second {
		t.Fatalf("config = %+v", rc)
	}

	cfg.Dispatch.DefaultTime = "25:00"
	if _, err := registrationConfig(cfg); err == nil {
		t.Fatal("expected error for invalid default_time")
	}
}

func TestLogConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.Logging.Level = "debug"
	cfg.Logging.File.Enabled = true
	cfg.Logging.File.Path = "/tmp/calbot.log"
	cfg.Logging.Telegram.Enabled = true
	cfg.Logging.Telegram.MinLevel = "error"

	lc := logConfig(cfg)
	if lc.Level != "debug" || !lc.File.Enabled || lc.File.Path != "/tmp/calbot.log" {
		t.Fatalf("logConfig = %+v", lc)
	}
	if !lc.Telegram.Enabled || lc.Telegram.MinLevel != "error" {
		t.Fatalf("telegram = %+v", lc.Telegram)
	}
}

func TestRestartAfterDispatchStarts(t *testing.T) {
	t.Parallel()

	store := storage.NewMemory()
	subs, err := subscriber.Load(context.Background(), store, nil, logx.Nop())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	a := &App{
		log: logx.Nop(),
		bus: eventbus.New(),
		sup: supervisor.New(context.Background()),
		loop: dispatch.NewLoop(dispatch.Config{Location: time.UTC, Interval: time.Hour}, dispatch.Deps{
			Subscribers: subs,
			Ledger:      ledger.New(store),
			Log:         logx.Nop(),
		}),
	}

	// before dispatch starts there is nothing to restart
	a.restartLoop("early")

	a.startDispatch()
	a.restartLoop("fire time changed")
	if n := a.loopSup.Restarts(); n != 1 {
		t.Fatalf("restarts = %d, want 1", n)
	}
	if st := a.loopSup.Status(); !st.Running || st.Generation != 2 {
		t.Fatalf("status = %+v", st)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.loopSup.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	a.sup.Cancel()
}
