package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"calbot/internal/calendar"
	"calbot/internal/clock"
	"calbot/internal/config"
	"calbot/internal/conversation"
	"calbot/internal/dispatch"
	"calbot/internal/eventbus"
	"calbot/internal/ledger"
	"calbot/internal/notifier"
	"calbot/internal/registration"
	"calbot/internal/runtime/supervisor"
	"calbot/internal/storage"
	"calbot/internal/subscriber"
	kit "calbot/internal/transport"
	telegram "calbot/internal/transport/telegram/adapter"
	"calbot/internal/transport/telegram/router"
	"calbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.MemBus
	store storage.Store

	adapter *telegram.Adapter
	router  *router.Router

	subs    *subscriber.Registry
	ledger  *ledger.Ledger
	reader  *calendar.Reader
	notif   *notifier.Service
	loop    *dispatch.Loop
	loopSup *dispatch.LoopSupervisor
	reg     *registration.Service
	conv    *conversation.Machine

	startedAt time.Time
	updates   chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	pollTimeout, err := cfg.PollTimeout()
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, logx.NewConsole("INFO").Component("telegram"))
	if err != nil {
		return nil, err
	}

	// logx.New applies immediately; keep the chat sink off until the target is set.
	baseLogCfg := logConfig(cfg)
	baseLogCfg.Telegram.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	if chatID, err := cfg.GroupLogChat(); err == nil && chatID != 0 {
		logSvc.SetAlertTarget(chatID, cfg.Logging.Telegram.ThreadID)
	}
	logSvc.Apply(logConfig(cfg))

	bus := eventbus.New()

	sc, err := cfg.StorageBackend()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.Component("storage"))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log.Component("app"),
		logs:    logSvc,
		bus:     bus,
		store:   store,
		adapter: ad,
		updates: make(chan kit.Update, 256),
	}
	if err := a.build(cfg); err != nil {
		_ = store.Close()
		return nil, err
	}
	return a, nil
}

// build wires the domain services on top of storage and transport.
func (a *App) build(cfg *config.Config) error {
	ctx := context.Background()
	log := a.logs.Logger()

	subs, err := subscriber.Load(ctx, a.store, a.bus, log.Component("registry"))
	if err != nil {
		return err
	}
	a.subs = subs
	a.ledger = ledger.New(a.store)

	feedCfg, err := cfg.FeedReader()
	if err != nil {
		return err
	}
	a.reader = calendar.NewReader(feedCfg, &http.Client{}, log.Component("calendar"))

	ncfg, err := cfg.NotifierService()
	if err != nil {
		return err
	}
	a.notif = notifier.New(ncfg, a.adapter, a.bus, log.Component("notifier"))

	dcfg, err := cfg.DispatchLoop()
	if err != nil {
		return err
	}
	a.loop = dispatch.NewLoop(dcfg, dispatch.Deps{
		Subscribers: a.subs,
		Events:      a.reader,
		Notifier:    a.notif,
		Ledger:      a.ledger,
		Clock:       clock.SystemClock{},
		Bus:         a.bus,
		Log:         log.Component("dispatch"),
	})

	rcfg, err := registrationConfig(cfg)
	if err != nil {
		return err
	}
	// The loop supervisor needs the app run context; Start creates it.
	a.reg = registration.New(rcfg, a.subs, a.reader, restartFunc(a.restartLoop), clock.SystemClock{}, log.Component("registration"))

	ttl, err := cfg.SessionTTL()
	if err != nil {
		return err
	}
	a.conv = conversation.New(a.reg, ttl, log.Component("conversation"))

	a.router = router.New(router.Config{}, a.adapter, cfg.Telegram.OwnerUserIDs, log.Component("router"))
	return nil
}

// restartFunc adapts a func to registration.Restarter.
type restartFunc func(reason string)

func (f restartFunc) Restart(reason string) { f(reason) }

func (a *App) restartLoop(reason string) {
	if a.loopSup == nil {
		return
	}
	a.loopSup.Restart(reason)
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.Component("config"))

	// The loop supervisor must exist before any update can reach a handler.
	a.startDispatch()

	a.router.Register(ctx, a.commands()...)
	a.router.SetFallback(a.converse)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go("router", func(c context.Context) error {
		return a.router.Run(c, a.updates)
	})

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// every iteration publishes; keep it at debug
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Int("subscribers", a.subs.Len()),
		logx.String("config", a.cfgPath),
	)
	return nil
}

func (a *App) startDispatch() {
	a.loopSup = dispatch.NewLoopSupervisor(a.sup.Context(), a.loop, a.bus, a.log.Component("loop"))
	a.loopSup.Start()
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops start unwinding immediately.
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		if max > 0 {
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Warn("stop step finished after deadline",
					logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// The loop goes first: in-flight sends are bounded by the send timeout
	// and must finish before storage closes.
	step("dispatch", 20*time.Second, func(c context.Context) error {
		if a.loopSup == nil {
			return nil
		}
		return a.loopSup.Stop(c)
	})
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 1*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func logConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			ThreadID:   cfg.Logging.Telegram.ThreadID,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func registrationConfig(cfg *config.Config) (registration.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return registration.Config{}, err
	}
	h, m, err := cfg.DefaultFireTime()
	if err != nil {
		return registration.Config{}, err
	}
	feed, err := cfg.FeedReader()
	if err != nil {
		return registration.Config{}, err
	}
	return registration.Config{Location: loc, DefaultHour: h, DefaultMinute: m, FetchTimeout: feed.Timeout}, nil
}
