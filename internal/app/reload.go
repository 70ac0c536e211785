package app

import (
	"context"
	"slices"
	"strings"

	"calbot/internal/config"
	"calbot/pkg/logx"
)

// reloadLoop applies validated configs published by the manager. Bursts are
// coalesced so only the latest config is applied.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			if newCfg == nil {
				continue
			}
			a.applyConfig(lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if pending := config.NeedsProcessRestart(sections); len(pending) > 0 {
		a.log.Warn("config change needs a process restart to take effect", logx.String("sections", strings.Join(pending, ",")))
	}

	// target before Apply so enabling the chat sink does not warn
	chatID, _ := newCfg.GroupLogChat()
	a.logs.SetAlertTarget(chatID, newCfg.Logging.Telegram.ThreadID)
	a.logs.Apply(logConfig(newCfg))

	a.router.SetOwners(newCfg.Telegram.OwnerUserIDs)

	restart := false
	if slices.Contains(sections, "dispatch") {
		if dcfg, err := newCfg.DispatchLoop(); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.loop.Apply(dcfg)
			restart = true
		}
	}
	if slices.Contains(sections, "dispatch") || slices.Contains(sections, "feed") {
		if fcfg, err := newCfg.FeedReader(); err != nil {
			a.log.Warn("invalid feed config; keeping previous", logx.Err(err))
		} else {
			a.reader.Apply(fcfg)
			restart = true
		}
		if rcfg, err := registrationConfig(newCfg); err != nil {
			a.log.Warn("invalid registration config; keeping previous", logx.Err(err))
		} else {
			a.reg.Apply(rcfg)
		}
	}
	if slices.Contains(sections, "notifier") {
		if ncfg, err := newCfg.NotifierService(); err != nil {
			a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		} else {
			a.notif.Apply(ncfg)
		}
	}
	if restart {
		a.restartLoop("config reload")
	}

	a.log.Info("config reloaded", fields...)
}
