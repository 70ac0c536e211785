package config

import (
	"reflect"
	"slices"
	"sort"
	"strings"

	"calbot/pkg/logx"
)

// Sections that only take effect after a process restart.
var restartOnly = []string{"conversation", "storage", "telegram.token"}

// SummarizeChange lists changed sections and safe log fields. Secrets
// (bot token, storage DSN) are reported as changed/unchanged only.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.Token != nt.Token {
		changed = append(changed, "telegram.token")
	}
	if strings.TrimSpace(ot.PollTimeout) != strings.TrimSpace(nt.PollTimeout) ||
		!slices.Equal(ot.OwnerUserIDs, nt.OwnerUserIDs) ||
		strings.TrimSpace(ot.GroupLog) != strings.TrimSpace(nt.GroupLog) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Int("telegram.owner_count", len(nt.OwnerUserIDs)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Dispatch != newCfg.Dispatch {
		d := newCfg.Dispatch
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.String("dispatch.timezone", d.Timezone),
			logx.String("dispatch.poll_interval", d.PollInterval),
			logx.Int("dispatch.concurrency", d.Concurrency),
			logx.String("dispatch.default_time", d.DefaultTime),
		)
	}

	if oldCfg.Feed != newCfg.Feed {
		changed = append(changed, "feed")
		attrs = append(attrs,
			logx.String("feed.timeout", newCfg.Feed.Timeout),
			logx.Int64("feed.max_bytes", newCfg.Feed.MaxBytes),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		n := newCfg.Notifier
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
		)
	}

	ost, nst := oldCfg.Storage, newCfg.Storage
	if ost != nst {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nst.Driver),
			logx.Bool("storage.path_set", nst.Path != ""),
			logx.Bool("storage.dsn_set", nst.DSN != ""),
		)
	}

	if oldCfg.Conversation != newCfg.Conversation {
		changed = append(changed, "conversation")
		attrs = append(attrs, logx.String("conversation.session_ttl", newCfg.Conversation.SessionTTL))
	}

	sort.Strings(changed)
	return changed, attrs
}

// NeedsProcessRestart reports the changed sections that hot reload cannot apply.
func NeedsProcessRestart(changed []string) []string {
	var out []string
	for _, c := range changed {
		if slices.Contains(restartOnly, c) {
			out = append(out, c)
		}
	}
	return out
}
