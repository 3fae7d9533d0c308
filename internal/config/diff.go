package config

import (
	"reflect"
	"strings"

	logx "deskbot/pkg/logx"
)

// SummarizeConfigChange lists the sections that differ and returns safe
// attrs for logging them. Tokens, passwords and URLs are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	trim := strings.TrimSpace

	if oldCfg.Telegram.Token != newCfg.Telegram.Token ||
		trim(oldCfg.Telegram.PollTimeout) != trim(newCfg.Telegram.PollTimeout) ||
		trim(oldCfg.Telegram.ProbeTimeout) != trim(newCfg.Telegram.ProbeTimeout) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.poll_timeout", trim(newCfg.Telegram.PollTimeout)),
			logx.Bool("telegram.token_changed", oldCfg.Telegram.Token != newCfg.Telegram.Token),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		if newCfg.Storage != nil {
			attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
		}
	}

	if oldCfg.Dedup != newCfg.Dedup {
		changed = append(changed, "dedup")
		attrs = append(attrs,
			logx.String("dedup.driver", newCfg.Dedup.Driver),
			logx.String("dedup.window", newCfg.Dedup.Window),
		)
	}

	if oldCfg.Routing != newCfg.Routing {
		changed = append(changed, "routing")
		attrs = append(attrs, logx.Int("routing.max_active_per_agent", newCfg.Routing.MaxActivePerAgent))
	}

	if oldCfg.Pending != newCfg.Pending {
		changed = append(changed, "pending")
		attrs = append(attrs, logx.String("pending.schedule", newCfg.Pending.Schedule))
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.Int("broadcast.batch_size", newCfg.Broadcast.BatchSize),
			logx.String("broadcast.message_delay", newCfg.Broadcast.MessageDelay),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs, logx.Bool("notifier.enabled", newCfg.Notifier == nil || newCfg.Notifier.Enabled))
	}

	if oldCfg.Realtime != newCfg.Realtime {
		changed = append(changed, "realtime")
		attrs = append(attrs, logx.Bool("realtime.amqp_enabled", newCfg.Realtime.AMQP.Enabled))
	}

	if oldCfg.Texts != newCfg.Texts {
		changed = append(changed, "texts")
	}

	if !reflect.DeepEqual(oldCfg.Agents, newCfg.Agents) {
		changed = append(changed, "agents")
		attrs = append(attrs, logx.Int("agents.count", len(newCfg.Agents)))
	}

	return changed, attrs
}

// NeedsRestart reports changes that only take effect on the next start.
func NeedsRestart(oldCfg, newCfg *Config) []string {
	if oldCfg == nil || newCfg == nil {
		return nil
	}
	var out []string
	if oldCfg.Telegram != newCfg.Telegram {
		out = append(out, "telegram")
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		out = append(out, "storage")
	}
	if oldCfg.Dedup != newCfg.Dedup {
		out = append(out, "dedup")
	}
	if oldCfg.Pending != newCfg.Pending {
		out = append(out, "pending")
	}
	if oldCfg.Realtime != newCfg.Realtime {
		out = append(out, "realtime")
	}
	if oldCfg.Routing.Workers != newCfg.Routing.Workers ||
		oldCfg.Routing.CommandTimeout != newCfg.Routing.CommandTimeout {
		out = append(out, "routing.workers")
	}
	if oldCfg.Broadcast.Workers != newCfg.Broadcast.Workers ||
		oldCfg.Broadcast.QueueSize != newCfg.Broadcast.QueueSize {
		out = append(out, "broadcast.workers")
	}
	return out
}
