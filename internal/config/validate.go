package config

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks everything that can be checked without dialing out. It
// joins all problems so one edit can fix them together.
func Validate(_ context.Context, cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	nonNeg := func(path string, n int) {
		if n < 0 {
			add(fmt.Errorf("%s: must be >= 0", path))
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(fmt.Errorf("telegram.token: required (or set %s)", EnvToken))
	}
	dur("telegram.poll_timeout", cfg.Telegram.PollTimeout)
	dur("telegram.probe_timeout", cfg.Telegram.ProbeTimeout)

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Logging.Telegram.ChatID) == "" {
		add(errors.New("logging.telegram.chat_id: required when enabled"))
	}
	nonNeg("logging.telegram.rate_per_sec", cfg.Logging.Telegram.RatePerSec)

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "memory":
		case "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path: required for sqlite"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		dur("storage.busy_timeout", st.BusyTimeout)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Dedup.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Dedup.Redis.Addr) == "" {
			add(errors.New("dedup.redis.addr: required for redis"))
		}
	default:
		add(fmt.Errorf("dedup.driver: unknown driver %q", cfg.Dedup.Driver))
	}
	dur("dedup.window", cfg.Dedup.Window)
	nonNeg("dedup.max_entries", cfg.Dedup.MaxEntries)

	nonNeg("routing.max_active_per_agent", cfg.Routing.MaxActivePerAgent)
	nonNeg("routing.workers", cfg.Routing.Workers)
	dur("routing.resolve_timeout", cfg.Routing.ResolveTimeout)
	dur("routing.command_timeout", cfg.Routing.CommandTimeout)

	if s := strings.TrimSpace(cfg.Pending.Schedule); s != "" {
		if _, err := cron.ParseStandard(s); err != nil {
			add(fmt.Errorf("pending.schedule: %w", err))
		}
	}

	b := cfg.Broadcast
	nonNeg("broadcast.workers", b.Workers)
	nonNeg("broadcast.queue_size", b.QueueSize)
	nonNeg("broadcast.batch_size", b.BatchSize)
	nonNeg("broadcast.max_attempts", b.MaxAttempts)
	dur("broadcast.message_delay", b.MessageDelay)
	dur("broadcast.batch_pause", b.BatchPause)
	dur("broadcast.base_backoff", b.BaseBackoff)
	dur("broadcast.max_backoff", b.MaxBackoff)
	dur("broadcast.probe_timeout", b.ProbeTimeout)

	if n := cfg.Notifier; n != nil {
		nonNeg("notifier.workers", n.Workers)
		nonNeg("notifier.queue_size", n.QueueSize)
		nonNeg("notifier.rate_per_sec", n.RatePerSec)
		nonNeg("notifier.max_attempts", n.MaxAttempts)
		nonNeg("notifier.dedup_max_entries", n.DedupMaxEntries)
		dur("notifier.retry_base", n.RetryBase)
		dur("notifier.retry_max_delay", n.RetryMaxDelay)
		dur("notifier.dedup_window", n.DedupWindow)
	}

	nonNeg("realtime.bus_buffer", cfg.Realtime.BusBuffer)
	if a := cfg.Realtime.AMQP; a.Enabled {
		if strings.TrimSpace(a.URL) == "" {
			add(errors.New("realtime.amqp.url: required when enabled"))
		}
		nonNeg("realtime.amqp.dial_attempts", a.DialAttempts)
		dur("realtime.amqp.dial_delay", a.DialDelay)
	}

	add(validateAgents(cfg.Agents))
	return errors.Join(errs...)
}

func validateAgents(agents []AgentConfig) error {
	if len(agents) == 0 {
		return errors.New("agents: at least one agent is required")
	}
	var errs []error
	ids := map[string]bool{}
	chats := map[string]string{}
	for i, a := range agents {
		path := fmt.Sprintf("agents[%d]", i)
		id := strings.TrimSpace(a.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("%s.id: required", path))
		case ids[id]:
			errs = append(errs, fmt.Errorf("%s.id: duplicate %q", path, id))
		}
		ids[id] = true

		switch strings.ToLower(strings.TrimSpace(a.Role)) {
		case "", "agent", "admin":
		default:
			errs = append(errs, fmt.Errorf("%s.role: must be agent or admin", path))
		}
		if chat := strings.TrimSpace(a.ChatID); chat != "" {
			if owner, taken := chats[chat]; taken {
				errs = append(errs, fmt.Errorf("%s.chat_id: already used by %q", path, owner))
			}
			chats[chat] = id
		}
	}
	return errors.Join(errs...)
}
