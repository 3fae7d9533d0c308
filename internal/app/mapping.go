package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"deskbot/internal/broadcast"
	"deskbot/internal/config"
	"deskbot/internal/console"
	"deskbot/internal/conversation"
	"deskbot/internal/dedupe"
	"deskbot/internal/domain"
	"deskbot/internal/inbound"
	"deskbot/internal/notifier"
	"deskbot/internal/realtime"
	"deskbot/internal/storage"
	"deskbot/internal/transport/telegram"
	logx "deskbot/pkg/logx"
)

func mapTelegramConfig(cfg *config.Config) (telegram.Config, error) {
	poll, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	probe, err := config.ParseDurationOrDefault("telegram.probe_timeout", cfg.Telegram.ProbeTimeout, 10*time.Second)
	if err != nil {
		return telegram.Config{}, err
	}
	return telegram.Config{Token: strings.TrimSpace(cfg.Telegram.Token), PollTimeout: poll, ProbeTimeout: probe}, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Channel: logx.ChannelConfig{
			Enabled:    l.Telegram.Enabled,
			Target:     strings.TrimSpace(l.Telegram.ChatID),
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// mapStorageConfig falls back to the memory store when the section is absent.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		path := strings.TrimSpace(sc.Path)
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

type dedupSettings struct {
	Driver     string
	Window     time.Duration
	MaxEntries int
	Redis      dedupe.RedisConfig
}

func mapDedupConfig(cfg *config.Config) (dedupSettings, error) {
	d := cfg.Dedup
	window, err := config.ParseDurationOrDefault("dedup.window", d.Window, 10*time.Minute)
	if err != nil {
		return dedupSettings{}, err
	}
	out := dedupSettings{
		Driver:     strings.ToLower(strings.TrimSpace(d.Driver)),
		Window:     window,
		MaxEntries: d.MaxEntries,
	}
	if out.Driver == "" {
		out.Driver = "memory"
	}
	if out.MaxEntries <= 0 {
		out.MaxEntries = 10000
	}
	if out.Driver == "redis" {
		out.Redis = dedupe.RedisConfig{
			Addr:     strings.TrimSpace(d.Redis.Addr),
			Password: d.Redis.Password,
			DB:       d.Redis.DB,
			Prefix:   d.Redis.Prefix,
			TTL:      window,
		}
	}
	return out, nil
}

func mapTexts(cfg *config.Config) conversation.Texts {
	return conversation.Texts{Welcome: cfg.Texts.Welcome, Closed: cfg.Texts.Closed}
}

func mapLabels(cfg *config.Config) inbound.Labels {
	return inbound.Labels{Image: cfg.Texts.ImageLabel, File: cfg.Texts.FileLabel, Video: cfg.Texts.VideoLabel}
}

func mapInboundOptions(cfg *config.Config) (inbound.Options, error) {
	resolve, err := config.ParseDurationOrDefault("routing.resolve_timeout", cfg.Routing.ResolveTimeout, 10*time.Second)
	if err != nil {
		return inbound.Options{}, err
	}
	noAgent := cfg.Texts.NoAgent
	if strings.TrimSpace(noAgent) == "" {
		noAgent = inbound.DefaultNoAgentText
	}
	return inbound.Options{Labels: mapLabels(cfg), NoAgentText: noAgent, ResolveTimeout: resolve}, nil
}

func mapConsoleOptions(cfg *config.Config) (console.Options, error) {
	timeout, err := config.ParseDurationOrDefault("routing.command_timeout", cfg.Routing.CommandTimeout, 30*time.Second)
	if err != nil {
		return console.Options{}, err
	}
	return console.Options{Workers: cfg.Routing.Workers, CommandTimeout: timeout, Labels: mapLabels(cfg)}, nil
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	b := cfg.Broadcast
	def := broadcast.DefaultConfig()
	out := broadcast.Config{
		Workers:     b.Workers,
		QueueSize:   b.QueueSize,
		BatchSize:   b.BatchSize,
		MaxAttempts: b.MaxAttempts,
	}
	durs := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"broadcast.message_delay", b.MessageDelay, def.MessageDelay, &out.MessageDelay},
		{"broadcast.batch_pause", b.BatchPause, def.BatchPause, &out.BatchPause},
		{"broadcast.base_backoff", b.BaseBackoff, def.BaseBackoff, &out.BaseBackoff},
		{"broadcast.max_backoff", b.MaxBackoff, def.MaxBackoff, &out.MaxBackoff},
		{"broadcast.probe_timeout", b.ProbeTimeout, def.ProbeTimeout, &out.ProbeTimeout},
	}
	for _, d := range durs {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return broadcast.Config{}, err
		}
		*d.dst = v
	}
	return out, nil
}

// mapNotifierConfig enables the notifier when the section is omitted.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	if cfg.Notifier == nil {
		return notifier.Config{Enabled: true}, nil
	}
	n := cfg.Notifier
	base, err := config.ParseDurationField("notifier.retry_base", n.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	window, err := config.ParseDurationField("notifier.dedup_window", n.DedupWindow)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		Enabled:         n.Enabled,
		Workers:         n.Workers,
		QueueSize:       n.QueueSize,
		RatePerSec:      n.RatePerSec,
		MaxAttempts:     n.MaxAttempts,
		RetryBase:       base,
		RetryMaxDelay:   maxDelay,
		DedupWindow:     window,
		DedupMaxEntries: n.DedupMaxEntries,
	}, nil
}

func mapAMQPConfig(cfg *config.Config) (realtime.AMQPConfig, bool, error) {
	a := cfg.Realtime.AMQP
	if !a.Enabled {
		return realtime.AMQPConfig{}, false, nil
	}
	delay, err := config.ParseDurationField("realtime.amqp.dial_delay", a.DialDelay)
	if err != nil {
		return realtime.AMQPConfig{}, false, err
	}
	return realtime.AMQPConfig{
		URL:          strings.TrimSpace(a.URL),
		Exchange:     strings.TrimSpace(a.Exchange),
		DialAttempts: a.DialAttempts,
		DialDelay:    delay,
	}, true, nil
}

func mapAgents(cfg *config.Config) []domain.Agent {
	out := make([]domain.Agent, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		role := domain.RoleAgent
		if strings.EqualFold(strings.TrimSpace(a.Role), string(domain.RoleAdmin)) {
			role = domain.RoleAdmin
		}
		name := strings.TrimSpace(a.Name)
		if name == "" {
			name = strings.TrimSpace(a.ID)
		}
		out = append(out, domain.Agent{
			ID:     strings.TrimSpace(a.ID),
			Name:   name,
			Role:   role,
			ChatID: strings.TrimSpace(a.ChatID),
		})
	}
	return out
}

// validate runs the static checks and then every mapper, so a reload that
// would fail to apply is rejected before commit.
func validate(ctx context.Context, cfg *config.Config) error {
	if err := config.Validate(ctx, cfg); err != nil {
		return err
	}
	if _, err := mapTelegramConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDedupConfig(cfg); err != nil {
		return err
	}
	if _, err := mapInboundOptions(cfg); err != nil {
		return err
	}
	if _, err := mapConsoleOptions(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	_, _, err := mapAMQPConfig(cfg)
	return err
}
