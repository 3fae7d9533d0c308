package config

import (
	"bytes"
	"encoding/json"
)

// Config is the process configuration. All durations are Go duration
// strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Dedup     DedupConfig     `json:"dedup"`
	Routing   RoutingConfig   `json:"routing"`
	Pending   PendingConfig   `json:"pending"`
	Broadcast BroadcastConfig `json:"broadcast"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Realtime  RealtimeConfig  `json:"realtime"`
	Texts     TextsConfig     `json:"texts"`
	Agents    []AgentConfig   `json:"agents"`
}

type TelegramConfig struct {
	// Token may be left empty and supplied through DESKBOT_TELEGRAM_TOKEN.
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout  string `json:"poll_timeout"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines to an operator chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./deskbot.db" }
//
// If the section is omitted, an in-memory store is used.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// DedupConfig controls the inbound event dedup window.
//
// Driver values: "memory" (default) or "redis".
type DedupConfig struct {
	Driver     string      `json:"driver,omitempty"`
	Window     string      `json:"window,omitempty"`
	MaxEntries int         `json:"max_entries,omitempty"`
	Redis      RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

type RoutingConfig struct {
	// MaxActivePerAgent caps ACTIVE conversations per agent; 0 means no cap.
	MaxActivePerAgent int `json:"max_active_per_agent,omitempty"`
	// ResolveTimeout bounds attachment URL lookups.
	ResolveTimeout string `json:"resolve_timeout,omitempty"`
	// Workers is the number of console lanes.
	Workers        int    `json:"workers,omitempty"`
	CommandTimeout string `json:"command_timeout,omitempty"`
}

type PendingConfig struct {
	// Schedule is a cron spec for the periodic drain (e.g. "@every 30s").
	Schedule string `json:"schedule,omitempty"`
}

type BroadcastConfig struct {
	Workers      int    `json:"workers,omitempty"`
	QueueSize    int    `json:"queue_size,omitempty"`
	BatchSize    int    `json:"batch_size,omitempty"`
	MessageDelay string `json:"message_delay,omitempty"`
	BatchPause   string `json:"batch_pause,omitempty"`
	MaxAttempts  int    `json:"max_attempts,omitempty"`
	BaseBackoff  string `json:"base_backoff,omitempty"`
	MaxBackoff   string `json:"max_backoff,omitempty"`
	ProbeTimeout string `json:"probe_timeout,omitempty"`
}

// NotifierConfig controls agent notifications.
//
// If the whole section is omitted, the notifier defaults to enabled=true.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers"`
	QueueSize       int    `json:"queue_size"`
	RatePerSec      int    `json:"rate_per_sec"`
	MaxAttempts     int    `json:"max_attempts"`
	RetryBase       string `json:"retry_base"`
	RetryMaxDelay   string `json:"retry_max_delay"`
	DedupWindow     string `json:"dedup_window"`
	DedupMaxEntries int    `json:"dedup_max_entries"`
}

type RealtimeConfig struct {
	// BusBuffer sizes each in-process subscriber.
	BusBuffer int        `json:"bus_buffer,omitempty"`
	AMQP      AMQPConfig `json:"amqp,omitempty"`
}

type AMQPConfig struct {
	Enabled      bool   `json:"enabled"`
	URL          string `json:"url,omitempty"`
	Exchange     string `json:"exchange,omitempty"`
	DialAttempts int    `json:"dial_attempts,omitempty"`
	DialDelay    string `json:"dial_delay,omitempty"`
}

// TextsConfig holds end-user facing wording; empty fields keep defaults.
type TextsConfig struct {
	Welcome    string `json:"welcome,omitempty"`
	Closed     string `json:"closed,omitempty"`
	NoAgent    string `json:"no_agent,omitempty"`
	ImageLabel string `json:"image_label,omitempty"`
	FileLabel  string `json:"file_label,omitempty"`
	VideoLabel string `json:"video_label,omitempty"`
}

type AgentConfig struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Role is "agent" or "admin"; empty means agent.
	Role string `json:"role,omitempty"`
	// ChatID is the agent's private chat with the bot.
	ChatID string `json:"chat_id"`
}

// UnmarshalJSON disallows unknown fields so a misspelt agent key fails
// loudly instead of producing an agent without a chat.
func (a *AgentConfig) UnmarshalJSON(b []byte) error {
	type plain AgentConfig
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	var p plain
	if err := dec.Decode(&p); err != nil {
		return err
	}
	*a = AgentConfig(p)
	return nil
}
