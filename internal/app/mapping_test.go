package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskbot/internal/config"
	"deskbot/internal/domain"
	"deskbot/internal/inbound"
)

func minimalConfig() *config.Config {
	return &config.Config{
		Telegram: config.TelegramConfig{Token: "123:abc"},
		Agents: []config.AgentConfig{
			{ID: "a1", Name: "Sam", ChatID: "900"},
			{ID: "boss", Role: "Admin", ChatID: "999"},
		},
	}
}

func TestMapDefaults(t *testing.T) {
	cfg := minimalConfig()
	require.NoError(t, validate(context.Background(), cfg))

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", sc.Driver)

	ds, err := mapDedupConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "memory", ds.Driver)
	assert.Equal(t, 10*time.Minute, ds.Window)

	nc, err := mapNotifierConfig(cfg)
	require.NoError(t, err)
	assert.True(t, nc.Enabled)

	in, err := mapInboundOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, inbound.DefaultNoAgentText, in.NoAgentText)
	assert.Equal(t, 10*time.Second, in.ResolveTimeout)

	bc, err := mapBroadcastConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Second, bc.MessageDelay)

	_, enabled, err := mapAMQPConfig(cfg)
	require.NoError(t, err)
	assert.False(t, enabled)
}

func TestMapAgents(t *testing.T) {
	agents := mapAgents(minimalConfig())
	require.Len(t, agents, 2)
	assert.Equal(t, domain.RoleAgent, agents[0].Role)
	assert.Equal(t, domain.RoleAdmin, agents[1].Role)
	assert.Equal(t, "boss", agents[1].Name)
	assert.Equal(t, "999", agents[1].ChatID)
}

func TestMapSQLiteAndRedis(t *testing.T) {
	cfg := minimalConfig()
	cfg.Storage = &config.StorageConfig{Driver: "SQLite3", Path: " ./d.db ", BusyTimeout: "2s"}
	cfg.Dedup = config.DedupConfig{Driver: "redis", Window: "1m", Redis: config.RedisConfig{Addr: "localhost:6379", Prefix: "x:"}}

	sc, err := mapStorageConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", sc.Driver)
	assert.Equal(t, "./d.db", sc.Path)
	assert.Equal(t, 2*time.Second, sc.BusyTimeout)

	ds, err := mapDedupConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "redis", ds.Driver)
	assert.Equal(t, time.Minute, ds.Redis.TTL)
	assert.Equal(t, "x:", ds.Redis.Prefix)
}

func TestMapLoggingForwardsToChat(t *testing.T) {
	cfg := minimalConfig()
	cfg.Logging.Telegram = config.LoggingTelegram{Enabled: true, ChatID: " -100 ", MinLevel: "error", RatePerSec: 2}
	lc := mapLoggingConfig(cfg)
	assert.True(t, lc.Channel.Enabled)
	assert.Equal(t, "-100", lc.Channel.Target)
	assert.Equal(t, "error", lc.Channel.MinLevel)
}

func TestValidateRejectsBadReload(t *testing.T) {
	cfg := minimalConfig()
	cfg.Notifier = &config.NotifierConfig{Enabled: true, RetryBase: "fast"}
	assert.Error(t, validate(context.Background(), cfg))

	cfg = minimalConfig()
	cfg.Realtime.AMQP = config.AMQPConfig{Enabled: true, URL: "amqp://localhost", DialDelay: "-1s"}
	assert.Error(t, validate(context.Background(), cfg))
}
