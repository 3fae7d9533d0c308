package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
telegram:
  token: "123:abc"
  poll_timeout: 10s
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./deskbot.db
routing:
  max_active_per_agent: 5
pending:
  schedule: "@every 30s"
broadcast:
  batch_size: 25
  message_delay: 1s
agents:
  - id: a1
    name: Sam
    chat_id: "900"
  - id: boss
    name: Boss
    role: admin
    chat_id: "999"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestParseYAML(t *testing.T) {
	m := NewManager(writeFile(t, "deskbot.yaml", sampleYAML))
	m.getenv = func(string) string { return "" }

	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "123:abc", cfg.Telegram.Token)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 5, cfg.Routing.MaxActivePerAgent)
	assert.Nil(t, cfg.Notifier)
	require.Len(t, cfg.Agents, 2)
	assert.Equal(t, "admin", cfg.Agents[1].Role)
	assert.NoError(t, Validate(context.Background(), cfg))
}

func TestParseJSONRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"telegram":{"token":"x"},"pprof":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pprof")

	_, err = Decode("c.json", []byte(`{"agents":[{"id":"a1","chat":"900"}]}`))
	require.Error(t, err)

	_, err = Decode("c.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestParseYAMLRejectsUnknownFields(t *testing.T) {
	_, err := Decode("c.yml", []byte("telegram:\n  tokn: x\n"))
	require.Error(t, err)
}

func TestEnvTokenOverride(t *testing.T) {
	m := NewManager(writeFile(t, "deskbot.yaml", sampleYAML))
	m.getenv = func(k string) string {
		if k == EnvToken {
			return " 999:zzz "
		}
		return ""
	}
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "999:zzz", cfg.Telegram.Token)
}

func TestLoadRunsValidator(t *testing.T) {
	m := NewManager(writeFile(t, "deskbot.yaml", sampleYAML))
	m.getenv = func(string) string { return "" }
	m.SetValidator(func(context.Context, *Config) error { return assert.AnError })

	_, err := m.Load(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Nil(t, m.Get())

	m.SetValidator(Validate)
	cfg, err := m.Load(context.Background())
	require.NoError(t, err)
	assert.Same(t, cfg, m.Get())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Decode("c.yaml", []byte(sampleYAML))
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name string
		edit func(*Config)
		want string
	}{
		{"token", func(c *Config) { c.Telegram.Token = "" }, "telegram.token"},
		{"duration", func(c *Config) { c.Broadcast.BatchPause = "soon" }, "broadcast.batch_pause"},
		{"negative duration", func(c *Config) { c.Telegram.PollTimeout = "-1s" }, "telegram.poll_timeout"},
		{"schedule", func(c *Config) { c.Pending.Schedule = "every minute" }, "pending.schedule"},
		{"storage driver", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.driver"},
		{"sqlite path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"dedup driver", func(c *Config) { c.Dedup.Driver = "memcache" }, "dedup.driver"},
		{"redis addr", func(c *Config) { c.Dedup.Driver = "redis" }, "dedup.redis.addr"},
		{"amqp url", func(c *Config) { c.Realtime.AMQP.Enabled = true }, "realtime.amqp.url"},
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"no agents", func(c *Config) { c.Agents = nil }, "at least one agent"},
		{"duplicate id", func(c *Config) { c.Agents[1].ID = "a1" }, "duplicate"},
		{"duplicate chat", func(c *Config) { c.Agents[1].ChatID = "900" }, "already used"},
		{"role", func(c *Config) { c.Agents[0].Role = "owner" }, "agents[0].role"},
		{"negative capacity", func(c *Config) { c.Routing.MaxActivePerAgent = -1 }, "routing.max_active_per_agent"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.edit(cfg)
			err := Validate(context.Background(), cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	cfg.Telegram.Token = ""
	cfg.Dedup.Window = "x"
	err = Validate(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram.token")
	assert.Contains(t, err.Error(), "dedup.window")
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)
	newCfg, err := Decode("c.yaml", []byte(sampleYAML))
	require.NoError(t, err)

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	assert.Empty(t, changed)

	newCfg.Telegram.Token = "secret-token"
	newCfg.Texts.Welcome = "Hello"
	newCfg.Agents = newCfg.Agents[:1]
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"telegram", "texts", "agents"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"telegram"}, NeedsRestart(oldCfg, newCfg))
}

func TestDurationFields(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, d)

	d, err = ParseDurationOrDefault("x", " 250ms ", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = ParseDurationField("x.y", "10 parsecs")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "x.y:"))
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "deskbot.yaml", sampleYAML)
	m := NewManager(path)
	m.getenv = func(string) string { return "" }
	m.SetValidator(Validate)
	_, err := m.Load(context.Background())
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { _ = m.Watch(ctx); close(done) }()

	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)
	updated := strings.Replace(sampleYAML, "max_active_per_agent: 5", "max_active_per_agent: 7", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-sub:
		assert.Equal(t, 7, cfg.Routing.MaxActivePerAgent)
	case <-time.After(3 * time.Second):
		t.Fatal("no reload published")
	}
	cancel()
	<-done
}

func TestYAMLDocuments(t *testing.T) {
	cfg, err := Decode("empty.yaml", []byte("# nothing yet\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Agents)

	_, err = Decode("two.yaml", []byte("telegram: {}\n---\nlogging: {}\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single document")

	cfg, err = Decode("ids.yaml", []byte("agents:\n  - id: 7\n    chat_id: \"42\"\n"))
	require.Error(t, err, "numeric id does not decode into a string")
	assert.Nil(t, cfg)
}
