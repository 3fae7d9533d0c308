package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	lines []string
	to    []string
}

func (f *fakeSender) SendText(_ context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.to = append(f.to, target)
	f.lines = append(f.lines, text)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.lines)
}

func TestWriterLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("component", "pending"))
	log.Info("drained", Int("count", 3), Err(errors.New("partial")), Err(nil))

	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	assert.Equal(t, "drained", m["message"])
	assert.Equal(t, "pending", m["component"])
	assert.EqualValues(t, 3, m["count"])
	assert.Equal(t, "partial", m["err"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")
	log.Info("hidden")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelInfo))
	assert.True(t, log.Enabled(LevelError))
}

func TestZeroLoggerIsSafe(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	l.Error("nothing happens")
	assert.False(t, Nop().IsZero())
}

func TestService_ChannelSink(t *testing.T) {
	sender := &fakeSender{}
	svc, log := New(Config{
		Level: "info",
		File:  FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "x.log")},
		Channel: ChannelConfig{
			Enabled:    true,
			Target:     "-1001",
			MinLevel:   "warn",
			RatePerSec: 10,
		},
	}, sender)
	defer svc.Close()

	log.Info("below threshold")
	log.Warn("store slow", String("op", "append"))

	require.Eventually(t, func() bool { return sender.count() == 1 }, time.Second, 10*time.Millisecond)
	sender.mu.Lock()
	assert.Equal(t, "-1001", sender.to[0])
	assert.Contains(t, sender.lines[0], "[WARN] store slow")
	assert.Contains(t, sender.lines[0], "- op=append")
	sender.mu.Unlock()
}

func TestFormatLine(t *testing.T) {
	out := formatLine([]byte(`{"level":"error","message":"boom","b":"2","a":"1","time":"x"}`))
	assert.Equal(t, "[ERROR] boom\n- a=1\n- b=2", out)
	assert.Equal(t, "plain", formatLine([]byte("  plain \n")))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
}
