package notifier

import (
	"context"
	"time"

	"deskbot/internal/domain"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	MaxAttempts     int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
}

// Notification is one line sent to an agent's chat.
type Notification struct {
	AgentID string
	ChatID  string
	// Key suppresses repeats inside the dedup window; empty disables it.
	Key  string
	Text string
}

// Agents resolves the chat an agent is notified in.
type Agents interface {
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

type job struct {
	n Notification
}
