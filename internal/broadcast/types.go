package broadcast

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deskbot/internal/domain"
	"deskbot/internal/realtime"
	"deskbot/internal/storage"
	"deskbot/internal/transport"
	logx "deskbot/pkg/logx"
)

var (
	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrNotRunning         = errors.New("broadcast workers not running")
)

type Config struct {
	Workers   int
	QueueSize int
	BatchSize int
	// MessageDelay spaces consecutive sends; BatchPause follows each batch.
	MessageDelay time.Duration
	BatchPause   time.Duration
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	ProbeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Workers:      1,
		QueueSize:    16,
		BatchSize:    20,
		MessageDelay: time.Second,
		BatchPause:   2 * time.Second,
		MaxAttempts:  3,
		BaseBackoff:  time.Second,
		MaxBackoff:   30 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.MessageDelay < 0 {
		c.MessageDelay = 0
	}
	if c.BatchPause < 0 {
		c.BatchPause = 0
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	return c
}

// Request describes one broadcast. With All set the recipients are every end
// user that ever had a conversation; otherwise EndUserIDs.
type Request struct {
	Payload    domain.Payload
	AuthorID   string
	EndUserIDs []string
	All        bool
}

type Store interface {
	storage.BroadcastStore
	GetEndUser(ctx context.Context, id string) (*domain.EndUser, error)
	ListContactedEndUsers(ctx context.Context) ([]domain.EndUser, error)
}

type job struct {
	broadcastID string
}

type Service struct {
	store Store
	ch    transport.Channel
	pub   realtime.Publisher
	log   logx.Logger
	// sleep waits out batch pauses and retry backoff.
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	queue    chan job
	stopCh   chan struct{}
	stopDone chan struct{}
	runCtx   context.Context
	cancel   context.CancelFunc
	workerWG sync.WaitGroup
}
