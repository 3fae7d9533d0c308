package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deskbot/internal/dedupe"
	"deskbot/internal/domain"
	"deskbot/internal/realtime"
	"deskbot/internal/retry"
	rtsup "deskbot/internal/runtime/supervisor"
	"deskbot/internal/transport"
	logx "deskbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const previewRunes = 200

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	ch     transport.Channel
	agents Agents
	sleep  func(ctx context.Context, d time.Duration) error

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping
	dedup    *dedupe.Cache
}

func New(cfg Config, agents Agents, ch transport.Channel, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{ch: ch, agents: agents, log: log, sleep: retry.Sleep}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps rate and retry settings. Workers, queue size and the dedup
// window take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		// Burst = rate per sec, so short spikes don't block too hard.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.DedupWindow > 0 {
		s.dedup = dedupe.New(s.cfg.DedupWindow, s.cfg.DedupMaxEntries)
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "notifier"))),
		// Notifications are best-effort; a failure must not stop the app.
		rtsup.WithCancelOnError(false),
	)
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			if s.stopping() {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers))
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopDone != nil
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup, dd := s.queue, s.sup, s.dedup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain.
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())
		if dd != nil {
			_ = dd.Close()
		}

		s.mu.Lock()
		s.queue = nil
		s.sup = nil
		s.dedup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify queues n. A repeat of n.Key inside the dedup window is dropped
// silently.
func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, dd := s.queue, s.dedup
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if dd != nil && n.Key != "" {
		seen, _ := dd.CheckAndMark(ctx, n.ChatID+"|"+n.Key)
		if seen {
			s.log.Debug("notification deduped", logx.String("agent_id", n.AgentID), logx.String("key", n.Key))
			return nil
		}
	}

	select {
	case q <- job{n: n}:
		return nil
	default:
		s.log.Warn("notification dropped", logx.String("agent_id", n.AgentID), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

// Follow forwards agent topic events until events is closed or ctx is done.
func (s *Service) Follow(ctx context.Context, events <-chan realtime.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			s.forward(ctx, e)
		}
	}
}

func (s *Service) forward(ctx context.Context, e realtime.Event) {
	agentID, ok := realtime.AgentIDFromTopic(e.Topic)
	if !ok || !s.Enabled() {
		return
	}
	key, text, ok := summarize(e)
	if !ok {
		return
	}
	a, err := s.agents.GetAgent(ctx, agentID)
	if err != nil {
		s.log.Debug("notification target unknown", logx.String("agent_id", agentID), logx.Err(err))
		return
	}
	if a.ChatID == "" {
		return
	}
	if err := s.Notify(ctx, Notification{AgentID: agentID, ChatID: a.ChatID, Key: key, Text: text}); err != nil && !errors.Is(err, ErrQueueFull) {
		s.log.Debug("notification not queued", logx.String("agent_id", agentID), logx.Err(err))
	}
}

// summarize renders an agent event. Agent-sent messages are not echoed back.
func summarize(e realtime.Event) (key, text string, ok bool) {
	switch e.Name {
	case realtime.EventConversationAssigned, realtime.EventConversationEnded:
		p, ok := conversationPayload(e.Payload)
		if !ok {
			return "", "", false
		}
		who := endUserName(p.EndUser)
		if e.Name == realtime.EventConversationAssigned {
			return "assigned|" + p.Conversation.ID,
				fmt.Sprintf("New conversation with %s\nconv: %s", who, p.Conversation.ID), true
		}
		return "ended|" + p.Conversation.ID,
			fmt.Sprintf("Conversation with %s ended\nconv: %s", who, p.Conversation.ID), true

	case realtime.EventMessageCreated:
		p, ok := messagePayload(e.Payload)
		if !ok || p.Message.Sender != domain.SenderEndUser {
			return "", "", false
		}
		return "msg|" + p.Message.ID,
			fmt.Sprintf("%s: %s\nconv: %s", endUserName(p.EndUser), preview(p.Message.Payload), p.Message.ConversationID), true
	}
	return "", "", false
}

func conversationPayload(v any) (realtime.ConversationPayload, bool) {
	switch p := v.(type) {
	case realtime.ConversationPayload:
		return p, true
	case *realtime.ConversationPayload:
		if p != nil {
			return *p, true
		}
	}
	return realtime.ConversationPayload{}, false
}

func messagePayload(v any) (realtime.MessagePayload, bool) {
	switch p := v.(type) {
	case realtime.MessagePayload:
		return p, true
	case *realtime.MessagePayload:
		if p != nil {
			return *p, true
		}
	}
	return realtime.MessagePayload{}, false
}

func endUserName(u *domain.EndUser) string {
	switch {
	case u == nil:
		return "an end user"
	case u.DisplayName != "":
		return u.DisplayName
	case u.Handle != "":
		return "@" + u.Handle
	}
	return u.ChannelID
}

func preview(p domain.Payload) string {
	body := strings.Join(strings.Fields(p.Body), " ")
	if p.Kind.HasAttachment() {
		body = strings.TrimSpace("[" + string(p.Kind) + "] " + body)
	}
	r := []rune(body)
	if len(r) > previewRunes {
		return string(r[:previewRunes]) + "…"
	}
	return body
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.send(ctx, j)
		}
	}
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	policy := retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.RetryBase, MaxDelay: cfg.RetryMaxDelay, Jitter: 0.2}
	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		// Bound per-send call. Keep tight to avoid hanging workers.
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.ch.SendText(cctx, j.n.ChatID, j.n.Text)
	}, retry.WithClassifier(transport.IsPermanent), retry.WithSleep(s.sleep))
	if err != nil && ctx.Err() == nil {
		s.log.Warn("notification failed",
			logx.String("agent_id", j.n.AgentID), logx.Int("attempts", attempts), logx.Err(err))
	}
}
