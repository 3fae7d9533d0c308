// Package broadcast sends one operator message to many end users under the
// channel's rate limit, tracking every recipient's outcome.
package broadcast

import (
	"context"
	"runtime/debug"
	"time"

	"golang.org/x/time/rate"

	"deskbot/internal/realtime"
	"deskbot/internal/retry"
	"deskbot/internal/transport"
	logx "deskbot/pkg/logx"
)

func New(cfg Config, store Store, ch transport.Channel, pub realtime.Publisher, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pub == nil {
		pub = realtime.Nop{}
	}
	cfg = cfg.withDefaults()
	return &Service{
		store:   store,
		ch:      ch,
		pub:     pub,
		log:     log,
		sleep:   retry.Sleep,
		cfg:     cfg,
		limiter: newLimiter(cfg.MessageDelay),
		queue:   make(chan job, cfg.QueueSize),
	}
}

// newLimiter allows one send per delay. A zero delay disables pacing.
func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// Apply swaps pacing and retry settings. Worker count applies on next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg.MessageDelay != s.cfg.MessageDelay {
		s.limiter = newLimiter(cfg.MessageDelay)
	}
	s.cfg = cfg
}

func (s *Service) snapshot() (Config, *rate.Limiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg, s.limiter
}

func (s *Service) Start(ctx context.Context) {
	for {
		s.mu.Lock()
		if s.stopCh == nil {
			break
		}
		done := s.stopDone
		if done == nil {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
	defer s.mu.Unlock()

	s.stopCh = make(chan struct{})
	s.runCtx, s.cancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	queue, stopCh, runCtx := s.queue, s.stopCh, s.runCtx

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in broadcast worker", logx.Int("worker", idx), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("broadcast service started", logx.Int("workers", workers))
}

// Stop stops the workers. A broadcast cut short stays SENDING and is
// picked up by Resume on the next start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
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
	stopCh := s.stopCh
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}
	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("broadcast service stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) running() (chan struct{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh, s.stopCh != nil && s.stopDone == nil
}
