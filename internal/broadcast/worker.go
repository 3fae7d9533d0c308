package broadcast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"deskbot/internal/domain"
	"deskbot/internal/realtime"
	"deskbot/internal/retry"
	"deskbot/internal/storage"
	"deskbot/internal/transport"
	logx "deskbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// Stop wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			if err := s.run(ctx, j.broadcastID); err != nil && ctx.Err() == nil {
				s.log.Warn("broadcast run failed", logx.String("broadcast_id", j.broadcastID), logx.Err(err))
			}
		}
	}
}

// run delivers to every PENDING recipient and finishes the broadcast.
// Cancellation leaves it SENDING with the remaining recipients PENDING.
func (s *Service) run(ctx context.Context, id string) error {
	start := time.Now()
	b, err := s.store.GetBroadcast(ctx, id)
	if err != nil {
		return domain.Unavailable("get broadcast", err)
	}
	if b.Status.Terminal() {
		return nil
	}
	log := s.log.With(logx.String("broadcast_id", id))
	if b.Status == domain.BroadcastPending {
		if err := s.store.AdvanceBroadcast(ctx, id, domain.BroadcastSending, time.Now()); err != nil && !errors.Is(err, storage.ErrStatusRegress) {
			return domain.Unavailable("advance broadcast", err)
		}
		b.Status = domain.BroadcastSending
	}

	todo, err := s.store.ListRecipients(ctx, id, domain.RecipientPending)
	if err != nil {
		return domain.Unavailable("list recipients", err)
	}
	log.Info("broadcast sending", logx.Int("pending", len(todo)), logx.Int("targets", b.TargetCount))

	processed := 0
	for len(todo) > 0 {
		cfg, _ := s.snapshot()
		n := min(cfg.BatchSize, len(todo))
		batch := todo[:n]
		todo = todo[n:]

		for i := range batch {
			if err := s.deliver(ctx, b, &batch[i]); err != nil {
				return err
			}
			processed++
		}
		s.progress(ctx, b, processed)

		if len(todo) > 0 {
			if err := s.sleep(ctx, cfg.BatchPause); err != nil {
				return err
			}
		}
	}

	sent, failed, err := s.store.CountRecipients(ctx, id)
	if err != nil {
		return domain.Unavailable("count recipients", err)
	}
	final := domain.BroadcastCompleted
	if sent == 0 && failed > 0 {
		final = domain.BroadcastFailed
	}
	if err := s.store.FinishBroadcast(ctx, id, final, sent, failed, time.Now()); err != nil {
		if errors.Is(err, storage.ErrStatusRegress) {
			return nil
		}
		return domain.Unavailable("finish broadcast", err)
	}
	b.Status, b.SentCount, b.FailedCount = final, sent, failed

	fields := []logx.Field{
		logx.String("status", string(final)),
		logx.Int("sent", sent),
		logx.Int("failed", failed),
		logx.Duration("dur", time.Since(start)),
	}
	if failed > 0 {
		log.Warn("broadcast finished with failures", fields...)
	} else {
		log.Info("broadcast finished", fields...)
	}
	realtime.Emit(ctx, s.pub, s.log, realtime.BroadcastsTopic, realtime.EventBroadcastFinished,
		realtime.BroadcastPayload{Broadcast: *b, Processed: processed})
	return nil
}

// deliver paces, sends with retry and stores the terminal outcome. It only
// returns an error when the run must stop.
func (s *Service) deliver(ctx context.Context, b *domain.Broadcast, r *domain.BroadcastRecipient) error {
	cfg, lim := s.snapshot()
	policy := retry.Policy{MaxAttempts: cfg.MaxAttempts, BaseDelay: cfg.BaseBackoff, MaxDelay: cfg.MaxBackoff, Jitter: 0.2}
	log := s.log.With(logx.String("broadcast_id", b.ID), logx.String("recipient_id", r.ID))

	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		if r.ChannelID == "" {
			return retry.Permanent(fmt.Errorf("%w: end user %s has no channel id", transport.ErrInvalidTarget, r.EndUserID))
		}
		return transport.SendPayload(ctx, s.ch, r.ChannelID, b.Payload)
	},
		retry.WithClassifier(transport.IsPermanent),
		retry.WithSleep(s.sleep),
		retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			log.Debug("broadcast send retry scheduled",
				logx.Int("attempt", attempt+1), logx.Duration("delay", delay),
				logx.Bool("rate_limited", transport.IsRateLimited(err)), logx.Err(err))
		}),
	)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	r.Attempts = attempts
	if err == nil {
		now := time.Now()
		r.Status, r.SentAt, r.LastError = domain.RecipientSent, &now, ""
	} else {
		r.Status, r.LastError = domain.RecipientFailed, err.Error()
		log.Warn("broadcast send failed", logx.Int("attempts", attempts), logx.Err(err))
	}
	if ferr := s.store.FinishRecipient(ctx, r); ferr != nil {
		if errors.Is(ferr, storage.ErrRecipientTerminal) {
			log.Debug("recipient already terminal")
			return nil
		}
		return domain.Unavailable("finish recipient", ferr)
	}
	return nil
}

func (s *Service) progress(ctx context.Context, b *domain.Broadcast, processed int) {
	snap := *b
	if sent, failed, err := s.store.CountRecipients(ctx, b.ID); err == nil {
		snap.SentCount, snap.FailedCount = sent, failed
	}
	realtime.Emit(ctx, s.pub, s.log, realtime.BroadcastsTopic, realtime.EventBroadcastProgress,
		realtime.BroadcastPayload{Broadcast: snap, Processed: processed})
}
