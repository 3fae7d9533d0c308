package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"deskbot/internal/domain"
	"deskbot/internal/storage"
	logx "deskbot/pkg/logx"
)

// Send runs a broadcast to completion and returns its final state.
func (s *Service) Send(ctx context.Context, req Request) (*domain.Broadcast, error) {
	b, err := s.prepare(ctx, req)
	if err != nil {
		return b, err
	}
	if err := s.run(ctx, b.ID); err != nil {
		return nil, err
	}
	return s.Get(ctx, b.ID)
}

// Submit validates, records and probes synchronously, then hands delivery
// to the workers. It returns the broadcast id.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if _, ok := s.running(); !ok {
		return "", ErrNotRunning
	}
	b, err := s.prepare(ctx, req)
	if err != nil {
		if b != nil {
			return b.ID, err
		}
		return "", err
	}
	return b.ID, s.enqueue(ctx, b.ID)
}

func (s *Service) enqueue(ctx context.Context, id string) error {
	stopCh, ok := s.running()
	if !ok {
		return ErrNotRunning
	}
	select {
	case s.queue <- job{broadcastID: id}:
		s.log.Debug("broadcast enqueued", logx.String("broadcast_id", id), logx.Int("queue_len", len(s.queue)))
		return nil
	case <-stopCh:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Resume re-queues broadcasts left SENDING by a previous run.
func (s *Service) Resume(ctx context.Context) (int, error) {
	open, err := s.store.ListBroadcasts(ctx, domain.BroadcastSending)
	if err != nil {
		return 0, domain.Unavailable("list broadcasts", err)
	}
	n := 0
	for _, b := range open {
		if err := s.enqueue(ctx, b.ID); err != nil {
			return n, err
		}
		n++
		s.log.Info("broadcast resumed", logx.String("broadcast_id", b.ID))
	}
	return n, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Broadcast, error) {
	b, err := s.store.GetBroadcast(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, domain.Unavailable("get broadcast", err)
	}
	if !b.Status.Terminal() {
		if sent, failed, err := s.store.CountRecipients(ctx, id); err == nil {
			b.SentCount, b.FailedCount = sent, failed
		}
	}
	return b, nil
}

func (s *Service) List(ctx context.Context, status domain.BroadcastStatus) ([]domain.Broadcast, error) {
	out, err := s.store.ListBroadcasts(ctx, status)
	if err != nil {
		return nil, domain.Unavailable("list broadcasts", err)
	}
	return out, nil
}

// prepare validates, writes the broadcast with its recipients, and probes
// the channel. A failed probe leaves the broadcast PENDING and returns it.
func (s *Service) prepare(ctx context.Context, req Request) (*domain.Broadcast, error) {
	p := req.Payload
	p.Body = strings.TrimSpace(p.Body)
	if p.Kind == "" {
		p.Kind = domain.KindText
		if p.AttachmentRef != "" {
			p.Kind = domain.KindFile
		}
	}
	if p.Empty() {
		return nil, fmt.Errorf("%w: body or attachment required", domain.ErrInvalidBroadcast)
	}
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidBroadcast, p.Kind)
	}

	recipients, err := s.resolveRecipients(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("%w: no recipients", domain.ErrInvalidBroadcast)
	}

	b := &domain.Broadcast{
		ID:        domain.NewID(),
		Payload:   p,
		AuthorID:  req.AuthorID,
		Status:    domain.BroadcastPending,
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateBroadcast(ctx, b, recipients); err != nil {
		return nil, domain.Unavailable("create broadcast", err)
	}
	log := s.log.With(logx.String("broadcast_id", b.ID))
	log.Info("broadcast created", logx.Int("targets", b.TargetCount), logx.String("author", req.AuthorID))

	cfg, _ := s.snapshot()
	pctx, cancel := context.WithTimeout(ctx, cfg.ProbeTimeout)
	defer cancel()
	if err := s.ch.Connectivity(pctx); err != nil {
		log.Warn("broadcast aborted, channel probe failed", logx.Err(err))
		return b, fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	return b, nil
}

func (s *Service) resolveRecipients(ctx context.Context, req Request) ([]domain.BroadcastRecipient, error) {
	var out []domain.BroadcastRecipient
	if req.All {
		users, err := s.store.ListContactedEndUsers(ctx)
		if err != nil {
			return nil, domain.Unavailable("list end users", err)
		}
		for _, u := range users {
			out = append(out, domain.BroadcastRecipient{ID: domain.NewID(), EndUserID: u.ID, ChannelID: u.ChannelID, Status: domain.RecipientPending})
		}
		return out, nil
	}

	seen := map[string]bool{}
	for _, id := range req.EndUserIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		r := domain.BroadcastRecipient{ID: domain.NewID(), EndUserID: id, Status: domain.RecipientPending}
		u, err := s.store.GetEndUser(ctx, id)
		switch {
		case err == nil:
			r.ChannelID = u.ChannelID
		case errors.Is(err, storage.ErrNotFound):
			// Kept with no channel id; delivery fails it as an invalid target.
		default:
			return nil, domain.Unavailable("get end user", err)
		}
		out = append(out, r)
	}
	return out, nil
}
