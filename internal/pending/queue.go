// Package pending holds messages that arrived while no agent was available
// and hands them out, oldest first, once one is.
package pending

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"deskbot/internal/conversation"
	"deskbot/internal/domain"
	"deskbot/internal/storage"
	logx "deskbot/pkg/logx"
)

type Store interface {
	storage.PendingStore
	GetEndUser(ctx context.Context, id string) (*domain.EndUser, error)
	ActiveConversationForEndUser(ctx context.Context, endUserID string) (*domain.Conversation, error)
}

// Assigner picks an online agent that is not in skip.
type Assigner interface {
	NextAvailableAgentExcept(ctx context.Context, skip map[string]bool) (*domain.Agent, error)
}

type Starter interface {
	Start(ctx context.Context, p conversation.StartParams) (*domain.Conversation, []domain.Message, error)
}

const DefaultSchedule = "@every 30s"

type DrainReport struct {
	// Assigned counts conversations started.
	Assigned int
	// Materialized counts pending items turned into messages.
	Materialized int
	// Discarded counts items dropped because their end user was already in a conversation.
	Discarded int
	Remaining int
}

type Queue struct {
	store  Store
	agents Assigner
	conv   Starter
	log    logx.Logger

	schedule string
	wake     chan struct{}
	drainMu  sync.Mutex
	// userMu orders Enqueue against the hand-over of one end user's items.
	userMu sync.Mutex
}

func New(store Store, agents Assigner, conv Starter, log logx.Logger, schedule string) *Queue {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = DefaultSchedule
	}
	return &Queue{
		store:    store,
		agents:   agents,
		conv:     conv,
		log:      log,
		schedule: schedule,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue appends an item behind everything already waiting. It returns
// storage.ErrActiveConversationExists when the end user is already in a
// conversation, so the caller appends there instead.
func (q *Queue) Enqueue(ctx context.Context, endUserID string, p domain.Payload, rawEvent, externalEventID string) (*domain.PendingItem, error) {
	q.userMu.Lock()
	defer q.userMu.Unlock()

	_, err := q.store.ActiveConversationForEndUser(ctx, endUserID)
	switch {
	case err == nil:
		return nil, storage.ErrActiveConversationExists
	case !errors.Is(err, storage.ErrNotFound):
		return nil, domain.Unavailable("active conversation", err)
	}

	it := &domain.PendingItem{
		ID:              domain.NewID(),
		EndUserID:       endUserID,
		Payload:         p,
		RawEvent:        rawEvent,
		ExternalEventID: externalEventID,
		CreatedAt:       time.Now(),
	}
	if err := q.store.EnqueuePending(ctx, it); err != nil {
		return nil, domain.Unavailable("enqueue pending", err)
	}
	q.log.Info("message queued", logx.String("end_user_id", endUserID), logx.Int64("seq", it.Seq))
	return it, nil
}

func (q *Queue) List(ctx context.Context, limit int) ([]domain.PendingItem, error) {
	items, err := q.store.ListPending(ctx, limit)
	if err != nil {
		return nil, domain.Unavailable("list pending", err)
	}
	return items, nil
}

func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.CountPending(ctx)
	if err != nil {
		return 0, domain.Unavailable("count pending", err)
	}
	return n, nil
}

// Trigger asks the worker for a drain. Triggers coalesce while one is queued.
func (q *Queue) Trigger() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run drains on every Trigger and on the cron schedule until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(q.schedule, q.Trigger); err != nil {
		return err
	}
	c.Start()
	defer c.Stop()

	q.Trigger()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.wake:
			rep, err := q.Drain(ctx)
			if err != nil {
				q.log.Warn("pending drain failed", logx.Err(err))
				continue
			}
			if rep.Assigned > 0 || rep.Discarded > 0 {
				q.log.Info("pending drained",
					logx.Int("assigned", rep.Assigned),
					logx.Int("materialized", rep.Materialized),
					logx.Int("discarded", rep.Discarded),
					logx.Int("remaining", rep.Remaining))
			}
		}
	}
}

// Drain hands waiting end users to agents, oldest first, and stops at the
// first end user no agent can take. Each agent gets at most one new
// conversation per pass. All items of one end user go into the same
// conversation in their original order. Only one drain runs at a time.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	var rep DrainReport
	items, err := q.store.ListPending(ctx, 0)
	if err != nil {
		return rep, domain.Unavailable("list pending", err)
	}

	seen := map[string]bool{}
	given := map[string]bool{}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if seen[it.EndUserID] {
			continue
		}
		seen[it.EndUserID] = true

		stop, err := q.drainUser(ctx, it.EndUserID, given, &rep)
		if err != nil {
			return rep, err
		}
		if stop {
			break
		}
	}

	if n, err := q.store.CountPending(ctx); err == nil {
		rep.Remaining = n
	}
	return rep, nil
}

// drainUser runs under userMu, so no item of this end user can be enqueued
// between listing the items and deleting them.
func (q *Queue) drainUser(ctx context.Context, endUserID string, given map[string]bool, rep *DrainReport) (stop bool, err error) {
	q.userMu.Lock()
	defer q.userMu.Unlock()

	userItems, err := q.store.ListPendingForEndUser(ctx, endUserID)
	if err != nil {
		return false, domain.Unavailable("list pending", err)
	}
	if len(userItems) == 0 {
		return false, nil
	}
	ids := make([]string, 0, len(userItems))
	payloads := make([]domain.Payload, 0, len(userItems))
	for _, it := range userItems {
		ids = append(ids, it.ID)
		payloads = append(payloads, it.Payload)
	}

	active, err := q.store.ActiveConversationForEndUser(ctx, endUserID)
	switch {
	case err == nil:
		q.log.Info("pending items discarded, end user already in conversation",
			logx.String("end_user_id", endUserID), logx.String("conversation_id", active.ID), logx.Int("count", len(ids)))
		return false, q.discard(ctx, ids, rep)
	case !errors.Is(err, storage.ErrNotFound):
		return false, domain.Unavailable("active conversation", err)
	}

	eu, err := q.store.GetEndUser(ctx, endUserID)
	if errors.Is(err, storage.ErrNotFound) {
		q.log.Warn("pending items discarded, unknown end user", logx.String("end_user_id", endUserID))
		return false, q.discard(ctx, ids, rep)
	}
	if err != nil {
		return false, domain.Unavailable("get end user", err)
	}

	agent, err := q.agents.NextAvailableAgentExcept(ctx, given)
	if errors.Is(err, domain.ErrNoAgentAvailable) {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	_, _, err = q.conv.Start(ctx, conversation.StartParams{EndUser: *eu, Agent: *agent, Payloads: payloads})
	if errors.Is(err, storage.ErrActiveConversationExists) {
		return false, q.discard(ctx, ids, rep)
	}
	if err != nil {
		return false, err
	}
	given[agent.ID] = true
	if err := q.store.DeletePending(ctx, ids...); err != nil {
		return false, domain.Unavailable("delete pending", err)
	}
	rep.Assigned++
	rep.Materialized += len(ids)
	return false, nil
}

func (q *Queue) discard(ctx context.Context, ids []string, rep *DrainReport) error {
	if err := q.store.DeletePending(ctx, ids...); err != nil {
		return domain.Unavailable("delete pending", err)
	}
	rep.Discarded += len(ids)
	return nil
}
