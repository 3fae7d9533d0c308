// Package inbound turns channel messages into conversation messages or
// pending items.
package inbound

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"deskbot/internal/conversation"
	"deskbot/internal/dedupe"
	"deskbot/internal/domain"
	"deskbot/internal/storage"
	"deskbot/internal/transport"
	logx "deskbot/pkg/logx"
)

// Event is one inbound message as delivered by the channel.
type Event struct {
	Source          string
	ExternalEventID string
	SenderChannelID string
	SenderName      string
	SenderHandle    string
	Text            string
	AttachmentRef   string
	AttachmentKind  transport.MediaKind
	Raw             string
}

// EventFromUpdate uses the chat id as the end user's channel id, so replies
// go back to the chat the message came from.
func EventFromUpdate(up transport.Update) Event {
	return Event{
		Source:          up.Source,
		ExternalEventID: up.EventID,
		SenderChannelID: up.ChatID,
		SenderName:      up.SenderName,
		SenderHandle:    up.SenderHandle,
		Text:            up.Text,
		AttachmentRef:   up.FileRef,
		AttachmentKind:  up.Media,
		Raw:             string(up.Raw),
	}
}

type Outcome int

const (
	OutcomeDuplicate Outcome = iota + 1
	OutcomeAppended
	OutcomeAssigned
	OutcomeQueued
	// OutcomeIgnored is returned for events with no text and no attachment.
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeAppended:
		return "appended"
	case OutcomeAssigned:
		return "assigned"
	case OutcomeQueued:
		return "queued"
	case OutcomeIgnored:
		return "ignored"
	}
	return "unknown"
}

type Store interface {
	storage.EndUserStore
	ActiveConversationForEndUser(ctx context.Context, endUserID string) (*domain.Conversation, error)
	HasPending(ctx context.Context, endUserID string) (bool, error)
}

type Assigner interface {
	NextAvailableAgent(ctx context.Context) (*domain.Agent, error)
}

type Conversations interface {
	Start(ctx context.Context, p conversation.StartParams) (*domain.Conversation, []domain.Message, error)
	Append(ctx context.Context, conv *domain.Conversation, sender domain.Sender, senderID string, p domain.Payload) (*domain.Message, error)
}

type Pending interface {
	Enqueue(ctx context.Context, endUserID string, p domain.Payload, rawEvent, externalEventID string) (*domain.PendingItem, error)
	Trigger()
}

type Options struct {
	Labels Labels
	// NoAgentText acknowledges a queued message; empty disables it.
	NoAgentText string
	// ResolveTimeout bounds the attachment URL lookup.
	ResolveTimeout time.Duration
}

const DefaultNoAgentText = "All of our agents are busy right now. We will get back to you as soon as someone is available."

type Dispatcher struct {
	dedup   dedupe.Deduper
	store   Store
	agents  Assigner
	convs   Conversations
	pending Pending
	ch      transport.Channel
	log     logx.Logger

	mu   sync.RWMutex
	opts Options
}

func New(dedup dedupe.Deduper, store Store, agents Assigner, convs Conversations, pending Pending, ch transport.Channel, log logx.Logger, opts Options) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{dedup: dedup, store: store, agents: agents, convs: convs, pending: pending, ch: ch, log: log}
	d.SetOptions(opts)
	return d
}

func (d *Dispatcher) SetOptions(o Options) {
	o.Labels = o.Labels.withDefaults()
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = 10 * time.Second
	}
	d.mu.Lock()
	d.opts = o
	d.mu.Unlock()
}

func (d *Dispatcher) options() Options {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.opts
}

func dedupKey(ev Event) string { return ev.Source + "|" + ev.ExternalEventID }

// HandleInbound processes one event. Redelivery of a processed event is
// reported as OutcomeDuplicate with no side effects. Errors matching
// domain.ErrStoreUnavailable are retryable; the event is then released from
// the dedup window so the retry is processed.
func (d *Dispatcher) HandleInbound(ctx context.Context, ev Event) (out Outcome, err error) {
	log := d.log.With(logx.String("event_id", ev.ExternalEventID), logx.String("source", ev.Source))
	opts := d.options()

	payload := Classify(ev, opts.Labels)
	if payload.Empty() {
		return OutcomeIgnored, nil
	}

	key := dedupKey(ev)
	if d.dedup != nil {
		dup, derr := d.dedup.CheckAndMark(ctx, key)
		if derr != nil {
			// The store invariants still hold without the cache.
			log.Warn("dedup check failed", logx.Err(derr))
		} else if dup {
			log.Debug("duplicate event")
			return OutcomeDuplicate, nil
		}
		defer func() {
			if err != nil && errors.Is(err, domain.ErrStoreUnavailable) {
				if ferr := d.dedup.Forget(context.WithoutCancel(ctx), key); ferr != nil {
					log.Warn("dedup release failed", logx.Err(ferr))
				}
			}
		}()
	}

	eu, err := d.resolveEndUser(ctx, ev)
	if err != nil {
		return 0, err
	}
	log = log.With(logx.String("end_user_id", eu.ID))

	if payload.Kind.HasAttachment() && d.ch != nil {
		rctx, cancel := context.WithTimeout(ctx, opts.ResolveTimeout)
		if u, rerr := d.ch.ResolveDownloadURL(rctx, payload.AttachmentRef); rerr == nil {
			payload.AttachmentURL = u
		} else {
			log.Warn("attachment url unavailable", logx.Err(rerr))
		}
		cancel()
	}

	out, err = d.route(ctx, log, ev, eu, payload, opts)
	if err == nil {
		log.Debug("inbound handled", logx.String("outcome", out.String()), logx.String("kind", string(payload.Kind)))
	}
	return out, err
}

func (d *Dispatcher) route(ctx context.Context, log logx.Logger, ev Event, eu *domain.EndUser, p domain.Payload, opts Options) (Outcome, error) {
	// Two passes cover a conversation that ends or appears between lookup and write.
	for pass := 0; pass < 2; pass++ {
		conv, err := d.store.ActiveConversationForEndUser(ctx, eu.ID)
		switch {
		case err == nil:
			_, aerr := d.convs.Append(ctx, conv, domain.SenderEndUser, eu.ID, p)
			if errors.Is(aerr, domain.ErrInvalidTransition) {
				continue
			}
			if aerr != nil {
				return 0, aerr
			}
			return OutcomeAppended, nil
		case !errors.Is(err, storage.ErrNotFound):
			return 0, domain.Unavailable("active conversation", err)
		}

		// Keep same-user order: a newer message may not overtake queued ones.
		waiting, err := d.store.HasPending(ctx, eu.ID)
		if err != nil {
			return 0, domain.Unavailable("has pending", err)
		}
		if waiting {
			_, err := d.pending.Enqueue(ctx, eu.ID, p, ev.Raw, ev.ExternalEventID)
			if errors.Is(err, storage.ErrActiveConversationExists) {
				// The queued items were just handed to an agent.
				continue
			}
			if err != nil {
				return 0, err
			}
			d.pending.Trigger()
			return OutcomeQueued, nil
		}

		agent, err := d.agents.NextAvailableAgent(ctx)
		if errors.Is(err, domain.ErrNoAgentAvailable) {
			_, err := d.pending.Enqueue(ctx, eu.ID, p, ev.Raw, ev.ExternalEventID)
			if errors.Is(err, storage.ErrActiveConversationExists) {
				continue
			}
			if err != nil {
				return 0, err
			}
			if opts.NoAgentText != "" && d.ch != nil {
				if err := d.ch.SendText(ctx, eu.ChannelID, opts.NoAgentText); err != nil {
					log.Warn("no-agent acknowledgement failed", logx.Err(err))
				}
			}
			return OutcomeQueued, nil
		}
		if err != nil {
			return 0, err
		}

		_, _, err = d.convs.Start(ctx, conversation.StartParams{EndUser: *eu, Agent: *agent, Payloads: []domain.Payload{p}})
		if errors.Is(err, storage.ErrActiveConversationExists) {
			// Lost a race with another event of the same user; append instead.
			continue
		}
		if err != nil {
			return 0, err
		}
		return OutcomeAssigned, nil
	}
	return 0, domain.Unavailable("route inbound", errors.New("conversation state kept changing"))
}

func (d *Dispatcher) resolveEndUser(ctx context.Context, ev Event) (*domain.EndUser, error) {
	name := strings.TrimSpace(ev.SenderName)
	if name == "" {
		name = ev.SenderHandle
	}
	eu, err := d.store.GetEndUserByChannelID(ctx, ev.SenderChannelID)
	if errors.Is(err, storage.ErrNotFound) {
		eu = &domain.EndUser{
			ID:          domain.NewID(),
			ChannelID:   ev.SenderChannelID,
			DisplayName: name,
			Handle:      ev.SenderHandle,
		}
		err = d.store.CreateEndUser(ctx, eu)
		if errors.Is(err, storage.ErrDuplicate) {
			eu, err = d.store.GetEndUserByChannelID(ctx, ev.SenderChannelID)
		}
		if err != nil {
			return nil, domain.Unavailable("create end user", err)
		}
		return eu, nil
	}
	if err != nil {
		return nil, domain.Unavailable("get end user", err)
	}
	if (name != "" && name != eu.DisplayName) || ev.SenderHandle != eu.Handle {
		if name != "" {
			eu.DisplayName = name
		}
		eu.Handle = ev.SenderHandle
		if err := d.store.UpdateEndUser(ctx, eu); err != nil {
			return nil, domain.Unavailable("update end user", err)
		}
	}
	return eu, nil
}
