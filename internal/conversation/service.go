// Package conversation owns the ACTIVE to ENDED lifecycle of a conversation
// and the messages recorded in it.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"deskbot/internal/domain"
	"deskbot/internal/realtime"
	"deskbot/internal/storage"
	"deskbot/internal/transport"
	logx "deskbot/pkg/logx"
)

// Store is the persistence the service needs.
type Store interface {
	storage.ConversationStore
	storage.EndUserStore
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
}

// Texts are the end-user facing notices. Welcome may contain {agent}.
type Texts struct {
	Welcome string
	Closed  string
}

func DefaultTexts() Texts {
	return Texts{
		Welcome: "You are now connected with {agent}.",
		Closed:  "This conversation has been closed. Send a new message any time to start again.",
	}
}

// SystemActorID is recorded as ended_by when the service itself ends a
// conversation.
const SystemActorID = "system"

// Actor is whoever asks for a state change.
type Actor struct {
	ID   string
	Role domain.Role
}

func (a Actor) may(c *domain.Conversation) bool {
	return a.Role == domain.RoleAdmin || (a.ID != "" && a.ID == c.AgentID)
}

// DeliveryError reports that a message was recorded but the channel send failed.
type DeliveryError struct{ Err error }

func (e *DeliveryError) Error() string { return "delivery failed: " + e.Err.Error() }
func (e *DeliveryError) Unwrap() error { return e.Err }

type Service struct {
	store Store
	ch    transport.Channel
	pub   realtime.Publisher
	log   logx.Logger
	now   func() time.Time

	mu    sync.RWMutex
	texts Texts
}

func New(store Store, ch transport.Channel, pub realtime.Publisher, log logx.Logger, texts Texts) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if pub == nil {
		pub = realtime.Nop{}
	}
	s := &Service{store: store, ch: ch, pub: pub, log: log, now: time.Now}
	s.SetTexts(texts)
	return s
}

// SetTexts swaps the notices; empty fields keep their defaults.
func (s *Service) SetTexts(t Texts) {
	def := DefaultTexts()
	if strings.TrimSpace(t.Welcome) == "" {
		t.Welcome = def.Welcome
	}
	if strings.TrimSpace(t.Closed) == "" {
		t.Closed = def.Closed
	}
	s.mu.Lock()
	s.texts = t
	s.mu.Unlock()
}

func (s *Service) currentTexts() Texts {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.texts
}

type StartParams struct {
	EndUser domain.EndUser
	Agent   domain.Agent
	// Payloads become the first END_USER messages, in order.
	Payloads []domain.Payload
}

// Start creates an ACTIVE conversation with its first messages, welcomes the
// end user and tells the agent. It returns storage.ErrActiveConversationExists
// unwrapped when the end user already has one.
func (s *Service) Start(ctx context.Context, p StartParams) (*domain.Conversation, []domain.Message, error) {
	conv := &domain.Conversation{
		ID:        domain.NewID(),
		EndUserID: p.EndUser.ID,
		AgentID:   p.Agent.ID,
		Status:    domain.ConversationActive,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if errors.Is(err, storage.ErrActiveConversationExists) {
			return nil, nil, err
		}
		return nil, nil, domain.Unavailable("create conversation", err)
	}

	msgs := make([]domain.Message, 0, len(p.Payloads))
	for _, pl := range p.Payloads {
		m := &domain.Message{
			ConversationID: conv.ID,
			Sender:         domain.SenderEndUser,
			SenderID:       p.EndUser.ID,
			Payload:        pl,
		}
		if err := s.store.AppendMessage(ctx, m); err != nil {
			s.abandon(ctx, conv)
			return nil, nil, domain.Unavailable("append message", err)
		}
		msgs = append(msgs, *m)
	}

	welcome := strings.ReplaceAll(s.currentTexts().Welcome, "{agent}", p.Agent.Name)
	s.notify(ctx, p.EndUser.ChannelID, welcome, "welcome")

	eu := p.EndUser
	payload := realtime.ConversationPayload{Conversation: *conv, EndUser: &eu}
	realtime.Emit(ctx, s.pub, s.log, realtime.AgentTopic(conv.AgentID), realtime.EventConversationAssigned, payload)
	realtime.Emit(ctx, s.pub, s.log, realtime.ConversationTopic(conv.ID), realtime.EventConversationAssigned, payload)
	for _, m := range msgs {
		realtime.Emit(ctx, s.pub, s.log, realtime.ConversationTopic(conv.ID), realtime.EventMessageCreated,
			realtime.MessagePayload{Message: m, AgentID: conv.AgentID, EndUser: &eu})
	}
	s.log.Info("conversation started",
		logx.String("conversation_id", conv.ID),
		logx.String("agent_id", conv.AgentID),
		logx.String("end_user_id", conv.EndUserID),
		logx.Int("messages", len(msgs)))
	return conv, msgs, nil
}

// abandon ends a conversation whose first messages could not be written, so
// the end user is not left in an empty ACTIVE conversation and the payloads
// can be routed again.
func (s *Service) abandon(ctx context.Context, conv *domain.Conversation) {
	err := s.store.EndConversation(context.WithoutCancel(ctx), conv.ID, SystemActorID, s.now())
	if err != nil && !errors.Is(err, storage.ErrConversationNotActive) {
		s.log.Error("abandoned conversation left active",
			logx.String("conversation_id", conv.ID), logx.String("end_user_id", conv.EndUserID), logx.Err(err))
		return
	}
	s.log.Warn("conversation abandoned before its first message",
		logx.String("conversation_id", conv.ID), logx.String("end_user_id", conv.EndUserID))
}

// Open lets an agent start an empty conversation with a known end user.
func (s *Service) Open(ctx context.Context, agentID, endUserID string) (*domain.Conversation, error) {
	agent, err := s.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, s.lookupErr("get agent", err)
	}
	eu, err := s.store.GetEndUser(ctx, endUserID)
	if err != nil {
		return nil, s.lookupErr("get end user", err)
	}
	conv, _, err := s.Start(ctx, StartParams{EndUser: *eu, Agent: *agent})
	return conv, err
}

// Append records a message in an ACTIVE conversation and publishes it.
func (s *Service) Append(ctx context.Context, conv *domain.Conversation, sender domain.Sender, senderID string, p domain.Payload) (*domain.Message, error) {
	if conv.Status != domain.ConversationActive {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, conv.ID, conv.Status)
	}
	m := &domain.Message{ConversationID: conv.ID, Sender: sender, SenderID: senderID, Payload: p}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		if errors.Is(err, storage.ErrConversationNotActive) {
			return nil, fmt.Errorf("%w: %s ended", domain.ErrInvalidTransition, conv.ID)
		}
		return nil, domain.Unavailable("append message", err)
	}
	payload := realtime.MessagePayload{Message: *m, AgentID: conv.AgentID}
	if sender == domain.SenderEndUser {
		if eu, err := s.store.GetEndUser(ctx, conv.EndUserID); err == nil {
			payload.EndUser = eu
		}
	}
	realtime.Emit(ctx, s.pub, s.log, realtime.ConversationTopic(conv.ID), realtime.EventMessageCreated, payload)
	realtime.Emit(ctx, s.pub, s.log, realtime.AgentTopic(conv.AgentID), realtime.EventMessageCreated, payload)
	return m, nil
}

// Reply records an agent message, then delivers it. A failed delivery
// returns the recorded message with a *DeliveryError.
func (s *Service) Reply(ctx context.Context, actor Actor, conversationID string, p domain.Payload) (*domain.Message, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, s.lookupErr("get conversation", err)
	}
	if !actor.may(conv) {
		return nil, domain.ErrForbidden
	}
	m, err := s.Append(ctx, conv, domain.SenderAgent, actor.ID, p)
	if err != nil {
		return nil, err
	}
	eu, err := s.store.GetEndUser(ctx, conv.EndUserID)
	if err != nil {
		return m, domain.Unavailable("get end user", err)
	}
	if err := transport.SendPayload(ctx, s.ch, eu.ChannelID, p); err != nil {
		s.log.Warn("reply delivery failed", logx.String("conversation_id", conv.ID), logx.Err(err))
		return m, &DeliveryError{Err: err}
	}
	return m, nil
}

// End closes an ACTIVE conversation. Only the assigned agent or an admin may.
func (s *Service) End(ctx context.Context, actor Actor, conversationID string) (*domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, s.lookupErr("get conversation", err)
	}
	if conv.Status != domain.ConversationActive {
		return nil, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, conv.ID, conv.Status)
	}
	if !actor.may(conv) {
		return nil, domain.ErrForbidden
	}
	at := s.now()
	if err := s.store.EndConversation(ctx, conv.ID, actor.ID, at); err != nil {
		if errors.Is(err, storage.ErrConversationNotActive) {
			return nil, fmt.Errorf("%w: %s already ended", domain.ErrInvalidTransition, conv.ID)
		}
		return nil, domain.Unavailable("end conversation", err)
	}
	conv.Status = domain.ConversationEnded
	conv.EndedAt = &at
	conv.EndedBy = actor.ID
	conv.UpdatedAt = at

	eu, err := s.store.GetEndUser(ctx, conv.EndUserID)
	if err == nil {
		s.notify(ctx, eu.ChannelID, s.currentTexts().Closed, "closing")
	} else {
		s.log.Warn("closing notice skipped", logx.String("conversation_id", conv.ID), logx.Err(err))
	}

	payload := realtime.ConversationPayload{Conversation: *conv, EndUser: eu}
	realtime.Emit(ctx, s.pub, s.log, realtime.AgentTopic(conv.AgentID), realtime.EventConversationEnded, payload)
	realtime.Emit(ctx, s.pub, s.log, realtime.ConversationTopic(conv.ID), realtime.EventConversationEnded, payload)
	s.log.Info("conversation ended", logx.String("conversation_id", conv.ID), logx.String("by", actor.ID))
	return conv, nil
}

func (s *Service) Get(ctx context.Context, conversationID string) (*domain.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, s.lookupErr("get conversation", err)
	}
	return conv, nil
}

// History returns the messages in order.
func (s *Service) History(ctx context.Context, conversationID string) ([]domain.Message, error) {
	if _, err := s.Get(ctx, conversationID); err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, domain.Unavailable("list messages", err)
	}
	return msgs, nil
}

// MarkRead marks the end user's messages read and returns how many changed.
func (s *Service) MarkRead(ctx context.Context, conversationID string) (int, error) {
	n, err := s.store.MarkMessagesRead(ctx, conversationID, domain.SenderEndUser)
	if err != nil {
		return 0, s.lookupErr("mark read", err)
	}
	return n, nil
}

// ListActive lists ACTIVE conversations of an agent, or all for "".
func (s *Service) ListActive(ctx context.Context, agentID string) ([]domain.Conversation, error) {
	out, err := s.store.ListActiveConversations(ctx, agentID)
	if err != nil {
		return nil, domain.Unavailable("list conversations", err)
	}
	return out, nil
}

func (s *Service) notify(ctx context.Context, target, text, what string) {
	if s.ch == nil || strings.TrimSpace(text) == "" {
		return
	}
	if err := s.ch.SendText(ctx, target, text); err != nil {
		s.log.Warn("channel notice failed", logx.String("notice", what), logx.String("target", target), logx.Err(err))
	}
}

func (s *Service) lookupErr(op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	return domain.Unavailable(op, err)
}
