package storage

import (
	"context"
	"errors"
	"time"

	"deskbot/internal/domain"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrDuplicate                = errors.New("duplicate")
	ErrActiveConversationExists = errors.New("end user already has an active conversation")
	ErrConversationNotActive    = errors.New("conversation is not active")
	ErrRecipientTerminal        = errors.New("broadcast recipient already terminal")
	ErrStatusRegress            = errors.New("broadcast status may not move backwards")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local maps, lost on restart
//   - "sqlite": SQLite database file
//
// An empty driver means "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type EndUserStore interface {
	// CreateEndUser fails with ErrDuplicate when the channel id is taken.
	CreateEndUser(ctx context.Context, u *domain.EndUser) error
	GetEndUser(ctx context.Context, id string) (*domain.EndUser, error)
	GetEndUserByChannelID(ctx context.Context, channelID string) (*domain.EndUser, error)
	UpdateEndUser(ctx context.Context, u *domain.EndUser) error
	// ListContactedEndUsers returns every end user that ever had a conversation.
	ListContactedEndUsers(ctx context.Context) ([]domain.EndUser, error)
}

type AgentStore interface {
	UpsertAgent(ctx context.Context, a *domain.Agent) error
	GetAgent(ctx context.Context, id string) (*domain.Agent, error)
	ListAgents(ctx context.Context) ([]domain.Agent, error)
	SetAgentOnline(ctx context.Context, id string, online bool) error
	// ActiveConversationCounts maps agent id to its number of ACTIVE conversations.
	ActiveConversationCounts(ctx context.Context) (map[string]int, error)
}

type ConversationStore interface {
	// CreateConversation fails with ErrActiveConversationExists when the end
	// user already has a conversation that is not ENDED.
	CreateConversation(ctx context.Context, c *domain.Conversation) error
	GetConversation(ctx context.Context, id string) (*domain.Conversation, error)
	ActiveConversationForEndUser(ctx context.Context, endUserID string) (*domain.Conversation, error)
	// ListActiveConversations lists ACTIVE conversations; an empty agentID lists all.
	ListActiveConversations(ctx context.Context, agentID string) ([]domain.Conversation, error)
	// EndConversation moves ACTIVE to ENDED, else ErrConversationNotActive.
	EndConversation(ctx context.Context, id, endedBy string, at time.Time) error

	// AppendMessage assigns Seq and a CreatedAt strictly after the previous
	// message of the same conversation. It fails with ErrConversationNotActive
	// unless the conversation is ACTIVE.
	AppendMessage(ctx context.Context, m *domain.Message) error
	ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error)
	MarkMessagesRead(ctx context.Context, conversationID string, sender domain.Sender) (int, error)
}

type PendingStore interface {
	// EnqueuePending assigns Seq.
	EnqueuePending(ctx context.Context, it *domain.PendingItem) error
	// ListPending returns items oldest first; limit <= 0 means all.
	ListPending(ctx context.Context, limit int) ([]domain.PendingItem, error)
	ListPendingForEndUser(ctx context.Context, endUserID string) ([]domain.PendingItem, error)
	HasPending(ctx context.Context, endUserID string) (bool, error)
	DeletePending(ctx context.Context, ids ...string) error
	CountPending(ctx context.Context) (int, error)
}

type BroadcastStore interface {
	// CreateBroadcast writes the broadcast and all its recipients in one batch.
	CreateBroadcast(ctx context.Context, b *domain.Broadcast, recipients []domain.BroadcastRecipient) error
	GetBroadcast(ctx context.Context, id string) (*domain.Broadcast, error)
	ListBroadcasts(ctx context.Context, status domain.BroadcastStatus) ([]domain.Broadcast, error)
	// AdvanceBroadcast fails with ErrStatusRegress if to does not rank above the current status.
	AdvanceBroadcast(ctx context.Context, id string, to domain.BroadcastStatus, at time.Time) error
	// FinishBroadcast moves to a terminal status and records the counts.
	FinishBroadcast(ctx context.Context, id string, to domain.BroadcastStatus, sent, failed int, at time.Time) error
	// ListRecipients returns recipients in creation order; an empty status lists all.
	ListRecipients(ctx context.Context, broadcastID string, status domain.RecipientStatus) ([]domain.BroadcastRecipient, error)
	// FinishRecipient stores a terminal outcome, else ErrRecipientTerminal.
	FinishRecipient(ctx context.Context, r *domain.BroadcastRecipient) error
	CountRecipients(ctx context.Context, broadcastID string) (sent, failed int, err error)
}

// Store is the persistence API used by the routing services.
type Store interface {
	EndUserStore
	AgentStore
	ConversationStore
	PendingStore
	BroadcastStore
	Close() error
}
