package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConversationStatus string

const (
	ConversationUnassigned ConversationStatus = "UNASSIGNED"
	ConversationActive     ConversationStatus = "ACTIVE"
	ConversationEnded      ConversationStatus = "ENDED"
)

type Sender string

const (
	SenderEndUser Sender = "END_USER"
	SenderAgent   Sender = "AGENT"
)

// Kind classifies message and broadcast content.
type Kind string

const (
	KindText  Kind = "TEXT"
	KindImage Kind = "IMAGE"
	KindFile  Kind = "FILE"
	KindVideo Kind = "VIDEO"
	KindLink  Kind = "LINK"
)

func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindFile, KindVideo, KindLink:
		return true
	}
	return false
}

// HasAttachment reports whether content of this kind carries a file reference.
func (k Kind) HasAttachment() bool {
	return k == KindImage || k == KindFile || k == KindVideo
}

type Role string

const (
	RoleAgent Role = "agent"
	RoleAdmin Role = "admin"
)

type BroadcastStatus string

const (
	BroadcastPending   BroadcastStatus = "PENDING"
	BroadcastSending   BroadcastStatus = "SENDING"
	BroadcastCompleted BroadcastStatus = "COMPLETED"
	BroadcastFailed    BroadcastStatus = "FAILED"
)

// Rank orders broadcast states; a broadcast may only move to a higher rank.
func (s BroadcastStatus) Rank() int {
	switch s {
	case BroadcastPending:
		return 0
	case BroadcastSending:
		return 1
	case BroadcastCompleted, BroadcastFailed:
		return 2
	}
	return -1
}

func (s BroadcastStatus) Terminal() bool { return s.Rank() == 2 }

type RecipientStatus string

const (
	RecipientPending RecipientStatus = "PENDING"
	RecipientSent    RecipientStatus = "SENT"
	RecipientFailed  RecipientStatus = "FAILED"
)

func (s RecipientStatus) Terminal() bool { return s == RecipientSent || s == RecipientFailed }

type EndUser struct {
	ID          string    `json:"id"`
	ChannelID   string    `json:"channel_id"`
	DisplayName string    `json:"display_name"`
	Handle      string    `json:"handle,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Conversation struct {
	ID        string             `json:"id"`
	EndUserID string             `json:"end_user_id"`
	AgentID   string             `json:"agent_id"`
	Status    ConversationStatus `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	EndedAt   *time.Time         `json:"ended_at,omitempty"`
	EndedBy   string             `json:"ended_by,omitempty"`
}

// Payload is the content carried by a message, a pending item or a broadcast.
type Payload struct {
	Kind          Kind   `json:"kind"`
	Body          string `json:"body,omitempty"`
	AttachmentRef string `json:"attachment_ref,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
}

func (p Payload) Empty() bool {
	return p.Body == "" && p.AttachmentRef == ""
}

type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	// Seq is assigned by the store and strictly increases.
	Seq       int64     `json:"seq"`
	Sender    Sender    `json:"sender"`
	SenderID  string    `json:"sender_id"`
	Payload   Payload   `json:"payload"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}

type PendingItem struct {
	ID              string    `json:"id"`
	Seq             int64     `json:"seq"`
	EndUserID       string    `json:"end_user_id"`
	Payload         Payload   `json:"payload"`
	RawEvent        string    `json:"raw_event,omitempty"`
	ExternalEventID string    `json:"external_event_id"`
	CreatedAt       time.Time `json:"created_at"`
}

type Agent struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Role   Role   `json:"role"`
	Online bool   `json:"online"`
	// ChatID is the channel chat the agent is notified in; empty disables notifications.
	ChatID    string    `json:"chat_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (a Agent) IsAdmin() bool { return a.Role == RoleAdmin }

type Broadcast struct {
	ID          string          `json:"id"`
	Payload     Payload         `json:"payload"`
	AuthorID    string          `json:"author_id"`
	Status      BroadcastStatus `json:"status"`
	TargetCount int             `json:"target_count"`
	SentCount   int             `json:"sent_count"`
	FailedCount int             `json:"failed_count"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

type BroadcastRecipient struct {
	ID          string          `json:"id"`
	BroadcastID string          `json:"broadcast_id"`
	EndUserID   string          `json:"end_user_id"`
	ChannelID   string          `json:"channel_id"`
	Status      RecipientStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	SentAt      *time.Time      `json:"sent_at,omitempty"`
}

// NewID returns a random entity id.
func NewID() string { return uuid.NewString() }
