package realtime

import "deskbot/internal/domain"

// ConversationPayload accompanies conversation.assigned and conversation.ended.
type ConversationPayload struct {
	Conversation domain.Conversation `json:"conversation"`
	EndUser      *domain.EndUser     `json:"end_user,omitempty"`
}

// MessagePayload accompanies message.created.
type MessagePayload struct {
	Message domain.Message  `json:"message"`
	AgentID string          `json:"agent_id"`
	EndUser *domain.EndUser `json:"end_user,omitempty"`
}

// BroadcastPayload accompanies broadcast.progress and broadcast.finished.
type BroadcastPayload struct {
	Broadcast domain.Broadcast `json:"broadcast"`
	Processed int              `json:"processed"`
}
