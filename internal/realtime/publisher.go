// Package realtime carries routing events to whoever watches them: agent
// consoles, dashboards or a message broker.
package realtime

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "deskbot/pkg/logx"
)

// Topics.
const BroadcastsTopic = "broadcasts"

func ConversationTopic(id string) string { return "conversation:" + id }

func AgentTopic(id string) string { return "agent:" + id }

// AgentIDFromTopic returns the agent id of an agent topic.
func AgentIDFromTopic(topic string) (string, bool) {
	id, ok := strings.CutPrefix(topic, "agent:")
	return id, ok && id != ""
}

// Event names.
const (
	EventConversationAssigned = "conversation.assigned"
	EventConversationEnded    = "conversation.ended"
	EventMessageCreated       = "message.created"
	EventBroadcastProgress    = "broadcast.progress"
	EventBroadcastFinished    = "broadcast.finished"
)

type Event struct {
	Topic   string    `json:"topic"`
	Name    string    `json:"event"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Publisher delivers an event to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, event string, payload any) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, string, any) error { return nil }

// Fanout publishes to every member and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, topic, event string, payload any) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, topic, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit publishes and logs a failure. Publishing never changes a routing outcome.
func Emit(ctx context.Context, p Publisher, log logx.Logger, topic, event string, payload any) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, topic, event, payload); err != nil {
		log.Warn("realtime publish failed", logx.String("topic", topic), logx.String("event", event), logx.Err(err))
	}
}
