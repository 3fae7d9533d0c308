package notifier

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskbot/internal/domain"
	"deskbot/internal/realtime"
	"deskbot/internal/storage"
	"deskbot/internal/transport"
	"deskbot/internal/transport/transporttest"
	logx "deskbot/pkg/logx"
)

func newService(t *testing.T, cfg Config) (*Service, *transporttest.Channel) {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemory()
	require.NoError(t, store.UpsertAgent(ctx, &domain.Agent{ID: "a1", Name: "Sam", Role: domain.RoleAgent, ChatID: "900"}))
	require.NoError(t, store.UpsertAgent(ctx, &domain.Agent{ID: "a2", Name: "Quiet", Role: domain.RoleAgent}))

	ch := transporttest.New()
	s := New(cfg, store, ch, logx.Nop())
	s.sleep = func(ctx context.Context, time.Duration) error { return ctx.Err() }
	return s, ch
}

func enabled() Config {
	return Config{Enabled: true, Workers: 1, RatePerSec: 1000, DedupWindow: time.Minute}
}

func userMessage(id, body string) realtime.Event {
	return realtime.Event{
		Topic: realtime.AgentTopic("a1"),
		Name:  realtime.EventMessageCreated,
		Payload: realtime.MessagePayload{
			Message: domain.Message{ID: id, ConversationID: "c1", Sender: domain.SenderEndUser, Payload: domain.Payload{Kind: domain.KindText, Body: body}},
			AgentID: "a1",
			EndUser: &domain.EndUser{ID: "u1", DisplayName: "Ana"},
		},
	}
}

func follow(t *testing.T, s *Service, events ...realtime.Event) {
	t.Helper()
	in := make(chan realtime.Event, len(events))
	for _, e := range events {
		in <- e
	}
	close(in)
	s.Follow(context.Background(), in)
}

func TestFollow_ForwardsEndUserMessages(t *testing.T) {
	s, ch := newService(t, enabled())
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	follow(t, s,
		realtime.Event{
			Topic:   realtime.AgentTopic("a1"),
			Name:    realtime.EventConversationAssigned,
			Payload: realtime.ConversationPayload{Conversation: domain.Conversation{ID: "c1"}, EndUser: &domain.EndUser{DisplayName: "Ana"}},
		},
		userMessage("m1", "where is my order?"),
	)

	require.Eventually(t, func() bool { return len(ch.To("900")) == 2 }, 2*time.Second, 5*time.Millisecond)
	sent := ch.To("900")
	assert.Equal(t, "New conversation with Ana\nconv: c1", sent[0].Text)
	assert.Equal(t, "Ana: where is my order?\nconv: c1", sent[1].Text)
}

func TestFollow_SkipsAgentMessagesAndOtherTopics(t *testing.T) {
	s, ch := newService(t, enabled())
	ctx := context.Background()
	s.Start(ctx)

	agentMsg := userMessage("m1", "on it")
	p := agentMsg.Payload.(realtime.MessagePayload)
	p.Message.Sender = domain.SenderAgent
	agentMsg.Payload = p

	convTopic := userMessage("m2", "hi")
	convTopic.Topic = realtime.ConversationTopic("c1")

	silent := userMessage("m3", "hi")
	silent.Topic = realtime.AgentTopic("a2")

	follow(t, s, agentMsg, convTopic, silent)
	s.Stop(ctx)
	assert.Empty(t, ch.Sent())
}

func TestNotify_Dedup(t *testing.T) {
	s, ch := newService(t, enabled())
	ctx := context.Background()
	s.Start(ctx)

	follow(t, s, userMessage("m1", "hello"), userMessage("m1", "hello"), userMessage("m2", "hello"))
	s.Stop(ctx)
	assert.Len(t, ch.To("900"), 2)
}

func TestNotify_RetriesTransientFailures(t *testing.T) {
	s, ch := newService(t, enabled())
	ch.Fail("900", errors.New("timeout"))
	ctx := context.Background()
	s.Start(ctx)

	require.NoError(t, s.Notify(ctx, Notification{AgentID: "a1", ChatID: "900", Text: "ping"}))
	s.Stop(ctx)
	assert.Equal(t, 2, ch.Attempts("900"))
	assert.Len(t, ch.To("900"), 1)
}

func TestNotify_PermanentFailureNotRetried(t *testing.T) {
	s, ch := newService(t, enabled())
	ch.FailAlways("900", transport.ErrBlocked)
	ctx := context.Background()
	s.Start(ctx)

	require.NoError(t, s.Notify(ctx, Notification{AgentID: "a1", ChatID: "900", Text: "ping"}))
	s.Stop(ctx)
	assert.Equal(t, 1, ch.Attempts("900"))
}

func TestNotify_States(t *testing.T) {
	ctx := context.Background()

	off, _ := newService(t, Config{})
	assert.ErrorIs(t, off.Notify(ctx, Notification{ChatID: "900", Text: "x"}), ErrDisabled)

	s, _ := newService(t, enabled())
	assert.ErrorIs(t, s.Notify(ctx, Notification{ChatID: "900", Text: "x"}), ErrStopped)

	s.Start(ctx)
	s.Stop(ctx)
	assert.ErrorIs(t, s.Notify(ctx, Notification{ChatID: "900", Text: "x"}), ErrStopped)
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "[IMAGE] look", preview(domain.Payload{Kind: domain.KindImage, Body: "look", AttachmentRef: "f"}))
	assert.Equal(t, "[FILE]", preview(domain.Payload{Kind: domain.KindFile, AttachmentRef: "f"}))
	assert.Equal(t, "a b", preview(domain.Payload{Kind: domain.KindText, Body: " a\n b "}))

	long := preview(domain.Payload{Kind: domain.KindText, Body: strings.Repeat("x", 500)})
	assert.Len(t, []rune(long), previewRunes+1)
}
