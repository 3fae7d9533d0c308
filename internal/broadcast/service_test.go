package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskbot/internal/domain"
	"deskbot/internal/realtime"
	"deskbot/internal/realtime/realtimetest"
	"deskbot/internal/storage"
	"deskbot/internal/transport"
	"deskbot/internal/transport/transporttest"
	logx "deskbot/pkg/logx"
)

type sleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (s *sleeps) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.d = append(s.d, d)
	s.mu.Unlock()
	return ctx.Err()
}

func (s *sleeps) all() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.d...)
}

type fixture struct {
	store  storage.Store
	ch     *transporttest.Channel
	pub    *realtimetest.Recorder
	sleeps *sleeps
	svc    *Service
}

func newFixture(t *testing.T, cfg Config, users ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: storage.NewMemory(), ch: transporttest.New(), pub: &realtimetest.Recorder{}, sleeps: &sleeps{}}
	f.svc = New(cfg, f.store, f.ch, f.pub, logx.Nop())
	f.svc.sleep = f.sleeps.sleep

	for i, id := range users {
		u := domain.EndUser{ID: id, ChannelID: fmt.Sprintf("chat-%d", i+1), DisplayName: id}
		require.NoError(t, f.store.CreateEndUser(ctx, &u))
	}
	return f
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.MessageDelay = 0
	cfg.BatchPause = 0
	return cfg
}

func text(body string) domain.Payload { return domain.Payload{Kind: domain.KindText, Body: body} }

func TestSend_PermanentFailureIsNotRetried(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1", "u2", "u3")
	f.ch.FailAlways("chat-2", transport.ErrInvalidTarget)

	b, err := f.svc.Send(context.Background(), Request{Payload: text("promo"), AuthorID: "boss", EndUserIDs: []string{"u1", "u2", "u3"}})
	require.NoError(t, err)

	assert.Equal(t, domain.BroadcastCompleted, b.Status)
	assert.Equal(t, 3, b.TargetCount)
	assert.Equal(t, 2, b.SentCount)
	assert.Equal(t, 1, b.FailedCount)
	assert.Equal(t, 1, f.ch.Attempts("chat-2"))

	rs, err := f.store.ListRecipients(context.Background(), b.ID, "")
	require.NoError(t, err)
	require.Len(t, rs, 3)
	for _, r := range rs {
		assert.True(t, r.Status.Terminal())
	}
	assert.Equal(t, domain.RecipientFailed, rs[1].Status)
	assert.Equal(t, 1, rs[1].Attempts)
	assert.NotEmpty(t, rs[1].LastError)
	assert.NotNil(t, rs[0].SentAt)

	assert.Len(t, f.pub.On(realtime.BroadcastsTopic, realtime.EventBroadcastFinished), 1)
}

func TestSend_RateLimitIsRetriedAfterHint(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1")
	f.ch.Fail("chat-1", &transport.RateLimitError{After: 5 * time.Second, Err: errors.New("flood")})

	b, err := f.svc.Send(context.Background(), Request{Payload: text("hi"), EndUserIDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastCompleted, b.Status)
	assert.Equal(t, 1, b.SentCount)

	rs, err := f.store.ListRecipients(context.Background(), b.ID, "")
	require.NoError(t, err)
	require.Len(t, rs, 1)
	assert.Equal(t, domain.RecipientSent, rs[0].Status)
	assert.Equal(t, 2, rs[0].Attempts)

	waits := f.sleeps.all()
	require.NotEmpty(t, waits)
	assert.GreaterOrEqual(t, waits[0], 5*time.Second)
}

func TestSend_BackoffNeverShrinks(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxAttempts = 4
	f := newFixture(t, cfg, "u1")
	f.ch.FailAlways("chat-1", errors.New("timeout"))

	b, err := f.svc.Send(context.Background(), Request{Payload: text("hi"), EndUserIDs: []string{"u1"}})
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastFailed, b.Status)
	assert.Equal(t, 4, f.ch.Attempts("chat-1"))

	waits := f.sleeps.all()
	require.Len(t, waits, 3)
	for i := 1; i < len(waits); i++ {
		assert.GreaterOrEqual(t, waits[i], waits[i-1])
	}
}

func TestSend_Validation(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1")
	ctx := context.Background()

	_, err := f.svc.Send(ctx, Request{Payload: domain.Payload{Body: "  "}, EndUserIDs: []string{"u1"}})
	assert.ErrorIs(t, err, domain.ErrInvalidBroadcast)

	_, err = f.svc.Send(ctx, Request{Payload: text("hi")})
	assert.ErrorIs(t, err, domain.ErrInvalidBroadcast)

	// Nobody has been contacted yet.
	_, err = f.svc.Send(ctx, Request{Payload: text("hi"), All: true})
	assert.ErrorIs(t, err, domain.ErrInvalidBroadcast)

	all, err := f.store.ListBroadcasts(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSend_UnknownEndUserFails(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1")

	b, err := f.svc.Send(context.Background(), Request{Payload: text("hi"), EndUserIDs: []string{"u1", "ghost", "u1"}})
	require.NoError(t, err)
	assert.Equal(t, 2, b.TargetCount)
	assert.Equal(t, 1, b.SentCount)
	assert.Equal(t, 1, b.FailedCount)
	assert.Equal(t, domain.BroadcastCompleted, b.Status)
}

func TestSend_AllContactedEndUsers(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1", "u2", "u3")
	ctx := context.Background()
	for _, id := range []string{"u1", "u3"} {
		require.NoError(t, f.store.CreateConversation(ctx, &domain.Conversation{EndUserID: id, AgentID: "a1", Status: domain.ConversationActive}))
	}

	b, err := f.svc.Send(ctx, Request{Payload: domain.Payload{Kind: domain.KindImage, Body: "new menu", AttachmentRef: "file-9"}, All: true})
	require.NoError(t, err)
	assert.Equal(t, 2, b.TargetCount)
	assert.Equal(t, 2, b.SentCount)

	sent := f.ch.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "photo", sent[0].Method)
	assert.Equal(t, "file-9", sent[0].FileRef)
	assert.Empty(t, f.ch.To("chat-2"))
}

func TestSend_ProbeFailureLeavesPending(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1")
	f.ch.ConnErr = errors.New("dns")

	b, err := f.svc.Send(context.Background(), Request{Payload: text("hi"), EndUserIDs: []string{"u1"}})
	require.ErrorIs(t, err, ErrChannelUnavailable)
	require.NotNil(t, b)

	got, err := f.svc.Get(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastPending, got.Status)
	assert.Empty(t, f.ch.Sent())
}

func TestSend_BatchPauses(t *testing.T) {
	cfg := fastConfig()
	cfg.BatchSize = 2
	cfg.BatchPause = 3 * time.Second
	f := newFixture(t, cfg, "u1", "u2", "u3", "u4", "u5")

	b, err := f.svc.Send(context.Background(), Request{Payload: text("hi"), EndUserIDs: []string{"u1", "u2", "u3", "u4", "u5"}})
	require.NoError(t, err)
	assert.Equal(t, 5, b.SentCount)

	// Three batches, a pause between each.
	assert.Equal(t, []time.Duration{3 * time.Second, 3 * time.Second}, f.sleeps.all())
	assert.Len(t, f.pub.On(realtime.BroadcastsTopic, realtime.EventBroadcastProgress), 3)
}

func TestRun_TerminalBroadcastIsLeftAlone(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1")
	ctx := context.Background()

	b, err := f.svc.Send(ctx, Request{Payload: text("hi"), EndUserIDs: []string{"u1"}})
	require.NoError(t, err)
	require.NoError(t, f.svc.run(ctx, b.ID))

	assert.Len(t, f.ch.Sent(), 1)
	got, err := f.svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BroadcastCompleted, got.Status)
}

func TestRun_CancelKeepsRemainingPending(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1", "u2")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := &domain.Broadcast{ID: "b1", Payload: text("hi"), Status: domain.BroadcastPending}
	require.NoError(t, f.store.CreateBroadcast(context.Background(), b, []domain.BroadcastRecipient{
		{EndUserID: "u1", ChannelID: "chat-1"},
		{EndUserID: "u2", ChannelID: "chat-2"},
	}))

	err := f.svc.run(ctx, "b1")
	require.Error(t, err)

	got, err := f.store.GetBroadcast(context.Background(), "b1")
	require.NoError(t, err)
	assert.NotEqual(t, domain.BroadcastCompleted, got.Status)
	left, err := f.store.ListRecipients(context.Background(), "b1", domain.RecipientPending)
	require.NoError(t, err)
	assert.Len(t, left, 2)
}

func TestSubmit_RequiresWorkers(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1")
	_, err := f.svc.Submit(context.Background(), Request{Payload: text("hi"), EndUserIDs: []string{"u1"}})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSubmit_WorkersDeliver(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1", "u2")
	ctx := context.Background()
	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)

	id, err := f.svc.Submit(ctx, Request{Payload: text("hi"), EndUserIDs: []string{"u1", "u2"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, err := f.svc.Get(ctx, id)
		return err == nil && b.Status == domain.BroadcastCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.ch.Sent(), 2)
}

func TestResume_PicksUpSendingBroadcasts(t *testing.T) {
	f := newFixture(t, fastConfig(), "u1", "u2")
	ctx := context.Background()

	b := &domain.Broadcast{ID: "b1", Payload: text("hi"), Status: domain.BroadcastPending}
	require.NoError(t, f.store.CreateBroadcast(ctx, b, []domain.BroadcastRecipient{
		{EndUserID: "u1", ChannelID: "chat-1"},
		{EndUserID: "u2", ChannelID: "chat-2"},
	}))
	require.NoError(t, f.store.AdvanceBroadcast(ctx, "b1", domain.BroadcastSending, time.Now()))
	rs, err := f.store.ListRecipients(ctx, "b1", "")
	require.NoError(t, err)
	now := time.Now()
	rs[0].Status, rs[0].Attempts, rs[0].SentAt = domain.RecipientSent, 1, &now
	require.NoError(t, f.store.FinishRecipient(ctx, &rs[0]))

	f.svc.Start(ctx)
	defer f.svc.Stop(ctx)
	n, err := f.svc.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		got, err := f.svc.Get(ctx, "b1")
		return err == nil && got.Status == domain.BroadcastCompleted
	}, 2*time.Second, 10*time.Millisecond)
	// Only the recipient still pending is sent to.
	assert.Empty(t, f.ch.To("chat-1"))
	assert.Len(t, f.ch.To("chat-2"), 1)
}

func TestStopIsIdempotent(t *testing.T) {
	f := newFixture(t, fastConfig())
	ctx := context.Background()
	f.svc.Start(ctx)
	f.svc.Stop(ctx)
	f.svc.Stop(ctx)

	_, ok := f.svc.running()
	assert.False(t, ok)
}
