package pending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskbot/internal/conversation"
	"deskbot/internal/directory"
	"deskbot/internal/domain"
	"deskbot/internal/realtime/realtimetest"
	"deskbot/internal/storage"
	"deskbot/internal/transport/transporttest"
	logx "deskbot/pkg/logx"
)

type fixture struct {
	store storage.Store
	dir   *directory.Directory
	conv  *conversation.Service
	ch    *transporttest.Channel
	q     *Queue
}

func newFixture(t *testing.T, agents ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{store: storage.NewMemory(), ch: transporttest.New()}
	f.dir = directory.New(f.store, logx.Nop(), directory.Options{})
	var seed []domain.Agent
	for _, id := range agents {
		seed = append(seed, domain.Agent{ID: id, Name: id, Role: domain.RoleAgent})
	}
	require.NoError(t, f.dir.SeedAgents(ctx, seed))
	f.conv = conversation.New(f.store, f.ch, &realtimetest.Recorder{}, logx.Nop(), conversation.Texts{})
	f.q = New(f.store, f.dir, f.conv, logx.Nop(), "")
	return f
}

func (f *fixture) user(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.CreateEndUser(context.Background(), &domain.EndUser{ID: id, ChannelID: "ch-" + id}))
}

func (f *fixture) enqueue(t *testing.T, userID, body string) {
	t.Helper()
	_, err := f.q.Enqueue(context.Background(), userID, domain.Payload{Kind: domain.KindText, Body: body}, "{}", userID+":"+body)
	require.NoError(t, err)
}

func TestDrain_NoAgentLeavesQueue(t *testing.T) {
	f := newFixture(t, "a1")
	f.user(t, "u1")
	f.enqueue(t, "u1", "hello")

	rep, err := f.q.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Remaining: 1}, rep)
}

func TestDrain_FIFOAcrossUsers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a1", "a2")
	for _, u := range []string{"u1", "u2", "u3"} {
		f.user(t, u)
	}
	f.enqueue(t, "u1", "first")
	f.enqueue(t, "u2", "second")
	f.enqueue(t, "u1", "third")
	f.enqueue(t, "u3", "fourth")

	// Capacity of one conversation per agent: only the two oldest users fit.
	f.dir.SetCapacity(1)
	require.NoError(t, f.dir.SetOnline(ctx, "a1", true))
	require.NoError(t, f.dir.SetOnline(ctx, "a2", true))

	rep, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Assigned)
	assert.Equal(t, 3, rep.Materialized)
	assert.Equal(t, 1, rep.Remaining)

	c1, err := f.store.ActiveConversationForEndUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "a1", c1.AgentID)
	msgs, err := f.store.ListMessages(ctx, c1.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Payload.Body)
	assert.Equal(t, "third", msgs[1].Payload.Body)

	c2, err := f.store.ActiveConversationForEndUser(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "a2", c2.AgentID)

	left, err := f.q.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "u3", left[0].EndUserID)
}

func TestDrain_DiscardsWhenAlreadyActive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a1")
	f.user(t, "u1")
	f.enqueue(t, "u1", "stale")
	require.NoError(t, f.store.CreateConversation(ctx, &domain.Conversation{EndUserID: "u1", AgentID: "a1", Status: domain.ConversationActive}))
	require.NoError(t, f.dir.SetOnline(ctx, "a1", true))

	rep, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Discarded)
	assert.Zero(t, rep.Assigned)
	n, err := f.q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestDrain_OneConversationPerAgentPerPass(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a1")
	for _, u := range []string{"u1", "u2", "u3", "u4", "u5"} {
		f.user(t, u)
		f.enqueue(t, u, "hi from "+u)
	}
	require.NoError(t, f.dir.SetOnline(ctx, "a1", true))

	rep, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Assigned)
	assert.Equal(t, 4, rep.Remaining)

	active, err := f.store.ListActiveConversations(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "u1", active[0].EndUserID)

	rep, err = f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Assigned)
	assert.Equal(t, 3, rep.Remaining)
}

func TestDrain_SpreadsPassAcrossAgents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a1", "a2")
	for _, u := range []string{"u1", "u2", "u3"} {
		f.user(t, u)
		f.enqueue(t, u, "hi")
	}
	require.NoError(t, f.dir.SetOnline(ctx, "a1", true))
	require.NoError(t, f.dir.SetOnline(ctx, "a2", true))

	rep, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Assigned)
	assert.Equal(t, 1, rep.Remaining)

	loads, err := f.store.ActiveConversationCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a1": 1, "a2": 1}, loads)
}

type failingAppends struct {
	storage.Store
	left int
}

func (s *failingAppends) AppendMessage(ctx context.Context, m *domain.Message) error {
	if s.left > 0 {
		s.left--
		return errors.New("disk I/O error")
	}
	return s.Store.AppendMessage(ctx, m)
}

func TestDrain_FailedStartKeepsItems(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a1")
	f.conv = conversation.New(&failingAppends{Store: f.store, left: 1}, f.ch, &realtimetest.Recorder{}, logx.Nop(), conversation.Texts{})
	f.q = New(f.store, f.dir, f.conv, logx.Nop(), "")
	f.user(t, "u1")
	f.enqueue(t, "u1", "a")
	require.NoError(t, f.dir.SetOnline(ctx, "a1", true))

	_, err := f.q.Drain(ctx)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	n, err := f.q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rep, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Assigned)
	assert.Zero(t, rep.Discarded)

	c, err := f.store.ActiveConversationForEndUser(ctx, "u1")
	require.NoError(t, err)
	msgs, err := f.store.ListMessages(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "a", msgs[0].Payload.Body)
}

// enqueueDuringList enqueues one more item for the same end user while the
// drain is listing that user's items.
type enqueueDuringList struct {
	storage.Store
	once sync.Once
	fire func()
}

func (s *enqueueDuringList) ListPendingForEndUser(ctx context.Context, endUserID string) ([]domain.PendingItem, error) {
	items, err := s.Store.ListPendingForEndUser(ctx, endUserID)
	s.once.Do(s.fire)
	return items, err
}

func TestEnqueue_DuringHandOverGoesToConversation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "a1")
	f.user(t, "u1")
	f.enqueue(t, "u1", "a")
	require.NoError(t, f.dir.SetOnline(ctx, "a1", true))

	late := make(chan error, 1)
	st := &enqueueDuringList{Store: f.store}
	st.fire = func() {
		go func() {
			_, err := f.q.Enqueue(ctx, "u1", domain.Payload{Kind: domain.KindText, Body: "b"}, "{}", "u1:b")
			late <- err
		}()
	}
	f.q = New(st, f.dir, f.conv, logx.Nop(), "")

	rep, err := f.q.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Assigned)

	select {
	case err := <-late:
		assert.ErrorIs(t, err, storage.ErrActiveConversationExists)
	case <-time.After(2 * time.Second):
		t.Fatal("enqueue never returned")
	}

	n, err := f.q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing left behind for the next drain to discard")
}

func TestRun_DrainsOnTrigger(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, "a1")
	f.user(t, "u1")
	f.enqueue(t, "u1", "hello")

	done := make(chan error, 1)
	go func() { done <- f.q.Run(ctx) }()

	f.dir.SetOnlineHook(func(string) { f.q.Trigger() })
	require.NoError(t, f.dir.SetOnline(ctx, "a1", true))

	require.Eventually(t, func() bool {
		n, _ := f.q.Len(ctx)
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRun_BadSchedule(t *testing.T) {
	f := newFixture(t)
	f.q.schedule = "not a schedule"
	assert.Error(t, f.q.Run(context.Background()))
}
