package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskbot/internal/domain"
	logx "deskbot/pkg/logx"
)

func drivers(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "desk.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func forEachDriver(t *testing.T, fn func(t *testing.T, st Store)) {
	for name, open := range drivers(t) {
		t.Run(name, func(t *testing.T) { fn(t, open(t)) })
	}
}

func mkUser(t *testing.T, st Store, channelID string) *domain.EndUser {
	t.Helper()
	u := &domain.EndUser{ChannelID: channelID, DisplayName: "user " + channelID}
	require.NoError(t, st.CreateEndUser(context.Background(), u))
	return u
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres"}, logx.Nop())
	assert.Error(t, err)
}

func TestEndUsers_UniqueChannelID(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		u := mkUser(t, st, "100")

		err := st.CreateEndUser(ctx, &domain.EndUser{ChannelID: "100"})
		assert.ErrorIs(t, err, ErrDuplicate)

		got, err := st.GetEndUserByChannelID(ctx, "100")
		require.NoError(t, err)
		assert.Equal(t, u.ID, got.ID)

		_, err = st.GetEndUserByChannelID(ctx, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestConversations_OneActivePerEndUser(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		u := mkUser(t, st, "200")

		c1 := &domain.Conversation{EndUserID: u.ID, AgentID: "a1", Status: domain.ConversationActive}
		require.NoError(t, st.CreateConversation(ctx, c1))

		c2 := &domain.Conversation{EndUserID: u.ID, AgentID: "a2", Status: domain.ConversationActive}
		assert.ErrorIs(t, st.CreateConversation(ctx, c2), ErrActiveConversationExists)

		require.NoError(t, st.EndConversation(ctx, c1.ID, "a1", time.Now()))
		assert.ErrorIs(t, st.EndConversation(ctx, c1.ID, "a1", time.Now()), ErrConversationNotActive)

		c3 := &domain.Conversation{EndUserID: u.ID, AgentID: "a2", Status: domain.ConversationActive}
		require.NoError(t, st.CreateConversation(ctx, c3))

		active, err := st.ActiveConversationForEndUser(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, c3.ID, active.ID)

		counts, err := st.ActiveConversationCounts(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]int{"a2": 1}, counts)

		contacted, err := st.ListContactedEndUsers(ctx)
		require.NoError(t, err)
		require.Len(t, contacted, 1)
		assert.Equal(t, u.ID, contacted[0].ID)
	})
}

func TestConversations_ConcurrentCreateSingleWinner(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		u := mkUser(t, st, "300")

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := st.CreateConversation(ctx, &domain.Conversation{EndUserID: u.ID, AgentID: "a", Status: domain.ConversationActive})
				if err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
					return
				}
				assert.True(t, errors.Is(err, ErrActiveConversationExists), "unexpected error: %v", err)
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})
}

func TestMessages_OrderedAndStrictlyIncreasing(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		u := mkUser(t, st, "400")
		c := &domain.Conversation{EndUserID: u.ID, AgentID: "a", Status: domain.ConversationActive}
		require.NoError(t, st.CreateConversation(ctx, c))

		for _, body := range []string{"one", "two", "three", "four"} {
			m := &domain.Message{ConversationID: c.ID, Sender: domain.SenderEndUser, SenderID: u.ID,
				Payload: domain.Payload{Kind: domain.KindText, Body: body}}
			require.NoError(t, st.AppendMessage(ctx, m))
		}

		msgs, err := st.ListMessages(ctx, c.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 4)
		for i := 1; i < len(msgs); i++ {
			assert.Greater(t, msgs[i].Seq, msgs[i-1].Seq)
			assert.True(t, msgs[i].CreatedAt.After(msgs[i-1].CreatedAt))
		}
		assert.Equal(t, "one", msgs[0].Payload.Body)
		assert.Equal(t, "four", msgs[3].Payload.Body)

		n, err := st.MarkMessagesRead(ctx, c.ID, domain.SenderEndUser)
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		err = st.AppendMessage(ctx, &domain.Message{ConversationID: "missing", Sender: domain.SenderAgent,
			Payload: domain.Payload{Kind: domain.KindText, Body: "x"}})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMessages_RejectedAfterEnd(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		u := mkUser(t, st, "410")
		c := &domain.Conversation{EndUserID: u.ID, AgentID: "a", Status: domain.ConversationActive}
		require.NoError(t, st.CreateConversation(ctx, c))
		require.NoError(t, st.EndConversation(ctx, c.ID, "a", time.Now()))

		err := st.AppendMessage(ctx, &domain.Message{ConversationID: c.ID, Sender: domain.SenderEndUser, SenderID: u.ID,
			Payload: domain.Payload{Kind: domain.KindText, Body: "late"}})
		assert.ErrorIs(t, err, ErrConversationNotActive)

		msgs, err := st.ListMessages(ctx, c.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestPending_FIFO(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		for _, uid := range []string{"u1", "u2", "u1", "u3"} {
			it := &domain.PendingItem{EndUserID: uid, Payload: domain.Payload{Kind: domain.KindText, Body: uid}}
			require.NoError(t, st.EnqueuePending(ctx, it))
		}
		items, err := st.ListPending(ctx, 0)
		require.NoError(t, err)
		require.Len(t, items, 4)
		assert.Equal(t, []string{"u1", "u2", "u1", "u3"}, []string{items[0].EndUserID, items[1].EndUserID, items[2].EndUserID, items[3].EndUserID})

		has, err := st.HasPending(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, has)

		mine, err := st.ListPendingForEndUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, mine, 2)
		require.NoError(t, st.DeletePending(ctx, mine[0].ID, mine[1].ID))

		n, err := st.CountPending(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		first, err := st.ListPending(ctx, 1)
		require.NoError(t, err)
		require.Len(t, first, 1)
		assert.Equal(t, "u2", first[0].EndUserID)
	})
}

func TestBroadcasts_RecipientTerminalAndStatusMonotonic(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		b := &domain.Broadcast{Payload: domain.Payload{Kind: domain.KindText, Body: "hi"}, Status: domain.BroadcastPending}
		rs := []domain.BroadcastRecipient{{EndUserID: "u1", ChannelID: "1"}, {EndUserID: "u2", ChannelID: "2"}}
		require.NoError(t, st.CreateBroadcast(ctx, b, rs))
		assert.Equal(t, 2, b.TargetCount)

		got, err := st.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BroadcastPending, got.Status)

		pending, err := st.ListRecipients(ctx, b.ID, domain.RecipientPending)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, "1", pending[0].ChannelID)

		now := time.Now()
		require.NoError(t, st.AdvanceBroadcast(ctx, b.ID, domain.BroadcastSending, now))
		assert.ErrorIs(t, st.AdvanceBroadcast(ctx, b.ID, domain.BroadcastPending, now), ErrStatusRegress)

		r := pending[0]
		r.Status, r.Attempts, r.SentAt = domain.RecipientSent, 1, &now
		require.NoError(t, st.FinishRecipient(ctx, &r))
		r.Status = domain.RecipientFailed
		assert.ErrorIs(t, st.FinishRecipient(ctx, &r), ErrRecipientTerminal)

		r2 := pending[1]
		r2.Status, r2.Attempts, r2.LastError = domain.RecipientFailed, 3, "blocked"
		require.NoError(t, st.FinishRecipient(ctx, &r2))

		sent, failed, err := st.CountRecipients(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, sent)
		assert.Equal(t, 1, failed)

		require.NoError(t, st.FinishBroadcast(ctx, b.ID, domain.BroadcastCompleted, sent, failed, now))
		assert.ErrorIs(t, st.FinishBroadcast(ctx, b.ID, domain.BroadcastFailed, 0, 2, now), ErrStatusRegress)

		got, err = st.GetBroadcast(ctx, b.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.BroadcastCompleted, got.Status)
		assert.Equal(t, 1, got.SentCount)
		assert.NotNil(t, got.FinishedAt)
	})
}

func TestAgents_UpsertAndOnline(t *testing.T) {
	forEachDriver(t, func(t *testing.T, st Store) {
		ctx := context.Background()
		require.NoError(t, st.UpsertAgent(ctx, &domain.Agent{ID: "b", Name: "Bea", Role: domain.RoleAgent}))
		require.NoError(t, st.UpsertAgent(ctx, &domain.Agent{ID: "a", Name: "Al", Role: domain.RoleAdmin}))
		require.NoError(t, st.SetAgentOnline(ctx, "b", true))
		assert.ErrorIs(t, st.SetAgentOnline(ctx, "zz", true), ErrNotFound)

		agents, err := st.ListAgents(ctx)
		require.NoError(t, err)
		require.Len(t, agents, 2)
		assert.Equal(t, "a", agents[0].ID)
		assert.True(t, agents[1].Online)
		assert.True(t, agents[0].IsAdmin())
	})
}
