package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"deskbot/internal/domain"
)

// memoryStore keeps everything in maps behind one mutex. Each method is
// atomic, which is all the routing services rely on.
type memoryStore struct {
	mu sync.Mutex

	seq int64

	users       map[string]*domain.EndUser
	userByChan  map[string]string
	agents      map[string]*domain.Agent
	convs       map[string]*domain.Conversation
	openByUser  map[string]string
	contacted   map[string]struct{}
	messages    map[string][]*domain.Message
	pending     map[string]*domain.PendingItem
	broadcasts  map[string]*domain.Broadcast
	recipients  map[string][]*domain.BroadcastRecipient
	recipientBy map[string]*domain.BroadcastRecipient
}

// NewMemory returns an empty in-process store.
func NewMemory() Store {
	return &memoryStore{
		users:       map[string]*domain.EndUser{},
		userByChan:  map[string]string{},
		agents:      map[string]*domain.Agent{},
		convs:       map[string]*domain.Conversation{},
		openByUser:  map[string]string{},
		contacted:   map[string]struct{}{},
		messages:    map[string][]*domain.Message{},
		pending:     map[string]*domain.PendingItem{},
		broadcasts:  map[string]*domain.Broadcast{},
		recipients:  map[string][]*domain.BroadcastRecipient{},
		recipientBy: map[string]*domain.BroadcastRecipient{},
	}
}

func (s *memoryStore) Close() error { return nil }

func (s *memoryStore) nextSeq() int64 {
	s.seq++
	return s.seq
}

// ---- end users ----

func (s *memoryStore) CreateEndUser(ctx context.Context, u *domain.EndUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.userByChan[u.ChannelID]; ok {
		return ErrDuplicate
	}
	if u.ID == "" {
		u.ID = domain.NewID()
	}
	now := time.Now()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	s.userByChan[u.ChannelID] = u.ID
	return nil
}

func (s *memoryStore) GetEndUser(ctx context.Context, id string) (*domain.EndUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memoryStore) GetEndUserByChannelID(ctx context.Context, channelID string) (*domain.EndUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.userByChan[channelID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

func (s *memoryStore) UpdateEndUser(ctx context.Context, u *domain.EndUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	cur.DisplayName = u.DisplayName
	cur.Handle = u.Handle
	cur.UpdatedAt = time.Now()
	u.UpdatedAt = cur.UpdatedAt
	return nil
}

func (s *memoryStore) ListContactedEndUsers(ctx context.Context) ([]domain.EndUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.EndUser, 0, len(s.contacted))
	for id := range s.contacted {
		if u, ok := s.users[id]; ok {
			out = append(out, *u)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ---- agents ----

func (s *memoryStore) UpsertAgent(ctx context.Context, a *domain.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if cur, ok := s.agents[a.ID]; ok {
		cur.Name = a.Name
		cur.Role = a.Role
		cur.ChatID = a.ChatID
		cur.Online = a.Online
		cur.UpdatedAt = now
		return nil
	}
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	s.agents[a.ID] = &cp
	return nil
}

func (s *memoryStore) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memoryStore) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) SetAgentOnline(ctx context.Context, id string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Online = online
	a.UpdatedAt = time.Now()
	return nil
}

func (s *memoryStore) ActiveConversationCounts(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[string]int{}
	for _, c := range s.convs {
		if c.Status == domain.ConversationActive && c.AgentID != "" {
			out[c.AgentID]++
		}
	}
	return out, nil
}

// ---- conversations ----

func (s *memoryStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openByUser[c.EndUserID]; ok {
		return ErrActiveConversationExists
	}
	if c.ID == "" {
		c.ID = domain.NewID()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	cp := *c
	s.convs[c.ID] = &cp
	s.openByUser[c.EndUserID] = c.ID
	s.contacted[c.EndUserID] = struct{}{}
	return nil
}

func (s *memoryStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (s *memoryStore) ActiveConversationForEndUser(ctx context.Context, endUserID string) (*domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.openByUser[endUserID]
	if !ok {
		return nil, ErrNotFound
	}
	c := s.convs[id]
	if c.Status != domain.ConversationActive {
		return nil, ErrNotFound
	}
	return copyConversation(c), nil
}

func (s *memoryStore) ListActiveConversations(ctx context.Context, agentID string) ([]domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Conversation
	for _, c := range s.convs {
		if c.Status != domain.ConversationActive {
			continue
		}
		if agentID != "" && c.AgentID != agentID {
			continue
		}
		out = append(out, *copyConversation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) EndConversation(ctx context.Context, id, endedBy string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != domain.ConversationActive {
		return ErrConversationNotActive
	}
	c.Status = domain.ConversationEnded
	c.EndedAt = &at
	c.EndedBy = endedBy
	c.UpdatedAt = at
	if s.openByUser[c.EndUserID] == c.ID {
		delete(s.openByUser, c.EndUserID)
	}
	return nil
}

func copyConversation(c *domain.Conversation) *domain.Conversation {
	cp := *c
	if c.EndedAt != nil {
		t := *c.EndedAt
		cp.EndedAt = &t
	}
	return &cp
}

func (s *memoryStore) AppendMessage(ctx context.Context, m *domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[m.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != domain.ConversationActive {
		return ErrConversationNotActive
	}
	if m.ID == "" {
		m.ID = domain.NewID()
	}
	m.Seq = s.nextSeq()
	now := time.Now()
	msgs := s.messages[m.ConversationID]
	if n := len(msgs); n > 0 && !now.After(msgs[n-1].CreatedAt) {
		now = msgs[n-1].CreatedAt.Add(time.Nanosecond)
	}
	m.CreatedAt = now
	cp := *m
	s.messages[m.ConversationID] = append(msgs, &cp)
	return nil
}

func (s *memoryStore) ListMessages(ctx context.Context, conversationID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[conversationID]
	out := make([]domain.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	return out, nil
}

func (s *memoryStore) MarkMessagesRead(ctx context.Context, conversationID string, sender domain.Sender) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages[conversationID] {
		if m.Sender == sender && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

// ---- pending ----

func (s *memoryStore) EnqueuePending(ctx context.Context, it *domain.PendingItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it.ID == "" {
		it.ID = domain.NewID()
	}
	it.Seq = s.nextSeq()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now()
	}
	cp := *it
	s.pending[it.ID] = &cp
	return nil
}

func (s *memoryStore) sortedPendingLocked(filter func(*domain.PendingItem) bool) []domain.PendingItem {
	out := make([]domain.PendingItem, 0, len(s.pending))
	for _, it := range s.pending {
		if filter == nil || filter(it) {
			out = append(out, *it)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (s *memoryStore) ListPending(ctx context.Context, limit int) ([]domain.PendingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sortedPendingLocked(nil)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryStore) ListPendingForEndUser(ctx context.Context, endUserID string) ([]domain.PendingItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedPendingLocked(func(it *domain.PendingItem) bool { return it.EndUserID == endUserID }), nil
}

func (s *memoryStore) HasPending(ctx context.Context, endUserID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range s.pending {
		if it.EndUserID == endUserID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memoryStore) DeletePending(ctx context.Context, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.pending, id)
	}
	return nil
}

func (s *memoryStore) CountPending(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending), nil
}

// ---- broadcasts ----

func (s *memoryStore) CreateBroadcast(ctx context.Context, b *domain.Broadcast, recipients []domain.BroadcastRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ID == "" {
		b.ID = domain.NewID()
	}
	if _, ok := s.broadcasts[b.ID]; ok {
		return ErrDuplicate
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	b.TargetCount = len(recipients)
	cp := *b
	s.broadcasts[b.ID] = &cp
	rs := make([]*domain.BroadcastRecipient, 0, len(recipients))
	for i := range recipients {
		r := recipients[i]
		if r.ID == "" {
			r.ID = domain.NewID()
		}
		r.BroadcastID = b.ID
		if r.Status == "" {
			r.Status = domain.RecipientPending
		}
		recipients[i] = r
		rc := r
		rs = append(rs, &rc)
		s.recipientBy[r.ID] = &rc
	}
	s.recipients[b.ID] = rs
	return nil
}

func (s *memoryStore) GetBroadcast(ctx context.Context, id string) (*domain.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyBroadcast(b), nil
}

func (s *memoryStore) ListBroadcasts(ctx context.Context, status domain.BroadcastStatus) ([]domain.Broadcast, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Broadcast
	for _, b := range s.broadcasts {
		if status != "" && b.Status != status {
			continue
		}
		out = append(out, *copyBroadcast(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *memoryStore) AdvanceBroadcast(ctx context.Context, id string, to domain.BroadcastStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return ErrNotFound
	}
	if to.Rank() <= b.Status.Rank() {
		return ErrStatusRegress
	}
	b.Status = to
	if to == domain.BroadcastSending {
		b.StartedAt = &at
	}
	if to.Terminal() {
		b.FinishedAt = &at
	}
	return nil
}

func (s *memoryStore) FinishBroadcast(ctx context.Context, id string, to domain.BroadcastStatus, sent, failed int, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.broadcasts[id]
	if !ok {
		return ErrNotFound
	}
	if !to.Terminal() || b.Status.Terminal() {
		return ErrStatusRegress
	}
	b.Status = to
	b.SentCount = sent
	b.FailedCount = failed
	b.FinishedAt = &at
	return nil
}

func (s *memoryStore) ListRecipients(ctx context.Context, broadcastID string, status domain.RecipientStatus) ([]domain.BroadcastRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.BroadcastRecipient
	for _, r := range s.recipients[broadcastID] {
		if status != "" && r.Status != status {
			continue
		}
		out = append(out, *copyRecipient(r))
	}
	return out, nil
}

func (s *memoryStore) FinishRecipient(ctx context.Context, r *domain.BroadcastRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.recipientBy[r.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status.Terminal() {
		return ErrRecipientTerminal
	}
	cur.Status = r.Status
	cur.Attempts = r.Attempts
	cur.LastError = r.LastError
	if r.SentAt != nil {
		t := *r.SentAt
		cur.SentAt = &t
	}
	return nil
}

func (s *memoryStore) CountRecipients(ctx context.Context, broadcastID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sent, failed := 0, 0
	for _, r := range s.recipients[broadcastID] {
		switch r.Status {
		case domain.RecipientSent:
			sent++
		case domain.RecipientFailed:
			failed++
		}
	}
	return sent, failed, nil
}

func copyBroadcast(b *domain.Broadcast) *domain.Broadcast {
	cp := *b
	if b.StartedAt != nil {
		t := *b.StartedAt
		cp.StartedAt = &t
	}
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

func copyRecipient(r *domain.BroadcastRecipient) *domain.BroadcastRecipient {
	cp := *r
	if r.SentAt != nil {
		t := *r.SentAt
		cp.SentAt = &t
	}
	return &cp
}
