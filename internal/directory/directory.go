// Package directory tracks agent presence and picks the agent for a new
// conversation.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"deskbot/internal/domain"
	"deskbot/internal/storage"
	logx "deskbot/pkg/logx"
)

type Options struct {
	// MaxActivePerAgent excludes agents at this many ACTIVE conversations; 0 is unlimited.
	MaxActivePerAgent int
}

// Directory is safe for concurrent use.
//
// NextAvailableAgent reads loads from the store on every call and reserves
// nothing, so two concurrent calls may pick the same agent. The store's one
// active conversation per end user rule still holds.
type Directory struct {
	store storage.AgentStore
	log   logx.Logger

	mu        sync.Mutex
	conns     map[string]map[string]struct{} // agent id -> connection ids
	onOnline  func(agentID string)
	maxActive int
}

func New(store storage.AgentStore, log logx.Logger, opt Options) *Directory {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Directory{
		store:     store,
		log:       log,
		conns:     map[string]map[string]struct{}{},
		maxActive: opt.MaxActivePerAgent,
	}
}

// SetOnlineHook installs fn, called after an agent goes from offline to online.
func (d *Directory) SetOnlineHook(fn func(agentID string)) {
	d.mu.Lock()
	d.onOnline = fn
	d.mu.Unlock()
}

func (d *Directory) SetCapacity(maxActive int) {
	d.mu.Lock()
	d.maxActive = maxActive
	d.mu.Unlock()
}

// SeedAgents upserts the configured agents, all offline.
func (d *Directory) SeedAgents(ctx context.Context, agents []domain.Agent) error {
	for i := range agents {
		a := agents[i]
		a.Online = false
		if err := d.store.UpsertAgent(ctx, &a); err != nil {
			return domain.Unavailable("upsert agent", err)
		}
	}
	return nil
}

// NextAvailableAgent returns the online agent with the fewest ACTIVE
// conversations. Ties go to the lowest agent id.
func (d *Directory) NextAvailableAgent(ctx context.Context) (*domain.Agent, error) {
	return d.NextAvailableAgentExcept(ctx, nil)
}

// NextAvailableAgentExcept is NextAvailableAgent with the agents in skip left
// out. A drain pass uses it to hand each agent at most one new conversation.
func (d *Directory) NextAvailableAgentExcept(ctx context.Context, skip map[string]bool) (*domain.Agent, error) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, domain.Unavailable("list agents", err)
	}
	loads, err := d.store.ActiveConversationCounts(ctx)
	if err != nil {
		return nil, domain.Unavailable("count active conversations", err)
	}
	d.mu.Lock()
	maxActive := d.maxActive
	d.mu.Unlock()

	var online []domain.Agent
	for _, a := range agents {
		if !a.Online || skip[a.ID] {
			continue
		}
		if maxActive > 0 && loads[a.ID] >= maxActive {
			continue
		}
		online = append(online, a)
	}
	if len(online) == 0 {
		return nil, domain.ErrNoAgentAvailable
	}
	sort.Slice(online, func(i, j int) bool {
		li, lj := loads[online[i].ID], loads[online[j].ID]
		if li != lj {
			return li < lj
		}
		return online[i].ID < online[j].ID
	})
	best := online[0]
	return &best, nil
}

// Loads returns every agent with its ACTIVE conversation count.
func (d *Directory) Loads(ctx context.Context) ([]domain.Agent, map[string]int, error) {
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, nil, domain.Unavailable("list agents", err)
	}
	loads, err := d.store.ActiveConversationCounts(ctx)
	if err != nil {
		return nil, nil, domain.Unavailable("count active conversations", err)
	}
	return agents, loads, nil
}

// Connect registers a live connection; the first one marks the agent online.
func (d *Directory) Connect(ctx context.Context, agentID, connID string) error {
	d.mu.Lock()
	set := d.conns[agentID]
	if set == nil {
		set = map[string]struct{}{}
		d.conns[agentID] = set
	}
	set[connID] = struct{}{}
	first := len(set) == 1
	d.mu.Unlock()

	if !first {
		return nil
	}
	return d.SetOnline(ctx, agentID, true)
}

// Disconnect drops a connection; the agent goes offline with the last one.
func (d *Directory) Disconnect(ctx context.Context, agentID, connID string) error {
	d.mu.Lock()
	set := d.conns[agentID]
	_, had := set[connID]
	delete(set, connID)
	last := had && len(set) == 0
	if len(set) == 0 {
		delete(d.conns, agentID)
	}
	d.mu.Unlock()

	if !last {
		return nil
	}
	return d.SetOnline(ctx, agentID, false)
}

// Connections returns the live connection count of an agent.
func (d *Directory) Connections(agentID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns[agentID])
}

// SetOnline persists the flag. Going online runs the online hook.
func (d *Directory) SetOnline(ctx context.Context, agentID string, online bool) error {
	cur, err := d.store.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrNotFound) {
		return err
	}
	if err != nil {
		return domain.Unavailable("get agent", err)
	}
	if err := d.store.SetAgentOnline(ctx, agentID, online); err != nil {
		return domain.Unavailable("set agent online", err)
	}
	d.log.Info("agent presence", logx.String("agent_id", agentID), logx.Bool("online", online))

	if online && !cur.Online {
		d.mu.Lock()
		hook := d.onOnline
		d.mu.Unlock()
		if hook != nil {
			hook(agentID)
		}
	}
	return nil
}

// SyncAgents applies a new agent list without touching presence. Agents that
// are no longer listed are marked offline so they stop receiving work.
func (d *Directory) SyncAgents(ctx context.Context, agents []domain.Agent) error {
	keep := make(map[string]bool, len(agents))
	for i := range agents {
		a := agents[i]
		keep[a.ID] = true
		cur, err := d.store.GetAgent(ctx, a.ID)
		switch {
		case err == nil:
			a.Online = cur.Online
		case errors.Is(err, storage.ErrNotFound):
			a.Online = false
		default:
			return domain.Unavailable("get agent", err)
		}
		if err := d.store.UpsertAgent(ctx, &a); err != nil {
			return domain.Unavailable("upsert agent", err)
		}
	}
	all, err := d.store.ListAgents(ctx)
	if err != nil {
		return domain.Unavailable("list agents", err)
	}
	for _, a := range all {
		if keep[a.ID] || !a.Online {
			continue
		}
		if err := d.store.SetAgentOnline(ctx, a.ID, false); err != nil {
			return domain.Unavailable("set agent online", err)
		}
		d.log.Info("agent removed from config; now offline", logx.String("agent_id", a.ID))
	}
	return nil
}
