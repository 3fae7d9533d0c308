// Package console routes channel updates: operators (agents and admins
// listed in config) get a command interface, everyone else is handed to the
// inbound dispatcher.
package console

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"deskbot/internal/broadcast"
	"deskbot/internal/conversation"
	"deskbot/internal/domain"
	"deskbot/internal/inbound"
	"deskbot/internal/retry"
	rtsup "deskbot/internal/runtime/supervisor"
	"deskbot/internal/transport"
	logx "deskbot/pkg/logx"
)

type Access int

const (
	AccessAgent Access = iota
	AccessAdmin
)

type Command struct {
	Name        string
	Aliases     []string
	Usage       string
	Description string
	Access      Access
	Timeout     time.Duration
	Handle      HandlerFunc
}

// Request is one operator command or message.
type Request struct {
	Update  transport.Update
	Agent   domain.Agent
	Command string
	Args    []string
	// Rest is the text after the command word, whitespace kept.
	Rest   string
	ReqID  string
	Logger logx.Logger
}

func (r *Request) actor() conversation.Actor {
	return conversation.Actor{ID: r.Agent.ID, Role: r.Agent.Role}
}

// Directory tracks presence by connection; an operator chat is one connection.
type Directory interface {
	Connect(ctx context.Context, agentID, connID string) error
	Disconnect(ctx context.Context, agentID, connID string) error
	Loads(ctx context.Context) ([]domain.Agent, map[string]int, error)
}

type Conversations interface {
	Reply(ctx context.Context, actor conversation.Actor, conversationID string, p domain.Payload) (*domain.Message, error)
	End(ctx context.Context, actor conversation.Actor, conversationID string) (*domain.Conversation, error)
	Open(ctx context.Context, agentID, endUserID string) (*domain.Conversation, error)
	Get(ctx context.Context, conversationID string) (*domain.Conversation, error)
	History(ctx context.Context, conversationID string) ([]domain.Message, error)
	MarkRead(ctx context.Context, conversationID string) (int, error)
	ListActive(ctx context.Context, agentID string) ([]domain.Conversation, error)
}

type EndUsers interface {
	GetEndUser(ctx context.Context, id string) (*domain.EndUser, error)
	GetEndUserByChannelID(ctx context.Context, channelID string) (*domain.EndUser, error)
}

type Pending interface {
	List(ctx context.Context, limit int) ([]domain.PendingItem, error)
	Len(ctx context.Context) (int, error)
}

type Broadcasts interface {
	Submit(ctx context.Context, req broadcast.Request) (string, error)
	Get(ctx context.Context, id string) (*domain.Broadcast, error)
}

type Inbound interface {
	HandleInbound(ctx context.Context, ev inbound.Event) (inbound.Outcome, error)
}

type Services struct {
	Directory     Directory
	Conversations Conversations
	EndUsers      EndUsers
	Pending       Pending
	Broadcasts    Broadcasts
	Inbound       Inbound
}

type Options struct {
	// Workers is the number of lanes. Updates of one chat always share a
	// lane, so they are handled in arrival order.
	Workers        int
	LaneSize       int
	CommandTimeout time.Duration
	Labels         inbound.Labels
}

type Console struct {
	log  logx.Logger
	ch   transport.Channel
	svc  Services
	opts Options

	mu        sync.RWMutex
	operators map[string]domain.Agent // by chat id
	labels    inbound.Labels
	cmds      map[string]*Command
	list      []Command
}

func New(ch transport.Channel, svc Services, log logx.Logger, opts Options) *Console {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.LaneSize <= 0 {
		opts.LaneSize = 64
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	c := &Console{log: log, ch: ch, svc: svc, opts: opts, operators: map[string]domain.Agent{}}
	c.SetLabels(opts.Labels)
	c.setRegistry(c.commands())
	return c
}

// SetOperators replaces the chat id to agent mapping. Agents without a chat
// id cannot use the console.
func (c *Console) SetOperators(agents []domain.Agent) {
	ops := make(map[string]domain.Agent, len(agents))
	for _, a := range agents {
		if a.ChatID != "" {
			ops[a.ChatID] = a
		}
	}
	c.mu.Lock()
	c.operators = ops
	c.mu.Unlock()
}

func (c *Console) SetLabels(l inbound.Labels) {
	c.mu.Lock()
	c.labels = l
	c.mu.Unlock()
}

func (c *Console) operator(chatID string) (domain.Agent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.operators[chatID]
	return a, ok
}

func (c *Console) setRegistry(cmds []Command) {
	byName := map[string]*Command{}
	for i := range cmds {
		cmd := &cmds[i]
		byName[cmd.Name] = cmd
		for _, a := range cmd.Aliases {
			if _, taken := byName[a]; !taken {
				byName[a] = cmd
			}
		}
	}
	c.mu.Lock()
	c.cmds = byName
	c.list = cmds
	c.mu.Unlock()
}

// Run dispatches updates until ctx is done or updates is closed.
func (c *Console) Run(ctx context.Context, updates <-chan transport.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(c.log.With(logx.String("comp", "console"))),
		rtsup.WithCancelOnError(false),
	)
	lanes := make([]chan transport.Update, c.opts.Workers)
	for i := range lanes {
		lane := make(chan transport.Update, c.opts.LaneSize)
		lanes[i] = lane
		sup.GoRestart("lane."+strconv.Itoa(i), func(ctx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case up, ok := <-lane:
					if !ok {
						return nil
					}
					c.Handle(ctx, up)
				}
			}
		}, rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second))
	}
	c.log.Info("console started", logx.Int("lanes", len(lanes)))

	defer func() {
		for _, l := range lanes {
			close(l)
		}
		// Wait briefly for lanes to drain.
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		c.log.Info("console stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			select {
			case lanes[laneOf(up.ChatID, len(lanes))] <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func laneOf(chatID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(chatID))
	return int(h.Sum32() % uint32(n))
}

// Handle processes one update synchronously.
func (c *Console) Handle(ctx context.Context, up transport.Update) {
	agent, ok := c.operator(up.ChatID)
	if !ok {
		c.handleEndUser(ctx, up)
		return
	}

	text := strings.TrimSpace(up.Text)
	req := &Request{Update: up, Agent: agent, ReqID: newReqID()}
	var cmd *Command
	if strings.HasPrefix(text, "/") {
		word, rest := cutWord(text)
		word = strings.TrimPrefix(word, "/")
		if i := strings.IndexByte(word, '@'); i >= 0 {
			word = word[:i]
		}
		c.mu.RLock()
		cmd = c.cmds[strings.ToLower(word)]
		c.mu.RUnlock()
		if cmd == nil {
			c.say(ctx, up.ChatID, "Unknown command. Try /help")
			return
		}
		req.Command, req.Rest, req.Args = cmd.Name, rest, strings.Fields(rest)
	} else {
		cmd = &Command{Name: "message", Handle: c.cmdPlain}
		req.Command = cmd.Name
	}

	if cmd.Access == AccessAdmin && !agent.IsAdmin() {
		c.say(ctx, up.ChatID, "Only admins can do that.")
		return
	}
	req.Logger = c.log.With(
		logx.String("rid", req.ReqID),
		logx.String("agent_id", agent.ID),
		logx.String("cmd", req.Command),
	)

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = c.opts.CommandTimeout
	}
	final := Chain(cmd.Handle,
		MWPanicRecover(c.log),
		MWRequestLog(c.log),
		MWTimeout(timeout),
	)
	if err := final(ctx, req); err != nil {
		c.say(ctx, up.ChatID, errText(err))
	}
}

// handleEndUser retries store outages; the dispatcher releases the event's
// dedup key on such failures so the retry is processed.
func (c *Console) handleEndUser(ctx context.Context, up transport.Update) {
	if c.svc.Inbound == nil {
		return
	}
	ev := inbound.EventFromUpdate(up)
	policy := retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second, Jitter: 0.2}
	var out inbound.Outcome
	_, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
		var err error
		out, err = c.svc.Inbound.HandleInbound(ctx, ev)
		return err
	}, retry.WithClassifier(func(err error) bool { return !errors.Is(err, domain.ErrStoreUnavailable) }))
	if err != nil {
		c.log.Error("inbound message lost",
			logx.String("event_id", ev.ExternalEventID),
			logx.String("chat_id", ev.SenderChannelID),
			logx.Err(err))
		return
	}
	c.log.Trace("inbound", logx.String("event_id", ev.ExternalEventID), logx.String("outcome", out.String()))
}

func (c *Console) say(ctx context.Context, chatID, text string) {
	if c.ch == nil {
		return
	}
	if err := c.ch.SendText(ctx, chatID, text); err != nil {
		c.log.Warn("console reply failed", logx.String("chat_id", chatID), logx.Err(err))
	}
}

func newReqID() string { return uuid.NewString()[:8] }

// cutWord splits off the first whitespace separated word.
func cutWord(s string) (word, rest string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t\r\n")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}
