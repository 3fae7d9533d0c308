package console

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"deskbot/internal/broadcast"
	"deskbot/internal/conversation"
	"deskbot/internal/domain"
	"deskbot/internal/inbound"
	"deskbot/internal/storage"
)

const historyLimit = 20

// userError is shown to the operator as is.
type userError string

func (e userError) Error() string { return string(e) }

func usage(cmd Command) error { return userError("Usage: " + cmd.Usage) }

func (c *Console) commands() []Command {
	cmds := []Command{
		{Name: "online", Usage: "/online", Description: "start receiving conversations", Handle: c.cmdOnline},
		{Name: "offline", Usage: "/offline", Description: "stop receiving conversations", Handle: c.cmdOffline},
		{Name: "active", Aliases: []string{"list"}, Usage: "/active", Description: "your active conversations", Handle: c.cmdActive},
		{Name: "reply", Aliases: []string{"r"}, Usage: "/reply <conv> <text>", Description: "answer an end user", Handle: c.cmdReply},
		{Name: "end", Usage: "/end <conv>", Description: "close a conversation", Handle: c.cmdEnd},
		{Name: "open", Usage: "/open <end user chat id>", Description: "start a conversation with a known end user", Handle: c.cmdOpen},
		{Name: "history", Aliases: []string{"h"}, Usage: "/history <conv>", Description: "recent messages of a conversation", Handle: c.cmdHistory},
		{Name: "pending", Usage: "/pending", Description: "messages waiting for an agent", Handle: c.cmdPending},
		{Name: "agents", Usage: "/agents", Description: "agent presence and load", Handle: c.cmdAgents},
		{Name: "broadcast", Usage: "/broadcast <text>", Description: "message every contacted end user", Access: AccessAdmin, Handle: c.cmdBroadcast},
		{Name: "bstatus", Usage: "/bstatus <id>", Description: "broadcast progress", Access: AccessAdmin, Handle: c.cmdBroadcastStatus},
	}
	return append(cmds, Command{Name: "help", Usage: "/help", Description: "this list", Handle: c.cmdHelp})
}

func (c *Console) lookup(name string) Command {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cmd := c.cmds[name]; cmd != nil {
		return *cmd
	}
	return Command{Name: name}
}

func (c *Console) cmdHelp(ctx context.Context, req *Request) error {
	c.mu.RLock()
	list := append([]Command(nil), c.list...)
	c.mu.RUnlock()

	lines := []string{"Commands:"}
	for _, cmd := range list {
		if cmd.Access == AccessAdmin && !req.Agent.IsAdmin() {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s - %s", cmd.Usage, cmd.Description))
	}
	lines = append(lines, "", "Plain messages go to your only active conversation.")
	c.say(ctx, req.Update.ChatID, strings.Join(lines, "\n"))
	return nil
}

func (c *Console) cmdOnline(ctx context.Context, req *Request) error {
	if err := c.svc.Directory.Connect(ctx, req.Agent.ID, req.Update.ChatID); err != nil {
		return err
	}
	c.say(ctx, req.Update.ChatID, "You are online. New conversations will be assigned to you.")
	return nil
}

func (c *Console) cmdOffline(ctx context.Context, req *Request) error {
	if err := c.svc.Directory.Disconnect(ctx, req.Agent.ID, req.Update.ChatID); err != nil {
		return err
	}
	c.say(ctx, req.Update.ChatID, "You are offline. Your active conversations stay open.")
	return nil
}

func (c *Console) cmdActive(ctx context.Context, req *Request) error {
	scope := req.Agent.ID
	if req.Agent.IsAdmin() {
		scope = ""
	}
	convs, err := c.svc.Conversations.ListActive(ctx, scope)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		c.say(ctx, req.Update.ChatID, "No active conversations.")
		return nil
	}
	lines := make([]string, 0, len(convs)+1)
	lines = append(lines, fmt.Sprintf("%d active:", len(convs)))
	for _, conv := range convs {
		line := fmt.Sprintf("%s %s since %s", shortID(conv.ID), c.endUserName(ctx, conv.EndUserID), conv.CreatedAt.Format("Jan 2 15:04"))
		if scope == "" {
			line += " (" + conv.AgentID + ")"
		}
		lines = append(lines, line)
	}
	c.say(ctx, req.Update.ChatID, strings.Join(lines, "\n"))
	return nil
}

func (c *Console) cmdReply(ctx context.Context, req *Request) error {
	token, body := cutWord(req.Rest)
	if token == "" || body == "" {
		return usage(c.lookup("reply"))
	}
	conv, err := c.resolveConversation(ctx, req, token)
	if err != nil {
		return err
	}
	_, err = c.svc.Conversations.Reply(ctx, req.actor(), conv.ID, c.classify(inbound.Event{Text: body}))
	return err
}

// cmdPlain sends a non-command operator message to their only active
// conversation.
func (c *Console) cmdPlain(ctx context.Context, req *Request) error {
	p := c.classify(inbound.EventFromUpdate(req.Update))
	if p.Empty() {
		return nil
	}
	convs, err := c.svc.Conversations.ListActive(ctx, req.Agent.ID)
	if err != nil {
		return err
	}
	switch len(convs) {
	case 0:
		return userError("You have no active conversation.")
	case 1:
		_, err = c.svc.Conversations.Reply(ctx, req.actor(), convs[0].ID, p)
		return err
	}
	return userError(fmt.Sprintf("You have %d active conversations. Use /reply <conv> <text> (see /active).", len(convs)))
}

func (c *Console) cmdEnd(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage(c.lookup("end"))
	}
	conv, err := c.resolveConversation(ctx, req, req.Args[0])
	if err != nil {
		return err
	}
	if _, err := c.svc.Conversations.End(ctx, req.actor(), conv.ID); err != nil {
		return err
	}
	c.say(ctx, req.Update.ChatID, "Conversation "+shortID(conv.ID)+" ended.")
	return nil
}

func (c *Console) cmdOpen(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage(c.lookup("open"))
	}
	eu, err := c.svc.EndUsers.GetEndUserByChannelID(ctx, req.Args[0])
	if err != nil {
		return err
	}
	conv, err := c.svc.Conversations.Open(ctx, req.Agent.ID, eu.ID)
	if err != nil {
		return err
	}
	c.say(ctx, req.Update.ChatID, fmt.Sprintf("Opened %s with %s.", shortID(conv.ID), displayName(eu)))
	return nil
}

func (c *Console) cmdHistory(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage(c.lookup("history"))
	}
	conv, err := c.resolveConversation(ctx, req, req.Args[0])
	if err != nil {
		return err
	}
	if !req.Agent.IsAdmin() && conv.AgentID != req.Agent.ID {
		return domain.ErrForbidden
	}
	msgs, err := c.svc.Conversations.History(ctx, conv.ID)
	if err != nil {
		return err
	}
	if len(msgs) > historyLimit {
		msgs = msgs[len(msgs)-historyLimit:]
	}
	name := c.endUserName(ctx, conv.EndUserID)
	lines := []string{fmt.Sprintf("%s with %s (%s)", shortID(conv.ID), name, conv.Status)}
	for _, m := range msgs {
		who := name
		if m.Sender == domain.SenderAgent {
			who = m.SenderID
		}
		lines = append(lines, fmt.Sprintf("%s %s: %s", m.CreatedAt.Format("15:04"), who, render(m.Payload)))
	}
	c.say(ctx, req.Update.ChatID, strings.Join(lines, "\n"))

	if conv.Status == domain.ConversationActive {
		if _, err := c.svc.Conversations.MarkRead(ctx, conv.ID); err != nil {
			req.Logger.Debug("mark read failed")
		}
	}
	return nil
}

func (c *Console) cmdPending(ctx context.Context, req *Request) error {
	n, err := c.svc.Pending.Len(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		c.say(ctx, req.Update.ChatID, "Nothing pending.")
		return nil
	}
	items, err := c.svc.Pending.List(ctx, 10)
	if err != nil {
		return err
	}
	lines := []string{fmt.Sprintf("%d pending:", n)}
	for _, it := range items {
		lines = append(lines, fmt.Sprintf("#%d %s: %s", it.Seq, c.endUserName(ctx, it.EndUserID), render(it.Payload)))
	}
	c.say(ctx, req.Update.ChatID, strings.Join(lines, "\n"))
	return nil
}

func (c *Console) cmdAgents(ctx context.Context, req *Request) error {
	agents, loads, err := c.svc.Directory.Loads(ctx)
	if err != nil {
		return err
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	lines := make([]string, 0, len(agents))
	for _, a := range agents {
		state := "offline"
		if a.Online {
			state = "online"
		}
		lines = append(lines, fmt.Sprintf("%s (%s, %s): %s, %d active", a.Name, a.ID, a.Role, state, loads[a.ID]))
	}
	if len(lines) == 0 {
		lines = append(lines, "No agents configured.")
	}
	c.say(ctx, req.Update.ChatID, strings.Join(lines, "\n"))
	return nil
}

func (c *Console) cmdBroadcast(ctx context.Context, req *Request) error {
	if req.Rest == "" {
		return usage(c.lookup("broadcast"))
	}
	id, err := c.svc.Broadcasts.Submit(ctx, broadcast.Request{
		Payload:  c.classify(inbound.Event{Text: req.Rest}),
		AuthorID: req.Agent.ID,
		All:      true,
	})
	if err != nil {
		return err
	}
	c.say(ctx, req.Update.ChatID, fmt.Sprintf("Broadcast %s queued. Check it with /bstatus %s", shortID(id), id))
	return nil
}

func (c *Console) cmdBroadcastStatus(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return usage(c.lookup("bstatus"))
	}
	b, err := c.svc.Broadcasts.Get(ctx, req.Args[0])
	if err != nil {
		return err
	}
	c.say(ctx, req.Update.ChatID, fmt.Sprintf("Broadcast %s: %s, sent %d, failed %d of %d",
		shortID(b.ID), b.Status, b.SentCount, b.FailedCount, b.TargetCount))
	return nil
}

// resolveConversation accepts a full id, or a unique prefix of one of the
// operator's active conversations.
func (c *Console) resolveConversation(ctx context.Context, req *Request, token string) (*domain.Conversation, error) {
	conv, err := c.svc.Conversations.Get(ctx, token)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	scope := req.Agent.ID
	if req.Agent.IsAdmin() {
		scope = ""
	}
	active, err := c.svc.Conversations.ListActive(ctx, scope)
	if err != nil {
		return nil, err
	}
	var hit *domain.Conversation
	for i := range active {
		if !strings.HasPrefix(active[i].ID, token) {
			continue
		}
		if hit != nil {
			return nil, userError("Ambiguous conversation id " + token + ".")
		}
		hit = &active[i]
	}
	if hit == nil {
		return nil, storage.ErrNotFound
	}
	return hit, nil
}

func (c *Console) classify(ev inbound.Event) domain.Payload {
	c.mu.RLock()
	labels := c.labels
	c.mu.RUnlock()
	return inbound.Classify(ev, labels)
}

func (c *Console) endUserName(ctx context.Context, id string) string {
	if c.svc.EndUsers == nil {
		return shortID(id)
	}
	eu, err := c.svc.EndUsers.GetEndUser(ctx, id)
	if err != nil {
		return shortID(id)
	}
	return displayName(eu)
}

func displayName(eu *domain.EndUser) string {
	switch {
	case eu.DisplayName != "":
		return eu.DisplayName
	case eu.Handle != "":
		return "@" + eu.Handle
	}
	return eu.ChannelID
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func render(p domain.Payload) string {
	body := strings.Join(strings.Fields(p.Body), " ")
	if p.Kind.HasAttachment() {
		return strings.TrimSpace("[" + strings.ToLower(string(p.Kind)) + "] " + body)
	}
	if r := []rune(body); len(r) > 120 {
		return string(r[:120]) + "…"
	}
	return body
}

func errText(err error) string {
	var ue userError
	var de *conversation.DeliveryError
	switch {
	case errors.As(err, &ue):
		return string(ue)
	case errors.As(err, &de):
		return "Saved, but delivery to the end user failed: " + de.Err.Error()
	case errors.Is(err, domain.ErrForbidden):
		return "That conversation belongs to another agent."
	case errors.Is(err, domain.ErrInvalidTransition):
		return "That conversation is not active."
	case errors.Is(err, storage.ErrActiveConversationExists):
		return "That end user already has an active conversation."
	case errors.Is(err, storage.ErrNotFound):
		return "Not found."
	case errors.Is(err, domain.ErrInvalidBroadcast):
		return "Nothing to broadcast, or nobody to send it to."
	case errors.Is(err, broadcast.ErrChannelUnavailable):
		return "The channel is unreachable; the broadcast was not started."
	case errors.Is(err, broadcast.ErrNotRunning):
		return "Broadcasts are not running right now."
	case errors.Is(err, domain.ErrStoreUnavailable):
		return "Storage is unavailable, try again shortly."
	}
	return "Something went wrong."
}
