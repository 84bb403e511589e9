// Package gateway is the router at the center of microclaw: it polls the
// message store, applies the trigger and quiet-period policies, and converts
// pending messages into agent runs through the group queue. It is the sole
// owner of the cursor triple.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hrygo/microclaw/ai/agent/runner"
	"github.com/hrygo/microclaw/internal/profile"
	"github.com/hrygo/microclaw/plugin/channels"
	"github.com/hrygo/microclaw/server/metrics"
	"github.com/hrygo/microclaw/server/queue"
	"github.com/hrygo/microclaw/server/status"
	"github.com/hrygo/microclaw/store"
)

// Sender is the outbound channel surface the gateway needs. Implemented by
// channels.Sender.
type Sender interface {
	SendMessage(ctx context.Context, jid, text string) error
	SetTyping(ctx context.Context, jid string, typing bool) error
	Owns(jid string) bool
}

// AgentRunner runs one agent invocation. Implemented by an adapter around
// runner.Runner; the indirection lets tests substitute a scripted agent.
type AgentRunner interface {
	Run(ctx context.Context, req *runner.RunRequest, onProcess func(queue.AgentProcess), onOutput func(*runner.ContainerOutput)) (*runner.ContainerOutput, error)
}

// Gateway routes messages between channels and agent runs.
type Gateway struct {
	profile *profile.Profile
	store   *store.Store
	queue   *queue.GroupQueue
	runner  AgentRunner
	tracker *status.Tracker
	sender  Sender
	isQuiet func(time.Time) bool
	metrics *metrics.Metrics

	cursors  *cursorState
	wasQuiet bool
}

// New creates a gateway. isQuiet and m may be nil.
func New(p *profile.Profile, st *store.Store, q *queue.GroupQueue, r AgentRunner, tracker *status.Tracker, sender Sender, isQuiet func(time.Time) bool, m *metrics.Metrics) *Gateway {
	if isQuiet == nil {
		isQuiet = func(time.Time) bool { return false }
	}
	return &Gateway{
		profile: p,
		store:   st,
		queue:   q,
		runner:  r,
		tracker: tracker,
		sender:  sender,
		isQuiet: isQuiet,
		metrics: m,
		cursors: newCursorState(st),
	}
}

// HandleInbound stores one channel message. This is the InboundSink handed
// to every channel adapter; the poll loop picks the message up on its next
// tick.
func (g *Gateway) HandleInbound(ctx context.Context, msg *channels.InboundMessage) {
	if g.metrics != nil {
		g.metrics.InboundMessages.Inc()
	}
	err := g.store.CreateMessage(ctx, &store.Message{
		ID:           msg.ID,
		ChatJID:      msg.ChatJID,
		Sender:       msg.Sender,
		Content:      msg.Content,
		Timestamp:    store.FormatTimestamp(msg.Timestamp),
		IsFromMe:     msg.IsFromMe,
		IsBotMessage: msg.IsBotMessage,
	})
	if err != nil {
		slog.Error("gateway: inbound message not stored", "jid", msg.ChatJID, "id", msg.ID, "error", err)
	}
}

// SendToMain delivers a system notice to the main group. Used by the
// credential loop, the quiet notifier and the auth retry path.
func (g *Gateway) SendToMain(ctx context.Context, text string) error {
	main, err := g.mainGroup(ctx)
	if err != nil {
		return err
	}
	if main == nil {
		slog.Warn("gateway: no main group registered, dropping notice", "text", text)
		return nil
	}
	return g.sender.SendMessage(ctx, main.JID, text)
}

func (g *Gateway) mainGroup(ctx context.Context) (*store.RegisteredGroup, error) {
	groups, err := g.store.ListRegisteredGroups(ctx)
	if err != nil {
		return nil, err
	}
	for _, group := range groups {
		if group.Folder == g.profile.MainFolder {
			return group, nil
		}
	}
	return nil, nil
}

// Recover restores consistency after a restart: pipe cursors are rolled
// back, the status tracker re-emits reactions for stranded messages, and
// groups with pending work get a message check. The tracker runs before any
// check is enqueued; a replay that finishes first would otherwise race a
// recovery pass that still sees its messages as stranded. Must run before
// Start.
func (g *Gateway) Recover(ctx context.Context) error {
	if err := g.cursors.load(ctx); err != nil {
		return err
	}
	g.wasQuiet = g.isQuiet(time.Now())

	for _, jid := range g.cursors.pipeJIDs() {
		if g.queue.IsActive(jid) {
			continue
		}
		rolled, err := g.cursors.rollbackPipe(ctx, jid)
		if err != nil {
			return err
		}
		if rolled {
			slog.Info("gateway: rolled back in-flight pipe from previous run", "jid", jid)
		}
	}

	if err := g.tracker.Recover(ctx); err != nil {
		return err
	}

	groups, err := g.store.ListRegisteredGroups(ctx)
	if err != nil {
		return err
	}
	for _, group := range groups {
		pending, err := g.store.MessagesSince(ctx, group.JID, g.cursors.agentCursor(group.JID))
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			g.enqueueCheck(group.JID)
		}
	}
	return nil
}

// Start runs the poll loop until ctx is cancelled. Errors never escape the
// loop; they are logged and the next tick proceeds.
func (g *Gateway) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(g.profile.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := g.tick(ctx); err != nil {
					slog.Error("gateway: poll tick failed", "error", err)
				}
			}
		}
	}()
}

func (g *Gateway) tick(ctx context.Context) error {
	if g.metrics != nil {
		g.metrics.Polls.Inc()
	}
	nowQuiet := g.isQuiet(time.Now())
	if g.wasQuiet && !nowQuiet {
		if err := g.catchUp(ctx); err != nil {
			slog.Error("gateway: catch-up after quiet period failed", "error", err)
		}
	}
	g.wasQuiet = nowQuiet

	groups, err := g.store.ListRegisteredGroups(ctx)
	if err != nil {
		return err
	}
	byJID := make(map[string]*store.RegisteredGroup, len(groups))
	jids := make([]string, 0, len(groups))
	for _, group := range groups {
		byJID[group.JID] = group
		jids = append(jids, group.JID)
	}
	if len(jids) == 0 {
		return nil
	}

	fresh, err := g.store.NewMessagesAcross(ctx, jids, g.cursors.lastTimestamp())
	if err != nil {
		return err
	}
	if len(fresh) == 0 {
		return nil
	}
	// The seen cursor advances no matter what happens below, so messages are
	// never re-observed.
	if err := g.cursors.advanceLast(ctx, fresh[len(fresh)-1].Timestamp); err != nil {
		return err
	}
	if nowQuiet {
		return nil
	}

	byChat := map[string][]*store.Message{}
	for _, m := range fresh {
		byChat[m.ChatJID] = append(byChat[m.ChatJID], m)
	}
	for jid, msgs := range byChat {
		group := byJID[jid]
		if group == nil || !g.sender.Owns(jid) {
			continue
		}
		g.routeChat(ctx, group, msgs)
	}
	return nil
}

// routeChat handles one chat's fresh messages on a poll tick: trigger
// policy, received reactions, then the pipe fast path or a queued check.
func (g *Gateway) routeChat(ctx context.Context, group *store.RegisteredGroup, fresh []*store.Message) {
	jid := group.JID
	isMain := group.Folder == g.profile.MainFolder
	name := assistantNameFor(group, g.profile.AssistantName)

	newUser := make([]*store.Message, 0, len(fresh))
	for _, m := range fresh {
		if isUserMessage(m) {
			newUser = append(newUser, m)
		}
	}
	if len(newUser) == 0 {
		return
	}
	if needsTrigger(group, g.profile.MainFolder) {
		triggered := false
		for _, m := range newUser {
			if isTrigger(m.Content, name) {
				triggered = true
				break
			}
		}
		// No mention: messages accumulate silently until the next trigger
		// pulls them in as context.
		if !triggered {
			return
		}
	}

	for _, m := range newUser {
		if err := g.tracker.MarkReceived(ctx, jid, m.ID, isMain); err != nil {
			slog.Warn("gateway: mark received failed", "jid", jid, "id", m.ID, "error", err)
		}
	}

	if g.tryPipe(ctx, group, newUser) {
		return
	}
	g.enqueueCheck(jid)
}

// tryPipe attempts the fast path: write the pending batch into a live
// container's stdin. On success the agent cursor advances past the batch
// and the pre-pipe cursor records the rollback target.
func (g *Gateway) tryPipe(ctx context.Context, group *store.RegisteredGroup, newUser []*store.Message) bool {
	jid := group.JID
	pending, err := g.store.MessagesSince(ctx, jid, g.cursors.agentCursor(jid))
	if err != nil {
		slog.Warn("gateway: pending load for pipe failed", "jid", jid, "error", err)
		return false
	}
	var lines []string
	var last string
	for _, m := range pending {
		if isUserMessage(m) {
			lines = append(lines, formatMessage(m))
		}
		last = m.Timestamp
	}
	if len(lines) == 0 {
		return true
	}

	if !g.queue.PipeMessage(jid, strings.Join(lines, "\n")) {
		if g.metrics != nil {
			g.metrics.PipeMisses.Inc()
		}
		return false
	}
	if g.metrics != nil {
		g.metrics.PipeHits.Inc()
	}

	// Bookkeeping order matters: record the rollback target before the
	// cursor moves past the piped batch.
	if err := g.cursors.markPipe(ctx, jid); err != nil {
		slog.Error("gateway: pipe cursor not persisted", "jid", jid, "error", err)
	}
	if err := g.cursors.setAgentCursor(ctx, jid, last); err != nil {
		slog.Error("gateway: agent cursor not persisted", "jid", jid, "error", err)
	}
	for _, m := range newUser {
		if err := g.tracker.MarkThinking(ctx, jid, m.ID); err != nil {
			slog.Warn("gateway: mark thinking failed", "jid", jid, "id", m.ID, "error", err)
		}
	}
	if err := g.sender.SetTyping(ctx, jid, true); err != nil {
		slog.Debug("gateway: typing toggle failed", "jid", jid, "error", err)
	}
	return true
}

func (g *Gateway) enqueueCheck(jid string) {
	g.queue.EnqueueMessageCheck(jid, func(jobCtx context.Context) {
		if err := g.ProcessGroupMessages(jobCtx, jid); err != nil {
			slog.Error("gateway: dispatch failed", "jid", jid, "error", err)
		}
	})
}

// catchUp runs on the quiet→active edge: greet the main group, list groups
// with accumulated messages, and enqueue their checks.
func (g *Gateway) catchUp(ctx context.Context) error {
	groups, err := g.store.ListRegisteredGroups(ctx)
	if err != nil {
		return err
	}
	type backlog struct {
		group *store.RegisteredGroup
		count int
	}
	var backlogs []backlog
	for _, group := range groups {
		pending, err := g.store.MessagesSince(ctx, group.JID, g.cursors.agentCursor(group.JID))
		if err != nil {
			return err
		}
		count := 0
		for _, m := range pending {
			if isUserMessage(m) {
				count++
			}
		}
		if count > 0 {
			backlogs = append(backlogs, backlog{group: group, count: count})
		}
	}
	sort.Slice(backlogs, func(i, j int) bool {
		return backlogs[i].group.Name < backlogs[j].group.Name
	})

	var sb strings.Builder
	sb.WriteString("I'm back online.")
	if len(backlogs) > 0 {
		sb.WriteString(" While I was away:\n")
		for _, b := range backlogs {
			fmt.Fprintf(&sb, "• %s: %d messages\n", b.group.Name, b.count)
		}
		sb.WriteString("Catching up on these now.")
	}
	if err := g.SendToMain(ctx, sb.String()); err != nil {
		slog.Warn("gateway: catch-up summary not delivered", "error", err)
	}
	for _, b := range backlogs {
		g.enqueueCheck(b.group.JID)
	}
	slog.Info("gateway: quiet period ended", "backlogs", len(backlogs))
	return nil
}
