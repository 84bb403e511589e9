// Package status tracks the visible lifecycle of each user message and
// mirrors it to the chat as an emoji reaction. States move through a DAG,
// received -> thinking -> working -> done|failed, and the database guards
// every transition so reactions never move backwards even when updates race.
package status

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hrygo/microclaw/plugin/channels"
	"github.com/hrygo/microclaw/server/metrics"
	"github.com/hrygo/microclaw/store"
)

// apologyText is sent once per failed message cluster, never per message.
const apologyText = "Sorry, something went wrong on my end. Please try again."

// nonTerminal are the states a crash or shutdown can strand a message in.
var nonTerminal = []string{store.StatusReceived, store.StatusThinking, store.StatusWorking}

// StateEmoji maps a lifecycle state to its reaction emoji.
func StateEmoji(state string) string {
	switch state {
	case store.StatusReceived:
		return "👀"
	case store.StatusThinking:
		return "🤔"
	case store.StatusWorking:
		return "⚙️"
	case store.StatusDone:
		return "✅"
	case store.StatusFailed:
		return "❌"
	default:
		return ""
	}
}

// Notifier is the channel surface the tracker needs. Implemented by
// channels.Sender.
type Notifier interface {
	SendMessage(ctx context.Context, jid, text string) error
	SendReaction(ctx context.Context, jid string, key channels.MessageKey, emoji string) error
}

// Tracker persists message lifecycle state and mirrors it as reactions.
type Tracker struct {
	store    *store.Store
	notifier Notifier
	metrics  *metrics.Metrics
}

// NewTracker creates a tracker. m may be nil.
func NewTracker(st *store.Store, notifier Notifier, m *metrics.Metrics) *Tracker {
	return &Tracker{store: st, notifier: notifier, metrics: m}
}

// react sends the emoji for state. Reaction failures are logged, never
// propagated: the persisted state is the source of truth and a missing
// emoji is cosmetic.
func (t *Tracker) react(ctx context.Context, chatJID, messageID, state string) {
	key := channels.MessageKey{ID: messageID, RemoteJID: chatJID}
	if err := t.notifier.SendReaction(ctx, chatJID, key, StateEmoji(state)); err != nil {
		slog.Warn("status: reaction failed", "jid", chatJID, "message", messageID, "state", state, "error", err)
		return
	}
	if t.metrics != nil {
		t.metrics.ReactionSends.Inc()
	}
}

// MarkReceived records a new message and reacts 👀. Idempotent: a message
// already tracked keeps its current state and gets no duplicate reaction.
func (t *Tracker) MarkReceived(ctx context.Context, chatJID, messageID string, isMain bool) error {
	created, err := t.store.CreateMessageStatus(ctx, &store.MessageStatus{
		MessageID: messageID,
		ChatJID:   chatJID,
		IsMain:    isMain,
		State:     store.StatusReceived,
		UpdatedTs: time.Now().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if created {
		t.react(ctx, chatJID, messageID, store.StatusReceived)
	}
	return nil
}

// advance moves one message forward in the DAG. The reaction is only sent
// when the guarded update actually applied.
func (t *Tracker) advance(ctx context.Context, chatJID, messageID, state string) error {
	applied, err := t.store.UpdateMessageStatusState(ctx, messageID, state, store.StatusPredecessors(state))
	if err != nil {
		return err
	}
	if applied {
		t.react(ctx, chatJID, messageID, state)
	}
	return nil
}

// MarkThinking moves a message to thinking 🤔.
func (t *Tracker) MarkThinking(ctx context.Context, chatJID, messageID string) error {
	return t.advance(ctx, chatJID, messageID, store.StatusThinking)
}

// MarkWorking moves a message to working ⚙️.
func (t *Tracker) MarkWorking(ctx context.Context, chatJID, messageID string) error {
	return t.advance(ctx, chatJID, messageID, store.StatusWorking)
}

// MarkAllDone resolves every in-flight message of the chat as done ✅.
func (t *Tracker) MarkAllDone(ctx context.Context, chatJID string) error {
	return t.resolveChat(ctx, chatJID, store.StatusDone, false)
}

// MarkAllFailed resolves every in-flight message of the chat as failed ❌
// and, when notify is set, sends one apology for the whole cluster.
func (t *Tracker) MarkAllFailed(ctx context.Context, chatJID string, notify bool) error {
	return t.resolveChat(ctx, chatJID, store.StatusFailed, notify)
}

func (t *Tracker) resolveChat(ctx context.Context, chatJID, state string, notify bool) error {
	stranded, err := t.store.ListMessageStatuses(ctx, &store.FindMessageStatus{
		ChatJID: chatJID,
		States:  nonTerminal,
	})
	if err != nil {
		return err
	}
	resolved := 0
	for _, ms := range stranded {
		applied, err := t.store.UpdateMessageStatusState(ctx, ms.MessageID, state, store.StatusPredecessors(state))
		if err != nil {
			return err
		}
		if applied {
			t.react(ctx, chatJID, ms.MessageID, state)
			resolved++
		}
	}
	if notify && resolved > 0 {
		if err := t.notifier.SendMessage(ctx, chatJID, apologyText); err != nil {
			slog.Warn("status: apology failed", "jid", chatJID, "error", err)
		}
	}
	return nil
}

// Recover runs at boot: every message stranded in a non-terminal state gets
// its current reaction re-emitted. No state moves and no apology is sent;
// the replayed dispatch resolves each message, and a duplicate reaction is
// harmless where a premature ❌ would contradict the replay's answer.
func (t *Tracker) Recover(ctx context.Context) error {
	stranded, err := t.store.ListMessageStatuses(ctx, &store.FindMessageStatus{States: nonTerminal})
	if err != nil {
		return err
	}
	for _, ms := range stranded {
		t.react(ctx, ms.ChatJID, ms.MessageID, ms.State)
	}
	if len(stranded) > 0 {
		slog.Info("status: re-emitted reactions for in-flight messages", "messages", len(stranded))
	}
	return nil
}

// HeartbeatCheck fails statuses whose chat has no running or queued work.
// That combination means the dispatch that owned them died without
// resolving, so they would otherwise show 🤔 forever.
func (t *Tracker) HeartbeatCheck(ctx context.Context, isActive func(chatJID string) bool) error {
	stranded, err := t.store.ListMessageStatuses(ctx, &store.FindMessageStatus{States: nonTerminal})
	if err != nil {
		return err
	}
	chats := map[string]bool{}
	for _, ms := range stranded {
		chats[ms.ChatJID] = true
	}
	for chatJID := range chats {
		if isActive(chatJID) {
			continue
		}
		slog.Warn("status: stale statuses on idle chat, failing them", "jid", chatJID)
		if err := t.MarkAllFailed(ctx, chatJID, true); err != nil {
			return err
		}
	}
	return nil
}

// StartHeartbeat runs HeartbeatCheck on a ticker until ctx is cancelled.
func (t *Tracker) StartHeartbeat(ctx context.Context, interval time.Duration, isActive func(chatJID string) bool) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := t.HeartbeatCheck(ctx, isActive); err != nil {
					slog.Warn("status: heartbeat check failed", "error", err)
				}
			}
		}
	}()
}

// Shutdown fails all in-flight messages across chats in parallel. Every chat
// is attempted even when one fails.
func (t *Tracker) Shutdown(ctx context.Context) error {
	stranded, err := t.store.ListMessageStatuses(ctx, &store.FindMessageStatus{States: nonTerminal})
	if err != nil {
		return err
	}
	chats := map[string]bool{}
	for _, ms := range stranded {
		chats[ms.ChatJID] = true
	}
	var g errgroup.Group
	for chatJID := range chats {
		chatJID := chatJID
		g.Go(func() error {
			return t.MarkAllFailed(ctx, chatJID, true)
		})
	}
	return g.Wait()
}
