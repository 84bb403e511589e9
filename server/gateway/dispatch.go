package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hrygo/microclaw/ai/agent/runner"
	"github.com/hrygo/microclaw/plugin/format"
	"github.com/hrygo/microclaw/server/queue"
	"github.com/hrygo/microclaw/store"
)

// ProcessGroupMessages is the message-check job body: it turns "new messages
// exist for this group" into a finished agent run with consistent cursors.
//
// The agent cursor is advanced optimistically before the run. On terminal
// error the rollback target depends on what happened first:
//   - output delivered, then messages piped: roll back to the pre-pipe
//     cursor only, so delivered work is not replayed;
//   - output delivered, nothing piped after: the run is charged as done;
//   - nothing delivered: roll back to the pre-advance cursor.
func (g *Gateway) ProcessGroupMessages(ctx context.Context, jid string) error {
	group, err := g.store.GetRegisteredGroup(ctx, jid)
	if err != nil {
		return err
	}
	if group == nil {
		return nil
	}
	isMain := group.Folder == g.profile.MainFolder

	pre := g.cursors.agentCursor(jid)
	pending, err := g.store.MessagesSince(ctx, jid, pre)
	if err != nil {
		return err
	}
	var userMsgs []*store.Message
	for _, m := range pending {
		if isUserMessage(m) {
			userMsgs = append(userMsgs, m)
		}
	}
	if len(userMsgs) == 0 {
		return nil
	}
	if needsTrigger(group, g.profile.MainFolder) {
		name := assistantNameFor(group, g.profile.AssistantName)
		triggered := false
		for _, m := range userMsgs {
			if isTrigger(m.Content, name) {
				triggered = true
				break
			}
		}
		if !triggered {
			return nil
		}
	}

	// Optimistic pre-advance. Rollback paths below reference pre.
	last := pending[len(pending)-1].Timestamp
	if err := g.cursors.setAgentCursor(ctx, jid, last); err != nil {
		return err
	}
	if g.metrics != nil {
		g.metrics.Dispatches.Inc()
	}

	userIDs := make([]string, 0, len(userMsgs))
	lines := make([]string, 0, len(userMsgs))
	for _, m := range userMsgs {
		userIDs = append(userIDs, m.ID)
		lines = append(lines, formatMessage(m))
		if err := g.tracker.MarkReceived(ctx, jid, m.ID, isMain); err != nil {
			slog.Warn("gateway: mark received failed", "jid", jid, "id", m.ID, "error", err)
		}
		if err := g.tracker.MarkThinking(ctx, jid, m.ID); err != nil {
			slog.Warn("gateway: mark thinking failed", "jid", jid, "id", m.ID, "error", err)
		}
	}

	sessionID, err := g.store.GetSession(ctx, group.Folder)
	if err != nil {
		slog.Warn("gateway: session load failed, starting fresh", "folder", group.Folder, "error", err)
	}
	req := &runner.RunRequest{
		GroupFolder: group.Folder,
		ChatJID:     jid,
		Prompt:      strings.Join(lines, "\n"),
		SessionID:   sessionID,
		IsMain:      isMain,
	}

	final, delivered, runErr := g.runAgent(ctx, agentRun{
		req:            req,
		deliverJID:     jid,
		userIDs:        userIDs,
		idleTimeout:    g.profile.IdleTimeout,
		persistSession: true,
	})
	if runErr != nil {
		g.failAndRollback(ctx, jid, pre)
		return runErr
	}

	switch final.Status {
	case runner.StatusSuccess:
		if err := g.tracker.MarkAllDone(ctx, jid); err != nil {
			slog.Warn("gateway: mark done failed", "jid", jid, "error", err)
		}
		g.queue.NotifyIdle(jid)
		if err := g.cursors.clearPipe(ctx, jid); err != nil {
			slog.Error("gateway: pipe cursor not cleared", "jid", jid, "error", err)
		}
		return nil
	default:
		_, piped := g.cursors.pipeCursor(jid)
		switch {
		case delivered && piped:
			// The user saw output for the pre-pipe prefix; only the piped
			// tail is replayed.
			if _, err := g.cursors.rollbackPipe(ctx, jid); err != nil {
				slog.Error("gateway: pipe rollback failed", "jid", jid, "error", err)
			}
			if err := g.tracker.MarkAllFailed(ctx, jid, true); err != nil {
				slog.Warn("gateway: mark failed failed", "jid", jid, "error", err)
			}
			g.enqueueCheck(jid)
		case delivered:
			// Output reached the user and nothing was piped afterwards: the
			// batch is charged as processed despite the error exit.
			if err := g.tracker.MarkAllDone(ctx, jid); err != nil {
				slog.Warn("gateway: mark done failed", "jid", jid, "error", err)
			}
		default:
			g.failAndRollback(ctx, jid, pre)
		}
		slog.Warn("gateway: agent run ended in error", "jid", jid, "delivered", delivered,
			"piped", piped, "error", final.Error)
		return nil
	}
}

// failAndRollback restores the agent cursor to pre and fails the cluster
// with one apology. Pending messages stay pending; the next trigger or the
// boot recovery pass retries them.
func (g *Gateway) failAndRollback(ctx context.Context, jid, pre string) {
	if err := g.cursors.setAgentCursor(ctx, jid, pre); err != nil {
		slog.Error("gateway: cursor rollback failed", "jid", jid, "error", err)
	}
	if err := g.cursors.clearPipe(ctx, jid); err != nil {
		slog.Error("gateway: pipe cursor not cleared", "jid", jid, "error", err)
	}
	if err := g.tracker.MarkAllFailed(ctx, jid, true); err != nil {
		slog.Warn("gateway: mark failed failed", "jid", jid, "error", err)
	}
}

// agentRun bundles the parameters of one streamed agent invocation.
type agentRun struct {
	req        *runner.RunRequest
	deliverJID string
	userIDs    []string
	// idleTimeout closes stdin after no results for that long. Interactive
	// runs use the profile idle timeout; scheduled tasks are single-turn and
	// use the short close delay after the first result instead.
	idleTimeout    time.Duration
	taskCloseDelay time.Duration
	persistSession bool
	// collect, when set, receives each delivered result text.
	collect func(text string)
}

// runAgent executes one agent run with the full streaming plumbing: process
// registration, idle timer, typing indicator, session persistence, working
// transitions and output delivery. Typing and the idle timer are released on
// every exit path.
func (g *Gateway) runAgent(ctx context.Context, run agentRun) (final *runner.ContainerOutput, delivered bool, err error) {
	jid := run.deliverJID

	var mu sync.Mutex
	var idleTimer *time.Timer
	var registered queue.AgentProcess
	lastSession := run.req.SessionID

	defer func() {
		mu.Lock()
		if idleTimer != nil {
			idleTimer.Stop()
		}
		proc := registered
		mu.Unlock()
		if proc != nil {
			g.queue.ClearProcess(jid, proc)
		}
		if typingErr := g.sender.SetTyping(context.WithoutCancel(ctx), jid, false); typingErr != nil {
			slog.Debug("gateway: typing toggle failed", "jid", jid, "error", typingErr)
		}
	}()

	if typingErr := g.sender.SetTyping(ctx, jid, true); typingErr != nil {
		slog.Debug("gateway: typing toggle failed", "jid", jid, "error", typingErr)
	}

	onProcess := func(proc queue.AgentProcess) {
		mu.Lock()
		registered = proc
		// An auth retry registers a replacement process; the previous
		// registration's timer must not close the new one's stdin early.
		if idleTimer != nil {
			idleTimer.Stop()
			idleTimer = nil
		}
		if run.idleTimeout > 0 {
			idleTimer = time.AfterFunc(run.idleTimeout, func() { g.queue.CloseStdin(jid) })
		}
		mu.Unlock()
		g.queue.RegisterProcess(jid, proc)
	}

	markedWorking := false
	onOutput := func(out *runner.ContainerOutput) {
		if run.persistSession && out.NewSessionID != "" && out.NewSessionID != lastSession {
			lastSession = out.NewSessionID
			if err := g.store.SetSession(ctx, run.req.GroupFolder, out.NewSessionID); err != nil {
				slog.Warn("gateway: session not persisted", "folder", run.req.GroupFolder, "error", err)
			}
		}
		if out.Type != runner.EventResult {
			return
		}
		// Every result, even one stripped to nothing, proves the agent is
		// alive and resets the timer.
		mu.Lock()
		switch {
		case run.taskCloseDelay > 0 && idleTimer == nil:
			idleTimer = time.AfterFunc(run.taskCloseDelay, func() { g.queue.CloseStdin(jid) })
		case run.taskCloseDelay > 0:
			// Single-turn close delay is armed once; later results do not
			// extend it.
		case idleTimer != nil:
			idleTimer.Reset(run.idleTimeout)
		}
		mu.Unlock()
		if out.Result == "" {
			return
		}
		if !markedWorking {
			markedWorking = true
			for _, id := range run.userIDs {
				if err := g.tracker.MarkWorking(ctx, jid, id); err != nil {
					slog.Warn("gateway: mark working failed", "jid", jid, "id", id, "error", err)
				}
			}
		}
		if err := g.sender.SendMessage(ctx, jid, format.ToPlainText(out.Result)); err != nil {
			slog.Error("gateway: result not delivered", "jid", jid, "error", err)
			return
		}
		delivered = true
		if run.collect != nil {
			run.collect(out.Result)
		}
	}

	final, err = g.runner.Run(ctx, run.req, onProcess, onOutput)
	if g.metrics != nil {
		label := "spawn-error"
		if final != nil {
			label = final.Status
		}
		g.metrics.ContainerRuns.WithLabelValues(label).Inc()
	}
	if run.persistSession && final != nil && final.NewSessionID != "" && final.NewSessionID != lastSession {
		if serr := g.store.SetSession(ctx, run.req.GroupFolder, final.NewSessionID); serr != nil {
			slog.Warn("gateway: session not persisted", "folder", run.req.GroupFolder, "error", serr)
		}
	}
	return final, delivered, err
}

// RunTask executes one scheduled task. This is the scheduler's RunFunc; it
// runs on the task's group queue worker so it serializes behind chat work.
func (g *Gateway) RunTask(ctx context.Context, task *store.ScheduledTask) (string, error) {
	sessionID := ""
	persistSession := false
	if task.ContextMode == store.ContextGroup {
		persistSession = true
		var err error
		if sessionID, err = g.store.GetSession(ctx, task.GroupFolder); err != nil {
			slog.Warn("gateway: task session load failed", "task", task.ID, "error", err)
		}
	}
	req := &runner.RunRequest{
		GroupFolder:     task.GroupFolder,
		ChatJID:         task.ChatJID,
		Prompt:          task.Prompt,
		SessionID:       sessionID,
		IsMain:          task.GroupFolder == g.profile.MainFolder,
		IsScheduledTask: true,
	}

	var results []string
	final, _, err := g.runAgent(ctx, agentRun{
		req:            req,
		deliverJID:     task.ChatJID,
		taskCloseDelay: g.profile.TaskCloseDelay,
		persistSession: persistSession,
		collect:        func(text string) { results = append(results, text) },
	})

	outcome := "error"
	defer func() {
		if g.metrics != nil {
			g.metrics.TaskRuns.WithLabelValues(outcome).Inc()
		}
	}()
	if err != nil {
		g.notifyTaskFailure(ctx, task, err.Error())
		return "", err
	}
	if final.Status != runner.StatusSuccess {
		g.notifyTaskFailure(ctx, task, final.Error)
		return "", fmt.Errorf("task run failed: %s", final.Error)
	}
	outcome = "success"
	g.queue.NotifyIdle(task.ChatJID)
	return strings.Join(results, "\n"), nil
}

func (g *Gateway) notifyTaskFailure(ctx context.Context, task *store.ScheduledTask, reason string) {
	text := fmt.Sprintf("Scheduled task %s failed: %s", task.ID, reason)
	if err := g.SendToMain(ctx, text); err != nil {
		slog.Warn("gateway: task failure notice not delivered", "task", task.ID, "error", err)
	}
}
