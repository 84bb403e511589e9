package gateway

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hrygo/microclaw/ai/agent/runner"
	"github.com/hrygo/microclaw/internal/profile"
	"github.com/hrygo/microclaw/plugin/channels"
	"github.com/hrygo/microclaw/server/queue"
	"github.com/hrygo/microclaw/server/status"
	"github.com/hrygo/microclaw/store"
	"github.com/hrygo/microclaw/store/db/sqlite"
)

const (
	mainJID   = "main@g.us"
	familyJID = "family@g.us"
)

// fakeChannel is both the gateway's Sender and the tracker's Notifier.
type fakeChannel struct {
	mu        sync.Mutex
	sent      []string // "jid|text"
	reactions map[string][]string
	typing    map[string][]bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		reactions: map[string][]string{},
		typing:    map[string][]bool{},
	}
}

func (f *fakeChannel) SendMessage(ctx context.Context, jid, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, jid+"|"+text)
	return nil
}

func (f *fakeChannel) SendReaction(ctx context.Context, jid string, key channels.MessageKey, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions[key.ID] = append(f.reactions[key.ID], emoji)
	return nil
}

func (f *fakeChannel) SetTyping(ctx context.Context, jid string, typing bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing[jid] = append(f.typing[jid], typing)
	return nil
}

func (f *fakeChannel) Owns(jid string) bool { return true }

func (f *fakeChannel) sentTo(jid string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, s := range f.sent {
		if text, ok := strings.CutPrefix(s, jid+"|"); ok {
			out = append(out, text)
		}
	}
	return out
}

func (f *fakeChannel) emojis(messageID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions[messageID]...)
}

// fakeProcess implements queue.AgentProcess for the pipe path.
type fakeProcess struct {
	mu     sync.Mutex
	lines  []string
	closes int
}

func (f *fakeProcess) WriteLine(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeProcess) CloseStdin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeProcess) Kill() {}

func (f *fakeProcess) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// scriptedRun describes one fakeRunner invocation.
type scriptedRun struct {
	outputs []*runner.ContainerOutput
	final   *runner.ContainerOutput
	err     error
	proc    queue.AgentProcess
	// reRegister runs after outputs with the run's process callback, so a
	// script can register a replacement process the way an in-run retry
	// respawns the container.
	reRegister func(register func(queue.AgentProcess))
	// during runs after outputs are emitted and before the run returns,
	// with the process still registered. Used to simulate mid-run pipes.
	during func()
}

type fakeRunner struct {
	mu     sync.Mutex
	script []scriptedRun
	runs   []*runner.RunRequest
}

func (f *fakeRunner) Run(ctx context.Context, req *runner.RunRequest, onProcess func(queue.AgentProcess), onOutput func(*runner.ContainerOutput)) (*runner.ContainerOutput, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	var run scriptedRun
	if len(f.script) > 0 {
		run = f.script[0]
		f.script = f.script[1:]
	} else {
		run = scriptedRun{final: &runner.ContainerOutput{Type: runner.EventStatus, Status: runner.StatusSuccess}}
	}
	f.mu.Unlock()

	if run.proc != nil && onProcess != nil {
		onProcess(run.proc)
	}
	for _, out := range run.outputs {
		if onOutput != nil {
			onOutput(out)
		}
	}
	if run.reRegister != nil && onProcess != nil {
		run.reRegister(onProcess)
	}
	if run.during != nil {
		run.during()
	}
	return run.final, run.err
}

func (f *fakeRunner) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.runs))
	for _, r := range f.runs {
		out = append(out, r.Prompt)
	}
	return out
}

type harness struct {
	g       *Gateway
	store   *store.Store
	queue   *queue.GroupQueue
	channel *fakeChannel
	runner  *fakeRunner
	quiet   bool
	mu      sync.Mutex
}

func (h *harness) setQuiet(quiet bool) {
	h.mu.Lock()
	h.quiet = quiet
	h.mu.Unlock()
}

func (h *harness) isQuiet(time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.quiet
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	p := &profile.Profile{
		Mode:           "dev",
		Driver:         "sqlite",
		DSN:            filepath.Join(t.TempDir(), "test.db"),
		Data:           t.TempDir(),
		PollInterval:   10 * time.Millisecond,
		IdleTimeout:    time.Minute,
		TaskCloseDelay: 10 * time.Millisecond,
		AssistantName:  "Andy",
		MainFolder:     "main",
	}
	require.NoError(t, os.MkdirAll(p.GroupsRoot(), 0o755))

	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(ctx))

	for _, group := range []*store.RegisteredGroup{
		{JID: mainJID, Name: "Main", Folder: "main"},
		{JID: familyJID, Name: "Family", Folder: "family", RequiresTrigger: true},
	} {
		_, err := st.UpsertRegisteredGroup(ctx, group)
		require.NoError(t, err)
	}

	h := &harness{
		store:   st,
		queue:   queue.NewGroupQueue(),
		channel: newFakeChannel(),
		runner:  &fakeRunner{},
	}
	t.Cleanup(func() { h.queue.Shutdown(time.Second) })
	tracker := status.NewTracker(st, h.channel, nil)
	h.g = New(p, st, h.queue, h.runner, tracker, h.channel, h.isQuiet, nil)
	require.NoError(t, h.g.cursors.load(ctx))
	return h
}

func ts(unixNano int64) string {
	return store.FormatTimestamp(time.Unix(0, unixNano))
}

func (h *harness) addMessage(t *testing.T, jid, id, content string, unixNano int64) {
	t.Helper()
	require.NoError(t, h.store.CreateMessage(context.Background(), &store.Message{
		ID:        id,
		ChatJID:   jid,
		Sender:    "alice",
		Content:   content,
		Timestamp: ts(unixNano),
	}))
}

func (h *harness) waitQueueIdle(t *testing.T, jid string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if !h.queue.IsActive(jid) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("queue for %s still active", jid)
}

func TestIsTrigger(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"@Andy hello", true},
		{"@andy hello", true},
		{"  @ANDY do it", true},
		{"@Andy", true},
		{"@Andyman hello", false},
		{"hello @Andy", false},
		{"andy hello", false},
		{"", false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isTrigger(tt.content, "Andy"), "content %q", tt.content)
	}
}

func TestDispatchSimpleTrigger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addMessage(t, familyJID, "a", "@Andy hello", 10)
	h.runner.script = []scriptedRun{{
		outputs: []*runner.ContainerOutput{
			{Type: runner.EventResult, Result: "hi", NewSessionID: "s-1"},
		},
		final: &runner.ContainerOutput{Type: runner.EventStatus, Status: runner.StatusSuccess, NewSessionID: "s-1"},
	}}

	require.NoError(t, h.g.ProcessGroupMessages(ctx, familyJID))

	require.Equal(t, []string{"hi"}, h.channel.sentTo(familyJID))
	require.Equal(t, []string{"👀", "🤔", "⚙️", "✅"}, h.channel.emojis("a"))
	require.Equal(t, ts(10), h.g.cursors.agentCursor(familyJID))

	sess, err := h.store.GetSession(ctx, "family")
	require.NoError(t, err)
	require.Equal(t, "s-1", sess)

	// Typing toggled on and off around the run.
	require.Equal(t, []bool{true, false}, h.channel.typing[familyJID])
}

func TestMissingTriggerAccumulates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.addMessage(t, familyJID, "b", "just chatter", 11)
	require.NoError(t, h.g.ProcessGroupMessages(ctx, familyJID))
	require.Empty(t, h.runner.prompts())
	require.Equal(t, "", h.g.cursors.agentCursor(familyJID))

	h.addMessage(t, familyJID, "c", "@Andy summarize", 12)
	require.NoError(t, h.g.ProcessGroupMessages(ctx, familyJID))

	prompts := h.runner.prompts()
	require.Len(t, prompts, 1)
	require.Contains(t, prompts[0], "just chatter")
	require.Contains(t, prompts[0], "@Andy summarize")
	require.Equal(t, ts(12), h.g.cursors.agentCursor(familyJID))
}

func TestMainGroupNeedsNoTrigger(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addMessage(t, mainJID, "m", "plain message", 10)

	require.NoError(t, h.g.ProcessGroupMessages(ctx, mainJID))
	require.Len(t, h.runner.prompts(), 1)
}

func TestErrorWithoutOutputRollsBack(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addMessage(t, familyJID, "a", "@Andy hello", 10)
	h.runner.script = []scriptedRun{{
		final: &runner.ContainerOutput{Type: runner.EventStatus, Status: runner.StatusError, Error: "agent crashed"},
	}}

	require.NoError(t, h.g.ProcessGroupMessages(ctx, familyJID))

	require.Equal(t, "", h.g.cursors.agentCursor(familyJID), "cursor rolled back to pre-advance")
	require.Equal(t, []string{"👀", "🤔", "❌"}, h.channel.emojis("a"))
	require.Len(t, h.channel.sentTo(familyJID), 1, "one apology")
}

func TestErrorAfterDeliveryWithoutPipeIsCharged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addMessage(t, familyJID, "a", "@Andy hello", 10)
	h.runner.script = []scriptedRun{{
		outputs: []*runner.ContainerOutput{{Type: runner.EventResult, Result: "partial answer"}},
		final:   &runner.ContainerOutput{Type: runner.EventStatus, Status: runner.StatusError, Error: "died late"},
	}}

	require.NoError(t, h.g.ProcessGroupMessages(ctx, familyJID))

	require.Equal(t, ts(10), h.g.cursors.agentCursor(familyJID), "no double-charge")
	require.Equal(t, []string{"👀", "🤔", "⚙️", "✅"}, h.channel.emojis("a"))
	require.Equal(t, []string{"partial answer"}, h.channel.sentTo(familyJID))
}

func TestPipeThenErrorRollsBackPipeOnly(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.addMessage(t, familyJID, "a", "@Andy hello", 12)

	proc := &fakeProcess{}
	h.runner.script = []scriptedRun{{
		proc:    proc,
		outputs: []*runner.ContainerOutput{{Type: runner.EventResult, Result: "working on it"}},
		during: func() {
			// A follow-up arrives while the container is live; the poll tick
			// pipes it in and advances the cursor.
			h.addMessage(t, familyJID, "d", "@Andy also this", 13)
			require.NoError(t, h.g.tick(ctx))
		},
		final: &runner.ContainerOutput{Type: runner.EventStatus, Status: runner.StatusError, Error: "boom"},
	}}

	require.NoError(t, h.g.ProcessGroupMessages(ctx, familyJID))
	h.waitQueueIdle(t, familyJID)

	// The pipe happened: the live container got the formatted follow-up.
	require.Len(t, proc.lines, 1)
	require.Contains(t, proc.lines[0], "also this")

	// After the rollback the recovery check replayed "d" in a second run.
	prompts := h.runner.prompts()
	require.Len(t, prompts, 2)
	require.Contains(t, prompts[1], "also this")
	require.NotContains(t, prompts[1], "hello")

	require.Equal(t, ts(13), h.g.cursors.agentCursor(familyJID))
	_, piped := h.g.cursors.pipeCursor(familyJID)
	require.False(t, piped, "pipe cursor cleared")
}

func TestQuietPeriodAccumulatesAndCatchesUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.setQuiet(true)
	require.NoError(t, h.g.Recover(ctx))

	h.addMessage(t, familyJID, "e", "@Andy while away", 20)
	require.NoError(t, h.g.tick(ctx))

	require.Equal(t, ts(20), h.g.cursors.lastTimestamp(), "seen cursor advances during quiet")
	require.Equal(t, "", h.g.cursors.agentCursor(familyJID))
	require.Empty(t, h.channel.emojis("e"), "no reactions during quiet")
	require.Empty(t, h.runner.prompts())

	h.setQuiet(false)
	require.NoError(t, h.g.tick(ctx))
	h.waitQueueIdle(t, familyJID)

	mainMsgs := h.channel.sentTo(mainJID)
	require.Len(t, mainMsgs, 1)
	require.Contains(t, mainMsgs[0], "• Family: 1 messages")

	require.Len(t, h.runner.prompts(), 1)
	require.Equal(t, ts(20), h.g.cursors.agentCursor(familyJID))
}

func TestRecoveryRollsBackPipeCursor(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Simulated crash state on disk: a pipe was in flight at ts 10 with a
	// rollback target of ts 8, and messages 9 and 10 are stored.
	h.addMessage(t, familyJID, "m9", "@Andy nine", 9)
	h.addMessage(t, familyJID, "m10", "@Andy ten", 10)
	require.NoError(t, h.store.SetKV(ctx, store.KeyLastTimestamp, ts(10)))
	require.NoError(t, h.store.SetCursorMap(ctx, store.KeyLastAgentTimestamp, map[string]string{familyJID: ts(10)}))
	require.NoError(t, h.store.SetCursorMap(ctx, store.KeyCursorBeforePipe, map[string]string{familyJID: ts(8)}))

	require.NoError(t, h.g.Recover(ctx))
	h.waitQueueIdle(t, familyJID)

	_, piped := h.g.cursors.pipeCursor(familyJID)
	require.False(t, piped)

	prompts := h.runner.prompts()
	require.Len(t, prompts, 1)
	require.Contains(t, prompts[0], "nine")
	require.Contains(t, prompts[0], "ten")
	require.Equal(t, ts(10), h.g.cursors.agentCursor(familyJID))
}

func TestRecoverReplaysStrandedWorkWithoutApology(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	// Crash state: the message was observed and marked thinking, but the
	// run never finished and the agent cursor never advanced.
	h.addMessage(t, familyJID, "a", "@Andy hello", 10)
	require.NoError(t, h.store.SetKV(ctx, store.KeyLastTimestamp, ts(10)))
	require.NoError(t, h.g.tracker.MarkReceived(ctx, familyJID, "a", false))
	require.NoError(t, h.g.tracker.MarkThinking(ctx, familyJID, "a"))

	require.NoError(t, h.g.Recover(ctx))
	h.waitQueueIdle(t, familyJID)

	// Recovery re-emits 🤔 before the replay starts; the replay then
	// resolves the message as done. No ❌ and no apology anywhere.
	require.Equal(t, []string{"👀", "🤔", "🤔", "✅"}, h.channel.emojis("a"))
	require.Empty(t, h.channel.sentTo(familyJID))
	require.Len(t, h.runner.prompts(), 1)
}

func TestRetryProcessKeepsFreshIdleTimer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.g.profile.IdleTimeout = 200 * time.Millisecond

	first := &fakeProcess{}
	second := &fakeProcess{}
	h.runner.script = []scriptedRun{{
		proc: first,
		reRegister: func(register func(queue.AgentProcess)) {
			time.Sleep(120 * time.Millisecond)
			register(second)
			// Wait past the first timer's original deadline but inside the
			// replacement's window.
			time.Sleep(150 * time.Millisecond)
		},
		final: &runner.ContainerOutput{Type: runner.EventStatus, Status: runner.StatusSuccess},
	}}

	h.addMessage(t, familyJID, "a", "@Andy hello", 10)
	require.NoError(t, h.g.ProcessGroupMessages(ctx, familyJID))

	require.Zero(t, second.closeCount(), "the replaced run's timer must not close the new stdin")
	require.Zero(t, first.closeCount())
}

func TestTickIgnoresBotAndOwnMessages(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.CreateMessage(ctx, &store.Message{
		ID: "own", ChatJID: familyJID, Content: "@Andy echo", Timestamp: ts(30), IsFromMe: true,
	}))
	require.NoError(t, h.store.CreateMessage(ctx, &store.Message{
		ID: "bot", ChatJID: familyJID, Content: "@Andy bot", Timestamp: ts(31), IsBotMessage: true,
	}))

	require.NoError(t, h.g.tick(ctx))
	h.waitQueueIdle(t, familyJID)

	require.Empty(t, h.runner.prompts())
	require.Equal(t, ts(31), h.g.cursors.lastTimestamp())
}

func TestHandleInboundStoresMessage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	now := time.Now()
	h.g.HandleInbound(ctx, &channels.InboundMessage{
		ID:        "in-1",
		ChatJID:   familyJID,
		Sender:    "bob",
		Content:   "hello",
		Timestamp: now,
	})

	msgs, err := h.store.MessagesSince(ctx, familyJID, "")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, store.FormatTimestamp(now), msgs[0].Timestamp)
}

func TestRunTaskCollectsResults(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.runner.script = []scriptedRun{{
		outputs: []*runner.ContainerOutput{
			{Type: runner.EventResult, Result: "step one"},
			{Type: runner.EventResult, Result: "step two"},
		},
		final: &runner.ContainerOutput{Type: runner.EventStatus, Status: runner.StatusSuccess},
	}}

	result, err := h.g.RunTask(ctx, &store.ScheduledTask{
		ID:          "t1",
		GroupFolder: "family",
		ChatJID:     familyJID,
		Prompt:      "daily summary",
		ContextMode: store.ContextIsolated,
	})
	require.NoError(t, err)
	require.Equal(t, "step one\nstep two", result)
	require.Equal(t, []string{"step one", "step two"}, h.channel.sentTo(familyJID))

	require.Len(t, h.runner.runs, 1)
	require.True(t, h.runner.runs[0].IsScheduledTask)
	require.Empty(t, h.runner.runs[0].SessionID, "isolated context starts fresh")
}

func TestRunTaskFailureNotifiesMain(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.runner.script = []scriptedRun{{
		final: &runner.ContainerOutput{Type: runner.EventStatus, Status: runner.StatusError, Error: "no luck"},
	}}

	_, err := h.g.RunTask(ctx, &store.ScheduledTask{
		ID:          "t2",
		GroupFolder: "family",
		ChatJID:     familyJID,
		Prompt:      "doomed",
		ContextMode: store.ContextIsolated,
	})
	require.Error(t, err)

	mainMsgs := h.channel.sentTo(mainJID)
	require.Len(t, mainMsgs, 1)
	require.Contains(t, mainMsgs[0], "t2")
	require.Contains(t, mainMsgs[0], "no luck")
}

func TestRunTaskGroupContextReusesSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.store.SetSession(ctx, "family", "s-live"))

	_, err := h.g.RunTask(ctx, &store.ScheduledTask{
		ID:          "t3",
		GroupFolder: "family",
		ChatJID:     familyJID,
		Prompt:      "continue",
		ContextMode: store.ContextGroup,
	})
	require.NoError(t, err)
	require.Len(t, h.runner.runs, 1)
	require.Equal(t, "s-live", h.runner.runs[0].SessionID)
}
