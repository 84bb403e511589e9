// Package runner spawns the agent for one group conversation and streams its
// NDJSON output. The agent runs either as a docker container with the group
// folder mounted as its workspace, or as a plain child process for
// development setups without docker.
package runner

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"

	"github.com/hrygo/microclaw/internal/pathsafe"
	"github.com/hrygo/microclaw/internal/profile"
)

const (
	// Scanner buffers for agent stdout. Result events can carry long replies,
	// so the line limit is generous.
	scannerInitialBuffer = 256 * 1024
	scannerMaxBuffer     = 1024 * 1024

	// stderrTailLimit bounds how much agent stderr is kept for diagnostics.
	stderrTailLimit = 4 * 1024

	// stdinBuffer is the pipe fast-path buffer. A full buffer means the
	// agent is not consuming input; WriteLine fails instead of blocking so
	// the poll loop never stalls behind a wedged container.
	stdinBuffer = 8

	workspaceMount = "/workspace"
)

// Credentials supplies agent credential handling to the runner. EnsureFresh
// runs before every spawn; a run that still fails with an auth error
// triggers one unconditional refresh and one retry.
type Credentials interface {
	EnsureFresh(ctx context.Context) error
	Refresh(ctx context.Context) error
	IsAuthError(message string) bool
}

// SnapshotSource renders the context files written into the group folder
// before each run.
type SnapshotSource interface {
	TasksJSON(ctx context.Context, groupFolder string, isMain bool) ([]byte, error)
	GroupsJSON(ctx context.Context) ([]byte, error)
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	GroupFolder     string
	ChatJID         string
	Prompt          string
	SessionID       string // resume token, empty starts a fresh session
	IsMain          bool
	IsScheduledTask bool
}

// Process is a handle to a live agent process. The queue holds it to pipe
// follow-up messages and to close stdin when the conversation goes idle.
// Writes go through a small buffer drained by a dedicated goroutine, so
// WriteLine never blocks on a slow agent.
type Process struct {
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	containerName string // empty for the process backend
	startedAt     time.Time
	lines         chan string

	mu     sync.Mutex
	closed bool
	broken bool
}

func newProcess(cmd *exec.Cmd, stdin io.WriteCloser, containerName string) *Process {
	p := &Process{
		cmd:           cmd,
		stdin:         stdin,
		containerName: containerName,
		startedAt:     time.Now(),
		lines:         make(chan string, stdinBuffer),
	}
	go p.writeLoop()
	return p
}

func (p *Process) writeLoop() {
	defer p.stdin.Close()
	for line := range p.lines {
		if _, err := io.WriteString(p.stdin, line+"\n"); err != nil {
			p.mu.Lock()
			p.broken = true
			p.mu.Unlock()
			return
		}
	}
}

// WriteLine queues one line for the agent's stdin. Returns an error after
// CloseStdin, after a write failure, or when the buffer is full, so callers
// can fall back to enqueueing a fresh run.
func (p *Process) WriteLine(line string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("agent stdin is closed")
	}
	if p.broken {
		return errors.New("agent stopped reading stdin")
	}
	select {
	case p.lines <- line:
		return nil
	default:
		return errors.New("agent stdin buffer is full")
	}
}

// CloseStdin stops accepting lines and closes the agent's stdin once queued
// lines are flushed, signalling end of conversation. Idempotent.
func (p *Process) CloseStdin() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.lines)
	return nil
}

// Kill forcibly terminates the agent. For the docker backend the container
// is killed by name since killing the attached client would leave it running.
func (p *Process) Kill() {
	_ = p.CloseStdin()
	if p.containerName != "" {
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if out, err := exec.CommandContext(killCtx, "docker", "kill", p.containerName).CombinedOutput(); err != nil {
			slog.Warn("runner: docker kill failed", "container", p.containerName, "error", err, "output", strings.TrimSpace(string(out)))
		}
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

// Runner spawns agent runs. Safe for concurrent use; the per-group
// serialization happens upstream in the queue.
type Runner struct {
	backend      string
	image        string
	agentCommand string
	groupsRoot   string
	mounts       []string
	egress       []string

	creds     Credentials
	snapshots SnapshotSource
	notify    func(ctx context.Context, text string) error
	breaker   spawnBreaker
}

// NewRunner builds a Runner from the profile. notify carries credential
// advisories to the operator, usually the main group; it may be nil.
func NewRunner(p *profile.Profile, creds Credentials, snapshots SnapshotSource, notify func(ctx context.Context, text string) error) *Runner {
	return &Runner{
		backend:      p.ContainerBackend,
		image:        p.ContainerImage,
		agentCommand: p.AgentCommand,
		groupsRoot:   p.GroupsRoot(),
		mounts:       p.MountAllowlist,
		egress:       p.EgressAllowlist,
		creds:        creds,
		snapshots:    snapshots,
		notify:       notify,
	}
}

func (r *Runner) announce(ctx context.Context, text string) {
	if r.notify == nil {
		return
	}
	if err := r.notify(ctx, text); err != nil {
		slog.Warn("runner: advisory not delivered", "error", err)
	}
}

// Run executes the agent for req and blocks until it exits. onProcess is
// called once with the live process handle before any output is read.
// onOutput is called for every decoded event in arrival order. The returned
// ContainerOutput is always a status event; when the agent exits without
// reporting one, an error status is synthesized from the exit state.
//
// An error-status run whose message looks like a credential failure triggers
// one token refresh and one silent retry.
func (r *Runner) Run(ctx context.Context, req *RunRequest, onProcess func(*Process), onOutput func(*ContainerOutput)) (*ContainerOutput, error) {
	for attempt := 0; ; attempt++ {
		final, err := r.runOnce(ctx, req, onProcess, onOutput)
		if err != nil {
			return nil, err
		}
		if final.Status == StatusError && attempt == 0 && r.creds != nil && r.creds.IsAuthError(final.Error) {
			slog.Warn("runner: auth error, refreshing credentials and retrying",
				"folder", req.GroupFolder, "error", final.Error)
			r.announce(ctx, "Auth token expired, refreshing credentials.")
			if refreshErr := r.creds.Refresh(ctx); refreshErr != nil {
				r.announce(ctx, "Credential refresh failed, manual re-auth needed.")
				return final, errors.Wrap(refreshErr, "credential refresh after auth error")
			}
			r.announce(ctx, "Credentials restored.")
			continue
		}
		return final, nil
	}
}

func (r *Runner) runOnce(ctx context.Context, req *RunRequest, onProcess func(*Process), onOutput func(*ContainerOutput)) (*ContainerOutput, error) {
	if wait := r.breaker.openFor(); wait > 0 {
		return nil, errors.Errorf("agent backend unavailable, retry in %s", wait.Round(time.Second))
	}

	groupDir, err := pathsafe.Resolve(r.groupsRoot, req.GroupFolder)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(groupDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create group directory %q", groupDir)
	}
	if err := r.writeSnapshots(ctx, groupDir, req); err != nil {
		// Stale context files are preferable to not answering at all.
		slog.Warn("runner: snapshot write failed", "folder", req.GroupFolder, "error", err)
	}
	if r.creds != nil {
		// The agent picks the token up from disk at start, so a near-expiry
		// token is renewed before the spawn, not after the run fails.
		if err := r.creds.EnsureFresh(ctx); err != nil {
			slog.Warn("runner: credential check before spawn failed", "folder", req.GroupFolder, "error", err)
		}
	}

	proc, stdout, stderr, err := r.spawn(ctx, req, groupDir)
	if err != nil {
		r.breaker.recordFailure()
		return nil, err
	}
	r.breaker.recordSuccess()
	if onProcess != nil {
		onProcess(proc)
	}

	if err := proc.WriteLine(req.Prompt); err != nil {
		proc.Kill()
		_ = proc.cmd.Wait()
		return nil, err
	}

	stderrTail := collectTail(stderr)

	var final *ContainerOutput
	newSessionID := req.SessionID
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scannerInitialBuffer), scannerMaxBuffer)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		event, ok := decodeEvent(line)
		if !ok {
			slog.Debug("runner: skipping non-protocol output", "folder", req.GroupFolder, "line", truncate(line, 200))
			continue
		}
		switch event.Type {
		case EventSessionUpdate:
			if event.SessionID != "" {
				newSessionID = event.SessionID
			}
		case EventResult:
			text := StripInternal(renderResult(event.Result))
			out := &ContainerOutput{Type: EventResult, Result: text, NewSessionID: newSessionID}
			if onOutput != nil {
				onOutput(out)
			}
		case EventStatus:
			final = &ContainerOutput{
				Type:         EventStatus,
				Status:       event.Status,
				Error:        event.Error,
				NewSessionID: newSessionID,
			}
		default:
			slog.Debug("runner: unknown event type", "folder", req.GroupFolder, "type", event.Type)
		}
	}
	scanErr := scanner.Err()

	// Stdout EOF means the process is exiting; drain stderr before Wait
	// closes its pipe.
	tail := <-stderrTail
	waitErr := proc.cmd.Wait()

	if final == nil {
		msg := "agent exited without a status report"
		if waitErr != nil {
			msg = fmt.Sprintf("agent exited abnormally: %v", waitErr)
		} else if scanErr != nil {
			msg = fmt.Sprintf("agent output unreadable: %v", scanErr)
		}
		if tail != "" {
			msg += "; stderr: " + tail
		}
		final = &ContainerOutput{Type: EventStatus, Status: StatusError, Error: msg, NewSessionID: newSessionID}
	} else {
		final.NewSessionID = newSessionID
	}

	slog.Info("runner: agent finished",
		"folder", req.GroupFolder,
		"status", final.Status,
		"duration", time.Since(proc.startedAt).Round(time.Millisecond))
	return final, nil
}

func (r *Runner) spawn(ctx context.Context, req *RunRequest, groupDir string) (*Process, io.Reader, io.Reader, error) {
	var cmd *exec.Cmd
	containerName := ""
	switch r.backend {
	case "docker":
		containerName = fmt.Sprintf("microclaw-%s-%s", req.GroupFolder, shortuuid.New())
		args := []string{
			"run", "-i", "--rm",
			"--name", containerName,
			"-v", groupDir + ":" + workspaceMount,
			"-w", workspaceMount,
		}
		for _, mount := range r.mounts {
			args = append(args, "-v", mount+":"+mount+":ro")
		}
		for _, env := range r.agentEnv(req) {
			args = append(args, "-e", env)
		}
		args = append(args, r.image)
		cmd = exec.CommandContext(ctx, "docker", args...)
	case "process":
		parts := strings.Fields(r.agentCommand)
		cmd = exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Dir = groupDir
		cmd.Env = append(os.Environ(), r.agentEnv(req)...)
	default:
		return nil, nil, nil, errors.Errorf("unknown container backend %q", r.backend)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "agent stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "agent stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, "agent stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, nil, errors.Wrapf(err, "spawn agent for %q", req.GroupFolder)
	}
	slog.Info("runner: agent started",
		"folder", req.GroupFolder,
		"backend", r.backend,
		"container", containerName,
		"resume", req.SessionID != "")
	return newProcess(cmd, stdin, containerName), stdout, stderr, nil
}

func (r *Runner) agentEnv(req *RunRequest) []string {
	env := []string{
		"MICROCLAW_CHAT_JID=" + req.ChatJID,
		"MICROCLAW_GROUP_FOLDER=" + req.GroupFolder,
		fmt.Sprintf("MICROCLAW_IS_MAIN=%t", req.IsMain),
		fmt.Sprintf("MICROCLAW_SCHEDULED_TASK=%t", req.IsScheduledTask),
	}
	if req.SessionID != "" {
		env = append(env, "MICROCLAW_SESSION_ID="+req.SessionID)
	}
	if len(r.egress) > 0 {
		env = append(env, "MICROCLAW_EGRESS_ALLOWLIST="+strings.Join(r.egress, ","))
	}
	return env
}

// writeSnapshots refreshes tasks.json and groups.json in the group folder so
// the agent sees current state without database access. The main group also
// gets the cross-group task view.
func (r *Runner) writeSnapshots(ctx context.Context, groupDir string, req *RunRequest) error {
	if r.snapshots == nil {
		return nil
	}
	tasks, err := r.snapshots.TasksJSON(ctx, req.GroupFolder, req.IsMain)
	if err != nil {
		return errors.Wrap(err, "render tasks snapshot")
	}
	if err := os.WriteFile(filepath.Join(groupDir, "tasks.json"), tasks, 0o644); err != nil {
		return errors.Wrap(err, "write tasks.json")
	}
	if req.IsMain {
		groups, err := r.snapshots.GroupsJSON(ctx)
		if err != nil {
			return errors.Wrap(err, "render groups snapshot")
		}
		if err := os.WriteFile(filepath.Join(groupDir, "groups.json"), groups, 0o644); err != nil {
			return errors.Wrap(err, "write groups.json")
		}
	}
	return nil
}

func decodeEvent(line string) (*agentEvent, bool) {
	if !strings.HasPrefix(line, "{") {
		return nil, false
	}
	var event agentEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil || event.Type == "" {
		return nil, false
	}
	return &event, true
}

// collectTail drains r in the background and delivers the last chunk of it
// once the stream closes.
func collectTail(r io.Reader) <-chan string {
	out := make(chan string, 1)
	go func() {
		defer close(out)
		data, _ := io.ReadAll(io.LimitReader(r, 1<<20))
		if len(data) > stderrTailLimit {
			data = data[len(data)-stderrTailLimit:]
		}
		out <- strings.TrimSpace(string(data))
	}()
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
