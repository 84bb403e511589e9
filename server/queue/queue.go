// Package queue serializes agent work per group while letting distinct
// groups run in parallel. Each group has at most one job executing at a
// time; a live agent process can additionally accept piped messages so a
// follow-up does not have to wait for a whole new container spin-up.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// AgentProcess is the slice of a live agent run the queue needs: piping
// lines in and asking it to stop. Implemented by runner.Process.
type AgentProcess interface {
	WriteLine(line string) error
	CloseStdin() error
	Kill()
}

// JobKind labels queue entries for logging and coalescing.
type JobKind string

const (
	// JobMessageCheck re-reads the message cursor and dispatches anything
	// new. At most one may be pending per group since one sweep handles all
	// accumulated messages.
	JobMessageCheck JobKind = "message-check"
	// JobTask runs one scheduled task. Never coalesced.
	JobTask JobKind = "task"
)

// JobFunc is the unit of work. It runs on the group's worker goroutine and
// must return when the work, including any live agent run, is finished.
type JobFunc = func(ctx context.Context)

type job struct {
	kind JobKind
	run  JobFunc
}

type groupState struct {
	pending      []job
	active       bool
	checkPending bool
	proc         AgentProcess
	idle         chan struct{} // NotifyIdle release for the running job
}

// GroupQueue is the per-group serialization layer.
type GroupQueue struct {
	mu     sync.Mutex
	groups map[string]*groupState
	wg     sync.WaitGroup

	ctx      context.Context
	cancel   context.CancelFunc
	draining bool
}

// NewGroupQueue creates an empty queue. Jobs run under a context that is
// cancelled by Shutdown.
func NewGroupQueue() *GroupQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &GroupQueue{
		groups: make(map[string]*groupState),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (q *GroupQueue) state(jid string) *groupState {
	st, ok := q.groups[jid]
	if !ok {
		st = &groupState{}
		q.groups[jid] = st
	}
	return st
}

// EnqueueMessageCheck schedules a cursor sweep for the group. Returns false
// when a sweep is already queued or the queue is draining; the queued sweep
// will see the new messages anyway.
func (q *GroupQueue) EnqueueMessageCheck(jid string, fn JobFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return false
	}
	st := q.state(jid)
	if st.checkPending {
		return false
	}
	st.checkPending = true
	q.push(jid, st, job{kind: JobMessageCheck, run: fn})
	return true
}

// EnqueueTask schedules a task run for the group. Task jobs are never
// coalesced; each due task runs exactly once.
func (q *GroupQueue) EnqueueTask(jid string, fn JobFunc) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining {
		return false
	}
	st := q.state(jid)
	q.push(jid, st, job{kind: JobTask, run: fn})
	return true
}

// push appends and starts a worker if none is running. Caller holds q.mu.
func (q *GroupQueue) push(jid string, st *groupState, j job) {
	st.pending = append(st.pending, j)
	if !st.active {
		st.active = true
		q.wg.Add(1)
		go q.worker(jid)
	}
}

// worker drains the group's pending jobs one at a time. A job holds the
// worker until its callback returns or NotifyIdle fires, whichever comes
// first; the latter lets the next job start while a finished container is
// still draining output.
func (q *GroupQueue) worker(jid string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		st := q.groups[jid]
		if len(st.pending) == 0 {
			st.active = false
			q.mu.Unlock()
			return
		}
		next := st.pending[0]
		st.pending = st.pending[1:]
		if next.kind == JobMessageCheck {
			// Clear before running so messages arriving mid-sweep can queue
			// a fresh one.
			st.checkPending = false
		}
		idle := make(chan struct{})
		st.idle = idle
		q.mu.Unlock()

		start := time.Now()
		done := make(chan struct{})
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			defer close(done)
			next.run(q.ctx)
		}()
		select {
		case <-done:
		case <-idle:
		}

		q.mu.Lock()
		if st.idle == idle {
			st.idle = nil
		}
		q.mu.Unlock()
		slog.Debug("queue: job released", "jid", jid, "kind", next.kind,
			"duration", time.Since(start).Round(time.Millisecond))
	}
}

// NotifyIdle releases the group's running job slot without waiting for the
// job callback to return. Called on status=success so the queue does not
// idle behind container teardown. No-op when nothing is running.
func (q *GroupQueue) NotifyIdle(jid string) {
	q.mu.Lock()
	var idle chan struct{}
	if st, ok := q.groups[jid]; ok && st.idle != nil {
		idle = st.idle
		st.idle = nil
	}
	q.mu.Unlock()
	if idle != nil {
		close(idle)
	}
}

// RegisterProcess publishes the live agent process for the group so new
// messages can be piped to it. Overwrites any previous registration.
func (q *GroupQueue) RegisterProcess(jid string, proc AgentProcess) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state(jid).proc = proc
}

// ClearProcess removes the registration if it still points at proc, so a
// stale clear from a finished run cannot drop a newer registration.
func (q *GroupQueue) ClearProcess(jid string, proc AgentProcess) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.groups[jid]
	if ok && st.proc == proc {
		st.proc = nil
	}
}

// PipeMessage writes one line to the group's live agent process. Returns
// false when no process is registered or the write fails, in which case the
// caller falls back to enqueueing a message check.
func (q *GroupQueue) PipeMessage(jid, line string) bool {
	q.mu.Lock()
	var proc AgentProcess
	if st, ok := q.groups[jid]; ok {
		proc = st.proc
	}
	q.mu.Unlock()
	if proc == nil {
		return false
	}
	if err := proc.WriteLine(line); err != nil {
		slog.Debug("queue: pipe write failed, falling back to enqueue", "jid", jid, "error", err)
		q.ClearProcess(jid, proc)
		return false
	}
	return true
}

// CloseStdin closes the live process's stdin for the group, asking the agent
// to wrap up. No-op when nothing is registered.
func (q *GroupQueue) CloseStdin(jid string) {
	q.mu.Lock()
	var proc AgentProcess
	if st, ok := q.groups[jid]; ok {
		proc = st.proc
	}
	q.mu.Unlock()
	if proc != nil {
		_ = proc.CloseStdin()
	}
}

// IsActive reports whether the group has a running or queued job, or a live
// registered process.
func (q *GroupQueue) IsActive(jid string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.groups[jid]
	return ok && (st.active || len(st.pending) > 0 || st.proc != nil)
}

// ActiveGroups returns the JIDs with running or queued work, sorted.
func (q *GroupQueue) ActiveGroups() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := []string{}
	for jid, st := range q.groups {
		if st.active || len(st.pending) > 0 || st.proc != nil {
			out = append(out, jid)
		}
	}
	sort.Strings(out)
	return out
}

// Shutdown stops accepting jobs, closes stdin on all live agents and waits
// up to deadline for workers to drain. Stragglers are killed.
func (q *GroupQueue) Shutdown(deadline time.Duration) {
	q.mu.Lock()
	q.draining = true
	procs := make(map[string]AgentProcess)
	for jid, st := range q.groups {
		if st.proc != nil {
			procs[jid] = st.proc
		}
	}
	q.mu.Unlock()

	for jid, proc := range procs {
		slog.Info("queue: closing agent stdin for shutdown", "jid", jid)
		_ = proc.CloseStdin()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(deadline):
		slog.Warn("queue: shutdown deadline exceeded, killing agents")
		q.mu.Lock()
		for _, st := range q.groups {
			if st.proc != nil {
				st.proc.Kill()
			}
		}
		q.mu.Unlock()
		q.cancel()
		<-done
	}
	q.cancel()
}
