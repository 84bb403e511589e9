package gateway

import (
	"context"
	"sync"

	"github.com/hrygo/microclaw/store"
)

// cursorState is the router's persisted cursor triple. The gateway is the
// only writer; every mutation is persisted synchronously before the lock is
// released so a crash cannot observe a half-written cursor.
type cursorState struct {
	mu sync.Mutex
	st *store.Store

	last       string            // global seen cursor
	agent      map[string]string // per-group processed cursor
	beforePipe map[string]string // rollback target while a pipe is in flight
}

func newCursorState(st *store.Store) *cursorState {
	return &cursorState{
		st:         st,
		agent:      map[string]string{},
		beforePipe: map[string]string{},
	}
}

func (c *cursorState) load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, _, err := c.st.GetKV(ctx, store.KeyLastTimestamp)
	if err != nil {
		return err
	}
	c.last = last
	if c.agent, err = c.st.GetCursorMap(ctx, store.KeyLastAgentTimestamp); err != nil {
		return err
	}
	if c.beforePipe, err = c.st.GetCursorMap(ctx, store.KeyCursorBeforePipe); err != nil {
		return err
	}
	return nil
}

func (c *cursorState) lastTimestamp() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// advanceLast moves the global seen cursor forward. Never decreases.
func (c *cursorState) advanceLast(ctx context.Context, ts string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts <= c.last {
		return nil
	}
	c.last = ts
	return c.st.SetKV(ctx, store.KeyLastTimestamp, ts)
}

func (c *cursorState) agentCursor(jid string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent[jid]
}

// setAgentCursor writes the per-group processed cursor. Used both by the
// optimistic pre-advance and by the explicit rollback paths, so no
// monotonicity check here.
func (c *cursorState) setAgentCursor(ctx context.Context, jid, ts string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agent[jid] = ts
	return c.st.SetCursorMap(ctx, store.KeyLastAgentTimestamp, c.agent)
}

func (c *cursorState) pipeCursor(jid string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts, ok := c.beforePipe[jid]
	return ts, ok
}

func (c *cursorState) pipeJIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.beforePipe))
	for jid := range c.beforePipe {
		out = append(out, jid)
	}
	return out
}

// markPipe records the rollback target before advancing past piped messages.
// Only the first pipe of a run sets it; later pipes keep the earlier target
// so a terminal error rolls all the way back.
func (c *cursorState) markPipe(ctx context.Context, jid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.beforePipe[jid]; ok {
		return nil
	}
	c.beforePipe[jid] = c.agent[jid]
	return c.st.SetCursorMap(ctx, store.KeyCursorBeforePipe, c.beforePipe)
}

func (c *cursorState) clearPipe(ctx context.Context, jid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.beforePipe[jid]; !ok {
		return nil
	}
	delete(c.beforePipe, jid)
	return c.st.SetCursorMap(ctx, store.KeyCursorBeforePipe, c.beforePipe)
}

// rollbackPipe restores the agent cursor to the pre-pipe target and clears
// it. No-op when no pipe is recorded.
func (c *cursorState) rollbackPipe(ctx context.Context, jid string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	target, ok := c.beforePipe[jid]
	if !ok {
		return false, nil
	}
	c.agent[jid] = target
	delete(c.beforePipe, jid)
	if err := c.st.SetCursorMap(ctx, store.KeyLastAgentTimestamp, c.agent); err != nil {
		return false, err
	}
	return true, c.st.SetCursorMap(ctx, store.KeyCursorBeforePipe, c.beforePipe)
}
