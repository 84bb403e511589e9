package store

// Router KV keys. Cursor writes are synchronous; a crash mid-write must not
// leave a partially-written value, which SQLite guarantees per statement.
const (
	KeyLastTimestamp      = "last_timestamp"
	KeyLastAgentTimestamp = "last_agent_timestamp"
	KeyCursorBeforePipe   = "cursor_before_pipe"
)

// Session maps a group folder to the agent-side continuation handle.
type Session struct {
	GroupFolder string
	SessionID   string
	UpdatedTs   int64
}
