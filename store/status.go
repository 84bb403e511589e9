package store

// Status states form a DAG: received -> thinking -> working -> done|failed.
// No backward transitions are ever persisted.
const (
	StatusReceived = "received"
	StatusThinking = "thinking"
	StatusWorking  = "working"
	StatusDone     = "done"
	StatusFailed   = "failed"
)

// MessageStatus is the persisted reaction state for one user message.
type MessageStatus struct {
	MessageID string
	ChatJID   string
	IsMain    bool
	State     string
	UpdatedTs int64
}

// FindMessageStatus filters status listings.
type FindMessageStatus struct {
	ChatJID string
	States  []string
}

// StatusPredecessors returns the states from which a transition to state is
// legal. Used to guard UPDATE statements so the DAG cannot move backwards.
func StatusPredecessors(state string) []string {
	switch state {
	case StatusThinking:
		return []string{StatusReceived}
	case StatusWorking:
		return []string{StatusReceived, StatusThinking}
	case StatusDone, StatusFailed:
		return []string{StatusReceived, StatusThinking, StatusWorking}
	default:
		return nil
	}
}
