package store

import (
	"fmt"
	"time"
)

// Message is one inbound or outbound chat message, immutable once stored.
// Timestamps are fixed-width nanosecond strings so that lexicographic order
// equals chronological order, per chat and globally.
type Message struct {
	ID           string
	ChatJID      string
	Sender       string
	Content      string
	Timestamp    string
	IsFromMe     bool
	IsBotMessage bool
}

// FindMessage is the filter for listing messages.
type FindMessage struct {
	ChatJID string
	// AfterTimestamp, when non-empty, restricts to messages strictly newer.
	AfterTimestamp string
	Limit          int
}

// FormatTimestamp encodes t as a fixed-width sortable cursor value.
func FormatTimestamp(t time.Time) string {
	return fmt.Sprintf("%020d", t.UnixNano())
}

// TimestampNow returns the cursor value for the current instant.
func TimestampNow() string {
	return FormatTimestamp(time.Now())
}
