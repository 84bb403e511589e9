// Package channels provides the Channel interface for all chat platform
// integrations and the routing/rate-limiting glue around them.
package channels

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnsupported is returned by optional channel capabilities (reactions,
// typing) that a platform does not implement. Callers treat it as non-fatal.
var ErrUnsupported = errors.New("capability not supported by channel")

// MessageKey identifies a platform message for reaction purposes.
type MessageKey struct {
	ID        string
	RemoteJID string
	FromMe    bool
}

// InboundMessage is a message received from a chat platform.
type InboundMessage struct {
	ID           string
	ChatJID      string
	Sender       string
	Content      string
	Timestamp    time.Time
	IsFromMe     bool
	IsBotMessage bool
}

// InboundSink receives inbound messages from channel adapters. Adapters call
// it from their own receive goroutines; implementations must be
// concurrent-safe.
type InboundSink func(ctx context.Context, msg *InboundMessage)

// Channel defines the interface for one chat platform integration.
type Channel interface {
	// Name returns the platform name (e.g. "whatsapp", "telegram").
	Name() string

	// OwnsJID reports whether this channel is responsible for the JID.
	OwnsJID(jid string) bool

	// SendMessage sends a text message to the chat.
	SendMessage(ctx context.Context, jid, text string) error

	// SendReaction attaches an emoji reaction to a message.
	// Optional: may return ErrUnsupported.
	SendReaction(ctx context.Context, jid string, key MessageKey, emoji string) error

	// SetTyping toggles the typing indicator. Optional and best-effort;
	// failures are logged by callers but never propagate.
	SetTyping(ctx context.Context, jid string, typing bool) error

	// Start begins delivering inbound messages to the sink until ctx is
	// cancelled.
	Start(ctx context.Context, sink InboundSink) error

	// Disconnect closes the platform connection.
	Disconnect() error
}

// Registry holds the set of connected channels.
// Concurrent-safe for Register and lookup operations.
type Registry struct {
	mu   sync.RWMutex
	list []Channel
}

// NewRegistry creates an empty channel registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a channel to the registry.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	r.list = append(r.list, ch)
	r.mu.Unlock()
}

// OwnerOf returns the channel that owns the JID, or nil if none does.
func (r *Registry) OwnerOf(jid string) Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.list {
		if ch.OwnsJID(jid) {
			return ch
		}
	}
	return nil
}

// List returns a snapshot of registered channels.
func (r *Registry) List() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, len(r.list))
	copy(out, r.list)
	return out
}
