package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hrygo/microclaw/plugin/channels"
)

const (
	// pollInterval paces the bridge message poll. The bridge buffers, so a
	// short interval only costs one cheap HTTP round trip.
	pollInterval = time.Second

	jidSuffixUser  = "@s.whatsapp.net"
	jidSuffixGroup = "@g.us"
)

// WhatsAppChannel implements channels.Channel via the Baileys bridge.
type WhatsAppChannel struct {
	bridge *BridgeClient
}

// NewWhatsAppChannel creates a new WhatsApp channel and verifies the bridge
// is reachable.
func NewWhatsAppChannel(bridgeURL, apiKey string) (*WhatsAppChannel, error) {
	bridge := NewBridgeClient(bridgeURL, apiKey)
	if err := bridge.HealthCheck(context.Background()); err != nil {
		return nil, fmt.Errorf("baileys bridge not reachable: %w", err)
	}
	return &WhatsAppChannel{bridge: bridge}, nil
}

// Name returns the platform name.
func (w *WhatsAppChannel) Name() string {
	return "whatsapp"
}

// OwnsJID reports whether the JID belongs to the WhatsApp namespace.
func (w *WhatsAppChannel) OwnsJID(jid string) bool {
	return strings.HasSuffix(jid, jidSuffixUser) || strings.HasSuffix(jid, jidSuffixGroup)
}

// SendMessage sends a text message.
func (w *WhatsAppChannel) SendMessage(ctx context.Context, jid, text string) error {
	return w.bridge.SendMessage(ctx, jid, text)
}

// SendReaction attaches an emoji reaction to a message.
func (w *WhatsAppChannel) SendReaction(ctx context.Context, jid string, key channels.MessageKey, emoji string) error {
	return w.bridge.SendReaction(ctx, jid, key.ID, key.RemoteJID, key.FromMe, emoji)
}

// SetTyping toggles the typing presence indicator.
func (w *WhatsAppChannel) SetTyping(ctx context.Context, jid string, typing bool) error {
	return w.bridge.SetTyping(ctx, jid, typing)
}

// Start polls the bridge for inbound messages until ctx is cancelled.
func (w *WhatsAppChannel) Start(ctx context.Context, sink channels.InboundSink) error {
	go w.pollLoop(ctx, sink)
	return nil
}

func (w *WhatsAppChannel) pollLoop(ctx context.Context, sink channels.InboundSink) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var cursor int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := w.bridge.PollMessages(ctx, cursor)
			if err != nil {
				slog.Warn("whatsapp: bridge poll failed", "error", err)
				continue
			}
			for _, m := range msgs {
				if m.Timestamp > cursor {
					cursor = m.Timestamp
				}
				sink(ctx, &channels.InboundMessage{
					ID:        m.Key.ID,
					ChatJID:   m.Key.RemoteJID,
					Sender:    m.PushName,
					Content:   m.Content,
					Timestamp: time.UnixMilli(m.Timestamp),
					IsFromMe:  m.Key.FromMe,
				})
			}
		}
	}
}

// Disconnect closes the bridge's WhatsApp socket.
func (w *WhatsAppChannel) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.bridge.Disconnect(ctx)
}
