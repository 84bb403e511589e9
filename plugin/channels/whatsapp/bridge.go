// Package whatsapp implements WhatsApp integration via a Baileys Node.js
// bridge service.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// BridgeClient communicates with the Node.js Baileys bridge service.
type BridgeClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewBridgeClient creates a new client for the Baileys bridge.
func NewBridgeClient(bridgeURL, apiKey string) *BridgeClient {
	return &BridgeClient{
		baseURL: bridgeURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BridgeMessage is one message frame from the bridge poll endpoint.
type BridgeMessage struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
	} `json:"key"`
	PushName  string `json:"pushName"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
}

type sendMessageRequest struct {
	JID     string `json:"jid"`
	Content string `json:"content"`
}

type sendReactionRequest struct {
	JID       string `json:"jid"`
	MessageID string `json:"messageId"`
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	Emoji     string `json:"emoji"`
}

type setTypingRequest struct {
	JID    string `json:"jid"`
	Typing bool   `json:"typing"`
}

// HealthCheck verifies the bridge is reachable.
func (c *BridgeClient) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// SendMessage sends a text message through the bridge.
func (c *BridgeClient) SendMessage(ctx context.Context, jid, content string) error {
	return c.do(ctx, http.MethodPost, "/send", &sendMessageRequest{JID: jid, Content: content}, nil)
}

// SendReaction attaches an emoji reaction to a message.
func (c *BridgeClient) SendReaction(ctx context.Context, jid, messageID, remoteJID string, fromMe bool, emoji string) error {
	return c.do(ctx, http.MethodPost, "/reaction", &sendReactionRequest{
		JID: jid, MessageID: messageID, RemoteJID: remoteJID, FromMe: fromMe, Emoji: emoji,
	}, nil)
}

// SetTyping toggles the typing presence indicator.
func (c *BridgeClient) SetTyping(ctx context.Context, jid string, typing bool) error {
	return c.do(ctx, http.MethodPost, "/typing", &setTypingRequest{JID: jid, Typing: typing}, nil)
}

// PollMessages returns messages received by the bridge after the cursor.
func (c *BridgeClient) PollMessages(ctx context.Context, afterMs int64) ([]BridgeMessage, error) {
	var out struct {
		Messages []BridgeMessage `json:"messages"`
	}
	path := fmt.Sprintf("/messages?after=%d", afterMs)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// Disconnect asks the bridge to close its WhatsApp socket.
func (c *BridgeClient) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/disconnect", nil, nil)
}

func (c *BridgeClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode bridge request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build bridge request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bridge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("bridge returned %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode bridge response: %w", err)
		}
	}
	return nil
}
