package runner

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Agent wire protocol: one JSON object per stdout line.
const (
	EventResult        = "result"
	EventSessionUpdate = "session-update"
	EventStatus        = "status"
)

// Terminal statuses reported by the agent.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// agentEvent is the raw NDJSON frame produced by the agent.
type agentEvent struct {
	Type      string          `json:"type"`
	Result    json.RawMessage `json:"result,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Status    string          `json:"status,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ContainerOutput is one decoded event delivered to the streaming callback,
// and also the terminal value returned when the process exits. NewSessionID
// reflects the latest session-update seen so far, so either the stream
// handler or the terminal handler may persist it.
type ContainerOutput struct {
	Type         string
	Result       string
	Status       string
	Error        string
	NewSessionID string
}

// internalPattern strips agent-internal annotations from user-visible text.
// Deliberately a simple non-greedy scan, not a structured parser.
var internalPattern = regexp.MustCompile(`(?s)<internal>.*?</internal>`)

// StripInternal removes <internal>…</internal> spans and trims the result.
func StripInternal(s string) string {
	return strings.TrimSpace(internalPattern.ReplaceAllString(s, ""))
}

// renderResult converts the result payload to user-visible text. A string
// payload is used as-is; any structured value is re-encoded as JSON.
func renderResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(encoded)
}
