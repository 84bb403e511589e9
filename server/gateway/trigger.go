package gateway

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/hrygo/microclaw/store"
)

// triggerCache holds one compiled pattern per assistant name.
var triggerCache sync.Map

// triggerPattern matches a leading "@<name>" mention, case-insensitively,
// on trimmed content. "\b" keeps "@Andy" from matching "@Andyman".
func triggerPattern(assistantName string) *regexp.Regexp {
	if cached, ok := triggerCache.Load(assistantName); ok {
		return cached.(*regexp.Regexp)
	}
	re := regexp.MustCompile(`(?i)^@` + regexp.QuoteMeta(assistantName) + `\b`)
	triggerCache.Store(assistantName, re)
	return re
}

// isTrigger reports whether content addresses the assistant.
func isTrigger(content, assistantName string) bool {
	return triggerPattern(assistantName).MatchString(strings.TrimSpace(content))
}

// assistantNameFor returns the group's assistant name, falling back to the
// gateway-wide default.
func assistantNameFor(group *store.RegisteredGroup, defaultName string) string {
	if group.AssistantName != "" {
		return group.AssistantName
	}
	return defaultName
}

// needsTrigger reports whether dispatch for the group waits for a mention.
// The main group never requires one.
func needsTrigger(group *store.RegisteredGroup, mainFolder string) bool {
	if group.Folder == mainFolder {
		return false
	}
	return group.RequiresTrigger
}

// isUserMessage filters out our own sends and bot echoes.
func isUserMessage(m *store.Message) bool {
	return !m.IsFromMe && !m.IsBotMessage
}

// formatMessage renders one stored message as an agent prompt line.
func formatMessage(m *store.Message) string {
	sender := m.Sender
	if sender == "" {
		sender = "unknown"
	}
	content := strings.ReplaceAll(m.Content, "\n", " ")
	return fmt.Sprintf("[%s]: %s", sender, content)
}
