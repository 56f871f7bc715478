// Package common holds helpers shared by the channel adapters.
package common

import (
	"strings"
)

// Target kinds understood by every adapter's Send.
const (
	TargetUser         = "user"
	TargetConversation = "conversation"
	TargetChannel      = "channel"
)

// Target is a parsed delivery address such as "user:123".
type Target struct {
	Kind string
	ID   string
}

// ParseTarget splits "kind:id". Unknown or missing prefixes address a conversation
// by its raw id, which keeps ids that contain colons (Teams "19:...") intact.
func ParseTarget(raw string) Target {
	raw = strings.TrimSpace(raw)
	kind, id, ok := strings.Cut(raw, ":")
	if ok {
		switch strings.ToLower(strings.TrimSpace(kind)) {
		case TargetUser:
			return Target{Kind: TargetUser, ID: strings.TrimSpace(id)}
		case TargetConversation, "chat", "chat_id":
			return Target{Kind: TargetConversation, ID: strings.TrimSpace(id)}
		case TargetChannel:
			return Target{Kind: TargetChannel, ID: strings.TrimSpace(id)}
		}
	}
	return Target{Kind: TargetConversation, ID: raw}
}

// String formats the target back into "kind:id".
func (t Target) String() string {
	if t.ID == "" {
		return ""
	}
	return t.Kind + ":" + t.ID
}

// SummarizeText shortens text for log lines.
func SummarizeText(text string) string {
	const limit = 120
	text = strings.Join(strings.Fields(text), " ")
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
