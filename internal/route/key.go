// Package route maps a conversation to the agent session that owns it.
//
// Session keys have the shape
//
//	agent:{agentId}:{rest}
//
// where rest depends on the peer:
//
//	direct:  {channel}:direct:{peerId}
//	group:   {channel}:group:{conversationId}
//	channel: {channel}:channel:{conversationId}
//
// Examples:
//
//	agent:main:msteams:direct:29:1abc
//	agent:main:feishu:group:oc_84983ff6
package route

import (
	"fmt"
	"strings"

	"github.com/memohai/memoh-gateway/internal/channel"
)

// PeerKind distinguishes direct, group, and team-channel conversations.
type PeerKind string

const (
	PeerDirect  PeerKind = "direct"
	PeerGroup   PeerKind = "group"
	PeerChannel PeerKind = "channel"
)

// PeerKindFromSurface maps a channel surface to its routing peer kind.
func PeerKindFromSurface(surface channel.SurfaceKind) PeerKind {
	switch surface {
	case channel.SurfaceChannel:
		return PeerChannel
	case channel.SurfaceGroup:
		return PeerGroup
	default:
		return PeerDirect
	}
}

// BuildSessionKey builds the canonical session key for a conversation.
func BuildSessionKey(agentID, provider string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, provider, kind, peerID)
}

// BuildMainSessionKey builds the shared session key used when all direct
// messages of an agent share one session.
//
//	agent:{agentId}:{mainKey}
func BuildMainSessionKey(agentID, mainKey string) string {
	if mainKey == "" {
		mainKey = "main"
	}
	return fmt.Sprintf("agent:%s:%s", agentID, mainKey)
}

// ParseSessionKey extracts the agent id and the remainder of a session key.
// It returns empty strings when key is not a session key.
func ParseSessionKey(key string) (agentID, rest string) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" {
		return "", ""
	}
	return parts[1], parts[2]
}
