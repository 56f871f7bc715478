package inbound

import (
	"strings"
)

// DMPolicy controls who may talk to the bot in direct messages.
type DMPolicy string

const (
	DMPolicyPairing   DMPolicy = "pairing"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls which senders are served in group and channel surfaces.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// AllowAll is the allow-list entry that admits every sender.
const AllowAll = "*"

// ChannelOverride is the per-channel policy inside a scope.
type ChannelOverride struct {
	RequireMention *bool
}

// ScopeOverride is the per-team (Teams), per-guild (Discord) or per-group
// (Feishu, Telegram) policy.
type ScopeOverride struct {
	RequireMention *bool
	Channels       map[string]ChannelOverride
}

// Policy is the access snapshot of one channel, resolved from configuration
// for every inbound message.
type Policy struct {
	DMPolicy       DMPolicy
	AllowFrom      []string
	GroupPolicy    GroupPolicy
	GroupAllowFrom []string
	// RequireMention is the channel-wide default; nil means true.
	RequireMention *bool
	Scopes         map[string]ScopeOverride
	OwnerIDs       []string
	TextChunkLimit int
}

// EffectiveDMPolicy returns the DM policy with the pairing default applied.
func (p Policy) EffectiveDMPolicy() DMPolicy {
	switch DMPolicy(strings.ToLower(strings.TrimSpace(string(p.DMPolicy)))) {
	case DMPolicyOpen:
		return DMPolicyOpen
	case DMPolicyDisabled:
		return DMPolicyDisabled
	case DMPolicyAllowlist:
		return DMPolicyAllowlist
	default:
		return DMPolicyPairing
	}
}

// EffectiveGroupPolicy returns the group policy with the open default applied.
func (p Policy) EffectiveGroupPolicy() GroupPolicy {
	switch GroupPolicy(strings.ToLower(strings.TrimSpace(string(p.GroupPolicy)))) {
	case GroupPolicyAllowlist:
		return GroupPolicyAllowlist
	case GroupPolicyDisabled:
		return GroupPolicyDisabled
	default:
		return GroupPolicyOpen
	}
}

// ResolveRequireMention returns the first explicit value among the channel
// override, the scope override and the global flag, defaulting to true.
func (p Policy) ResolveRequireMention(scopeID, channelID string) bool {
	if scope, ok := p.lookupScope(scopeID); ok {
		if ch, ok := lookupChannel(scope.Channels, channelID); ok && ch.RequireMention != nil {
			return *ch.RequireMention
		}
		if scope.RequireMention != nil {
			return *scope.RequireMention
		}
	}
	if p.RequireMention != nil {
		return *p.RequireMention
	}
	return true
}

func (p Policy) lookupScope(scopeID string) (ScopeOverride, bool) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" || len(p.Scopes) == 0 {
		return ScopeOverride{}, false
	}
	if scope, ok := p.Scopes[scopeID]; ok {
		return scope, true
	}
	for id, scope := range p.Scopes {
		if strings.EqualFold(id, scopeID) {
			return scope, true
		}
	}
	return ScopeOverride{}, false
}

func lookupChannel(channels map[string]ChannelOverride, channelID string) (ChannelOverride, bool) {
	channelID = strings.TrimSpace(channelID)
	if channelID == "" || len(channels) == 0 {
		return ChannelOverride{}, false
	}
	if ch, ok := channels[channelID]; ok {
		return ch, true
	}
	for id, ch := range channels {
		if strings.EqualFold(id, channelID) {
			return ch, true
		}
	}
	return ChannelOverride{}, false
}

// MatchAllowList reports whether senderID (case-insensitive) is in any of
// the lists or a list contains the wildcard.
func MatchAllowList(senderID string, lists ...[]string) bool {
	senderID = strings.ToLower(strings.TrimSpace(senderID))
	for _, list := range lists {
		for _, entry := range list {
			entry = strings.ToLower(strings.TrimSpace(entry))
			if entry == AllowAll {
				return true
			}
			if entry != "" && entry == senderID {
				return true
			}
		}
	}
	return false
}

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool {
	return &v
}
