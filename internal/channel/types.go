// Package channel provides a unified abstraction for multi-platform messaging channels.
// It defines the canonical inbound message, adapter interfaces, a registry for
// channel adapters such as Teams and Feishu, and the outbound reply pipeline.
package channel

import (
	"sort"
	"strings"
	"time"
)

// ChannelType identifies a messaging platform (e.g., "msteams", "feishu").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

// SurfaceKind classifies the conversation an inbound message arrived on.
type SurfaceKind string

const (
	SurfaceDM      SurfaceKind = "dm"
	SurfaceGroup   SurfaceKind = "group"
	SurfaceChannel SurfaceKind = "channel"
)

// String returns the surface kind as a plain string.
func (s SurfaceKind) String() string {
	return string(s)
}

// IsDirect reports whether the surface is a one-to-one conversation.
func (s SurfaceKind) IsDirect() bool {
	return s == SurfaceDM
}

// ClassifySurface maps provider conversation markers to exactly one surface.
// A channel/team marker wins over a group marker; no marker means dm.
func ClassifySurface(hasChannelMarker, hasGroupMarker bool) SurfaceKind {
	switch {
	case hasChannelMarker:
		return SurfaceChannel
	case hasGroupMarker:
		return SurfaceGroup
	default:
		return SurfaceDM
	}
}

// SplitConversationID strips provider-added qualifiers (";messageid=...")
// from a composite conversation identifier.
func SplitConversationID(raw string) string {
	raw = strings.TrimSpace(raw)
	if idx := strings.Index(raw, ";"); idx >= 0 {
		raw = raw[:idx]
	}
	return strings.TrimSpace(raw)
}

// ConversationRef carries everything an adapter needs to reply into a
// conversation later, including proactive sends.
type ConversationRef struct {
	Channel          ChannelType `json:"channel"`
	ConversationID   string      `json:"conversation_id"`
	ConversationType string      `json:"conversation_type,omitempty"`
	Surface          SurfaceKind `json:"surface,omitempty"`
	Target           string      `json:"target"`
	MessageID        string      `json:"message_id,omitempty"`
	ServiceURL       string      `json:"service_url,omitempty"`
	TenantID         string      `json:"tenant_id,omitempty"`
	BotID            string      `json:"bot_id,omitempty"`
	BotName          string      `json:"bot_name,omitempty"`
	UserID           string      `json:"user_id,omitempty"`
	UserName         string      `json:"user_name,omitempty"`
	UserAADObjectID  string      `json:"user_aad_object_id,omitempty"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

// WithTarget returns a copy of the reference addressed to another target.
// The source message id is cleared since it belongs to the original conversation.
func (r ConversationRef) WithTarget(target string) ConversationRef {
	r.Target = strings.TrimSpace(target)
	r.MessageID = ""
	return r
}

// InboundMessage is the canonical form of a message received from any channel.
// Adapters build it once in their normalizer; the rest of the pipeline only
// depends on this type.
type InboundMessage struct {
	ID             string
	Channel        ChannelType
	Surface        SurfaceKind
	ConversationID string
	SenderID       string
	SenderName     string
	Text           string
	MentionedIDs   map[string]struct{}
	// BotID is the bot's own identity on the platform (the activity recipient).
	BotID string
	// ScopeID is the team, guild, or group the conversation belongs to.
	ScopeID string
	// ChannelID identifies the channel inside ScopeID for mention policy lookup.
	ChannelID string
	// RawContent is the provider message body before mention stripping.
	RawContent string
	Timestamp  time.Time
	Ref        ConversationRef
	// Raw is the original provider event. Only adapters look inside it.
	Raw any
}

// Actionable reports whether the message still carries text after normalization.
func (m InboundMessage) Actionable() bool {
	return strings.TrimSpace(m.Text) != ""
}

// IsMentioned reports whether the given identity was mentioned in the message.
func (m InboundMessage) IsMentioned(id string) bool {
	id = strings.TrimSpace(id)
	if id == "" || len(m.MentionedIDs) == 0 {
		return false
	}
	_, ok := m.MentionedIDs[id]
	return ok
}

// BotMentioned reports whether the bot's own recipient id is among the mentions.
func (m InboundMessage) BotMentioned() bool {
	return m.IsMentioned(m.BotID)
}

// PeerID is the routing peer: the sender for direct messages, the conversation otherwise.
func (m InboundMessage) PeerID() string {
	if m.Surface.IsDirect() {
		return m.SenderID
	}
	return m.ConversationID
}

// SenderLabel returns the display name, falling back to the sender id.
func (m InboundMessage) SenderLabel() string {
	if name := strings.TrimSpace(m.SenderName); name != "" {
		return name
	}
	return m.SenderID
}

// Mentions returns the mentioned ids in sorted order.
func (m InboundMessage) Mentions() []string {
	items := make([]string, 0, len(m.MentionedIDs))
	for id := range m.MentionedIDs {
		items = append(items, id)
	}
	sort.Strings(items)
	return items
}

// NewMentionSet builds a mention set, skipping blank ids.
func NewMentionSet(ids ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		set[id] = struct{}{}
	}
	return set
}

// MessageFormat indicates how outbound text should be rendered.
type MessageFormat string

const (
	MessageFormatPlain    MessageFormat = "plain"
	MessageFormatMarkdown MessageFormat = "markdown"
)

// ReplyKind labels an agent reply as interim progress or a final answer.
type ReplyKind string

const (
	ReplyInterim ReplyKind = "interim"
	ReplyFinal   ReplyKind = "final"
)

// ReplyPayload is one unit of the agent's reply stream.
type ReplyPayload struct {
	Kind      ReplyKind `json:"kind,omitempty"`
	Text      string    `json:"text,omitempty"`
	MediaURLs []string  `json:"media_urls,omitempty"`
}

// IsEmpty reports whether the payload carries neither text nor media.
func (p ReplyPayload) IsEmpty() bool {
	if strings.TrimSpace(p.Text) != "" {
		return false
	}
	for _, u := range p.MediaURLs {
		if strings.TrimSpace(u) != "" {
			return false
		}
	}
	return true
}

// OutboundContent is a single delivery handed to a Deliverer: either a text
// chunk or one media URL.
type OutboundContent struct {
	Text     string        `json:"text,omitempty"`
	MediaURL string        `json:"media_url,omitempty"`
	Format   MessageFormat `json:"format,omitempty"`
}

// IsEmpty reports whether the content has nothing to send.
func (c OutboundContent) IsEmpty() bool {
	return strings.TrimSpace(c.Text) == "" && strings.TrimSpace(c.MediaURL) == ""
}

// DeliveryReceipt is returned by a Deliverer for each accepted send.
type DeliveryReceipt struct {
	MessageID string    `json:"message_id,omitempty"`
	Target    string    `json:"target"`
	SentAt    time.Time `json:"sent_at"`
}
