package discord

import (
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/memoh-gateway/internal/channel"
)

var userMentionPattern = regexp.MustCompile(`<@!?(\d+)>`)

// Normalize maps a Discord message to the canonical inbound message.
// chType is the channel type from the state cache, zero when unknown.
func Normalize(m *discordgo.Message, botID string, chType discordgo.ChannelType) (channel.InboundMessage, error) {
	if m == nil {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, Err: channel.ErrMissingConversation}
	}
	if m.Author == nil || strings.TrimSpace(m.Author.ID) == "" {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, MessageID: m.ID, Err: channel.ErrMissingSender}
	}
	conversationID := channel.SplitConversationID(m.ChannelID)
	if conversationID == "" {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, MessageID: m.ID, Err: channel.ErrMissingConversation}
	}

	mentions := make([]string, 0, len(m.Mentions))
	for _, u := range m.Mentions {
		if u != nil {
			mentions = append(mentions, u.ID)
		}
	}
	for _, match := range userMentionPattern.FindAllStringSubmatch(m.Content, -1) {
		mentions = append(mentions, match[1])
	}
	text := strings.TrimSpace(userMentionPattern.ReplaceAllString(m.Content, ""))

	surface := channel.ClassifySurface(strings.TrimSpace(m.GuildID) != "", chType == discordgo.ChannelTypeGroupDM)
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	senderName := strings.TrimSpace(m.Author.GlobalName)
	if senderName == "" {
		senderName = m.Author.Username
	}

	target := "channel:" + conversationID
	return channel.InboundMessage{
		ID:             m.ID,
		Channel:        Type,
		Surface:        surface,
		ConversationID: conversationID,
		SenderID:       m.Author.ID,
		SenderName:     senderName,
		Text:           text,
		MentionedIDs:   channel.NewMentionSet(mentions...),
		BotID:          botID,
		ScopeID:        m.GuildID,
		ChannelID:      conversationID,
		RawContent:     m.Content,
		Timestamp:      ts.UTC(),
		Ref: channel.ConversationRef{
			Channel:        Type,
			ConversationID: conversationID,
			Surface:        surface,
			Target:         target,
			MessageID:      m.ID,
			TenantID:       m.GuildID,
			BotID:          botID,
			UserID:         m.Author.ID,
			UserName:       senderName,
			UpdatedAt:      ts.UTC(),
		},
		Raw: m,
	}, nil
}
