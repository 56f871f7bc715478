package msteams

import (
	"regexp"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/memohai/memoh-gateway/internal/channel"
)

var (
	atTagPattern   = regexp.MustCompile(`(?is)<at[^>]*>.*?</at>`)
	htmlTagPattern = regexp.MustCompile(`(?i)</?[a-z][a-z0-9]*(\s[^>]*)?/?>`)
)

// Normalize maps a Bot Framework message activity to the canonical inbound message.
func Normalize(act Activity) (channel.InboundMessage, error) {
	if strings.TrimSpace(act.From.ID) == "" {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, MessageID: act.ID, Err: channel.ErrMissingSender}
	}
	conversationID := channel.SplitConversationID(act.Conversation.ID)
	if conversationID == "" {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, MessageID: act.ID, Err: channel.ErrMissingConversation}
	}

	convType := strings.TrimSpace(act.Conversation.ConversationType)
	isChannel := strings.EqualFold(convType, "channel") || act.teamID() != ""
	isGroup := act.Conversation.IsGroup || strings.EqualFold(convType, "groupChat")
	surface := channel.ClassifySurface(isChannel, isGroup)

	mentions := make([]string, 0, len(act.Entities))
	for _, entity := range act.Entities {
		if entity.Type == entityTypeMention && entity.Mentioned != nil {
			mentions = append(mentions, entity.Mentioned.ID)
		}
	}

	senderID := strings.TrimSpace(act.From.AADObjectID)
	if senderID == "" {
		senderID = act.From.ID
	}
	channelID := act.teamsChannelID()
	if channelID == "" {
		channelID = conversationID
	}
	ts := parseTimestamp(act.Timestamp)

	return channel.InboundMessage{
		ID:             act.ID,
		Channel:        Type,
		Surface:        surface,
		ConversationID: conversationID,
		SenderID:       senderID,
		SenderName:     act.From.Name,
		Text:           StripMentionTags(act.Text),
		MentionedIDs:   channel.NewMentionSet(mentions...),
		BotID:          act.Recipient.ID,
		ScopeID:        act.teamID(),
		ChannelID:      channelID,
		RawContent:     act.Text,
		Timestamp:      ts,
		Ref: channel.ConversationRef{
			Channel:          Type,
			ConversationID:   conversationID,
			ConversationType: convType,
			Surface:          surface,
			Target:           "conversation:" + conversationID,
			MessageID:        act.ID,
			ServiceURL:       act.ServiceURL,
			TenantID:         act.tenantID(),
			BotID:            act.Recipient.ID,
			BotName:          act.Recipient.Name,
			UserID:           act.From.ID,
			UserName:         act.From.Name,
			UserAADObjectID:  act.From.AADObjectID,
			UpdatedAt:        ts,
		},
		Raw: act,
	}, nil
}

// StripMentionTags removes <at>…</at> mention markup and converts any
// remaining HTML body to markdown.
func StripMentionTags(text string) string {
	text = atTagPattern.ReplaceAllString(text, "")
	if htmlTagPattern.MatchString(text) {
		if md, err := htmltomarkdown.ConvertString(text); err == nil {
			text = md
		}
	}
	return strings.TrimSpace(text)
}

func parseTimestamp(raw string) time.Time {
	if raw != "" {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			return ts.UTC()
		}
	}
	return time.Now().UTC()
}
