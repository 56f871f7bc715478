package feishu

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"

	"github.com/memohai/memoh-gateway/internal/channel"
)

const chatTypeP2P = "p2p"

// Normalize converts a P2MessageReceiveV1 event into the canonical inbound message.
// botOpenID is the bot's own open_id, used for mention detection.
func Normalize(event *larkim.P2MessageReceiveV1, botOpenID string) (channel.InboundMessage, error) {
	if event == nil || event.Event == nil || event.Event.Message == nil {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, Err: channel.ErrMissingConversation}
	}
	message := event.Event.Message
	messageID := ptrStr(message.MessageId)

	senderID, senderUserID, tenantKey := "", "", ""
	if sender := event.Event.Sender; sender != nil {
		if sender.SenderId != nil {
			senderID = ptrStr(sender.SenderId.OpenId)
			senderUserID = ptrStr(sender.SenderId.UserId)
		}
		tenantKey = ptrStr(sender.TenantKey)
	}
	if senderID == "" {
		senderID = senderUserID
	}
	if senderID == "" {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, MessageID: messageID, Err: channel.ErrMissingSender}
	}
	chatID := channel.SplitConversationID(ptrStr(message.ChatId))
	if chatID == "" {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, MessageID: messageID, Err: channel.ErrMissingConversation}
	}

	rawContent := ptrStr(message.Content)
	var contentMap map[string]any
	if rawContent != "" {
		_ = json.Unmarshal([]byte(rawContent), &contentMap)
	}
	text := ""
	switch ptrStr(message.MessageType) {
	case larkim.MsgTypeText:
		text, _ = contentMap["text"].(string)
	case larkim.MsgTypePost:
		text = extractPostText(contentMap)
	}

	mentions := make([]string, 0, len(message.Mentions))
	for _, m := range message.Mentions {
		if m == nil {
			continue
		}
		if key := ptrStr(m.Key); key != "" {
			text = strings.ReplaceAll(text, key, "")
		}
		if m.Id != nil {
			mentions = append(mentions, ptrStr(m.Id.OpenId))
		}
	}
	mentions = append(mentions, collectPostMentions(contentMap)...)
	text = collapseSpaces(text)

	chatType := ptrStr(message.ChatType)
	surface := channel.ClassifySurface(false, chatType != "" && chatType != chatTypeP2P)
	ts := parseMillis(ptrStr(message.CreateTime))
	scopeID := ""
	if !surface.IsDirect() {
		scopeID = chatID
	}

	return channel.InboundMessage{
		ID:             messageID,
		Channel:        Type,
		Surface:        surface,
		ConversationID: chatID,
		SenderID:       senderID,
		Text:           text,
		MentionedIDs:   channel.NewMentionSet(mentions...),
		BotID:          strings.TrimSpace(botOpenID),
		ScopeID:        scopeID,
		ChannelID:      chatID,
		RawContent:     rawContent,
		Timestamp:      ts,
		Ref: channel.ConversationRef{
			Channel:          Type,
			ConversationID:   chatID,
			ConversationType: chatType,
			Surface:          surface,
			Target:           "conversation:" + chatID,
			MessageID:        messageID,
			TenantID:         tenantKey,
			BotID:            strings.TrimSpace(botOpenID),
			UserID:           senderID,
			UpdatedAt:        ts,
		},
		Raw: event,
	}, nil
}

// collectPostMentions returns the open_ids of rich-text at tags.
func collectPostMentions(raw any) []string {
	var out []string
	switch value := raw.(type) {
	case map[string]any:
		if tag, ok := value["tag"].(string); ok && strings.EqualFold(strings.TrimSpace(tag), "at") {
			if id := strings.TrimSpace(stringValue(value["open_id"])); id != "" {
				out = append(out, id)
			}
		}
		for _, child := range value {
			out = append(out, collectPostMentions(child)...)
		}
	case []any:
		for _, child := range value {
			out = append(out, collectPostMentions(child)...)
		}
	}
	return out
}

// extractPostText flattens post content. At tags are dropped like mention keys in text messages.
// Feishu event payload uses root-level content: {"title":"","content":[[...],[...]]}.
func extractPostText(contentMap map[string]any) string {
	linesRaw, _ := contentMap["content"].([]any)
	if linesRaw == nil {
		return ""
	}
	lines := make([]string, 0, len(linesRaw))
	if title := strings.TrimSpace(stringValue(contentMap["title"])); title != "" {
		lines = append(lines, title)
	}
	for _, rawLine := range linesRaw {
		line, ok := rawLine.([]any)
		if !ok {
			continue
		}
		parts := make([]string, 0, len(line))
		for _, rawPart := range line {
			part, ok := rawPart.(map[string]any)
			if !ok {
				continue
			}
			tag := strings.ToLower(strings.TrimSpace(stringValue(part["tag"])))
			switch tag {
			case "at", "img", "media", "emotion":
				continue
			case "a":
				text := strings.TrimSpace(stringValue(part["text"]))
				href := strings.TrimSpace(stringValue(part["href"]))
				switch {
				case text != "" && href != "":
					parts = append(parts, fmt.Sprintf("[%s](%s)", text, href))
				case text != "":
					parts = append(parts, text)
				case href != "":
					parts = append(parts, href)
				}
			default:
				if text := strings.TrimSpace(stringValue(part["text"])); text != "" {
					parts = append(parts, text)
				}
			}
		}
		if len(parts) > 0 {
			lines = append(lines, strings.Join(parts, " "))
		}
	}
	return strings.Join(lines, "\n")
}

// collapseSpaces trims each line and drops the runs of spaces left by removed mention keys.
func collapseSpaces(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func parseMillis(raw string) time.Time {
	if ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return time.Now().UTC()
}

func stringValue(raw any) string {
	if raw == nil {
		return ""
	}
	value, ok := raw.(string)
	if ok {
		return value
	}
	return fmt.Sprint(raw)
}

func ptrStr(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
