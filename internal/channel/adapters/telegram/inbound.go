package telegram

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/memoh-gateway/internal/channel"
)

var extraSpaces = regexp.MustCompile(`[ \t]{2,}`)

// Normalize maps a Telegram message to the canonical inbound message.
// botID and botUsername identify the bot itself; a reply to one of the bot's
// messages counts as a mention.
func Normalize(msg *tgbotapi.Message, botID int64, botUsername string) (channel.InboundMessage, error) {
	if msg == nil || msg.Chat == nil {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, Err: channel.ErrMissingConversation}
	}
	messageID := strconv.Itoa(msg.MessageID)
	senderID, senderName := resolveTelegramSender(msg)
	if senderID == "" {
		return channel.InboundMessage{}, &channel.NormalizationError{Channel: Type, MessageID: messageID, Err: channel.ErrMissingSender}
	}
	chatID := strconv.FormatInt(msg.Chat.ID, 10)

	raw := msg.Text
	entities := msg.Entities
	if strings.TrimSpace(raw) == "" {
		raw = msg.Caption
		entities = msg.CaptionEntities
	}
	botIDText := ""
	if botID != 0 {
		botIDText = strconv.FormatInt(botID, 10)
	}
	mentions := collectTelegramMentions(raw, entities, botIDText, botUsername)
	if botIDText != "" && msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == botID {
		mentions = append(mentions, botIDText)
	}
	text := stripBotMention(raw, botUsername)

	surface := channel.ClassifySurface(msg.Chat.IsChannel(), msg.Chat.IsGroup() || msg.Chat.IsSuperGroup())
	ts := time.Now().UTC()
	if msg.Date > 0 {
		ts = time.Unix(int64(msg.Date), 0).UTC()
	}
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
		SenderName:     senderName,
		Text:           text,
		MentionedIDs:   channel.NewMentionSet(mentions...),
		BotID:          botIDText,
		ScopeID:        scopeID,
		ChannelID:      chatID,
		RawContent:     raw,
		Timestamp:      ts,
		Ref: channel.ConversationRef{
			Channel:          Type,
			ConversationID:   chatID,
			ConversationType: msg.Chat.Type,
			Surface:          surface,
			Target:           "conversation:" + chatID,
			MessageID:        messageID,
			BotID:            botIDText,
			BotName:          botUsername,
			UserID:           senderID,
			UserName:         senderName,
			UpdatedAt:        ts,
		},
		Raw: msg,
	}, nil
}

// resolveTelegramSender prefers the user; anonymous admins and channel posts
// carry a sender chat instead.
func resolveTelegramSender(msg *tgbotapi.Message) (string, string) {
	if msg == nil {
		return "", ""
	}
	if msg.From != nil {
		userID := strconv.FormatInt(msg.From.ID, 10)
		displayName := strings.TrimSpace(msg.From.UserName)
		if displayName == "" {
			displayName = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
		}
		return userID, displayName
	}
	if msg.SenderChat != nil {
		displayName := strings.TrimSpace(msg.SenderChat.Title)
		if displayName == "" {
			displayName = strings.TrimSpace(msg.SenderChat.UserName)
		}
		return strconv.FormatInt(msg.SenderChat.ID, 10), displayName
	}
	return "", ""
}

// collectTelegramMentions resolves mention entities to ids. An @username
// mention of the bot maps to the bot id; other usernames are kept lower-cased.
func collectTelegramMentions(text string, entities []tgbotapi.MessageEntity, botID, botUsername string) []string {
	if len(entities) == 0 {
		return nil
	}
	units := utf16.Encode([]rune(text))
	botHandle := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(botUsername), "@"))
	out := make([]string, 0, len(entities))
	for _, entity := range entities {
		switch entity.Type {
		case "text_mention":
			if entity.User != nil {
				out = append(out, strconv.FormatInt(entity.User.ID, 10))
			}
		case "mention":
			if entity.Offset < 0 || entity.Length <= 0 || entity.Offset+entity.Length > len(units) {
				continue
			}
			handle := string(utf16.Decode(units[entity.Offset : entity.Offset+entity.Length]))
			handle = strings.ToLower(strings.TrimPrefix(handle, "@"))
			if handle == "" {
				continue
			}
			if handle == botHandle && botID != "" {
				out = append(out, botID)
				continue
			}
			out = append(out, handle)
		}
	}
	return out
}

// stripBotMention removes every @botname occurrence, case-insensitively.
func stripBotMention(text, botUsername string) string {
	handle := strings.TrimPrefix(strings.TrimSpace(botUsername), "@")
	if handle != "" {
		pattern := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(handle) + `\b`)
		text = pattern.ReplaceAllString(text, "")
	}
	return strings.TrimSpace(extraSpaces.ReplaceAllString(text, " "))
}
