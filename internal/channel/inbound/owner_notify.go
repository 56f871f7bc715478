package inbound

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/memohai/memoh-gateway/internal/channel"
)

const (
	ownerPreviewLimit = 500
	ownerNoticePrefix = "[群聊提醒]"
)

// DelivererResolver returns the outbound side of an adapter. *channel.Registry implements it.
type DelivererResolver interface {
	GetDeliverer(channelType channel.ChannelType) (channel.Deliverer, bool)
}

// OwnerNotifier tells the bot owner when someone mentions them in a group
// the bot was not addressed in.
type OwnerNotifier struct {
	deliverers DelivererResolver
	logger     *slog.Logger
}

// NewOwnerNotifier creates a notifier sending through deliverers.
func NewOwnerNotifier(log *slog.Logger, deliverers DelivererResolver) *OwnerNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &OwnerNotifier{
		deliverers: deliverers,
		logger:     log.With(slog.String("component", "owner_notifier")),
	}
}

// ShouldNotifyOwner is the firing rule of the owner notifier.
func ShouldNotifyOwner(surface channel.SurfaceKind, requireMention, botMentioned, ownerMentioned bool) bool {
	return surface == channel.SurfaceGroup && requireMention && !botMentioned && ownerMentioned
}

// NotifyIfOwnerMentioned sends the owner notice when the firing rule holds.
// Failures are logged and never returned. It reports whether a notice was delivered.
func (n *OwnerNotifier) NotifyIfOwnerMentioned(ctx context.Context, msg channel.InboundMessage, ownerIDs []string, requireMention bool) bool {
	owners := compactIDs(ownerIDs)
	if len(owners) == 0 {
		return false
	}
	ownerMentioned := false
	for _, id := range owners {
		if msg.IsMentioned(id) {
			ownerMentioned = true
			break
		}
	}
	if !ShouldNotifyOwner(msg.Surface, requireMention, msg.BotMentioned(), ownerMentioned) {
		return false
	}
	if n.deliverers == nil {
		return false
	}
	deliverer, ok := n.deliverers.GetDeliverer(msg.Channel)
	if !ok {
		n.logger.Warn("owner notify skipped: channel cannot send", slog.String("channel", msg.Channel.String()))
		return false
	}
	target := "user:" + owners[0]
	content := channel.OutboundContent{
		Text:   OwnerNoticeText(msg.SenderID, OwnerPreview(msg)),
		Format: channel.MessageFormatPlain,
	}
	if _, err := deliverer.Send(ctx, msg.Ref.WithTarget(target), content); err != nil {
		n.logger.Warn("owner notify failed",
			slog.String("channel", msg.Channel.String()),
			slog.String("target", target),
			slog.Any("error", err))
		return false
	}
	n.logger.Info("owner notified",
		slog.String("channel", msg.Channel.String()),
		slog.String("conversation_id", msg.ConversationID),
		slog.String("target", target))
	return true
}

// OwnerNoticeText formats the owner notice. The speaker is the platform
// sender id, never the display name.
func OwnerNoticeText(speaker, preview string) string {
	return ownerNoticePrefix + " " + speaker + " @了你:\n" + preview
}

// OwnerPreview returns the first 500 runes of the message body. The body is
// the "text" field of the provider JSON content when it parses, the raw
// content otherwise.
func OwnerPreview(msg channel.InboundMessage) string {
	body := strings.TrimSpace(msg.RawContent)
	if body == "" {
		body = msg.Text
	} else {
		var parsed struct {
			Text *string `json:"text"`
		}
		if err := json.Unmarshal([]byte(body), &parsed); err == nil && parsed.Text != nil {
			body = *parsed.Text
		}
	}
	runes := []rune(body)
	if len(runes) > ownerPreviewLimit {
		runes = runes[:ownerPreviewLimit]
	}
	return string(runes)
}

func compactIDs(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}
