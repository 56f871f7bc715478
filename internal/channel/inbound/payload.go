package inbound

import (
	"fmt"
	"strings"
	"time"

	"github.com/memohai/memoh-gateway/internal/agent"
	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/route"
)

const systemEventPreviewLimit = 160

// BuildPayload assembles the agent context for an allowed message.
// providerLabel is the adapter's display name used in the envelope.
func BuildPayload(msg channel.InboundMessage, rt route.Route, providerLabel string, wasMentioned bool, systemEvents []string) agent.Payload {
	provider := msg.Channel.String()
	if strings.TrimSpace(providerLabel) == "" {
		providerLabel = provider
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()

	payload := agent.Payload{
		Body:              FormatEnvelope(providerLabel, msg.SenderLabel(), ts, msg.Text),
		RawBody:           msg.Text,
		SessionKey:        rt.SessionKey,
		AccountID:         rt.AccountID,
		AgentID:           rt.AgentID,
		SenderName:        msg.SenderName,
		SenderID:          msg.SenderID,
		Provider:          provider,
		Surface:           msg.Surface.String(),
		MessageID:         msg.ID,
		ConversationID:    msg.ConversationID,
		Timestamp:         ts,
		WasMentioned:      wasMentioned,
		CommandAuthorized: true,
		SystemEvents:      systemEvents,
	}
	switch msg.Surface {
	case channel.SurfaceChannel:
		payload.From = provider + ":channel:" + msg.ConversationID
		payload.To = "conversation:" + msg.ConversationID
		payload.ChatType = agent.ChatTypeRoom
	case channel.SurfaceGroup:
		payload.From = provider + ":group:" + msg.ConversationID
		payload.To = "conversation:" + msg.ConversationID
		payload.ChatType = agent.ChatTypeGroup
	default:
		payload.From = provider + ":" + msg.SenderID
		payload.To = "user:" + msg.SenderID
		payload.ChatType = agent.ChatTypeDirect
	}
	return payload
}

// FormatEnvelope prefixes text with "[provider sender timestamp]".
func FormatEnvelope(provider, from string, ts time.Time, text string) string {
	return fmt.Sprintf("[%s %s %s] %s", provider, from, ts.UTC().Format(time.RFC3339), text)
}

// SystemEventText summarizes an inbound message for the session's event queue.
func SystemEventText(providerLabel string, msg channel.InboundMessage) string {
	if strings.TrimSpace(providerLabel) == "" {
		providerLabel = msg.Channel.String()
	}
	var label string
	switch msg.Surface {
	case channel.SurfaceChannel:
		label = providerLabel + " message in channel from " + msg.SenderLabel()
	case channel.SurfaceGroup:
		label = providerLabel + " message in group chat from " + msg.SenderLabel()
	default:
		label = providerLabel + " DM from " + msg.SenderLabel()
	}
	preview := strings.Join(strings.Fields(msg.Text), " ")
	if runes := []rune(preview); len(runes) > systemEventPreviewLimit {
		preview = string(runes[:systemEventPreviewLimit])
	}
	return label + ": " + preview
}

// SystemEventContextKey identifies the inbound message in the event queue.
func SystemEventContextKey(msg channel.InboundMessage) string {
	id := strings.TrimSpace(msg.ID)
	if id == "" {
		id = "unknown"
	}
	return msg.Channel.String() + ":message:" + msg.ConversationID + ":" + id
}
