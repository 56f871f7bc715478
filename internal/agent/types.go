// Package agent defines the payload handed to the conversational agent and
// the transports used to reach it.
package agent

import (
	"context"
	"time"

	"github.com/memohai/memoh-gateway/internal/channel"
)

// Chat types reported in Payload.ChatType.
const (
	ChatTypeDirect = "direct"
	ChatTypeGroup  = "group"
	ChatTypeRoom   = "room"
)

// Payload is the context of one agent invocation.
type Payload struct {
	// Body is the enveloped message text shown to the agent.
	Body string `json:"body"`
	// RawBody is the normalized message text without the envelope.
	RawBody           string    `json:"raw_body"`
	From              string    `json:"from"`
	To                string    `json:"to"`
	SessionKey        string    `json:"session_key"`
	AccountID         string    `json:"account_id"`
	AgentID           string    `json:"agent_id,omitempty"`
	ChatType          string    `json:"chat_type"`
	SenderName        string    `json:"sender_name,omitempty"`
	SenderID          string    `json:"sender_id"`
	Provider          string    `json:"provider"`
	Surface           string    `json:"surface"`
	MessageID         string    `json:"message_id,omitempty"`
	ConversationID    string    `json:"conversation_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
	WasMentioned      bool      `json:"was_mentioned"`
	CommandAuthorized bool      `json:"command_authorized"`
	SystemEvents      []string  `json:"system_events,omitempty"`
}

// ReplyFunc receives each reply the agent produces, in order.
type ReplyFunc func(ctx context.Context, reply channel.ReplyPayload) error

// Invoker runs the agent for one payload. It returns once the reply stream
// has ended; reply is never called after Dispatch returns.
type Invoker interface {
	Dispatch(ctx context.Context, payload Payload, reply ReplyFunc) error
}
