package agent

import (
	"context"
	"strings"

	"github.com/memohai/memoh-gateway/internal/channel"
)

// EchoInvoker answers every message with its own text. It backs the "echo"
// agent mode used for smoke-testing channel wiring without a real agent.
type EchoInvoker struct {
	Prefix string
}

// Dispatch sends one final reply echoing the raw body.
func (e EchoInvoker) Dispatch(ctx context.Context, payload Payload, reply ReplyFunc) error {
	text := strings.TrimSpace(payload.RawBody)
	if text == "" {
		text = strings.TrimSpace(payload.Body)
	}
	if text == "" {
		return nil
	}
	return reply(ctx, channel.ReplyPayload{Kind: channel.ReplyFinal, Text: e.Prefix + text})
}
