package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/memohai/memoh-gateway/internal/channel"
)

// Frame types exchanged with a websocket agent.
const (
	FrameDispatch = "dispatch"
	FrameReply    = "reply"
	FrameDone     = "done"
	FrameError    = "error"
)

// Frame is the JSON envelope of every websocket message. The gateway sends
// one dispatch frame per connection and reads reply frames until done or error.
type Frame struct {
	Type    string                `json:"type"`
	ID      string                `json:"id"`
	Payload *Payload              `json:"payload,omitempty"`
	Reply   *channel.ReplyPayload `json:"reply,omitempty"`
	Error   string                `json:"error,omitempty"`
}

// ErrAgent wraps an error frame reported by the agent.
var ErrAgent = errors.New("agent error")

// WSConfig configures a WSInvoker.
type WSConfig struct {
	URL              string
	Token            string
	HandshakeTimeout time.Duration
	// Timeout bounds a whole invocation. Zero means no limit beyond ctx.
	Timeout time.Duration
}

// WSInvoker reaches a remote agent over a websocket, one connection per
// invocation.
type WSInvoker struct {
	cfg    WSConfig
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSInvoker creates a websocket agent client.
func NewWSInvoker(log *slog.Logger, cfg WSConfig) (*WSInvoker, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, fmt.Errorf("agent websocket url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &WSInvoker{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: log.With(slog.String("component", "agent_ws")),
	}, nil
}

// Dispatch sends payload to the agent and forwards every reply frame to reply.
func (w *WSInvoker) Dispatch(ctx context.Context, payload Payload, reply ReplyFunc) error {
	if w.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.Timeout)
		defer cancel()
	}
	header := http.Header{}
	if w.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+w.cfg.Token)
	}
	conn, resp, err := w.dialer.DialContext(ctx, w.cfg.URL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial agent: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial agent: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON when the invocation is canceled.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	id := uuid.NewString()
	if err := conn.WriteJSON(Frame{Type: FrameDispatch, ID: id, Payload: &payload}); err != nil {
		return fmt.Errorf("send dispatch frame: %w", err)
	}

	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				w.logger.Warn("skip malformed agent frame", slog.Any("error", err))
				continue
			}
			return fmt.Errorf("read agent frame: %w", err)
		}
		if frame.ID != "" && frame.ID != id {
			continue
		}
		switch frame.Type {
		case FrameReply:
			if frame.Reply == nil {
				continue
			}
			if err := reply(ctx, *frame.Reply); err != nil {
				return err
			}
		case FrameDone:
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case FrameError:
			return fmt.Errorf("%w: %s", ErrAgent, strings.TrimSpace(frame.Error))
		default:
			w.logger.Debug("ignore agent frame", slog.String("type", frame.Type))
		}
	}
}
