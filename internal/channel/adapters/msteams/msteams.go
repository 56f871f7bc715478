// Package msteams implements the Microsoft Teams channel on top of the Bot
// Framework REST API.
package msteams

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/channel/adapters/common"
)

// Type is the Teams channel type.
const Type channel.ChannelType = "msteams"

const (
	hardTextLimit        = 4000
	maxErrorBodyBytes    = 4 << 10
	defaultClientTimeout = 30 * time.Second
)

// ReferenceStore looks up saved conversation references for proactive sends.
type ReferenceStore interface {
	Get(ctx context.Context, ct channel.ChannelType, conversationID string) (channel.ConversationRef, error)
	FindDirect(ctx context.Context, ct channel.ChannelType, userID string) (channel.ConversationRef, error)
}

// Adapter receives Teams activities over the webhook and replies over REST.
type Adapter struct {
	logger     *slog.Logger
	cfg        Config
	references ReferenceStore
	client     *http.Client

	mu      sync.RWMutex
	handler channel.InboundHandler
	connCtx context.Context
}

// NewAdapter creates a Teams adapter. references may be nil, in which case
// only conversations carried on the reference itself can be addressed.
func NewAdapter(log *slog.Logger, cfg Config, references ReferenceStore) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	client := cfg.httpClient(context.Background())
	if client.Timeout == 0 {
		client.Timeout = defaultClientTimeout
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "msteams")),
		cfg:        cfg,
		references: references,
		client:     client,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Teams",
		Capabilities: channel.Capabilities{
			Text:      true,
			Markdown:  true,
			Media:     true,
			Typing:    true,
			Reply:     true,
			Threads:   true,
			Mentions:  true,
			Proactive: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: hardTextLimit,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

// Connect arms the webhook. Activities posted before Connect are rejected.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	if handler == nil {
		return nil, errors.New("msteams: inbound handler is required")
	}
	a.mu.Lock()
	a.handler = handler
	a.connCtx = ctx
	a.mu.Unlock()
	a.logger.Info("webhook armed")
	return channel.NewConnection(Type, func(context.Context) error {
		a.mu.Lock()
		a.handler = nil
		a.connCtx = nil
		a.mu.Unlock()
		a.logger.Info("webhook disarmed")
		return nil
	}), nil
}

func (a *Adapter) currentHandler() (channel.InboundHandler, context.Context) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handler, a.connCtx
}

// Send posts one message activity into the target conversation.
func (a *Adapter) Send(ctx context.Context, ref channel.ConversationRef, content channel.OutboundContent) (channel.DeliveryReceipt, error) {
	if content.IsEmpty() {
		return channel.DeliveryReceipt{}, channel.ErrEmptyContent
	}
	dest, err := a.resolveDestination(ctx, ref)
	if err != nil {
		return channel.DeliveryReceipt{}, err
	}
	activity := outboundActivity{
		Type:         activityTypeMessage,
		From:         &ChannelAccount{ID: dest.BotID, Name: dest.BotName},
		Conversation: &ConversationAccount{ID: dest.ConversationID},
	}
	if content.MediaURL != "" {
		activity.Attachments = []Attachment{mediaAttachment(content.MediaURL)}
	} else {
		activity.Text = content.Text
		activity.TextFormat = "plain"
		if content.Format == channel.MessageFormatMarkdown {
			activity.TextFormat = "markdown"
		}
	}
	if dest.ConversationID == ref.ConversationID && ref.MessageID != "" {
		activity.ReplyToID = ref.MessageID
	}
	id, err := a.postActivity(ctx, dest, activity)
	if err != nil {
		return channel.DeliveryReceipt{}, err
	}
	return channel.DeliveryReceipt{MessageID: id, Target: ref.Target, SentAt: time.Now().UTC()}, nil
}

// SendTyping posts a typing activity.
func (a *Adapter) SendTyping(ctx context.Context, ref channel.ConversationRef) error {
	dest, err := a.resolveDestination(ctx, ref)
	if err != nil {
		return err
	}
	_, err = a.postActivity(ctx, dest, outboundActivity{
		Type:         activityTypeTyping,
		From:         &ChannelAccount{ID: dest.BotID, Name: dest.BotName},
		Conversation: &ConversationAccount{ID: dest.ConversationID},
	})
	return err
}

// DiscoverSelf returns the bot's Teams identity derived from the app id.
func (a *Adapter) DiscoverSelf(ctx context.Context) (string, string, error) {
	appID := strings.TrimSpace(a.cfg.AppID)
	if appID == "" {
		return "", "", nil
	}
	return "28:" + appID, a.cfg.BotName, nil
}

// resolveDestination picks the conversation and service URL for ref.Target.
func (a *Adapter) resolveDestination(ctx context.Context, ref channel.ConversationRef) (channel.ConversationRef, error) {
	target := common.ParseTarget(ref.Target)
	if target.ID == "" {
		return channel.ConversationRef{}, channel.ErrUnknownTarget
	}
	switch {
	case target.Kind == common.TargetUser:
		if a.references == nil {
			return channel.ConversationRef{}, fmt.Errorf("%w: no stored conversation for user %s", channel.ErrUnknownTarget, target.ID)
		}
		stored, err := a.references.FindDirect(ctx, Type, target.ID)
		if err != nil {
			return channel.ConversationRef{}, fmt.Errorf("%w: user %s: %v", channel.ErrUnknownTarget, target.ID, err)
		}
		return stored, nil
	case target.ID == ref.ConversationID && ref.ServiceURL != "":
		return ref, nil
	case a.references != nil:
		stored, err := a.references.Get(ctx, Type, target.ID)
		if err == nil {
			return stored, nil
		}
		if ref.ServiceURL == "" {
			return channel.ConversationRef{}, fmt.Errorf("%w: conversation %s: %v", channel.ErrUnknownTarget, target.ID, err)
		}
	}
	if ref.ServiceURL == "" {
		return channel.ConversationRef{}, fmt.Errorf("%w: no service url for %s", channel.ErrUnknownTarget, target.ID)
	}
	dest := ref
	dest.ConversationID = target.ID
	return dest, nil
}

type outboundActivity struct {
	Type         string               `json:"type"`
	From         *ChannelAccount      `json:"from,omitempty"`
	Conversation *ConversationAccount `json:"conversation,omitempty"`
	Text         string               `json:"text,omitempty"`
	TextFormat   string               `json:"textFormat,omitempty"`
	ReplyToID    string               `json:"replyToId,omitempty"`
	Attachments  []Attachment         `json:"attachments,omitempty"`
}

type resourceResponse struct {
	ID string `json:"id"`
}

func (a *Adapter) postActivity(ctx context.Context, dest channel.ConversationRef, activity outboundActivity) (string, error) {
	serviceURL := strings.TrimRight(strings.TrimSpace(dest.ServiceURL), "/")
	if serviceURL == "" {
		return "", fmt.Errorf("%w: missing service url", channel.ErrUnknownTarget)
	}
	endpoint := serviceURL + "/v3/conversations/" + url.PathEscape(dest.ConversationID) + "/activities"
	if activity.ReplyToID != "" {
		endpoint += "/" + url.PathEscape(activity.ReplyToID)
	}
	body, err := json.Marshal(activity)
	if err != nil {
		return "", fmt.Errorf("msteams marshal activity: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("msteams post activity: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("msteams post activity: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var out resourceResponse
	if len(raw) > 0 && json.Unmarshal(raw, &out) == nil && out.ID != "" {
		return out.ID, nil
	}
	return uuid.NewString(), nil
}

func mediaAttachment(mediaURL string) Attachment {
	att := Attachment{ContentType: "application/octet-stream", ContentURL: mediaURL}
	parsed, err := url.Parse(mediaURL)
	if err != nil {
		return att
	}
	if guessed := mime.TypeByExtension(path.Ext(parsed.Path)); guessed != "" {
		att.ContentType = guessed
	}
	att.Name = path.Base(parsed.Path)
	return att
}
