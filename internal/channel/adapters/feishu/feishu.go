// Package feishu implements the Feishu/Lark channel.
package feishu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/channel/adapters/common"
)

// Type is the Feishu channel type.
const Type channel.ChannelType = "feishu"

const (
	hardTextLimit              = 4000
	processingBusyReactionType = "Typing"
	reconnectDelay             = 3 * time.Second
)

type messageAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageResp, error)
	Reply(ctx context.Context, req *larkim.ReplyMessageReq, options ...larkcore.RequestOptionFunc) (*larkim.ReplyMessageResp, error)
}

type messageReactionAPI interface {
	Create(ctx context.Context, req *larkim.CreateMessageReactionReq, options ...larkcore.RequestOptionFunc) (*larkim.CreateMessageReactionResp, error)
	Delete(ctx context.Context, req *larkim.DeleteMessageReactionReq, options ...larkcore.RequestOptionFunc) (*larkim.DeleteMessageReactionResp, error)
}

type processingReactionGateway interface {
	Add(ctx context.Context, messageID, reactionType string) (string, error)
	Remove(ctx context.Context, messageID, reactionID string) error
}

type larkProcessingReactionGateway struct {
	api messageReactionAPI
}

func (g *larkProcessingReactionGateway) Add(ctx context.Context, messageID, reactionType string) (string, error) {
	if g == nil || g.api == nil {
		return "", fmt.Errorf("feishu reaction api not configured")
	}
	req := larkim.NewCreateMessageReactionReqBuilder().
		MessageId(messageID).
		Body(larkim.NewCreateMessageReactionReqBodyBuilder().
			ReactionType(larkim.NewEmojiBuilder().EmojiType(reactionType).Build()).
			Build()).
		Build()
	resp, err := g.api.Create(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil || !resp.Success() {
		code := 0
		msg := ""
		if resp != nil {
			code = resp.Code
			msg = resp.Msg
		}
		return "", fmt.Errorf("feishu add reaction failed: %s (code: %d)", msg, code)
	}
	if resp.Data == nil || resp.Data.ReactionId == nil || strings.TrimSpace(*resp.Data.ReactionId) == "" {
		return "", fmt.Errorf("feishu add reaction failed: empty reaction id")
	}
	return strings.TrimSpace(*resp.Data.ReactionId), nil
}

func (g *larkProcessingReactionGateway) Remove(ctx context.Context, messageID, reactionID string) error {
	if g == nil || g.api == nil {
		return fmt.Errorf("feishu reaction api not configured")
	}
	req := larkim.NewDeleteMessageReactionReqBuilder().
		MessageId(messageID).
		ReactionId(reactionID).
		Build()
	resp, err := g.api.Delete(ctx, req)
	if err != nil {
		return err
	}
	if resp == nil || !resp.Success() {
		code := 0
		msg := ""
		if resp != nil {
			code = resp.Code
			msg = resp.Msg
		}
		return fmt.Errorf("feishu remove reaction failed: %s (code: %d)", msg, code)
	}
	return nil
}

// Adapter connects one Feishu/Lark app to the gateway.
type Adapter struct {
	logger    *slog.Logger
	cfg       Config
	client    *lark.Client
	messages  messageAPI
	reactions processingReactionGateway
	names     *senderNames
	botInfo   func(ctx context.Context) (string, string, error)

	mu          sync.RWMutex
	handler     channel.InboundHandler
	connCtx     context.Context
	botOpenID   string
	reactionIDs map[string]string
}

// NewAdapter creates a Feishu adapter from validated credentials.
func NewAdapter(log *slog.Logger, cfg Config) (*Adapter, error) {
	if log == nil {
		log = slog.Default()
	}
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	logger := log.With(slog.String("adapter", "feishu"))
	client := lark.NewClient(cfg.AppID, cfg.AppSecret,
		lark.WithOpenBaseUrl(cfg.openBaseURL()),
		lark.WithLogger(newLarkSlogLogger(logger)),
		lark.WithLogLevel(larkcore.LogLevelWarn),
	)
	a := &Adapter{
		logger:      logger,
		cfg:         cfg,
		client:      client,
		messages:    client.Im.V1.Message,
		reactions:   &larkProcessingReactionGateway{api: client.Im.V1.MessageReaction},
		names:       newSenderNames(larkSenderNameLookup(client)),
		botOpenID:   cfg.BotOpenID,
		reactionIDs: map[string]string{},
	}
	a.botInfo = a.fetchBotInfo
	return a, nil
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Feishu",
		Capabilities: channel.Capabilities{
			Text:      true,
			Media:     true,
			Typing:    a.cfg.BusyReaction,
			Reply:     true,
			Mentions:  true,
			Proactive: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: hardTextLimit,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

// Connect starts the websocket long connection, or arms the webhook handler
// when inbound_mode is webhook.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	if handler == nil {
		return nil, errors.New("feishu: inbound handler is required")
	}
	a.logger.Info("start", slog.String("inbound_mode", a.cfg.InboundMode))
	botOpenID := a.resolveBotOpenID(ctx)
	a.logger.Info("bot identity", slog.String("bot_open_id", botOpenID))

	connCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.handler = handler
	a.connCtx = connCtx
	a.mu.Unlock()

	stop := func(context.Context) error {
		cancel()
		a.mu.Lock()
		a.handler = nil
		a.connCtx = nil
		a.mu.Unlock()
		a.logger.Info("stop")
		return nil
	}
	if a.cfg.InboundMode == inboundModeWebhook {
		a.logger.Info("webhook mode enabled; websocket connect skipped")
		return channel.NewConnection(Type, stop), nil
	}

	newClient := func() *larkws.Client {
		eventDispatcher := a.newEventDispatcher(connCtx, handler)
		return larkws.NewClient(
			a.cfg.AppID,
			a.cfg.AppSecret,
			larkws.WithEventHandler(eventDispatcher),
			larkws.WithDomain(a.cfg.openBaseURL()),
			larkws.WithLogger(newLarkSlogLogger(a.logger)),
			larkws.WithLogLevel(larkcore.LogLevelInfo),
		)
	}
	go func() {
		for {
			if connCtx.Err() != nil {
				return
			}
			client := newClient()
			err := client.Start(connCtx)
			if connCtx.Err() != nil {
				return
			}
			if err != nil {
				a.logger.Error("client start failed", slog.Any("error", err))
			} else {
				a.logger.Warn("client exited without error; reconnecting")
			}
			timer := time.NewTimer(reconnectDelay)
			select {
			case <-connCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}()
	return channel.NewConnection(Type, stop), nil
}

func (a *Adapter) newEventDispatcher(ctx context.Context, handler channel.InboundHandler) *dispatcher.EventDispatcher {
	eventDispatcher := dispatcher.NewEventDispatcher(a.cfg.VerificationToken, a.cfg.EncryptKey)
	eventDispatcher.OnP2MessageReceiveV1(func(_ context.Context, event *larkim.P2MessageReceiveV1) error {
		if ctx.Err() != nil {
			return nil
		}
		a.handleEvent(ctx, event, handler)
		return nil
	})
	eventDispatcher.OnP2MessageReadV1(func(_ context.Context, _ *larkim.P2MessageReadV1) error {
		return nil
	})
	// Reaction events follow from the busy reaction; registering them keeps the SDK quiet.
	eventDispatcher.OnP2MessageReactionCreatedV1(func(_ context.Context, _ *larkim.P2MessageReactionCreatedV1) error {
		return nil
	})
	eventDispatcher.OnP2MessageReactionDeletedV1(func(_ context.Context, _ *larkim.P2MessageReactionDeletedV1) error {
		return nil
	})
	return eventDispatcher
}

// handleEvent normalizes one message event and hands it to the pipeline.
// Normalization failures are logged and dropped.
func (a *Adapter) handleEvent(ctx context.Context, event *larkim.P2MessageReceiveV1, handler channel.InboundHandler) {
	msg, err := Normalize(event, a.currentBotOpenID())
	if err != nil {
		a.logger.Warn("drop inbound", slog.Any("error", err))
		return
	}
	if msg.SenderID == msg.BotID {
		return
	}
	chatID := ""
	if !msg.Surface.IsDirect() {
		chatID = msg.ConversationID
	}
	if name, err := a.names.resolve(ctx, msg.SenderID, chatID); err != nil {
		a.logger.Debug("sender name lookup failed", slog.String("open_id", msg.SenderID), slog.Any("error", err))
	} else {
		applySenderName(&msg, name)
	}
	a.logger.Info("inbound received",
		slog.String("message_id", msg.ID),
		slog.String("surface", msg.Surface.String()),
		slog.Bool("bot_mentioned", msg.BotMentioned()),
		slog.String("text", common.SummarizeText(msg.Text)))
	if err := handler(ctx, msg); err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
	}
}

func (a *Adapter) currentHandler() (channel.InboundHandler, context.Context) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.handler, a.connCtx
}

func (a *Adapter) currentBotOpenID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.botOpenID
}

func (a *Adapter) resolveBotOpenID(ctx context.Context) string {
	if openID := a.currentBotOpenID(); openID != "" {
		return openID
	}
	openID, _, err := a.DiscoverSelf(ctx)
	if err != nil {
		a.logger.Warn("discover self failed; mentions cannot be matched", slog.Any("error", err))
		return ""
	}
	return openID
}

// Send delivers one text chunk or media link. Replies thread onto the source
// message when the target is the conversation it came from.
func (a *Adapter) Send(ctx context.Context, ref channel.ConversationRef, content channel.OutboundContent) (channel.DeliveryReceipt, error) {
	if content.IsEmpty() {
		return channel.DeliveryReceipt{}, channel.ErrEmptyContent
	}
	receiveID, receiveType, err := resolveReceiveID(ref.Target)
	if err != nil {
		return channel.DeliveryReceipt{}, err
	}
	text := content.Text
	if content.MediaURL != "" {
		text = content.MediaURL
	}
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return channel.DeliveryReceipt{}, fmt.Errorf("failed to marshal text content: %w", err)
	}

	var messageID string
	if ref.MessageID != "" && receiveType == larkim.ReceiveIdTypeChatId && receiveID == ref.ConversationID {
		req := larkim.NewReplyMessageReqBuilder().
			MessageId(ref.MessageID).
			Body(larkim.NewReplyMessageReqBodyBuilder().
				Content(string(payload)).
				MsgType(larkim.MsgTypeText).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := a.messages.Reply(ctx, req)
		messageID, err = replyResult(resp, err)
		if err != nil {
			return channel.DeliveryReceipt{}, err
		}
	} else {
		req := larkim.NewCreateMessageReqBuilder().
			ReceiveIdType(receiveType).
			Body(larkim.NewCreateMessageReqBodyBuilder().
				ReceiveId(receiveID).
				MsgType(larkim.MsgTypeText).
				Content(string(payload)).
				Uuid(uuid.NewString()).
				Build()).
			Build()
		resp, err := a.messages.Create(ctx, req)
		messageID, err = createResult(resp, err)
		if err != nil {
			return channel.DeliveryReceipt{}, err
		}
	}
	return channel.DeliveryReceipt{MessageID: messageID, Target: ref.Target, SentAt: time.Now().UTC()}, nil
}

func createResult(resp *larkim.CreateMessageResp, err error) (string, error) {
	if err != nil {
		return "", fmt.Errorf("feishu send: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", fmt.Errorf("feishu send failed: %s (code: %d)", msg, code)
	}
	if resp.Data != nil {
		return ptrStr(resp.Data.MessageId), nil
	}
	return "", nil
}

func replyResult(resp *larkim.ReplyMessageResp, err error) (string, error) {
	if err != nil {
		return "", fmt.Errorf("feishu reply: %w", err)
	}
	if resp == nil || !resp.Success() {
		code, msg := 0, ""
		if resp != nil {
			code, msg = resp.Code, resp.Msg
		}
		return "", fmt.Errorf("feishu reply failed: %s (code: %d)", msg, code)
	}
	if resp.Data != nil {
		return ptrStr(resp.Data.MessageId), nil
	}
	return "", nil
}

// SendTyping adds the busy reaction to the source message. Feishu has no typing indicator.
func (a *Adapter) SendTyping(ctx context.Context, ref channel.ConversationRef) error {
	messageID := strings.TrimSpace(ref.MessageID)
	if !a.cfg.BusyReaction || messageID == "" {
		return nil
	}
	a.mu.RLock()
	_, exists := a.reactionIDs[messageID]
	a.mu.RUnlock()
	if exists {
		return nil
	}
	reactionID, err := a.reactions.Add(ctx, messageID, processingBusyReactionType)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.reactionIDs[messageID] = reactionID
	a.mu.Unlock()
	return nil
}

// StopTyping removes the busy reaction added by SendTyping.
func (a *Adapter) StopTyping(ctx context.Context, ref channel.ConversationRef) error {
	messageID := strings.TrimSpace(ref.MessageID)
	a.mu.Lock()
	reactionID, ok := a.reactionIDs[messageID]
	delete(a.reactionIDs, messageID)
	a.mu.Unlock()
	if !ok || reactionID == "" {
		return nil
	}
	return a.reactions.Remove(ctx, messageID, reactionID)
}

// DiscoverSelf retrieves the bot's open_id and app name.
func (a *Adapter) DiscoverSelf(ctx context.Context) (string, string, error) {
	openID, name, err := a.botInfo(ctx)
	if err != nil {
		return "", "", err
	}
	a.mu.Lock()
	a.botOpenID = openID
	a.mu.Unlock()
	return openID, name, nil
}

func (a *Adapter) fetchBotInfo(ctx context.Context) (string, string, error) {
	resp, err := a.client.Get(ctx, "/open-apis/bot/v3/info", nil, larkcore.AccessTokenTypeTenant)
	if err != nil {
		return "", "", fmt.Errorf("feishu discover self: %w", err)
	}
	return parseBotInfo(resp.RawBody)
}

func parseBotInfo(raw []byte) (string, string, error) {
	var body struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
		Bot  struct {
			OpenID  string `json:"open_id"`
			AppName string `json:"app_name"`
		} `json:"bot"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", "", fmt.Errorf("feishu discover self: parse response: %w", err)
	}
	if body.Code != 0 {
		return "", "", fmt.Errorf("feishu discover self: %s (code: %d)", body.Msg, body.Code)
	}
	openID := strings.TrimSpace(body.Bot.OpenID)
	if openID == "" {
		return "", "", fmt.Errorf("feishu discover self: empty open_id")
	}
	return openID, strings.TrimSpace(body.Bot.AppName), nil
}

// resolveReceiveID maps a target to a receive id and type. Native
// open_id:/user_id:/chat_id: prefixes are accepted alongside the common scheme.
func resolveReceiveID(raw string) (string, string, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case strings.HasPrefix(raw, "open_id:"):
		return nonEmptyID(strings.TrimPrefix(raw, "open_id:"), larkim.ReceiveIdTypeOpenId)
	case strings.HasPrefix(raw, "user_id:"):
		return nonEmptyID(strings.TrimPrefix(raw, "user_id:"), larkim.ReceiveIdTypeUserId)
	}
	target := common.ParseTarget(raw)
	switch {
	case target.ID == "":
		return "", "", channel.ErrUnknownTarget
	case target.Kind == common.TargetUser, strings.HasPrefix(target.ID, "ou_"):
		return target.ID, larkim.ReceiveIdTypeOpenId, nil
	default:
		return target.ID, larkim.ReceiveIdTypeChatId, nil
	}
}

func nonEmptyID(id, idType string) (string, string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", "", channel.ErrUnknownTarget
	}
	return id, idType, nil
}
