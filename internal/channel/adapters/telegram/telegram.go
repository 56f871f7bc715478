package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/channel/adapters/common"
)

// Type is the Telegram channel type.
const Type channel.ChannelType = "telegram"

const (
	telegramMaxMessageLength = 4096
	busyReactionEmoji        = "👀"
	pollTimeoutSeconds       = 30
)

// Config holds the Telegram bot credentials.
type Config struct {
	BotToken string
	// APIEndpoint overrides the Bot API URL format for self-hosted servers.
	APIEndpoint string
	// BusyReaction adds a 👀 reaction to the inbound message while the agent works.
	BusyReaction bool
}

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	GetMe() (tgbotapi.User, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Adapter connects one Telegram bot to the gateway over long polling.
type Adapter struct {
	logger *slog.Logger
	cfg    Config

	mu   sync.RWMutex
	bot  botAPI
	self tgbotapi.User
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	installBotLogger(log)
	return &Adapter{
		logger: log.With(slog.String("adapter", "telegram")),
		cfg:    cfg,
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			Text:      true,
			Markdown:  true,
			Media:     true,
			Typing:    true,
			Reply:     true,
			Mentions:  true,
			Proactive: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: telegramMaxMessageLength,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

func (a *Adapter) getOrCreateBot() (botAPI, error) {
	a.mu.RLock()
	bot := a.bot
	a.mu.RUnlock()
	if bot != nil {
		return bot, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	token := strings.TrimSpace(a.cfg.BotToken)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	endpoint := strings.TrimSpace(a.cfg.APIEndpoint)
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	created, err := tgbotapi.NewBotAPIWithClient(token, endpoint, &http.Client{Timeout: (pollTimeoutSeconds + 10) * time.Second})
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, err
	}
	a.bot = created
	a.self = created.Self
	return created, nil
}

func (a *Adapter) identity() tgbotapi.User {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.self
}

// Connect starts long polling and forwards every message update.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	a.logger.Info("start")
	bot, err := a.getOrCreateBot()
	if err != nil {
		return nil, err
	}
	self := a.identity()
	if self.ID == 0 {
		me, err := bot.GetMe()
		if err != nil {
			return nil, fmt.Errorf("telegram get me: %w", err)
		}
		a.mu.Lock()
		a.self = me
		a.mu.Unlock()
		self = me
	}

	updateConfig := tgbotapi.NewUpdate(0)
	updateConfig.Timeout = pollTimeoutSeconds
	updates := bot.GetUpdatesChan(updateConfig)
	connCtx, cancel := context.WithCancel(ctx)

	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					a.logger.Info("updates channel closed")
					return
				}
				a.handleUpdate(connCtx, update, self, handler)
			}
		}
	}()

	var once sync.Once
	stop := func(_ context.Context) error {
		once.Do(func() {
			a.logger.Info("stop")
			bot.StopReceivingUpdates()
			cancel()
			// Drain so the SDK's polling goroutine can exit before a new
			// connection opens a competing getUpdates session.
			for range updates {
			}
		})
		return nil
	}
	return channel.NewConnection(Type, stop), nil
}

func (a *Adapter) handleUpdate(ctx context.Context, update tgbotapi.Update, self tgbotapi.User, handler channel.InboundHandler) {
	message := update.Message
	if message == nil {
		message = update.ChannelPost
	}
	if message == nil {
		return
	}
	if message.From != nil && message.From.ID == self.ID {
		return
	}
	msg, err := Normalize(message, self.ID, self.UserName)
	if err != nil {
		a.logger.Warn("drop inbound", slog.Any("error", err))
		return
	}
	a.logger.Debug("inbound received",
		slog.String("surface", msg.Surface.String()),
		slog.String("chat_id", msg.ConversationID),
		slog.String("user_id", msg.SenderID),
		slog.String("text", common.SummarizeText(msg.Text)))
	if err := handler(ctx, msg); err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
	}
}

// destination is a resolved Telegram chat: a numeric id or an @channel username.
type destination struct {
	chatID   int64
	username string
}

func (d destination) apply(base *tgbotapi.BaseChat) {
	if d.username != "" {
		base.ChannelUsername = d.username
		return
	}
	base.ChatID = d.chatID
}

func (d destination) String() string {
	if d.username != "" {
		return d.username
	}
	return strconv.FormatInt(d.chatID, 10)
}

// resolveDestination accepts user:, conversation:, chat: and channel: targets.
// A private chat id equals the user id, so user targets need no lookup.
func resolveDestination(raw string) (destination, error) {
	target := common.ParseTarget(raw)
	if target.ID == "" {
		return destination{}, channel.ErrUnknownTarget
	}
	if strings.HasPrefix(target.ID, "@") {
		return destination{username: target.ID}, nil
	}
	id, err := strconv.ParseInt(target.ID, 10, 64)
	if err != nil {
		return destination{}, fmt.Errorf("%w: telegram target must be @username or chat id", channel.ErrUnknownTarget)
	}
	return destination{chatID: id}, nil
}

// Send delivers one text chunk or media URL.
func (a *Adapter) Send(ctx context.Context, ref channel.ConversationRef, content channel.OutboundContent) (channel.DeliveryReceipt, error) {
	if content.IsEmpty() {
		return channel.DeliveryReceipt{}, channel.ErrEmptyContent
	}
	bot, err := a.getOrCreateBot()
	if err != nil {
		return channel.DeliveryReceipt{}, err
	}
	dest, err := resolveDestination(ref.Target)
	if err != nil {
		return channel.DeliveryReceipt{}, err
	}
	if err := ctx.Err(); err != nil {
		return channel.DeliveryReceipt{}, err
	}
	replyTo := 0
	if ref.MessageID != "" && dest.String() == ref.ConversationID {
		replyTo, _ = strconv.Atoi(ref.MessageID)
	}

	var sent tgbotapi.Message
	if url := strings.TrimSpace(content.MediaURL); url != "" {
		sent, err = bot.Send(buildTelegramMedia(dest, url, replyTo))
	} else {
		sent, err = sendTelegramText(bot, dest, content.Text, replyTo, resolveTelegramParseMode(content.Format))
	}
	if err != nil {
		return channel.DeliveryReceipt{}, fmt.Errorf("telegram send: %w", err)
	}
	receipt := channel.DeliveryReceipt{Target: ref.Target, SentAt: time.Now().UTC()}
	if sent.MessageID != 0 {
		receipt.MessageID = strconv.Itoa(sent.MessageID)
	}
	return receipt, nil
}

// sendTelegramText falls back to plain text when Telegram rejects the markup.
func sendTelegramText(bot botAPI, dest destination, text string, replyTo int, parseMode string) (tgbotapi.Message, error) {
	text = truncateTelegramText(sanitizeTelegramText(text))
	message := tgbotapi.MessageConfig{Text: text, ParseMode: parseMode}
	dest.apply(&message.BaseChat)
	message.ReplyToMessageID = replyTo
	sent, err := bot.Send(message)
	if err != nil && parseMode != "" && isTelegramParseError(err) {
		message.ParseMode = ""
		return bot.Send(message)
	}
	return sent, err
}

// buildTelegramMedia sends images as photos and everything else as documents,
// letting Telegram fetch the URL itself.
func buildTelegramMedia(dest destination, url string, replyTo int) tgbotapi.Chattable {
	file := tgbotapi.FileURL(url)
	switch strings.ToLower(path.Ext(strings.SplitN(url, "?", 2)[0])) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		photo := tgbotapi.PhotoConfig{BaseFile: tgbotapi.BaseFile{File: file}}
		dest.apply(&photo.BaseChat)
		photo.ReplyToMessageID = replyTo
		return photo
	default:
		doc := tgbotapi.DocumentConfig{BaseFile: tgbotapi.BaseFile{File: file}}
		dest.apply(&doc.BaseChat)
		doc.ReplyToMessageID = replyTo
		return doc
	}
}

func resolveTelegramParseMode(format channel.MessageFormat) string {
	switch format {
	case channel.MessageFormatMarkdown:
		return tgbotapi.ModeMarkdown
	default:
		return ""
	}
}

func isTelegramParseError(err error) bool {
	apiErr, ok := asTelegramError(err)
	return ok && apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Message, "can't parse entities")
}

// asTelegramError unwraps the SDK error, which is returned by pointer from
// MakeRequest but by value elsewhere.
func asTelegramError(err error) (tgbotapi.Error, bool) {
	var ptr *tgbotapi.Error
	if errors.As(err, &ptr) && ptr != nil {
		return *ptr, true
	}
	var val tgbotapi.Error
	if errors.As(err, &val) {
		return val, true
	}
	return tgbotapi.Error{}, false
}

// SendTyping sends the typing chat action and, when enabled, the busy reaction.
func (a *Adapter) SendTyping(ctx context.Context, ref channel.ConversationRef) error {
	bot, err := a.getOrCreateBot()
	if err != nil {
		return err
	}
	dest, err := resolveDestination(ref.Target)
	if err != nil {
		return err
	}
	action := tgbotapi.ChatActionConfig{Action: tgbotapi.ChatTyping}
	dest.apply(&action.BaseChat)
	_, typingErr := bot.Request(action)
	if !a.cfg.BusyReaction || ref.MessageID == "" {
		return typingErr
	}
	if err := setTelegramReaction(bot, ref.ConversationID, ref.MessageID, busyReactionEmoji); err != nil {
		a.logger.Warn("set busy reaction failed", slog.Any("error", err))
		if typingErr != nil {
			return typingErr
		}
		return err
	}
	return nil
}

// StopTyping clears the busy reaction. The chat action expires by itself.
func (a *Adapter) StopTyping(ctx context.Context, ref channel.ConversationRef) error {
	if !a.cfg.BusyReaction || ref.MessageID == "" {
		return nil
	}
	bot, err := a.getOrCreateBot()
	if err != nil {
		return err
	}
	return clearTelegramReaction(bot, ref.ConversationID, ref.MessageID)
}

// DiscoverSelf returns the bot user.
func (a *Adapter) DiscoverSelf(ctx context.Context) (string, string, error) {
	bot, err := a.getOrCreateBot()
	if err != nil {
		return "", "", err
	}
	me, err := bot.GetMe()
	if err != nil {
		return "", "", fmt.Errorf("telegram get me: %w", err)
	}
	a.mu.Lock()
	a.self = me
	a.mu.Unlock()
	return strconv.FormatInt(me.ID, 10), me.UserName, nil
}

func setTelegramReaction(bot botAPI, chatID, messageID, emoji string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", chatID)
	params.AddNonEmpty("message_id", messageID)
	params.AddNonEmpty("reaction", fmt.Sprintf(`[{"type":"emoji","emoji":"%s"}]`, emoji))
	_, err := bot.MakeRequest("setMessageReaction", params)
	return err
}

func clearTelegramReaction(bot botAPI, chatID, messageID string) error {
	params := tgbotapi.Params{}
	params.AddNonEmpty("chat_id", chatID)
	params.AddNonEmpty("message_id", messageID)
	params.AddNonEmpty("reaction", "[]")
	_, err := bot.MakeRequest("setMessageReaction", params)
	return err
}

// sanitizeTelegramText strips invalid UTF-8, which the Bot API rejects.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText caps text at telegramMaxMessageLength runes,
// appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if utf8.RuneCountInString(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	runes := []rune(text)
	return string(runes[:telegramMaxMessageLength-len(suffix)]) + suffix
}
