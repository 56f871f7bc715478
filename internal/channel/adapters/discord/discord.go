package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/channel/adapters/common"
)

// Type is the Discord channel type.
const Type channel.ChannelType = "discord"

const (
	hardTextLimit               = 2000
	processingBusyReactionEmoji = "⏳"
)

// Config holds the Discord bot credentials.
type Config struct {
	BotToken string
	// BusyReaction adds a ⏳ reaction to the inbound message while the agent works.
	BusyReaction bool
}

// restSession is the subset of *discordgo.Session used for outbound calls.
type restSession interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emojiID string, options ...discordgo.RequestOption) error
	MessageReactionRemove(channelID, messageID, emojiID, userID string, options ...discordgo.RequestOption) error
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
}

// Adapter connects one Discord bot to the gateway.
type Adapter struct {
	logger *slog.Logger
	cfg    Config

	mu            sync.RWMutex
	session       *discordgo.Session
	rest          restSession
	handlerRemove func()
	dmChannels    map[string]string
}

// NewAdapter creates a Discord adapter.
func NewAdapter(log *slog.Logger, cfg Config) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		logger:     log.With(slog.String("adapter", "discord")),
		cfg:        cfg,
		dmChannels: map[string]string{},
	}
}

func (a *Adapter) Type() channel.ChannelType {
	return Type
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Discord",
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
			TextChunkLimit: hardTextLimit,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

func (a *Adapter) getOrCreateSession() (*discordgo.Session, error) {
	a.mu.RLock()
	session := a.session
	a.mu.RUnlock()
	if session != nil {
		return session, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session, nil
	}
	token := strings.TrimSpace(a.cfg.BotToken)
	if token == "" {
		return nil, fmt.Errorf("discord bot token is required")
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		a.logger.Error("create session failed", slog.Any("error", err))
		return nil, err
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	a.session = session
	return session, nil
}

func (a *Adapter) restClient() (restSession, error) {
	a.mu.RLock()
	rest := a.rest
	a.mu.RUnlock()
	if rest != nil {
		return rest, nil
	}
	return a.getOrCreateSession()
}

// Connect opens the Discord gateway websocket and forwards message events.
func (a *Adapter) Connect(ctx context.Context, handler channel.InboundHandler) (channel.Connection, error) {
	a.logger.Info("start")
	session, err := a.getOrCreateSession()
	if err != nil {
		return nil, err
	}

	remove := session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil || ctx.Err() != nil {
			return
		}
		if m.Author != nil && m.Author.Bot {
			return
		}
		botID := ""
		if s.State != nil && s.State.User != nil {
			botID = s.State.User.ID
		}
		var chType discordgo.ChannelType
		if s.State != nil {
			if ch, err := s.State.Channel(m.ChannelID); err == nil && ch != nil {
				chType = ch.Type
			}
		}
		msg, err := Normalize(m.Message, botID, chType)
		if err != nil {
			a.logger.Warn("drop inbound", slog.Any("error", err))
			return
		}
		a.logger.Debug("inbound received",
			slog.String("surface", msg.Surface.String()),
			slog.String("user_id", msg.SenderID),
			slog.String("text", common.SummarizeText(msg.Text)))
		if err := handler(ctx, msg); err != nil {
			a.logger.Error("handle inbound failed", slog.Any("error", err))
		}
	})
	a.swapHandlerRemover(remove)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open connection: %w", err)
	}

	stop := func(stopCtx context.Context) error {
		a.logger.Info("stop")
		if remove := a.clearSessionState(); remove != nil {
			remove()
		}
		return session.Close()
	}
	return channel.NewConnection(Type, stop), nil
}

// Send delivers one text chunk or media URL.
func (a *Adapter) Send(ctx context.Context, ref channel.ConversationRef, content channel.OutboundContent) (channel.DeliveryReceipt, error) {
	if content.IsEmpty() {
		return channel.DeliveryReceipt{}, channel.ErrEmptyContent
	}
	rest, err := a.restClient()
	if err != nil {
		return channel.DeliveryReceipt{}, err
	}
	channelID, err := a.resolveChannelID(ctx, rest, ref.Target)
	if err != nil {
		return channel.DeliveryReceipt{}, err
	}

	data := &discordgo.MessageSend{Content: content.Text}
	if content.MediaURL != "" {
		data.Content = content.MediaURL
	}
	if ref.MessageID != "" && channelID == ref.ConversationID {
		data.Reference = &discordgo.MessageReference{
			MessageID: ref.MessageID,
			ChannelID: channelID,
		}
	}
	sent, err := rest.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx))
	if err != nil {
		return channel.DeliveryReceipt{}, fmt.Errorf("discord send: %w", err)
	}
	receipt := channel.DeliveryReceipt{Target: ref.Target, SentAt: time.Now().UTC()}
	if sent != nil {
		receipt.MessageID = sent.ID
	}
	return receipt, nil
}

// SendTyping shows the typing indicator and, when enabled, the busy reaction.
func (a *Adapter) SendTyping(ctx context.Context, ref channel.ConversationRef) error {
	rest, err := a.restClient()
	if err != nil {
		return err
	}
	channelID, err := a.resolveChannelID(ctx, rest, ref.Target)
	if err != nil {
		return err
	}
	messageID := ""
	if a.cfg.BusyReaction {
		messageID = ref.MessageID
	}
	_, err = startProcessingStatus(rest, channelID, messageID)
	return err
}

// StopTyping removes the busy reaction. Discord's typing indicator expires by itself.
func (a *Adapter) StopTyping(ctx context.Context, ref channel.ConversationRef) error {
	if !a.cfg.BusyReaction || ref.MessageID == "" {
		return nil
	}
	rest, err := a.restClient()
	if err != nil {
		return err
	}
	return rest.MessageReactionRemove(ref.ConversationID, ref.MessageID, processingBusyReactionEmoji, "@me", discordgo.WithContext(ctx))
}

// DiscoverSelf returns the bot user.
func (a *Adapter) DiscoverSelf(ctx context.Context) (string, string, error) {
	rest, err := a.restClient()
	if err != nil {
		return "", "", err
	}
	user, err := rest.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return "", "", fmt.Errorf("discord self: %w", err)
	}
	return user.ID, user.Username, nil
}

// resolveChannelID maps a target to a channel id, opening a DM channel for user targets.
func (a *Adapter) resolveChannelID(ctx context.Context, rest restSession, raw string) (string, error) {
	target := common.ParseTarget(raw)
	if target.ID == "" {
		return "", channel.ErrUnknownTarget
	}
	if target.Kind != common.TargetUser {
		return target.ID, nil
	}
	a.mu.RLock()
	cached, ok := a.dmChannels[target.ID]
	a.mu.RUnlock()
	if ok {
		return cached, nil
	}
	ch, err := rest.UserChannelCreate(target.ID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord open dm with %s: %w", target.ID, err)
	}
	a.mu.Lock()
	a.dmChannels[target.ID] = ch.ID
	a.mu.Unlock()
	return ch.ID, nil
}

type processingStatusSession interface {
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	MessageReactionAdd(channelID, messageID, emoji string, options ...discordgo.RequestOption) error
}

// startProcessingStatus reports success when either the typing indicator or
// the busy reaction took effect.
func startProcessingStatus(session processingStatusSession, chatID, sourceMessageID string) (string, error) {
	var firstErr error
	if err := session.ChannelTyping(chatID); err != nil {
		firstErr = err
	}
	if sourceMessageID == "" {
		return "", firstErr
	}
	if err := session.MessageReactionAdd(chatID, sourceMessageID, processingBusyReactionEmoji); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		return "", firstErr
	}
	return processingBusyReactionEmoji, nil
}

func (a *Adapter) swapHandlerRemover(remove func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if old := a.handlerRemove; old != nil {
		old()
	}
	a.handlerRemove = remove
}

func (a *Adapter) clearSessionState() func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	remove := a.handlerRemove
	a.handlerRemove = nil
	a.session = nil
	return remove
}
