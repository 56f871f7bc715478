package discord

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/memoh-gateway/internal/channel"
)

type fakeSession struct {
	mu           sync.Mutex
	typingErr    error
	reactionErr  error
	typingCalls  int
	reactions    []string
	removed      []string
	sent         []*discordgo.MessageSend
	sentChannels []string
	dmOpens      int
}

func (f *fakeSession) ChannelTyping(channelID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typingCalls++
	return f.typingErr
}

func (f *fakeSession) MessageReactionAdd(channelID, messageID, emoji string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, channelID+"/"+messageID+"/"+emoji)
	return f.reactionErr
}

func (f *fakeSession) MessageReactionRemove(channelID, messageID, emoji, userID string, _ ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, channelID+"/"+messageID+"/"+emoji+"/"+userID)
	return nil
}

func (f *fakeSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, data)
	f.sentChannels = append(f.sentChannels, channelID)
	return &discordgo.Message{ID: "out-1", ChannelID: channelID}, nil
}

func (f *fakeSession) UserChannelCreate(recipientID string, _ ...discordgo.RequestOption) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dmOpens++
	return &discordgo.Channel{ID: "dm-" + recipientID, Type: discordgo.ChannelTypeDM}, nil
}

func (f *fakeSession) User(userID string, _ ...discordgo.RequestOption) (*discordgo.User, error) {
	return &discordgo.User{ID: "999", Username: "memoh"}, nil
}

func newTestAdapter(cfg Config, rest restSession) *Adapter {
	a := NewAdapter(slog.New(slog.NewTextHandler(io.Discard, nil)), cfg)
	a.rest = rest
	return a
}

func TestNormalizeGuildMessage(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	msg, err := Normalize(&discordgo.Message{
		ID:        "m1",
		ChannelID: "c1",
		GuildID:   "g1",
		Content:   "<@!999> hello <@42>",
		Author:    &discordgo.User{ID: "42", Username: "alice", GlobalName: "Alice"},
		Mentions:  []*discordgo.User{{ID: "999"}},
		Timestamp: ts,
	}, "999", discordgo.ChannelTypeGuildText)
	require.NoError(t, err)

	assert.Equal(t, channel.SurfaceChannel, msg.Surface)
	assert.Equal(t, "hello", msg.Text)
	assert.True(t, msg.BotMentioned())
	assert.True(t, msg.IsMentioned("42"))
	assert.Equal(t, "g1", msg.ScopeID)
	assert.Equal(t, "c1", msg.ChannelID)
	assert.Equal(t, "Alice", msg.SenderName)
	assert.Equal(t, "channel:c1", msg.Ref.Target)
	assert.Equal(t, "m1", msg.Ref.MessageID)
	assert.Equal(t, ts, msg.Timestamp)
	assert.Equal(t, "<@!999> hello <@42>", msg.RawContent)
}

func TestNormalizeSurfaces(t *testing.T) {
	t.Parallel()

	author := &discordgo.User{ID: "42", Username: "alice"}
	dm, err := Normalize(&discordgo.Message{ID: "1", ChannelID: "d1", Content: "hi", Author: author}, "999", discordgo.ChannelTypeDM)
	require.NoError(t, err)
	assert.Equal(t, channel.SurfaceDM, dm.Surface)
	assert.Equal(t, "42", dm.PeerID())
	assert.Equal(t, "alice", dm.SenderName)

	group, err := Normalize(&discordgo.Message{ID: "2", ChannelID: "gd1", Content: "hi", Author: author}, "999", discordgo.ChannelTypeGroupDM)
	require.NoError(t, err)
	assert.Equal(t, channel.SurfaceGroup, group.Surface)
	assert.Equal(t, "gd1", group.PeerID())
}

func TestNormalizeRejectsMissingAuthor(t *testing.T) {
	t.Parallel()

	_, err := Normalize(&discordgo.Message{ID: "1", ChannelID: "c1", Content: "hi"}, "999", 0)
	var normErr *channel.NormalizationError
	require.ErrorAs(t, err, &normErr)
	assert.ErrorIs(t, err, channel.ErrMissingSender)

	_, err = Normalize(&discordgo.Message{ID: "1", Content: "hi", Author: &discordgo.User{ID: "42"}}, "999", 0)
	assert.ErrorIs(t, err, channel.ErrMissingConversation)
}

func TestSendRepliesInConversation(t *testing.T) {
	t.Parallel()

	rest := &fakeSession{}
	a := newTestAdapter(Config{}, rest)
	ref := channel.ConversationRef{Channel: Type, ConversationID: "c1", Target: "channel:c1", MessageID: "m1"}

	receipt, err := a.Send(context.Background(), ref, channel.OutboundContent{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "out-1", receipt.MessageID)
	assert.Equal(t, "channel:c1", receipt.Target)

	_, err = a.Send(context.Background(), ref, channel.OutboundContent{MediaURL: "https://cdn.example.com/a.png"})
	require.NoError(t, err)

	require.Len(t, rest.sent, 2)
	assert.Equal(t, "hello", rest.sent[0].Content)
	require.NotNil(t, rest.sent[0].Reference)
	assert.Equal(t, "m1", rest.sent[0].Reference.MessageID)
	assert.Equal(t, "https://cdn.example.com/a.png", rest.sent[1].Content)

	_, err = a.Send(context.Background(), ref, channel.OutboundContent{Text: "  "})
	assert.ErrorIs(t, err, channel.ErrEmptyContent)
}

func TestSendToUserOpensDMOnce(t *testing.T) {
	t.Parallel()

	rest := &fakeSession{}
	a := newTestAdapter(Config{}, rest)
	ref := channel.ConversationRef{Channel: Type, ConversationID: "c1", Target: "channel:c1", MessageID: "m1"}.WithTarget("user:42")

	for i := 0; i < 2; i++ {
		_, err := a.Send(context.Background(), ref, channel.OutboundContent{Text: "ping"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, rest.dmOpens)
	assert.Equal(t, []string{"dm-42", "dm-42"}, rest.sentChannels)
	assert.Nil(t, rest.sent[0].Reference)

	_, err := a.Send(context.Background(), channel.ConversationRef{Target: "user:"}, channel.OutboundContent{Text: "x"})
	assert.ErrorIs(t, err, channel.ErrUnknownTarget)
}

func TestTypingWithBusyReaction(t *testing.T) {
	t.Parallel()

	rest := &fakeSession{}
	a := newTestAdapter(Config{BusyReaction: true}, rest)
	ref := channel.ConversationRef{Channel: Type, ConversationID: "c1", Target: "channel:c1", MessageID: "m1"}

	require.NoError(t, a.SendTyping(context.Background(), ref))
	require.NoError(t, a.StopTyping(context.Background(), ref))
	assert.Equal(t, 1, rest.typingCalls)
	assert.Equal(t, []string{"c1/m1/⏳"}, rest.reactions)
	assert.Equal(t, []string{"c1/m1/⏳/@me"}, rest.removed)
}

func TestTypingWithoutBusyReaction(t *testing.T) {
	t.Parallel()

	rest := &fakeSession{}
	a := newTestAdapter(Config{}, rest)
	ref := channel.ConversationRef{Channel: Type, ConversationID: "c1", Target: "channel:c1", MessageID: "m1"}

	require.NoError(t, a.SendTyping(context.Background(), ref))
	require.NoError(t, a.StopTyping(context.Background(), ref))
	assert.Equal(t, 1, rest.typingCalls)
	assert.Empty(t, rest.reactions)
	assert.Empty(t, rest.removed)
}

func TestStartProcessingStatusFallsBackToReaction(t *testing.T) {
	t.Parallel()

	session := &fakeSession{typingErr: errors.New("typing failed")}
	emoji, err := startProcessingStatus(session, "c1", "m1")
	if err != nil {
		t.Fatalf("reaction success should hide typing error: %v", err)
	}
	if emoji != processingBusyReactionEmoji {
		t.Fatalf("unexpected emoji: %q", emoji)
	}

	session = &fakeSession{typingErr: errors.New("typing failed"), reactionErr: errors.New("no perms")}
	if _, err := startProcessingStatus(session, "c1", "m1"); err == nil || err.Error() != "typing failed" {
		t.Fatalf("expected first error, got %v", err)
	}
}

func TestDiscoverSelf(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(Config{}, &fakeSession{})
	id, name, err := a.DiscoverSelf(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "999", id)
	assert.Equal(t, "memoh", name)
}

func TestDescriptorLimit(t *testing.T) {
	t.Parallel()

	d := NewAdapter(nil, Config{}).Descriptor()
	assert.Equal(t, 2000, d.OutboundPolicy.TextChunkLimit)
	assert.Equal(t, Type, d.Type)
}
