package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingDeliverer struct {
	mu       sync.Mutex
	sent     []OutboundContent
	attempts int
	typing   int
	stopped  int
	failText string
}

func (d *recordingDeliverer) Send(ctx context.Context, ref ConversationRef, content OutboundContent) (DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failText != "" && content.Text == d.failText {
		return DeliveryReceipt{}, errors.New("platform rejected message")
	}
	d.sent = append(d.sent, content)
	return DeliveryReceipt{MessageID: "m", Target: ref.Target, SentAt: time.Now()}, nil
}

func (d *recordingDeliverer) SendTyping(ctx context.Context, ref ConversationRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typing++
	return errors.New("typing unsupported here")
}

func (d *recordingDeliverer) StopTyping(ctx context.Context, ref ConversationRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped++
	return nil
}

func (d *recordingDeliverer) snapshot() ([]OutboundContent, int, int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]OutboundContent(nil), d.sent...), d.attempts, d.typing, d.stopped
}

func testRef() ConversationRef {
	return ConversationRef{Channel: "test", ConversationID: "c1", Target: "conversation:c1"}
}

func TestReplyDispatcherTextThenMedia(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{}
	d := NewReplyDispatcher(deliverer, testRef(), DispatcherOptions{
		Policy: OutboundPolicy{TextChunkLimit: 5},
	})
	err := d.Deliver(context.Background(), ReplyPayload{
		Text:      "hello\n\nworld",
		MediaURLs: []string{"https://cdn.example.com/1.png", " ", "https://cdn.example.com/2.png"},
	})
	require.NoError(t, err)
	d.MarkIdle(context.Background())

	sent, _, typing, stopped := deliverer.snapshot()
	require.Len(t, sent, 4)
	assert.Equal(t, "hello", sent[0].Text)
	assert.Equal(t, "world", sent[1].Text)
	assert.Equal(t, "https://cdn.example.com/1.png", sent[2].MediaURL)
	assert.Equal(t, "https://cdn.example.com/2.png", sent[3].MediaURL)
	assert.Equal(t, 1, typing)
	assert.Equal(t, 1, stopped)

	session := d.Session()
	assert.True(t, session.QueuedFinal())
	assert.Equal(t, DispatchCounts{Final: 4}, session.Counts())
	assert.True(t, session.Idle())
}

func TestReplyDispatcherSilentAndEmpty(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{}
	d := NewReplyDispatcher(deliverer, testRef(), DispatcherOptions{})
	require.NoError(t, d.Deliver(context.Background(), ReplyPayload{Text: "  NO_REPLY  "}))
	require.NoError(t, d.Deliver(context.Background(), ReplyPayload{Text: "   "}))
	d.MarkIdle(context.Background())

	sent, attempts, typing, _ := deliverer.snapshot()
	assert.Empty(t, sent)
	assert.Zero(t, attempts)
	assert.Zero(t, typing)
	assert.False(t, d.Session().QueuedFinal())
	assert.Equal(t, 0, d.Session().Delivered())
}

func TestReplyDispatcherInterimDoesNotQueueFinal(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{}
	d := NewReplyDispatcher(deliverer, testRef(), DispatcherOptions{})
	require.NoError(t, d.Deliver(context.Background(), ReplyPayload{Kind: ReplyInterim, Text: "working on it"}))
	assert.False(t, d.Session().QueuedFinal())
	require.NoError(t, d.Deliver(context.Background(), ReplyPayload{Text: "done"}))
	assert.True(t, d.Session().QueuedFinal())
	assert.Equal(t, DispatchCounts{Interim: 1, Final: 1}, d.Session().Counts())
	d.MarkIdle(context.Background())
}

func TestReplyDispatcherContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{failText: "bad"}
	var (
		mu    sync.Mutex
		errs  []error
		infos []DeliveryInfo
	)
	d := NewReplyDispatcher(deliverer, testRef(), DispatcherOptions{
		Policy: OutboundPolicy{TextChunkLimit: 4, RetryMax: 2, RetryBackoffMs: 1},
		OnError: func(err error, info DeliveryInfo) {
			mu.Lock()
			defer mu.Unlock()
			errs = append(errs, err)
			infos = append(infos, info)
		},
	})
	require.NoError(t, d.Deliver(context.Background(), ReplyPayload{Text: "bad\n\ngood"}))
	d.MarkIdle(context.Background())

	sent, attempts, _, _ := deliverer.snapshot()
	require.Len(t, sent, 1)
	assert.Equal(t, "good", sent[0].Text)
	assert.Equal(t, 3, attempts)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Equal(t, DeliveryInfo{Kind: ReplyFinal, Index: 0}, infos[0])
	var deliveryErr *DeliveryError
	require.ErrorAs(t, errs[0], &deliveryErr)
	assert.Equal(t, "conversation:c1", deliveryErr.Target)
}

func TestReplyDispatcherStopsWhenCanceled(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{}
	d := NewReplyDispatcher(deliverer, testRef(), DispatcherOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := d.Deliver(ctx, ReplyPayload{Text: "late reply"})
	require.ErrorIs(t, err, context.Canceled)
	d.MarkIdle(context.Background())

	sent, _, _, _ := deliverer.snapshot()
	assert.Empty(t, sent)
}

func TestReplyDispatcherLongReplyNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	deliverer := &recordingDeliverer{}
	d := NewReplyDispatcher(deliverer, testRef(), DispatcherOptions{
		Policy: OutboundPolicy{TextChunkLimit: 40},
	})
	text := strings.Repeat("A sentence that keeps going on. ", 30)
	require.NoError(t, d.Deliver(context.Background(), ReplyPayload{Text: text}))
	d.MarkIdle(context.Background())

	sent, _, _, _ := deliverer.snapshot()
	require.NotEmpty(t, sent)
	for _, item := range sent {
		assert.LessOrEqual(t, runeLen(item.Text), 40)
	}
}
