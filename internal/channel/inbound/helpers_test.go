package inbound

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/memohai/memoh-gateway/internal/agent"
	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/events"
	"github.com/memohai/memoh-gateway/internal/pairing"
	"github.com/memohai/memoh-gateway/internal/route"
)

const testChannel channel.ChannelType = "msteams"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sentMessage struct {
	Ref     channel.ConversationRef
	Content channel.OutboundContent
}

type fakeDeliverer struct {
	mu      sync.Mutex
	sent    []sentMessage
	typing  int
	sendErr error
}

func (d *fakeDeliverer) Send(ctx context.Context, ref channel.ConversationRef, content channel.OutboundContent) (channel.DeliveryReceipt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.sendErr != nil {
		return channel.DeliveryReceipt{}, d.sendErr
	}
	d.sent = append(d.sent, sentMessage{Ref: ref, Content: content})
	return channel.DeliveryReceipt{Target: ref.Target, SentAt: time.Now()}, nil
}

func (d *fakeDeliverer) SendTyping(ctx context.Context, ref channel.ConversationRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.typing++
	return nil
}

func (d *fakeDeliverer) messages() []sentMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sentMessage(nil), d.sent...)
}

type fakeAdapters struct {
	deliverer *fakeDeliverer
	desc      channel.Descriptor
}

func newFakeAdapters() *fakeAdapters {
	return &fakeAdapters{
		deliverer: &fakeDeliverer{},
		desc: channel.Descriptor{
			Type:           testChannel,
			DisplayName:    "Teams",
			Capabilities:   channel.Capabilities{Text: true, Markdown: true},
			OutboundPolicy: channel.OutboundPolicy{TextChunkLimit: 4000},
		},
	}
}

func (a *fakeAdapters) GetDeliverer(ct channel.ChannelType) (channel.Deliverer, bool) {
	if ct != testChannel {
		return nil, false
	}
	return a.deliverer, true
}

func (a *fakeAdapters) GetDescriptor(ct channel.ChannelType) (channel.Descriptor, bool) {
	if ct != testChannel {
		return channel.Descriptor{}, false
	}
	return a.desc, true
}

// memoryPairingStore is an atomic in-memory PairingStore.
type memoryPairingStore struct {
	mu      sync.Mutex
	codes   map[string]string
	allow   map[string][]string
	upserts int
	next    int
	err     error
}

func newMemoryPairingStore() *memoryPairingStore {
	return &memoryPairingStore{codes: map[string]string{}, allow: map[string][]string{}}
}

func (s *memoryPairingStore) UpsertRequest(ctx context.Context, provider, id string, meta map[string]string) (pairing.Request, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.err != nil {
		return pairing.Request{}, false, s.err
	}
	key := strings.ToLower(provider) + ":" + strings.ToLower(id)
	if code, ok := s.codes[key]; ok {
		return pairing.Request{Provider: provider, ExternalID: id, Code: code}, false, nil
	}
	s.next++
	code := fmt.Sprintf("CODE%04d", s.next)
	s.codes[key] = code
	return pairing.Request{Provider: provider, ExternalID: id, Code: code, Meta: meta}, true, nil
}

func (s *memoryPairingStore) ReadAllowFrom(ctx context.Context, provider string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.allow[provider]...), nil
}

type recordingEvents struct {
	*events.Queue
	mu    sync.Mutex
	calls []events.Options
	texts []string
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{Queue: events.NewQueue(0)}
}

func (r *recordingEvents) Enqueue(text string, opts events.Options) {
	r.mu.Lock()
	r.calls = append(r.calls, opts)
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	r.Queue.Enqueue(text, opts)
}

type scriptedAgent struct {
	mu       sync.Mutex
	payloads []agent.Payload
	replies  []channel.ReplyPayload
	err      error
}

func (a *scriptedAgent) Dispatch(ctx context.Context, payload agent.Payload, reply agent.ReplyFunc) error {
	a.mu.Lock()
	a.payloads = append(a.payloads, payload)
	replies := append([]channel.ReplyPayload(nil), a.replies...)
	a.mu.Unlock()
	for _, r := range replies {
		if err := reply(ctx, r); err != nil {
			return err
		}
	}
	return a.err
}

func (a *scriptedAgent) calls() []agent.Payload {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]agent.Payload(nil), a.payloads...)
}

type fakeConversations struct {
	mu    sync.Mutex
	saved map[string]channel.ConversationRef
	err   error
}

func (c *fakeConversations) Save(ctx context.Context, conversationID string, ref channel.ConversationRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	if c.saved == nil {
		c.saved = map[string]channel.ConversationRef{}
	}
	c.saved[conversationID] = ref
	return nil
}

// inlineTasks runs jobs synchronously so tests observe them deterministically.
type inlineTasks struct {
	mu    sync.Mutex
	names []string
}

func (t *inlineTasks) Submit(name string, fn func(ctx context.Context) error) bool {
	t.mu.Lock()
	t.names = append(t.names, name)
	t.mu.Unlock()
	_ = fn(context.Background())
	return true
}

type harness struct {
	processor     *Processor
	adapters      *fakeAdapters
	store         *memoryPairingStore
	events        *recordingEvents
	agent         *scriptedAgent
	conversations *fakeConversations
	tasks         *inlineTasks
}

func newHarness(t *testing.T, policy Policy) *harness {
	t.Helper()
	resolver, err := route.NewResolver(route.Options{})
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	h := &harness{
		adapters:      newFakeAdapters(),
		store:         newMemoryPairingStore(),
		events:        newRecordingEvents(),
		agent:         &scriptedAgent{},
		conversations: &fakeConversations{},
		tasks:         &inlineTasks{},
	}
	log := discardLogger()
	h.processor, err = NewProcessor(log, ProcessorDeps{
		Adapters:      h.adapters,
		Gate:          NewAccessGate(log, h.store),
		Notifier:      NewOwnerNotifier(log, h.adapters),
		Routes:        resolver,
		Agent:         h.agent,
		Conversations: h.conversations,
		Events:        h.events,
		Tasks:         h.tasks,
		Policies:      func(channel.ChannelType) Policy { return policy },
	}, ProcessorOptions{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	return h
}

func dmMessage(sender, text string) channel.InboundMessage {
	return channel.InboundMessage{
		ID:             "act-1",
		Channel:        testChannel,
		Surface:        channel.SurfaceDM,
		ConversationID: "a:dm-" + sender,
		SenderID:       sender,
		SenderName:     "Ada",
		Text:           text,
		BotID:          "28:bot",
		Timestamp:      time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC),
		Ref:            channel.ConversationRef{Channel: testChannel, ConversationID: "a:dm-" + sender, Target: "conversation:a:dm-" + sender},
	}
}

func groupMessage(surface channel.SurfaceKind, text string, mentions ...string) channel.InboundMessage {
	return channel.InboundMessage{
		ID:             "act-2",
		Channel:        testChannel,
		Surface:        surface,
		ConversationID: "19:room@thread.tacv2",
		SenderID:       "29:speaker",
		SenderName:     "Grace",
		Text:           text,
		RawContent:     `{"text":"@_user_1 please look at the build"}`,
		MentionedIDs:   channel.NewMentionSet(mentions...),
		BotID:          "28:bot",
		ScopeID:        "team-1",
		ChannelID:      "19:room@thread.tacv2",
		Timestamp:      time.Date(2026, 5, 1, 9, 31, 0, 0, time.UTC),
		Ref:            channel.ConversationRef{Channel: testChannel, ConversationID: "19:room@thread.tacv2", Target: "conversation:19:room@thread.tacv2"},
	}
}

var errAgentDown = errors.New("agent unavailable")
