// Package inbound turns normalized channel messages into agent invocations:
// access gating, routing, system events, owner notices, and reply dispatch.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memohai/memoh-gateway/internal/agent"
	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/events"
	"github.com/memohai/memoh-gateway/internal/logger"
	"github.com/memohai/memoh-gateway/internal/route"
)

const (
	// OutcomeIgnored marks messages that never reach the gate (empty text, own messages).
	OutcomeIgnored Outcome = "ignored"

	DefaultFallbackPrefix       = "⚠️ Agent failed: "
	DefaultPairingReplyInterval = time.Minute
	pairingReplyCacheSize       = 1024
)

// RouteResolver maps a peer to its agent session.
type RouteResolver interface {
	Resolve(provider string, kind route.PeerKind, peerID string) (route.Route, error)
}

// AgentInvoker runs the agent and streams its replies.
type AgentInvoker interface {
	Dispatch(ctx context.Context, payload agent.Payload, reply agent.ReplyFunc) error
}

// ConversationStore keeps references for proactive replies.
type ConversationStore interface {
	Save(ctx context.Context, conversationID string, ref channel.ConversationRef) error
}

// SystemEventSink records a summary of every routed message.
type SystemEventSink interface {
	Enqueue(text string, opts events.Options)
}

// SystemEventSource hands queued summaries to the next agent turn. A sink
// that also implements it is drained on dispatch.
type SystemEventSource interface {
	DrainText(sessionKey string) []string
}

// TaskRunner runs best-effort background jobs. Submit never blocks; a false
// return means the job was dropped.
type TaskRunner interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

// AdapterLookup exposes the adapter metadata and outbound side the processor needs.
type AdapterLookup interface {
	DelivererResolver
	GetDescriptor(channelType channel.ChannelType) (channel.Descriptor, bool)
}

// PolicyFunc resolves the access policy snapshot of a channel.
type PolicyFunc func(channelType channel.ChannelType) Policy

// ProcessorDeps are the collaborators of a Processor. Conversations, Events
// and Tasks are optional.
type ProcessorDeps struct {
	Adapters      AdapterLookup
	Gate          *AccessGate
	Notifier      *OwnerNotifier
	Routes        RouteResolver
	Agent         AgentInvoker
	Conversations ConversationStore
	Events        SystemEventSink
	Tasks         TaskRunner
	Policies      PolicyFunc
}

// ProcessorOptions tune reply behavior.
type ProcessorOptions struct {
	// FallbackPrefix starts the notice sent when the agent fails without replying.
	FallbackPrefix string
	// PairingReplyInterval suppresses repeated pairing replies to one sender.
	PairingReplyInterval time.Duration
}

// DispatchResult describes what happened to one inbound message.
type DispatchResult struct {
	Outcome     Outcome
	Reason      string
	Route       route.Route
	QueuedFinal bool
	Counts      channel.DispatchCounts
	AgentErr    error
}

// Processor is the inbound pipeline. It implements channel.InboundProcessor.
type Processor struct {
	deps   ProcessorDeps
	opts   ProcessorOptions
	logger *slog.Logger

	pairingMu      sync.Mutex
	pairingReplied map[string]time.Time
	now            func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(log *slog.Logger, deps ProcessorDeps, opts ProcessorOptions) (*Processor, error) {
	if log == nil {
		log = slog.Default()
	}
	if deps.Adapters == nil || deps.Routes == nil || deps.Agent == nil {
		return nil, fmt.Errorf("inbound processor requires adapters, routes and agent")
	}
	if deps.Gate == nil {
		deps.Gate = NewAccessGate(log, nil)
	}
	if deps.Notifier == nil {
		deps.Notifier = NewOwnerNotifier(log, deps.Adapters)
	}
	if deps.Policies == nil {
		deps.Policies = func(channel.ChannelType) Policy { return Policy{} }
	}
	if deps.Tasks == nil {
		deps.Tasks = goRunner{logger: log}
	}
	if opts.FallbackPrefix == "" {
		opts.FallbackPrefix = DefaultFallbackPrefix
	}
	if opts.PairingReplyInterval <= 0 {
		opts.PairingReplyInterval = DefaultPairingReplyInterval
	}
	return &Processor{
		deps:           deps,
		opts:           opts,
		logger:         log.With(slog.String("component", "channel_router")),
		pairingReplied: map[string]time.Time{},
		now:            time.Now,
	}, nil
}

// HandleInbound processes msg and logs the outcome.
func (p *Processor) HandleInbound(ctx context.Context, msg channel.InboundMessage) error {
	ctx = logger.WithAttrs(ctx,
		slog.String("channel", msg.Channel.String()),
		slog.String("message_id", msg.ID),
		slog.String("conversation_id", msg.ConversationID))
	result, err := p.Process(ctx, msg)
	if err != nil {
		return err
	}
	p.logger.DebugContext(ctx, "inbound handled",
		slog.String("outcome", string(result.Outcome)),
		slog.String("reason", result.Reason),
		slog.String("session_key", result.Route.SessionKey),
		slog.Int("final", result.Counts.Final),
		slog.Int("interim", result.Counts.Interim))
	return nil
}

// Process runs the pipeline for one message and reports the result.
func (p *Processor) Process(ctx context.Context, msg channel.InboundMessage) (DispatchResult, error) {
	if !msg.Actionable() {
		p.logger.DebugContext(ctx, "inbound dropped empty")
		return DispatchResult{Outcome: OutcomeIgnored, Reason: "empty text"}, nil
	}
	if msg.BotID != "" && msg.SenderID == msg.BotID {
		return DispatchResult{Outcome: OutcomeIgnored, Reason: "own message"}, nil
	}

	policy := p.deps.Policies(msg.Channel)
	requireMention := !msg.Surface.IsDirect() && policy.ResolveRequireMention(msg.ScopeID, msg.ChannelID)
	p.submitSideJobs(ctx, msg, policy, requireMention)

	rt, err := p.deps.Routes.Resolve(msg.Channel.String(), route.PeerKindFromSurface(msg.Surface), msg.PeerID())
	if err != nil {
		return DispatchResult{}, fmt.Errorf("resolve route: %w", err)
	}
	ctx = logger.WithAttrs(ctx, slog.String("session_key", rt.SessionKey))

	label := p.providerLabel(msg.Channel)
	if p.deps.Events != nil {
		p.deps.Events.Enqueue(SystemEventText(label, msg), events.Options{
			SessionKey: rt.SessionKey,
			ContextKey: SystemEventContextKey(msg),
		})
	}

	decision := p.deps.Gate.Evaluate(ctx, msg, policy)
	switch decision.Outcome {
	case OutcomeDrop:
		p.logger.InfoContext(ctx, "inbound dropped by policy",
			slog.String("surface", msg.Surface.String()),
			slog.String("reason", decision.Reason))
		return DispatchResult{Outcome: OutcomeDrop, Reason: decision.Reason, Route: rt}, nil
	case OutcomePairingChallenge:
		p.sendPairingReply(ctx, msg, decision)
		return DispatchResult{Outcome: OutcomePairingChallenge, Reason: decision.Reason, Route: rt}, nil
	}

	result := p.dispatch(ctx, msg, rt, policy, label)
	result.Reason = decision.Reason
	return result, nil
}

func (p *Processor) dispatch(ctx context.Context, msg channel.InboundMessage, rt route.Route, policy Policy, label string) DispatchResult {
	deliverer, ok := p.deps.Adapters.GetDeliverer(msg.Channel)
	if !ok {
		p.logger.WarnContext(ctx, "inbound dropped: channel cannot reply")
		return DispatchResult{Outcome: OutcomeDrop, Reason: "no deliverer", Route: rt}
	}
	desc, _ := p.deps.Adapters.GetDescriptor(msg.Channel)
	outbound := desc.OutboundPolicy
	outbound.TextChunkLimit = channel.ResolveChunkLimit(policy.TextChunkLimit, outbound.TextChunkLimit)
	format := channel.MessageFormatPlain
	if desc.Capabilities.Markdown {
		format = channel.MessageFormatMarkdown
	}
	dispatcher := channel.NewReplyDispatcher(deliverer, msg.Ref, channel.DispatcherOptions{
		Policy: outbound,
		Format: format,
		Logger: p.logger,
		OnError: func(err error, info channel.DeliveryInfo) {
			p.logger.WarnContext(ctx, "reply delivery failed",
				slog.String("kind", string(info.Kind)),
				slog.Int("index", info.Index),
				slog.Any("error", err))
		},
	})

	var systemEvents []string
	if source, ok := p.deps.Events.(SystemEventSource); ok {
		systemEvents = source.DrainText(rt.SessionKey)
	}
	payload := BuildPayload(msg, rt, label, msg.Surface.IsDirect() || msg.BotMentioned(), systemEvents)

	var produced atomic.Bool
	agentErr := p.deps.Agent.Dispatch(ctx, payload, func(ctx context.Context, reply channel.ReplyPayload) error {
		produced.Store(true)
		return dispatcher.Deliver(ctx, reply)
	})
	dispatcher.MarkIdle(ctx)
	session := dispatcher.Session()

	if agentErr != nil {
		p.logger.ErrorContext(ctx, "agent dispatch failed", slog.Any("error", agentErr))
		// Only an agent that failed before producing any payload gets the notice.
		if !produced.Load() {
			p.sendFallback(ctx, deliverer, msg, agentErr)
		}
	}
	return DispatchResult{
		Outcome:     OutcomeAllow,
		Route:       rt,
		QueuedFinal: session.QueuedFinal(),
		Counts:      session.Counts(),
		AgentErr:    agentErr,
	}
}

// submitSideJobs queues the conversation-reference save and the owner
// notice. Neither is awaited.
func (p *Processor) submitSideJobs(ctx context.Context, msg channel.InboundMessage, policy Policy, requireMention bool) {
	if p.deps.Conversations != nil && msg.ConversationID != "" {
		ref := msg.Ref
		if ref.UpdatedAt.IsZero() {
			ref.UpdatedAt = p.now()
		}
		conversationID := msg.ConversationID
		if !p.deps.Tasks.Submit("conversation.save", func(taskCtx context.Context) error {
			return p.deps.Conversations.Save(taskCtx, conversationID, ref)
		}) {
			p.logger.WarnContext(ctx, "conversation save dropped: task queue full")
		}
	}
	if msg.Surface == channel.SurfaceGroup && len(policy.OwnerIDs) > 0 {
		owners := append([]string(nil), policy.OwnerIDs...)
		if !p.deps.Tasks.Submit("owner.notify", func(taskCtx context.Context) error {
			p.deps.Notifier.NotifyIfOwnerMentioned(taskCtx, msg, owners, requireMention)
			return nil
		}) {
			p.logger.WarnContext(ctx, "owner notify dropped: task queue full")
		}
	}
}

func (p *Processor) sendPairingReply(ctx context.Context, msg channel.InboundMessage, decision AccessDecision) {
	if !p.allowPairingReply(msg) {
		p.logger.DebugContext(ctx, "pairing reply suppressed", slog.String("sender_id", msg.SenderID))
		return
	}
	deliverer, ok := p.deps.Adapters.GetDeliverer(msg.Channel)
	if !ok {
		return
	}
	content := channel.OutboundContent{
		Text:   PairingReplyText(msg.SenderName, decision.Code, decision.Created),
		Format: channel.MessageFormatMarkdown,
	}
	if _, err := deliverer.Send(context.WithoutCancel(ctx), msg.Ref, content); err != nil {
		p.logger.WarnContext(ctx, "pairing reply failed", slog.Any("error", err))
		return
	}
	p.logger.InfoContext(ctx, "pairing code sent",
		slog.String("sender_id", msg.SenderID),
		slog.Bool("created", decision.Created))
}

// allowPairingReply reports whether the sender has not been answered within
// the reply interval and records the reply.
func (p *Processor) allowPairingReply(msg channel.InboundMessage) bool {
	key := msg.Channel.String() + ":" + strings.ToLower(msg.SenderID)
	now := p.now()
	p.pairingMu.Lock()
	defer p.pairingMu.Unlock()
	if last, ok := p.pairingReplied[key]; ok && now.Sub(last) < p.opts.PairingReplyInterval {
		return false
	}
	if len(p.pairingReplied) >= pairingReplyCacheSize {
		for k, at := range p.pairingReplied {
			if now.Sub(at) >= p.opts.PairingReplyInterval {
				delete(p.pairingReplied, k)
			}
		}
	}
	p.pairingReplied[key] = now
	return true
}

func (p *Processor) sendFallback(ctx context.Context, deliverer channel.Deliverer, msg channel.InboundMessage, agentErr error) {
	content := channel.OutboundContent{
		Text:   p.opts.FallbackPrefix + agentErr.Error(),
		Format: channel.MessageFormatPlain,
	}
	if _, err := deliverer.Send(context.WithoutCancel(ctx), msg.Ref, content); err != nil {
		p.logger.WarnContext(ctx, "fallback reply failed", slog.Any("error", err))
	}
}

func (p *Processor) providerLabel(ct channel.ChannelType) string {
	if desc, ok := p.deps.Adapters.GetDescriptor(ct); ok && strings.TrimSpace(desc.DisplayName) != "" {
		return desc.DisplayName
	}
	return ct.String()
}

// goRunner runs jobs on their own goroutine when no task queue is configured.
type goRunner struct {
	logger *slog.Logger
}

func (r goRunner) Submit(name string, fn func(ctx context.Context) error) bool {
	if fn == nil {
		return false
	}
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("task panic", slog.String("task", name), slog.Any("panic", rec))
			}
		}()
		if err := fn(context.Background()); err != nil {
			r.logger.Warn("task failed", slog.String("task", name), slog.Any("error", err))
		}
	}()
	return true
}
