package inbound

import (
	"context"
	"log/slog"
	"strings"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/pairing"
)

// Outcome is the verdict of the access gate.
type Outcome string

const (
	OutcomeAllow            Outcome = "allow"
	OutcomePairingChallenge Outcome = "pairing_challenge"
	OutcomeDrop             Outcome = "drop"
)

// AccessDecision is the gate's verdict for one inbound message.
type AccessDecision struct {
	Outcome Outcome
	// Code and Created are set for OutcomePairingChallenge.
	Code    string
	Created bool
	// Reason is diagnostic only.
	Reason string
}

// Allowed reports whether the message may reach the agent.
func (d AccessDecision) Allowed() bool {
	return d.Outcome == OutcomeAllow
}

// PairingStore issues pairing codes and serves the dynamic allow-list.
// UpsertRequest must be atomic per (provider, id).
type PairingStore interface {
	UpsertRequest(ctx context.Context, provider, id string, meta map[string]string) (pairing.Request, bool, error)
	ReadAllowFrom(ctx context.Context, provider string) ([]string, error)
}

// AccessGate decides whether an inbound message reaches the agent. Its only
// side effect is issuing pairing codes through the store.
type AccessGate struct {
	store  PairingStore
	logger *slog.Logger
}

// NewAccessGate creates a gate. A nil store restricts pairing DMs to the
// static allow-list.
func NewAccessGate(log *slog.Logger, store PairingStore) *AccessGate {
	if log == nil {
		log = slog.Default()
	}
	return &AccessGate{
		store:  store,
		logger: log.With(slog.String("component", "access_gate")),
	}
}

// Evaluate applies the DM or group policy of the message's surface.
func (g *AccessGate) Evaluate(ctx context.Context, msg channel.InboundMessage, policy Policy) AccessDecision {
	if msg.Surface.IsDirect() {
		return g.evaluateDirect(ctx, msg, policy)
	}
	return evaluateGroup(msg, policy)
}

func (g *AccessGate) evaluateDirect(ctx context.Context, msg channel.InboundMessage, policy Policy) AccessDecision {
	mode := policy.EffectiveDMPolicy()
	switch mode {
	case DMPolicyDisabled:
		return AccessDecision{Outcome: OutcomeDrop, Reason: "dm disabled"}
	case DMPolicyOpen:
		return AccessDecision{Outcome: OutcomeAllow, Reason: "dm open"}
	}

	provider := msg.Channel.String()
	if MatchAllowList(msg.SenderID, policy.AllowFrom) {
		return AccessDecision{Outcome: OutcomeAllow, Reason: "static allow-list"}
	}
	if g.store != nil {
		stored, err := g.store.ReadAllowFrom(ctx, provider)
		if err != nil {
			g.logger.Warn("read allow-from failed",
				slog.String("channel", provider),
				slog.Any("error", err))
		} else if MatchAllowList(msg.SenderID, stored) {
			return AccessDecision{Outcome: OutcomeAllow, Reason: "paired"}
		}
	}
	if mode == DMPolicyAllowlist {
		return AccessDecision{Outcome: OutcomeDrop, Reason: "sender not in allow-list"}
	}
	if g.store == nil {
		return AccessDecision{Outcome: OutcomeDrop, Reason: "pairing store unavailable"}
	}

	meta := map[string]string{}
	if name := strings.TrimSpace(msg.SenderName); name != "" {
		meta["name"] = name
	}
	if conv := strings.TrimSpace(msg.ConversationID); conv != "" {
		meta["conversation_id"] = conv
	}
	req, created, err := g.store.UpsertRequest(ctx, provider, msg.SenderID, meta)
	if err != nil {
		g.logger.Warn("issue pairing code failed",
			slog.String("channel", provider),
			slog.String("sender_id", msg.SenderID),
			slog.Any("error", err))
		return AccessDecision{Outcome: OutcomeDrop, Reason: "pairing unavailable: " + err.Error()}
	}
	return AccessDecision{
		Outcome: OutcomePairingChallenge,
		Code:    req.Code,
		Created: created,
		Reason:  "pairing required",
	}
}

func evaluateGroup(msg channel.InboundMessage, policy Policy) AccessDecision {
	switch policy.EffectiveGroupPolicy() {
	case GroupPolicyDisabled:
		return AccessDecision{Outcome: OutcomeDrop, Reason: "groups disabled"}
	case GroupPolicyAllowlist:
		if !MatchAllowList(msg.SenderID, policy.GroupAllowFrom) {
			return AccessDecision{Outcome: OutcomeDrop, Reason: "sender not in group allow-list"}
		}
	}
	if policy.ResolveRequireMention(msg.ScopeID, msg.ChannelID) && !msg.BotMentioned() {
		return AccessDecision{Outcome: OutcomeDrop, Reason: "mention required"}
	}
	return AccessDecision{Outcome: OutcomeAllow, Reason: "group"}
}

// PairingReplyText is the message sent back with a pairing code.
func PairingReplyText(name, code string, created bool) string {
	if created {
		name = strings.TrimSpace(name)
		if name == "" {
			name = "there"
		}
		return "👋 Hi " + name + "! To chat with me, please share this pairing code with my owner: **" + code + "**"
	}
	return "🔑 Your pairing code is: **" + code + "** — please share it with my owner to get access."
}
