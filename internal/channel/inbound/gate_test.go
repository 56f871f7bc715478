package inbound

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/memoh-gateway/internal/channel"
)

func TestEvaluateDirectPolicies(t *testing.T) {
	t.Parallel()

	store := newMemoryPairingStore()
	store.allow["msteams"] = []string{"29:paired"}
	gate := NewAccessGate(discardLogger(), store)
	ctx := context.Background()

	tests := []struct {
		name   string
		policy Policy
		sender string
		want   Outcome
	}{
		{name: "disabled", policy: Policy{DMPolicy: DMPolicyDisabled, AllowFrom: []string{"*"}}, sender: "29:x", want: OutcomeDrop},
		{name: "open", policy: Policy{DMPolicy: DMPolicyOpen}, sender: "29:x", want: OutcomeAllow},
		{name: "static allow", policy: Policy{AllowFrom: []string{"29:ADA"}}, sender: "29:ada", want: OutcomeAllow},
		{name: "wildcard", policy: Policy{AllowFrom: []string{"someone", "*"}}, sender: "29:x", want: OutcomeAllow},
		{name: "stored allow", policy: Policy{}, sender: "29:PAIRED", want: OutcomeAllow},
		{name: "unknown pairs", policy: Policy{}, sender: "29:stranger", want: OutcomePairingChallenge},
		{name: "allowlist drops", policy: Policy{DMPolicy: DMPolicyAllowlist}, sender: "29:stranger", want: OutcomeDrop},
	}
	for _, tt := range tests {
		decision := gate.Evaluate(ctx, dmMessage(tt.sender, "hi"), tt.policy)
		if decision.Outcome != tt.want {
			t.Fatalf("%s: outcome = %q (%s), want %q", tt.name, decision.Outcome, decision.Reason, tt.want)
		}
	}
}

func TestEvaluatePairingIsIdempotent(t *testing.T) {
	t.Parallel()

	store := newMemoryPairingStore()
	gate := NewAccessGate(discardLogger(), store)
	ctx := context.Background()

	first := gate.Evaluate(ctx, dmMessage("29:stranger", "hi"), Policy{})
	require.Equal(t, OutcomePairingChallenge, first.Outcome)
	assert.True(t, first.Created)

	var wg sync.WaitGroup
	codes := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes <- gate.Evaluate(ctx, dmMessage("29:STRANGER", "again"), Policy{}).Code
		}()
	}
	wg.Wait()
	close(codes)
	for code := range codes {
		assert.Equal(t, first.Code, code)
	}

	other := gate.Evaluate(ctx, dmMessage("29:other", "hi"), Policy{})
	assert.NotEqual(t, first.Code, other.Code)
}

func TestEvaluatePairingStoreFailureDrops(t *testing.T) {
	t.Parallel()

	store := newMemoryPairingStore()
	store.err = errors.New("database locked")
	gate := NewAccessGate(discardLogger(), store)
	decision := gate.Evaluate(context.Background(), dmMessage("29:x", "hi"), Policy{})
	assert.Equal(t, OutcomeDrop, decision.Outcome)

	noStore := NewAccessGate(discardLogger(), nil)
	decision = noStore.Evaluate(context.Background(), dmMessage("29:x", "hi"), Policy{})
	assert.Equal(t, OutcomeDrop, decision.Outcome)
	decision = noStore.Evaluate(context.Background(), dmMessage("29:x", "hi"), Policy{AllowFrom: []string{"29:x"}})
	assert.Equal(t, OutcomeAllow, decision.Outcome)
}

func TestEvaluateGroupPolicies(t *testing.T) {
	t.Parallel()

	gate := NewAccessGate(discardLogger(), nil)
	ctx := context.Background()
	mentioned := groupMessage(channel.SurfaceChannel, "deploy", "28:bot")
	silent := groupMessage(channel.SurfaceChannel, "deploy")
	ownerOnly := groupMessage(channel.SurfaceGroup, "deploy", "29:owner")

	tests := []struct {
		name   string
		msg    channel.InboundMessage
		policy Policy
		want   Outcome
	}{
		{name: "mentioned", msg: mentioned, policy: Policy{}, want: OutcomeAllow},
		{name: "not mentioned", msg: silent, policy: Policy{}, want: OutcomeDrop},
		{name: "other mention only", msg: ownerOnly, policy: Policy{}, want: OutcomeDrop},
		{name: "mention not required", msg: silent, policy: Policy{RequireMention: BoolPtr(false)}, want: OutcomeAllow},
		{name: "groups disabled", msg: mentioned, policy: Policy{GroupPolicy: GroupPolicyDisabled}, want: OutcomeDrop},
		{name: "group allowlist miss", msg: mentioned, policy: Policy{GroupPolicy: GroupPolicyAllowlist, GroupAllowFrom: []string{"29:boss"}}, want: OutcomeDrop},
		{name: "group allowlist hit", msg: mentioned, policy: Policy{GroupPolicy: GroupPolicyAllowlist, GroupAllowFrom: []string{"29:SPEAKER"}}, want: OutcomeAllow},
		{
			name: "channel override",
			msg:  silent,
			policy: Policy{Scopes: map[string]ScopeOverride{
				"team-1": {Channels: map[string]ChannelOverride{"19:room@thread.tacv2": {RequireMention: BoolPtr(false)}}},
			}},
			want: OutcomeAllow,
		},
	}
	for _, tt := range tests {
		if got := gate.Evaluate(ctx, tt.msg, tt.policy).Outcome; got != tt.want {
			t.Fatalf("%s: outcome = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestPairingReplyText(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"👋 Hi Ada! To chat with me, please share this pairing code with my owner: **ABCD2345**",
		PairingReplyText("Ada", "ABCD2345", true))
	assert.Equal(t,
		"🔑 Your pairing code is: **ABCD2345** — please share it with my owner to get access.",
		PairingReplyText("Ada", "ABCD2345", false))
}
