package inbound

import (
	"testing"
)

func TestResolveRequireMentionPrecedence(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		global  *bool
		scope   *bool
		channel *bool
		want    bool
	}{
		{name: "default", want: true},
		{name: "global only", global: BoolPtr(false), want: false},
		{name: "scope beats global", global: BoolPtr(true), scope: BoolPtr(false), want: false},
		{name: "channel beats scope", global: BoolPtr(false), scope: BoolPtr(false), channel: BoolPtr(true), want: true},
		{name: "channel beats all", global: BoolPtr(true), scope: BoolPtr(true), channel: BoolPtr(false), want: false},
		{name: "scope without global", scope: BoolPtr(false), want: false},
		{name: "channel without others", channel: BoolPtr(false), want: false},
	}
	for _, tt := range tests {
		policy := Policy{
			RequireMention: tt.global,
			Scopes: map[string]ScopeOverride{
				"team-1": {
					RequireMention: tt.scope,
					Channels:       map[string]ChannelOverride{"chan-a": {RequireMention: tt.channel}},
				},
			},
		}
		if got := policy.ResolveRequireMention("team-1", "chan-a"); got != tt.want {
			t.Fatalf("%s: ResolveRequireMention = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestChannelOverrideDoesNotLeakToSiblings(t *testing.T) {
	t.Parallel()

	policy := Policy{
		Scopes: map[string]ScopeOverride{
			"team-1": {Channels: map[string]ChannelOverride{"chan-a": {RequireMention: BoolPtr(false)}}},
		},
	}
	if policy.ResolveRequireMention("team-1", "chan-a") {
		t.Fatalf("chan-a should not require a mention")
	}
	if !policy.ResolveRequireMention("team-1", "chan-b") {
		t.Fatalf("chan-b must keep the default")
	}
	if !policy.ResolveRequireMention("team-2", "chan-a") {
		t.Fatalf("same channel id under another team must keep the default")
	}
}

func TestResolveRequireMentionCaseInsensitiveIDs(t *testing.T) {
	t.Parallel()

	policy := Policy{Scopes: map[string]ScopeOverride{"OC_Group": {RequireMention: BoolPtr(false)}}}
	if policy.ResolveRequireMention("oc_group", "") {
		t.Fatalf("scope lookup should ignore case")
	}
}

func TestMatchAllowList(t *testing.T) {
	t.Parallel()

	if !MatchAllowList("User-1", []string{"user-1"}) {
		t.Fatalf("match should be case-insensitive")
	}
	if !MatchAllowList("anyone", []string{"someone"}, []string{"*"}) {
		t.Fatalf("wildcard should admit every sender")
	}
	if MatchAllowList("user-2", []string{"user-1", ""}, nil) {
		t.Fatalf("unexpected match")
	}
	if MatchAllowList("", []string{""}) {
		t.Fatalf("blank ids never match")
	}
}

func TestEffectivePolicies(t *testing.T) {
	t.Parallel()

	if got := (Policy{}).EffectiveDMPolicy(); got != DMPolicyPairing {
		t.Fatalf("default dm policy = %q", got)
	}
	if got := (Policy{DMPolicy: " Open "}).EffectiveDMPolicy(); got != DMPolicyOpen {
		t.Fatalf("dm policy = %q", got)
	}
	if got := (Policy{GroupPolicy: "bogus"}).EffectiveGroupPolicy(); got != GroupPolicyOpen {
		t.Fatalf("default group policy = %q", got)
	}
}
