package route

import (
	"fmt"
	"strings"
)

// DM scopes control how direct-message sessions are partitioned.
const (
	DMScopeMain                  = "main"
	DMScopePerPeer               = "per-peer"
	DMScopePerChannelPeer        = "per-channel-peer"
	DMScopePerAccountChannelPeer = "per-account-channel-peer"
)

// Route is the outcome of resolving a conversation.
type Route struct {
	SessionKey string   `json:"session_key"`
	AccountID  string   `json:"account_id"`
	AgentID    string   `json:"agent_id"`
	PeerKind   PeerKind `json:"peer_kind"`
}

// Binding pins a provider to an agent and account.
type Binding struct {
	Channel   string `toml:"channel" yaml:"channel" validate:"required"`
	AgentID   string `toml:"agent_id" yaml:"agent_id"`
	AccountID string `toml:"account_id" yaml:"account_id"`
}

// Options configure a Resolver.
type Options struct {
	DefaultAgentID   string
	DefaultAccountID string
	DMScope          string
	MainKey          string
	Bindings         []Binding
}

// Resolver is a deterministic, configuration-only route resolver. It holds
// no mutable state, so identical input always yields the same session key.
type Resolver struct {
	defaultAgent   string
	defaultAccount string
	dmScope        string
	mainKey        string
	bindings       map[string]Binding
}

// NewResolver creates a Resolver from a configuration snapshot.
func NewResolver(opts Options) (*Resolver, error) {
	r := &Resolver{
		defaultAgent:   normalizePart(opts.DefaultAgentID),
		defaultAccount: normalizePart(opts.DefaultAccountID),
		dmScope:        strings.TrimSpace(strings.ToLower(opts.DMScope)),
		mainKey:        normalizePart(opts.MainKey),
		bindings:       map[string]Binding{},
	}
	if r.defaultAgent == "" {
		r.defaultAgent = "main"
	}
	if r.defaultAccount == "" {
		r.defaultAccount = "default"
	}
	switch r.dmScope {
	case "":
		r.dmScope = DMScopePerChannelPeer
	case DMScopeMain, DMScopePerPeer, DMScopePerChannelPeer, DMScopePerAccountChannelPeer:
	default:
		return nil, fmt.Errorf("unsupported dm scope: %s", opts.DMScope)
	}
	for _, b := range opts.Bindings {
		key := normalizePart(b.Channel)
		if key == "" {
			return nil, fmt.Errorf("route binding channel is required")
		}
		if _, dup := r.bindings[key]; dup {
			return nil, fmt.Errorf("duplicate route binding for channel %s", key)
		}
		r.bindings[key] = b
	}
	return r, nil
}

// Resolve returns the session for (provider, kind, peerID).
func (r *Resolver) Resolve(provider string, kind PeerKind, peerID string) (Route, error) {
	provider = normalizePart(provider)
	peerID = strings.TrimSpace(peerID)
	if provider == "" {
		return Route{}, fmt.Errorf("provider is required")
	}
	if peerID == "" {
		return Route{}, fmt.Errorf("peer id is required")
	}
	switch kind {
	case PeerDirect, PeerGroup, PeerChannel:
	default:
		return Route{}, fmt.Errorf("unsupported peer kind: %s", kind)
	}
	// Session keys are always lowercase.
	peer := strings.ToLower(peerID)

	agentID, accountID := r.defaultAgent, r.defaultAccount
	if b, ok := r.bindings[provider]; ok {
		if v := normalizePart(b.AgentID); v != "" {
			agentID = v
		}
		if v := normalizePart(b.AccountID); v != "" {
			accountID = v
		}
	}

	var key string
	if kind != PeerDirect {
		key = BuildSessionKey(agentID, provider, kind, peer)
	} else {
		switch r.dmScope {
		case DMScopeMain:
			key = BuildMainSessionKey(agentID, r.mainKey)
		case DMScopePerPeer:
			key = fmt.Sprintf("agent:%s:direct:%s", agentID, peer)
		case DMScopePerAccountChannelPeer:
			key = fmt.Sprintf("agent:%s:%s:%s:direct:%s", agentID, provider, accountID, peer)
		default:
			key = BuildSessionKey(agentID, provider, kind, peer)
		}
	}
	return Route{
		SessionKey: key,
		AccountID:  accountID,
		AgentID:    agentID,
		PeerKind:   kind,
	}, nil
}

func normalizePart(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}
