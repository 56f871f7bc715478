package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/memoh-gateway/internal/agent"
	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/channel/adapters/discord"
	"github.com/memohai/memoh-gateway/internal/channel/adapters/feishu"
	"github.com/memohai/memoh-gateway/internal/channel/adapters/msteams"
	"github.com/memohai/memoh-gateway/internal/channel/adapters/telegram"
	"github.com/memohai/memoh-gateway/internal/channel/inbound"
	"github.com/memohai/memoh-gateway/internal/config"
	"github.com/memohai/memoh-gateway/internal/conversation"
	"github.com/memohai/memoh-gateway/internal/route"
	"github.com/memohai/memoh-gateway/internal/server"
)

// channelSet is the adapter registry plus the adapters that need HTTP routes.
type channelSet struct {
	Registry *channel.Registry
	Webhooks []server.Handler
}

// buildChannels registers an adapter for every enabled platform.
func buildChannels(log *slog.Logger, cfg config.Config, references *conversation.Store) (channelSet, error) {
	set := channelSet{Registry: channel.NewRegistry()}

	if cfg.MSTeams.Enabled {
		var refs msteams.ReferenceStore
		if references != nil {
			refs = references
		}
		adapter := msteams.NewAdapter(log, msteams.Config{
			AppID:       cfg.MSTeams.AppID,
			AppPassword: cfg.MSTeams.AppPassword,
			TenantID:    cfg.MSTeams.TenantID,
			BotName:     cfg.MSTeams.BotName,
		}, refs)
		if err := set.Registry.Register(adapter); err != nil {
			return channelSet{}, err
		}
		set.Webhooks = append(set.Webhooks, adapter)
	}
	if cfg.Feishu.Enabled {
		adapter, err := feishu.NewAdapter(log, feishu.Config{
			AppID:             cfg.Feishu.AppID,
			AppSecret:         cfg.Feishu.AppSecret,
			EncryptKey:        cfg.Feishu.EncryptKey,
			VerificationToken: cfg.Feishu.VerificationToken,
			Region:            cfg.Feishu.Region,
			InboundMode:       cfg.Feishu.InboundMode,
			BotOpenID:         cfg.Feishu.BotOpenID,
			BusyReaction:      cfg.Feishu.BusyReaction,
		})
		if err != nil {
			return channelSet{}, fmt.Errorf("feishu adapter: %w", err)
		}
		if err := set.Registry.Register(adapter); err != nil {
			return channelSet{}, err
		}
		set.Webhooks = append(set.Webhooks, adapter)
	}
	if cfg.Telegram.Enabled {
		adapter := telegram.NewAdapter(log, telegram.Config{
			BotToken:     cfg.Telegram.BotToken,
			APIEndpoint:  cfg.Telegram.APIEndpoint,
			BusyReaction: cfg.Telegram.BusyReaction,
		})
		if err := set.Registry.Register(adapter); err != nil {
			return channelSet{}, err
		}
	}
	if cfg.Discord.Enabled {
		adapter := discord.NewAdapter(log, discord.Config{
			BotToken:     cfg.Discord.BotToken,
			BusyReaction: cfg.Discord.BusyReaction,
		})
		if err := set.Registry.Register(adapter); err != nil {
			return channelSet{}, err
		}
	}
	return set, nil
}

func newRouteResolver(cfg config.Config) (*route.Resolver, error) {
	return route.NewResolver(route.Options{
		DefaultAgentID:   cfg.Routing.DefaultAgentID,
		DefaultAccountID: cfg.Routing.DefaultAccountID,
		DMScope:          cfg.Routing.DMScope,
		MainKey:          cfg.Routing.MainKey,
		Bindings:         cfg.Routing.Bindings,
	})
}

func newAgentInvoker(log *slog.Logger, cfg config.Config) (inbound.AgentInvoker, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Agent.Mode)) {
	case "", config.DefaultAgentMode:
		log.Warn("echo agent enabled; replies mirror the inbound text")
		return agent.EchoInvoker{Prefix: cfg.Agent.EchoPrefix}, nil
	case "websocket":
		return agent.NewWSInvoker(log, agent.WSConfig{
			URL:              cfg.Agent.URL,
			Token:            cfg.Agent.Token,
			HandshakeTimeout: config.Duration(cfg.Agent.HandshakeTimeout, 10*time.Second),
			Timeout:          config.Duration(cfg.Agent.Timeout, 5*time.Minute),
		})
	default:
		return nil, fmt.Errorf("unsupported agent mode: %s", cfg.Agent.Mode)
	}
}

func policyFunc(cfg config.Config) inbound.PolicyFunc {
	policies := cfg.Policies()
	return func(channelType channel.ChannelType) inbound.Policy {
		return policies[channelType.String()]
	}
}
