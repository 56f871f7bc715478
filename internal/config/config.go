package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/memohai/memoh-gateway/internal/channel/inbound"
	"github.com/memohai/memoh-gateway/internal/db"
	"github.com/memohai/memoh-gateway/internal/route"
)

const (
	DefaultConfigPath    = "config.toml"
	DefaultHTTPAddr      = ":8080"
	DefaultJWTExpiresIn  = "24h"
	DefaultSQLitePath    = "data/gateway.db"
	DefaultAgentMode     = "echo"
	DefaultAgentTimeout  = "5m"
	DefaultPruneSchedule = "@every 10m"
)

type Config struct {
	Log      LogConfig      `toml:"log" yaml:"log"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Auth     AuthConfig     `toml:"auth" yaml:"auth"`
	Admin    AdminConfig    `toml:"admin" yaml:"admin"`
	Storage  db.Config      `toml:"storage" yaml:"storage"`
	Agent    AgentConfig    `toml:"agent" yaml:"agent"`
	Routing  RoutingConfig  `toml:"routing" yaml:"routing"`
	Gateway  GatewayConfig  `toml:"gateway" yaml:"gateway"`
	Pairing  PairingConfig  `toml:"pairing" yaml:"pairing"`
	MSTeams  MSTeamsConfig  `toml:"msteams" yaml:"msteams"`
	Feishu   FeishuConfig   `toml:"feishu" yaml:"feishu"`
	Telegram TelegramConfig `toml:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `toml:"discord" yaml:"discord"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `toml:"format" yaml:"format" validate:"omitempty,oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

type AuthConfig struct {
	JWTSecret    string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in" yaml:"jwt_expires_in"`
}

// AdminConfig guards the pairing administration API. Password may be a
// bcrypt hash or plain text.
type AdminConfig struct {
	Enabled  bool   `toml:"enabled" yaml:"enabled"`
	Username string `toml:"username" yaml:"username" validate:"required_if=Enabled true"`
	Password string `toml:"password" yaml:"password" validate:"required_if=Enabled true"`
}

type AgentConfig struct {
	Mode             string `toml:"mode" yaml:"mode" validate:"omitempty,oneof=echo websocket"`
	URL              string `toml:"url" yaml:"url" validate:"omitempty,url"`
	Token            string `toml:"token" yaml:"token"`
	Timeout          string `toml:"timeout" yaml:"timeout"`
	HandshakeTimeout string `toml:"handshake_timeout" yaml:"handshake_timeout"`
	EchoPrefix       string `toml:"echo_prefix" yaml:"echo_prefix"`
}

type RoutingConfig struct {
	DefaultAgentID   string          `toml:"default_agent_id" yaml:"default_agent_id"`
	DefaultAccountID string          `toml:"default_account_id" yaml:"default_account_id"`
	DMScope          string          `toml:"dm_scope" yaml:"dm_scope" validate:"omitempty,oneof=main per-peer per-channel-peer per-account-channel-peer"`
	MainKey          string          `toml:"main_key" yaml:"main_key"`
	Bindings         []route.Binding `toml:"bindings" yaml:"bindings" validate:"dive"`
}

// GatewayConfig tunes the inbound pipeline.
type GatewayConfig struct {
	QueueSize       int    `toml:"queue_size" yaml:"queue_size" validate:"min=0"`
	Workers         int    `toml:"workers" yaml:"workers" validate:"min=0"`
	RefreshInterval string `toml:"refresh_interval" yaml:"refresh_interval"`
	TaskQueueSize   int    `toml:"task_queue_size" yaml:"task_queue_size" validate:"min=0"`
	TaskWorkers     int    `toml:"task_workers" yaml:"task_workers" validate:"min=0"`
	FallbackPrefix  string `toml:"fallback_prefix" yaml:"fallback_prefix"`
	DedupeTTL       string `toml:"dedupe_ttl" yaml:"dedupe_ttl"`
	// RateLimitPerMinute caps messages per sender; zero disables limiting.
	RateLimitPerMinute int `toml:"rate_limit_per_minute" yaml:"rate_limit_per_minute" validate:"min=0"`
	RateLimitBurst     int `toml:"rate_limit_burst" yaml:"rate_limit_burst" validate:"min=0"`
	EventsPerSession   int `toml:"events_per_session" yaml:"events_per_session" validate:"min=0"`
}

type PairingConfig struct {
	TTL           string `toml:"ttl" yaml:"ttl"`
	MaxPending    int    `toml:"max_pending" yaml:"max_pending" validate:"min=0"`
	PruneSchedule string `toml:"prune_schedule" yaml:"prune_schedule"`
	ReplyInterval string `toml:"reply_interval" yaml:"reply_interval"`
}

// AccessConfig is the per-platform access block.
type AccessConfig struct {
	DMPolicy       string   `toml:"dm_policy" yaml:"dm_policy" validate:"omitempty,oneof=pairing allowlist open disabled"`
	AllowFrom      []string `toml:"allow_from" yaml:"allow_from"`
	GroupPolicy    string   `toml:"group_policy" yaml:"group_policy" validate:"omitempty,oneof=open allowlist disabled"`
	GroupAllowFrom []string `toml:"group_allow_from" yaml:"group_allow_from"`
	RequireMention *bool    `toml:"require_mention" yaml:"require_mention"`
	OwnerIDs       []string `toml:"owner_ids" yaml:"owner_ids"`
	TextChunkLimit int      `toml:"text_chunk_limit" yaml:"text_chunk_limit" validate:"min=0"`
	// Scopes holds per-team (Teams), per-guild (Discord) or per-group overrides.
	Scopes map[string]ScopeConfig `toml:"scopes" yaml:"scopes"`
}

type ScopeConfig struct {
	RequireMention *bool                    `toml:"require_mention" yaml:"require_mention"`
	Channels       map[string]ChannelConfig `toml:"channels" yaml:"channels"`
}

type ChannelConfig struct {
	RequireMention *bool `toml:"require_mention" yaml:"require_mention"`
}

type MSTeamsConfig struct {
	Enabled     bool         `toml:"enabled" yaml:"enabled"`
	AppID       string       `toml:"app_id" yaml:"app_id" validate:"required_if=Enabled true"`
	AppPassword string       `toml:"app_password" yaml:"app_password" validate:"required_if=Enabled true"`
	TenantID    string       `toml:"tenant_id" yaml:"tenant_id"`
	BotName     string       `toml:"bot_name" yaml:"bot_name"`
	Access      AccessConfig `toml:"access" yaml:"access"`
}

type FeishuConfig struct {
	Enabled           bool         `toml:"enabled" yaml:"enabled"`
	AppID             string       `toml:"app_id" yaml:"app_id" validate:"required_if=Enabled true"`
	AppSecret         string       `toml:"app_secret" yaml:"app_secret" validate:"required_if=Enabled true"`
	EncryptKey        string       `toml:"encrypt_key" yaml:"encrypt_key"`
	VerificationToken string       `toml:"verification_token" yaml:"verification_token"`
	Region            string       `toml:"region" yaml:"region"`
	InboundMode       string       `toml:"inbound_mode" yaml:"inbound_mode" validate:"omitempty,oneof=websocket webhook"`
	BotOpenID         string       `toml:"bot_open_id" yaml:"bot_open_id"`
	BusyReaction      bool         `toml:"busy_reaction" yaml:"busy_reaction"`
	Access            AccessConfig `toml:"access" yaml:"access"`
}

type TelegramConfig struct {
	Enabled      bool         `toml:"enabled" yaml:"enabled"`
	BotToken     string       `toml:"bot_token" yaml:"bot_token" validate:"required_if=Enabled true"`
	APIEndpoint  string       `toml:"api_endpoint" yaml:"api_endpoint"`
	BusyReaction bool         `toml:"busy_reaction" yaml:"busy_reaction"`
	Access       AccessConfig `toml:"access" yaml:"access"`
}

type DiscordConfig struct {
	Enabled      bool         `toml:"enabled" yaml:"enabled"`
	BotToken     string       `toml:"bot_token" yaml:"bot_token" validate:"required_if=Enabled true"`
	BusyReaction bool         `toml:"busy_reaction" yaml:"busy_reaction"`
	Access       AccessConfig `toml:"access" yaml:"access"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr: DefaultHTTPAddr,
		},
		Auth: AuthConfig{
			JWTExpiresIn: DefaultJWTExpiresIn,
		},
		Admin: AdminConfig{
			Username: "admin",
		},
		Storage: db.Config{
			Driver: "sqlite",
			Path:   DefaultSQLitePath,
		},
		Agent: AgentConfig{
			Mode:    DefaultAgentMode,
			Timeout: DefaultAgentTimeout,
		},
		Routing: RoutingConfig{
			DefaultAgentID: "main",
			DMScope:        route.DMScopePerChannelPeer,
		},
		Gateway: GatewayConfig{
			QueueSize:       256,
			Workers:         4,
			RefreshInterval: "30s",
			DedupeTTL:       "10m",
		},
		Pairing: PairingConfig{
			TTL:           "1h",
			MaxPending:    3,
			PruneSchedule: DefaultPruneSchedule,
			ReplyInterval: "1m",
		},
		Feishu: FeishuConfig{
			Region:      "feishu",
			InboundMode: "websocket",
		},
	}
}

// Load reads a TOML file, or YAML when the path ends in .yaml or .yml.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, cfg.Validate()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the rules that span sections.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", fieldErrs[0].Namespace(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Agent.Mode == "websocket" && strings.TrimSpace(c.Agent.URL) == "" {
		return errors.New("invalid config: agent.url is required in websocket mode")
	}
	if c.Admin.Enabled && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return errors.New("invalid config: auth.jwt_secret is required when admin is enabled")
	}
	if _, err := db.ParseDialect(c.Storage.Driver); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	durations := map[string]string{
		"auth.jwt_expires_in":      c.Auth.JWTExpiresIn,
		"agent.timeout":            c.Agent.Timeout,
		"agent.handshake_timeout":  c.Agent.HandshakeTimeout,
		"gateway.refresh_interval": c.Gateway.RefreshInterval,
		"gateway.dedupe_ttl":       c.Gateway.DedupeTTL,
		"pairing.ttl":              c.Pairing.TTL,
		"pairing.reply_interval":   c.Pairing.ReplyInterval,
	}
	for name, raw := range durations {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("invalid config: %s: %w", name, err)
		}
	}
	return nil
}

// Duration parses raw, returning def when it is empty or malformed.
func Duration(raw string, def time.Duration) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

// Policy converts the access block into the gate's policy snapshot.
func (a AccessConfig) Policy() inbound.Policy {
	policy := inbound.Policy{
		DMPolicy:       inbound.DMPolicy(a.DMPolicy),
		AllowFrom:      a.AllowFrom,
		GroupPolicy:    inbound.GroupPolicy(a.GroupPolicy),
		GroupAllowFrom: a.GroupAllowFrom,
		RequireMention: a.RequireMention,
		OwnerIDs:       a.OwnerIDs,
		TextChunkLimit: a.TextChunkLimit,
	}
	if len(a.Scopes) > 0 {
		policy.Scopes = make(map[string]inbound.ScopeOverride, len(a.Scopes))
		for id, scope := range a.Scopes {
			override := inbound.ScopeOverride{RequireMention: scope.RequireMention}
			if len(scope.Channels) > 0 {
				override.Channels = make(map[string]inbound.ChannelOverride, len(scope.Channels))
				for chID, ch := range scope.Channels {
					override.Channels[chID] = inbound.ChannelOverride{RequireMention: ch.RequireMention}
				}
			}
			policy.Scopes[id] = override
		}
	}
	return policy
}

// Policies maps each platform to its access policy, keyed by channel type name.
func (c Config) Policies() map[string]inbound.Policy {
	return map[string]inbound.Policy{
		"msteams":  c.MSTeams.Access.Policy(),
		"feishu":   c.Feishu.Access.Policy(),
		"telegram": c.Telegram.Access.Policy(),
		"discord":  c.Discord.Access.Policy(),
	}
}
