package feishu

import (
	"fmt"
	"strings"

	lark "github.com/larksuite/oapi-sdk-go/v3"
)

const (
	regionFeishu = "feishu"
	regionLark   = "lark"

	inboundModeWebsocket = "websocket"
	inboundModeWebhook   = "webhook"
)

// Config holds the Feishu app credentials.
type Config struct {
	AppID             string
	AppSecret         string
	EncryptKey        string
	VerificationToken string
	Region            string
	InboundMode       string
	// BotOpenID skips bot identity discovery when set.
	BotOpenID string
	// BusyReaction adds a "Typing" reaction to the inbound message while the agent works.
	BusyReaction bool
}

// normalize trims fields, applies defaults, and validates the config.
func (c Config) normalize() (Config, error) {
	c.AppID = strings.TrimSpace(c.AppID)
	c.AppSecret = strings.TrimSpace(c.AppSecret)
	c.EncryptKey = strings.TrimSpace(c.EncryptKey)
	c.VerificationToken = strings.TrimSpace(c.VerificationToken)
	c.BotOpenID = strings.TrimSpace(c.BotOpenID)
	region, err := normalizeRegion(c.Region)
	if err != nil {
		return Config{}, err
	}
	c.Region = region
	mode, err := normalizeInboundMode(c.InboundMode)
	if err != nil {
		return Config{}, err
	}
	c.InboundMode = mode
	if c.AppID == "" || c.AppSecret == "" {
		return Config{}, fmt.Errorf("feishu app_id and app_secret are required")
	}
	return c, nil
}

func normalizeRegion(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", regionFeishu, "cn", "china":
		return regionFeishu, nil
	case regionLark, "global", "intl", "international":
		return regionLark, nil
	default:
		return "", fmt.Errorf("feishu region must be feishu or lark")
	}
}

func normalizeInboundMode(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", inboundModeWebsocket:
		return inboundModeWebsocket, nil
	case inboundModeWebhook:
		return inboundModeWebhook, nil
	default:
		return "", fmt.Errorf("feishu inbound_mode must be websocket or webhook")
	}
}

func (c Config) openBaseURL() string {
	if c.Region == regionLark {
		return lark.LarkBaseUrl
	}
	return lark.FeishuBaseUrl
}
