package msteams

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultTokenURLTemplate = "https://login.microsoftonline.com/%s/oauth2/v2.0/token"
	defaultTokenTenant      = "botframework.com"
	botFrameworkScope       = "https://api.botframework.com/.default"
)

// Config holds the Bot Framework app registration.
type Config struct {
	AppID       string
	AppPassword string
	// TenantID selects a single-tenant app registration; empty means multi-tenant.
	TenantID string
	// TokenURL overrides the Azure AD token endpoint.
	TokenURL string
	BotName  string
}

func (c Config) tokenURL() string {
	if u := strings.TrimSpace(c.TokenURL); u != "" {
		return u
	}
	tenant := strings.TrimSpace(c.TenantID)
	if tenant == "" {
		tenant = defaultTokenTenant
	}
	return fmt.Sprintf(defaultTokenURLTemplate, tenant)
}

// httpClient returns a client that attaches Bot Framework bearer tokens.
// Without credentials it returns a plain client, which the emulator accepts.
func (c Config) httpClient(ctx context.Context) *http.Client {
	if strings.TrimSpace(c.AppID) == "" || strings.TrimSpace(c.AppPassword) == "" {
		return &http.Client{}
	}
	cc := clientcredentials.Config{
		ClientID:     c.AppID,
		ClientSecret: c.AppPassword,
		TokenURL:     c.tokenURL(),
		Scopes:       []string{botFrameworkScope},
	}
	return cc.Client(ctx)
}
