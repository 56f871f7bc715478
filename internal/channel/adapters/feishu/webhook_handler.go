package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// Register registers webhook callback routes.
func (a *Adapter) Register(e *echo.Echo) {
	e.GET("/channels/feishu/webhook", a.HandleProbe)
	e.POST("/channels/feishu/webhook", a.HandleWebhook)
}

// HandleProbe responds to health/probe requests on the webhook URL.
func (a *Adapter) HandleProbe(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// HandleWebhook processes Feishu/Lark event-subscription callbacks.
func (a *Adapter) HandleWebhook(c echo.Context) error {
	if a.cfg.InboundMode != inboundModeWebhook {
		return echo.NewHTTPError(http.StatusBadRequest, "feishu inbound_mode is not webhook")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	if err := validateWebhookCallbackAuth(payload, a.cfg); err != nil {
		return err
	}
	handler, connCtx := a.currentHandler()
	if handler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "feishu channel is not running")
	}

	ctx := context.WithoutCancel(c.Request().Context())
	if connCtx != nil {
		ctx = connCtx
	}
	eventDispatcher := a.newEventDispatcher(ctx, handler)
	resp := eventDispatcher.Handle(c.Request().Context(), &larkevent.EventReq{
		Header:     c.Request().Header,
		Body:       payload,
		RequestURI: c.Request().RequestURI,
	})
	if resp == nil {
		return c.NoContent(http.StatusOK)
	}
	for key, values := range resp.Header {
		for _, value := range values {
			c.Response().Header().Add(key, value)
		}
	}
	c.Response().WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err = c.Response().Write(resp.Body)
	return err
}

func validateWebhookCallbackAuth(payload []byte, cfg Config) error {
	if strings.TrimSpace(cfg.EncryptKey) != "" {
		// Lark SDK signature verification is enabled only when encryptKey is configured.
		return nil
	}
	var fuzzy larkevent.EventFuzzy
	if err := json.Unmarshal(payload, &fuzzy); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid feishu webhook payload: %v", err))
	}
	if larkevent.ReqType(strings.TrimSpace(fuzzy.Type)) == larkevent.ReqTypeChallenge {
		return nil
	}
	expectedToken := strings.TrimSpace(cfg.VerificationToken)
	if expectedToken == "" {
		return echo.NewHTTPError(http.StatusForbidden, "feishu webhook requires verification_token when encrypt_key is empty")
	}
	requestToken := strings.TrimSpace(fuzzy.Token)
	if fuzzy.Header != nil && strings.TrimSpace(fuzzy.Header.Token) != "" {
		requestToken = strings.TrimSpace(fuzzy.Header.Token)
	}
	if requestToken == "" || requestToken != expectedToken {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid feishu webhook token")
	}
	return nil
}
