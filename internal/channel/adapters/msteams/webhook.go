package msteams

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-gateway/internal/channel/adapters/common"
)

const webhookMaxBodyBytes int64 = 1 << 20 // 1 MiB

// Register registers the Bot Framework messaging endpoint.
func (a *Adapter) Register(e *echo.Echo) {
	e.POST("/api/messages", a.Handle)
}

// Handle receives one Bot Framework activity.
func (a *Adapter) Handle(c echo.Context) error {
	handler, connCtx := a.currentHandler()
	if handler == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "msteams channel is not running")
	}
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, webhookMaxBodyBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read body: %v", err))
	}
	if int64(len(payload)) > webhookMaxBodyBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, fmt.Sprintf("payload too large: max %d bytes", webhookMaxBodyBytes))
	}
	var act Activity
	if err := json.Unmarshal(payload, &act); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("invalid activity: %v", err))
	}
	if act.Type != activityTypeMessage {
		return c.NoContent(http.StatusOK)
	}
	if act.IsFromSelf() {
		return c.NoContent(http.StatusOK)
	}
	msg, err := Normalize(act)
	if err != nil {
		a.logger.Warn("drop activity", slog.Any("error", err))
		return c.NoContent(http.StatusOK)
	}
	a.logger.Debug("inbound received",
		slog.String("surface", msg.Surface.String()),
		slog.String("conversation_id", msg.ConversationID),
		slog.String("text", common.SummarizeText(msg.Text)))

	ctx := context.WithoutCancel(c.Request().Context())
	if connCtx != nil && connCtx.Err() != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "msteams channel is stopping")
	}
	if err := handler(ctx, msg); err != nil {
		a.logger.Error("handle inbound failed", slog.Any("error", err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.NoContent(http.StatusOK)
}
