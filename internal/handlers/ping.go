package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/healthcheck"
)

// ErrorResponse is the JSON body echo renders for HTTP errors.
type ErrorResponse struct {
	Message string `json:"message"`
}

// ConnectionObserver exposes adapter connection state. *channel.Manager implements it.
type ConnectionObserver interface {
	ConnectionStatuses() []channel.ConnectionStatus
}

type PingHandler struct {
	logger   *slog.Logger
	observer ConnectionObserver
	checkers []healthcheck.Checker
}

func NewPingHandler(log *slog.Logger, observer ConnectionObserver, checkers ...healthcheck.Checker) *PingHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PingHandler{
		logger:   log.With(slog.String("handler", "ping")),
		observer: observer,
		checkers: checkers,
	}
}

func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.HEAD("/health", h.PingHead)
	e.GET("/health/channels", h.ChannelStatuses)
	e.GET("/health/checks", h.Checks)
}

func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

func (h *PingHandler) PingHead(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}

// ChannelStatuses godoc
// @Summary List channel connection statuses
// @Tags health
// @Success 200 {array} channel.ConnectionStatus
// @Router /health/channels [get]
func (h *PingHandler) ChannelStatuses(c echo.Context) error {
	if h.observer == nil {
		return c.JSON(http.StatusOK, []channel.ConnectionStatus{})
	}
	statuses := h.observer.ConnectionStatuses()
	if statuses == nil {
		statuses = []channel.ConnectionStatus{}
	}
	return c.JSON(http.StatusOK, statuses)
}

// Checks godoc
// @Summary Run runtime health checks
// @Description Aggregates channel connection and storage checks. Responds 503 when any check fails.
// @Tags health
// @Success 200 {object} healthcheck.Report
// @Failure 503 {object} healthcheck.Report
// @Router /health/checks [get]
func (h *PingHandler) Checks(c echo.Context) error {
	report := healthcheck.Run(c.Request().Context(), h.checkers...)
	status := http.StatusOK
	if report.Status == healthcheck.StatusError {
		h.logger.Warn("health checks failing", slog.Int("checks", len(report.Checks)))
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}
