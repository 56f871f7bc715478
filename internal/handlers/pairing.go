package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-gateway/internal/auth"
	"github.com/memohai/memoh-gateway/internal/channel"
	"github.com/memohai/memoh-gateway/internal/conversation"
	"github.com/memohai/memoh-gateway/internal/pairing"
)

// ApprovalNoticeText is sent to a sender once an operator approves them.
const ApprovalNoticeText = "✅ Access approved. You can chat with me now."

const approvalNoticeTimeout = 15 * time.Second

// PairingAdmin is the operator side of the pairing store. *pairing.Store implements it.
type PairingAdmin interface {
	ListRequests(ctx context.Context, provider string) ([]pairing.Request, error)
	Approve(ctx context.Context, provider, code, approvedBy string) (pairing.Request, error)
	ListAllowFrom(ctx context.Context, provider string) ([]pairing.AllowEntry, error)
	AddAllowFrom(ctx context.Context, provider, externalID, approvedBy string) error
	RemoveAllowFrom(ctx context.Context, provider, externalID string) (bool, error)
}

// DirectConversationFinder looks up the DM conversation of a user. *conversation.Store implements it.
type DirectConversationFinder interface {
	FindDirect(ctx context.Context, ct channel.ChannelType, userID string) (channel.ConversationRef, error)
}

// DelivererResolver returns the outbound side of an adapter. *channel.Registry implements it.
type DelivererResolver interface {
	GetDeliverer(channelType channel.ChannelType) (channel.Deliverer, bool)
}

// PairingHandler exposes the pending pairing requests and the dynamic
// allow-list to admins.
type PairingHandler struct {
	logger   *slog.Logger
	store    PairingAdmin
	registry *channel.Registry
	notifier *ApprovalNotifier
}

// ApprovalNotifier tells a freshly approved sender they can chat now.
type ApprovalNotifier struct {
	logger        *slog.Logger
	conversations DirectConversationFinder
	deliverers    DelivererResolver
}

type ApprovePairingRequest struct {
	Code string `json:"code"`
}

type ApprovePairingResponse struct {
	Request  pairing.Request `json:"request"`
	Notified bool            `json:"notified"`
}

type AllowFromRequest struct {
	ExternalID string `json:"external_id"`
}

type listPairingResponse struct {
	Items []pairing.Request `json:"items"`
}

type listAllowFromResponse struct {
	Items []pairing.AllowEntry `json:"items"`
}

func NewPairingHandler(log *slog.Logger, store *pairing.Store, registry *channel.Registry, conversations *conversation.Store) *PairingHandler {
	var (
		finder     DirectConversationFinder
		deliverers DelivererResolver
	)
	if conversations != nil {
		finder = conversations
	}
	if registry != nil {
		deliverers = registry
	}
	if log == nil {
		log = slog.Default()
	}
	return &PairingHandler{
		logger:   log.With(slog.String("handler", "pairing")),
		store:    store,
		registry: registry,
		notifier: NewApprovalNotifier(log, deliverers, finder),
	}
}

// NewApprovalNotifier creates a notifier. conversations may be nil, in which
// case the notice goes to the "user:<id>" target.
func NewApprovalNotifier(log *slog.Logger, deliverers DelivererResolver, conversations DirectConversationFinder) *ApprovalNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &ApprovalNotifier{
		logger:        log.With(slog.String("component", "approval_notifier")),
		conversations: conversations,
		deliverers:    deliverers,
	}
}

func (h *PairingHandler) Register(e *echo.Echo) {
	group := e.Group("/admin", auth.RequireAdmin)
	group.GET("/pairing/:provider", h.ListRequests)
	group.POST("/pairing/:provider/approve", h.Approve)
	group.GET("/allowlist/:provider", h.ListAllowFrom)
	group.POST("/allowlist/:provider", h.AddAllowFrom)
	group.DELETE("/allowlist/:provider/:id", h.RemoveAllowFrom)
}

// ListRequests godoc
// @Summary List pending pairing requests
// @Tags pairing
// @Param provider path string true "Channel platform"
// @Success 200 {object} listPairingResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/pairing/{provider} [get]
func (h *PairingHandler) ListRequests(c echo.Context) error {
	provider, err := h.parseProvider(c)
	if err != nil {
		return err
	}
	items, err := h.store.ListRequests(c.Request().Context(), provider.String())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []pairing.Request{}
	}
	return c.JSON(http.StatusOK, listPairingResponse{Items: items})
}

// Approve godoc
// @Summary Approve a pairing code
// @Description Moves the sender behind the code onto the allow-list and tells them in their DM.
// @Tags pairing
// @Param provider path string true "Channel platform"
// @Param payload body ApprovePairingRequest true "Pairing code"
// @Success 200 {object} ApprovePairingResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/pairing/{provider}/approve [post]
func (h *PairingHandler) Approve(c echo.Context) error {
	provider, err := h.parseProvider(c)
	if err != nil {
		return err
	}
	var req ApprovePairingRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Code) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	approvedBy, _ := auth.UserIDFromContext(c)
	approved, err := h.store.Approve(c.Request().Context(), provider.String(), req.Code, approvedBy)
	if err != nil {
		if errors.Is(err, pairing.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "pairing code not found or expired")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	notified := h.notifier.Notify(c.Request().Context(), provider, approved.ExternalID)
	return c.JSON(http.StatusOK, ApprovePairingResponse{Request: approved, Notified: notified})
}

// ListAllowFrom godoc
// @Summary List approved senders
// @Tags pairing
// @Param provider path string true "Channel platform"
// @Success 200 {object} listAllowFromResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/allowlist/{provider} [get]
func (h *PairingHandler) ListAllowFrom(c echo.Context) error {
	provider, err := h.parseProvider(c)
	if err != nil {
		return err
	}
	items, err := h.store.ListAllowFrom(c.Request().Context(), provider.String())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []pairing.AllowEntry{}
	}
	return c.JSON(http.StatusOK, listAllowFromResponse{Items: items})
}

// AddAllowFrom godoc
// @Summary Approve a sender without a pairing code
// @Tags pairing
// @Param provider path string true "Channel platform"
// @Param payload body AllowFromRequest true "Sender id"
// @Success 204
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/allowlist/{provider} [post]
func (h *PairingHandler) AddAllowFrom(c echo.Context) error {
	provider, err := h.parseProvider(c)
	if err != nil {
		return err
	}
	var req AllowFromRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	externalID := strings.TrimSpace(req.ExternalID)
	if externalID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "external_id is required")
	}
	approvedBy, _ := auth.UserIDFromContext(c)
	if err := h.store.AddAllowFrom(c.Request().Context(), provider.String(), externalID, approvedBy); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	h.logger.Info("allow-from added",
		slog.String("provider", provider.String()),
		slog.String("external_id", externalID),
		slog.String("approved_by", approvedBy))
	return c.NoContent(http.StatusNoContent)
}

// RemoveAllowFrom godoc
// @Summary Revoke an approved sender
// @Tags pairing
// @Param provider path string true "Channel platform"
// @Param id path string true "Sender id"
// @Success 204
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /admin/allowlist/{provider}/{id} [delete]
func (h *PairingHandler) RemoveAllowFrom(c echo.Context) error {
	provider, err := h.parseProvider(c)
	if err != nil {
		return err
	}
	removed, err := h.store.RemoveAllowFrom(c.Request().Context(), provider.String(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !removed {
		return echo.NewHTTPError(http.StatusNotFound, "sender not on allow-list")
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *PairingHandler) parseProvider(c echo.Context) (channel.ChannelType, error) {
	raw := c.Param("provider")
	if h.registry == nil {
		provider := channel.ChannelType(strings.ToLower(strings.TrimSpace(raw)))
		if provider == "" {
			return "", echo.NewHTTPError(http.StatusBadRequest, "provider is required")
		}
		return provider, nil
	}
	provider, err := h.registry.ParseChannelType(raw)
	if err != nil {
		return "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return provider, nil
}

// Notify sends ApprovalNoticeText to the sender's DM and reports whether it
// was delivered. The stored direct conversation is preferred; without one the
// adapter resolves "user:<id>". Failures are logged, never returned.
func (n *ApprovalNotifier) Notify(ctx context.Context, provider channel.ChannelType, externalID string) bool {
	if n == nil || n.deliverers == nil || strings.TrimSpace(externalID) == "" {
		return false
	}
	deliverer, ok := n.deliverers.GetDeliverer(provider)
	if !ok {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), approvalNoticeTimeout)
	defer cancel()

	ref := channel.ConversationRef{
		Channel: provider,
		Surface: channel.SurfaceDM,
		UserID:  externalID,
		Target:  "user:" + externalID,
	}
	if n.conversations != nil {
		stored, err := n.conversations.FindDirect(ctx, provider, externalID)
		switch {
		case err == nil && strings.TrimSpace(stored.Target) != "":
			ref = stored.WithTarget(stored.Target)
		case err != nil && !errors.Is(err, conversation.ErrNotFound):
			n.logger.Warn("direct conversation lookup failed",
				slog.String("provider", provider.String()),
				slog.String("external_id", externalID),
				slog.Any("error", err))
		}
	}
	content := channel.OutboundContent{Text: ApprovalNoticeText, Format: channel.MessageFormatPlain}
	if _, err := deliverer.Send(ctx, ref, content); err != nil {
		n.logger.Warn("approval notice failed",
			slog.String("provider", provider.String()),
			slog.String("external_id", externalID),
			slog.Any("error", err))
		return false
	}
	return true
}
