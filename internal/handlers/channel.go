package handlers

import (
	"net/http"
	"sort"

	"github.com/labstack/echo/v4"

	"github.com/memohai/memoh-gateway/internal/channel"
)

type ChannelHandler struct {
	registry *channel.Registry
}

func NewChannelHandler(registry *channel.Registry) *ChannelHandler {
	return &ChannelHandler{registry: registry}
}

func (h *ChannelHandler) Register(e *echo.Echo) {
	metaGroup := e.Group("/channels")
	metaGroup.GET("", h.ListChannels)
	metaGroup.GET("/:platform", h.GetChannel)
}

type ChannelMeta struct {
	Type           string                 `json:"type"`
	DisplayName    string                 `json:"display_name"`
	Capabilities   channel.Capabilities   `json:"capabilities"`
	OutboundPolicy channel.OutboundPolicy `json:"outbound_policy"`
}

func channelMetaFromDescriptor(desc channel.Descriptor) ChannelMeta {
	return ChannelMeta{
		Type:           desc.Type.String(),
		DisplayName:    desc.DisplayName,
		Capabilities:   desc.Capabilities,
		OutboundPolicy: desc.OutboundPolicy,
	}
}

// ListChannels godoc
// @Summary List registered channels
// @Description List channel meta information including capabilities and outbound limits
// @Tags channel
// @Success 200 {array} ChannelMeta
// @Router /channels [get]
func (h *ChannelHandler) ListChannels(c echo.Context) error {
	descs := h.registry.ListDescriptors()
	items := make([]ChannelMeta, 0, len(descs))
	for _, desc := range descs {
		items = append(items, channelMetaFromDescriptor(desc))
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].Type < items[j].Type
	})
	return c.JSON(http.StatusOK, items)
}

// GetChannel godoc
// @Summary Get channel meta
// @Tags channel
// @Param platform path string true "Channel platform"
// @Success 200 {object} ChannelMeta
// @Failure 404 {object} ErrorResponse
// @Router /channels/{platform} [get]
func (h *ChannelHandler) GetChannel(c echo.Context) error {
	channelType, err := h.registry.ParseChannelType(c.Param("platform"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	desc, ok := h.registry.GetDescriptor(channelType)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "channel not found")
	}
	return c.JSON(http.StatusOK, channelMetaFromDescriptor(desc))
}
