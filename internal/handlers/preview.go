package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/message"
	"github.com/memohai/sticker/internal/reconstruct"
)

// CapabilityLookup reports what a channel type can render.
// *channel.Registry satisfies it.
type CapabilityLookup interface {
	ParseChannelType(raw string) (channel.ChannelType, error)
	GetCapabilities(channelType channel.ChannelType) (channel.Capabilities, bool)
}

// PreviewHandler runs a reply through reconstruction without delivering it.
type PreviewHandler struct {
	engine   *reconstruct.Engine
	channels CapabilityLookup
	logger   *slog.Logger
}

func NewPreviewHandler(log *slog.Logger, engine *reconstruct.Engine, channels CapabilityLookup) *PreviewHandler {
	if log == nil {
		log = slog.Default()
	}
	return &PreviewHandler{
		engine:   engine,
		channels: channels,
		logger:   log.With(slog.String("handler", "preview")),
	}
}

func (h *PreviewHandler) Register(e *echo.Echo) {
	e.POST("/api/preview", h.Preview)
}

type PreviewRequest struct {
	Text      string `json:"text"`
	Channel   string `json:"channel"`
	Streaming bool   `json:"streaming"`
}

type PreviewResponse struct {
	Segments   []message.Segment   `json:"segments"`
	Suppressed bool                `json:"suppressed"`
	Matched    int                 `json:"matched"`
	Resolved   int                 `json:"resolved"`
	Messages   [][]message.Segment `json:"messages"`
	Warning    string              `json:"warning,omitempty"`
}

// Preview godoc
// @Summary Preview how a reply would be reconstructed
// @Tags preview
// @Param payload body PreviewRequest true "Reply text and target channel"
// @Success 200 {object} PreviewResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/preview [post]
func (h *PreviewHandler) Preview(c echo.Context) error {
	if h.engine == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "reconstruction is not configured")
	}
	var req PreviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	caps := channel.Capabilities{Text: true}
	if raw := strings.TrimSpace(req.Channel); raw != "" {
		if h.channels == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown channel: "+raw)
		}
		channelType, err := h.channels.ParseChannelType(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		caps, _ = h.channels.GetCapabilities(channelType)
	}

	ctx := c.Request().Context()
	recorder := &reconstruct.Recorder{}
	result, err := h.engine.Process(ctx, reconstruct.Event{
		Segments:     []message.Segment{message.Text(req.Text)},
		Streaming:    req.Streaming,
		Capabilities: caps,
	}, recorder)
	h.engine.SendFollowUps(ctx, result.FollowUps, recorder, message.ReplyRef{})
	resp := PreviewResponse{
		Segments:   result.Segments,
		Suppressed: result.Suppressed,
		Matched:    result.Matched,
		Resolved:   result.Resolved,
		Messages:   recorder.Messages(),
	}
	if resp.Segments == nil {
		resp.Segments = []message.Segment{}
	}
	if err != nil {
		if !errors.Is(err, catalog.ErrNotReady) {
			h.logger.Warn("preview reconstruction failed", slog.Any("error", err))
		}
		resp.Warning = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
