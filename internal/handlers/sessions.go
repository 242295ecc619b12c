package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/message"
	"github.com/memohai/sticker/internal/pipeline"
	"github.com/memohai/sticker/internal/reconstruct"
)

// SessionLister lists connected sessions. *channel.Manager satisfies it.
type SessionLister interface {
	Sessions() []channel.Session
	Capabilities(sessionID string) (channel.Capabilities, bool)
}

// ReplyHooks runs outgoing replies and prompts through the sticker
// pipeline. *pipeline.Hooks satisfies it.
type ReplyHooks interface {
	OnOutgoingMessage(ctx context.Context, ev *pipeline.OutgoingEvent) error
	OnOutgoingPrompt(ctx context.Context, req *pipeline.PromptRequest) error
}

// SessionsHandler relays generated replies to connected chat sessions.
type SessionsHandler struct {
	sessions SessionLister
	hooks    ReplyHooks
	logger   *slog.Logger
}

func NewSessionsHandler(log *slog.Logger, sessions SessionLister, hooks ReplyHooks) *SessionsHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SessionsHandler{
		sessions: sessions,
		hooks:    hooks,
		logger:   log.With(slog.String("handler", "sessions")),
	}
}

func (h *SessionsHandler) Register(e *echo.Echo) {
	group := e.Group("/api/sessions")
	group.GET("", h.ListSessions)
	group.POST("/:id/messages", h.SendMessage)
	group.POST("/:id/prompt", h.PreparePrompt)
}

type SessionInfo struct {
	ID           string               `json:"id"`
	Type         string               `json:"type"`
	Ready        bool                 `json:"ready"`
	Capabilities channel.Capabilities `json:"capabilities"`
}

type ListSessionsResponse struct {
	Items []SessionInfo `json:"items"`
}

type SendMessageRequest struct {
	Target     string `json:"target"`
	Text       string `json:"text"`
	Completion string `json:"completion,omitempty"`
	Streaming  bool   `json:"streaming"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

type SendMessageResponse struct {
	Delivered  bool              `json:"delivered"`
	Suppressed bool              `json:"suppressed"`
	Stickers   int               `json:"stickers"`
	Segments   []message.Segment `json:"segments"`
}

type PromptRequest struct {
	SystemPrompt string `json:"system_prompt"`
	Streaming    bool   `json:"streaming"`
}

type PromptResponse struct {
	SystemPrompt string `json:"system_prompt"`
	Streaming    bool   `json:"streaming"`
	Injected     int    `json:"injected"`
}

// ListSessions godoc
// @Summary List connected chat sessions
// @Tags sessions
// @Success 200 {object} ListSessionsResponse
// @Router /api/sessions [get]
func (h *SessionsHandler) ListSessions(c echo.Context) error {
	items := []SessionInfo{}
	if h.sessions != nil {
		for _, s := range h.sessions.Sessions() {
			caps, _ := h.sessions.Capabilities(s.ID())
			items = append(items, SessionInfo{
				ID:           s.ID(),
				Type:         s.Kind().String(),
				Ready:        s.Ready(),
				Capabilities: caps,
			})
		}
	}
	return c.JSON(http.StatusOK, ListSessionsResponse{Items: items})
}

// SendMessage godoc
// @Summary Reconstruct a generated reply and deliver it
// @Tags sessions
// @Param id path string true "Session ID"
// @Param payload body SendMessageRequest true "Reply"
// @Success 200 {object} SendMessageResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/sessions/{id}/messages [post]
func (h *SessionsHandler) SendMessage(c echo.Context) error {
	if h.hooks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "delivery is not configured")
	}
	var req SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Target) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target is required")
	}
	if strings.TrimSpace(req.Text) == "" && strings.TrimSpace(req.Completion) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	ev := &pipeline.OutgoingEvent{
		SessionID:  c.Param("id"),
		Target:     strings.TrimSpace(req.Target),
		Streaming:  req.Streaming,
		Reply:      message.ReplyRef{MessageID: req.ReplyTo},
		Completion: req.Completion,
	}
	if req.Text != "" {
		ev.Segments = []message.Segment{message.Text(req.Text)}
	}
	if err := h.hooks.OnOutgoingMessage(c.Request().Context(), ev); err != nil {
		return sessionError(err)
	}
	segments := ev.Segments
	if segments == nil || ev.Suppressed {
		segments = []message.Segment{}
	}
	return c.JSON(http.StatusOK, SendMessageResponse{
		Delivered:  ev.Delivered,
		Suppressed: ev.Suppressed,
		Stickers:   ev.Stickers,
		Segments:   segments,
	})
}

// PreparePrompt godoc
// @Summary Inject the sticker list into a system prompt
// @Tags sessions
// @Param id path string true "Session ID"
// @Param payload body PromptRequest true "Prompt"
// @Success 200 {object} PromptResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/sessions/{id}/prompt [post]
func (h *SessionsHandler) PreparePrompt(c echo.Context) error {
	if h.hooks == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "delivery is not configured")
	}
	var req PromptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	prompt := &pipeline.PromptRequest{
		SessionID:    c.Param("id"),
		SystemPrompt: req.SystemPrompt,
		Streaming:    req.Streaming,
	}
	if err := h.hooks.OnOutgoingPrompt(c.Request().Context(), prompt); err != nil {
		return sessionError(err)
	}
	return c.JSON(http.StatusOK, PromptResponse{
		SystemPrompt: prompt.SystemPrompt,
		Streaming:    prompt.Streaming,
		Injected:     prompt.Injected,
	})
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, channel.ErrUnknownSession):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, reconstruct.ErrDelivery), errors.Is(err, channel.ErrSessionClosed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
