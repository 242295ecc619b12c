package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/sticker/internal/command"
)

// CommandRunner executes one chat command line. *command.Handler satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, line string, inv command.Invocation) (string, error)
}

// SessionBinder returns an Invocation whose sender posts into target through
// session, or false when the session is unknown.
type SessionBinder func(sessionID, target string) (command.Invocation, bool)

// CommandHandler exposes the chat commands over HTTP so they can be run
// outside of a chat, or on behalf of one.
type CommandHandler struct {
	runner CommandRunner
	bind   SessionBinder
	logger *slog.Logger
}

func NewCommandHandler(log *slog.Logger, runner CommandRunner, bind SessionBinder) *CommandHandler {
	if log == nil {
		log = slog.Default()
	}
	return &CommandHandler{runner: runner, bind: bind, logger: log.With(slog.String("handler", "command"))}
}

func (h *CommandHandler) Register(e *echo.Echo) {
	e.POST("/api/commands", h.RunCommand)
}

type CommandRequest struct {
	Line    string `json:"line"`
	Session string `json:"session,omitempty"`
	Target  string `json:"target,omitempty"`
}

type CommandResponse struct {
	Output string `json:"output"`
}

// RunCommand godoc
// @Summary Run a sticker or sticker_alias command
// @Tags commands
// @Param payload body CommandRequest true "Command line, optionally bound to a chat"
// @Success 200 {object} CommandResponse
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/commands [post]
func (h *CommandHandler) RunCommand(c echo.Context) error {
	if h.runner == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "commands are not configured")
	}
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if !command.IsCommand(req.Line) {
		return echo.NewHTTPError(http.StatusBadRequest, "not a sticker command")
	}
	var inv command.Invocation
	if session := strings.TrimSpace(req.Session); session != "" {
		bound, ok := h.bindSession(session, strings.TrimSpace(req.Target))
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "unknown session: "+session)
		}
		inv = bound
	}
	out, err := h.runner.Run(c.Request().Context(), req.Line, inv)
	if err != nil {
		h.logger.Debug("command failed", slog.String("line", req.Line), slog.Any("error", err))
		return catalogOrBadRequest(err)
	}
	return c.JSON(http.StatusOK, CommandResponse{Output: out})
}

func (h *CommandHandler) bindSession(session, target string) (command.Invocation, bool) {
	if h.bind == nil {
		return command.Invocation{}, false
	}
	return h.bind(session, target)
}

func catalogOrBadRequest(err error) error {
	he, ok := catalogError(err).(*echo.HTTPError)
	if ok && he.Code == http.StatusInternalServerError {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return he
}
