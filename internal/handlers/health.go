package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/sticker/internal/healthcheck"
)

type HealthHandler struct {
	checkers []healthcheck.Checker
	logger   *slog.Logger
}

func NewHealthHandler(log *slog.Logger, checkers ...healthcheck.Checker) *HealthHandler {
	if log == nil {
		log = slog.Default()
	}
	return &HealthHandler{checkers: checkers, logger: log.With(slog.String("handler", "health"))}
}

func (h *HealthHandler) Register(e *echo.Echo) {
	e.GET("/api/health", h.Report)
}

// Report godoc
// @Summary Report catalog and session health
// @Tags health
// @Success 200 {object} healthcheck.Report
// @Failure 503 {object} healthcheck.Report
// @Router /api/health [get]
func (h *HealthHandler) Report(c echo.Context) error {
	report := healthcheck.Collect(c.Request().Context(), h.checkers...)
	if report.Status == healthcheck.StatusError {
		h.logger.Warn("health check failed", slog.Int("checks", len(report.Checks)))
		return c.JSON(http.StatusServiceUnavailable, report)
	}
	return c.JSON(http.StatusOK, report)
}
