package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/sticker/internal/syncer"
)

// CatalogSyncer runs a full catalog sync. *syncer.Scheduler satisfies it.
type CatalogSyncer interface {
	SyncAll(ctx context.Context) ([]syncer.Report, error)
}

type SyncHandler struct {
	syncer CatalogSyncer
	logger *slog.Logger
}

func NewSyncHandler(log *slog.Logger, s CatalogSyncer) *SyncHandler {
	if log == nil {
		log = slog.Default()
	}
	return &SyncHandler{syncer: s, logger: log.With(slog.String("handler", "sync"))}
}

func (h *SyncHandler) Register(e *echo.Echo) {
	e.POST("/api/sync", h.Sync)
}

type SyncResponse struct {
	Reports []syncer.Report `json:"reports"`
	Error   string          `json:"error,omitempty"`
}

// Sync godoc
// @Summary Sync emote packs from every connected session
// @Tags sync
// @Success 200 {object} SyncResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/sync [post]
func (h *SyncHandler) Sync(c echo.Context) error {
	if h.syncer == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sync is not enabled")
	}
	reports, err := h.syncer.SyncAll(c.Request().Context())
	resp := SyncResponse{Reports: reports}
	if resp.Reports == nil {
		resp.Reports = []syncer.Report{}
	}
	if err != nil {
		h.logger.Warn("sync finished with errors", slog.Any("error", err))
		resp.Error = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
