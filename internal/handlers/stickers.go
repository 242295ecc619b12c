package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/sticker/internal/catalog"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Message string `json:"message"`
}

type StickersHandler struct {
	store  catalog.Store
	logger *slog.Logger
}

func NewStickersHandler(log *slog.Logger, store catalog.Store) *StickersHandler {
	if log == nil {
		log = slog.Default()
	}
	return &StickersHandler{store: store, logger: log.With(slog.String("handler", "stickers"))}
}

func (h *StickersHandler) Register(e *echo.Echo) {
	group := e.Group("/api/stickers")
	group.GET("", h.ListStickers)
	group.GET("/packs", h.ListPacks)
}

type ListStickersResponse struct {
	Items []catalog.Entry `json:"items"`
}

type ListPacksResponse struct {
	Items []catalog.PackSummary `json:"items"`
}

// ListStickers godoc
// @Summary List saved stickers
// @Tags stickers
// @Param pack query string false "Pack name"
// @Param limit query int false "Max items (default 100, max 1000)"
// @Success 200 {object} ListStickersResponse
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/stickers [get]
func (h *StickersHandler) ListStickers(c echo.Context) error {
	if h.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, catalog.ErrNotReady.Error())
	}
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	items, err := h.store.ListEntries(c.Request().Context(), catalog.ListFilter{
		Pack:  strings.TrimSpace(c.QueryParam("pack")),
		Limit: limit,
	})
	if err != nil {
		return catalogError(err)
	}
	if items == nil {
		items = []catalog.Entry{}
	}
	return c.JSON(http.StatusOK, ListStickersResponse{Items: items})
}

// ListPacks godoc
// @Summary List sticker packs with entry counts
// @Tags stickers
// @Success 200 {object} ListPacksResponse
// @Failure 503 {object} ErrorResponse
// @Router /api/stickers/packs [get]
func (h *StickersHandler) ListPacks(c echo.Context) error {
	if h.store == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, catalog.ErrNotReady.Error())
	}
	packs, err := h.store.ListPacks(c.Request().Context())
	if err != nil {
		return catalogError(err)
	}
	if packs == nil {
		packs = []catalog.PackSummary{}
	}
	return c.JSON(http.StatusOK, ListPacksResponse{Items: packs})
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, errors.New("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}

func catalogError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrNotReady):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, catalog.ErrEntryNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
