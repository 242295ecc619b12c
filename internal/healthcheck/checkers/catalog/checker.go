package catalogchecker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/healthcheck"
)

const (
	checkTypeCatalog    = "catalog.store"
	defaultCheckTimeout = 3 * time.Second
)

// StatsReader reads catalog totals. catalog.Store satisfies it.
type StatsReader interface {
	Stats(ctx context.Context, top int) (catalog.Stats, error)
}

// Checker verifies the sticker catalog answers queries.
type Checker struct {
	logger  *slog.Logger
	store   StatsReader
	timeout time.Duration
}

// NewChecker creates a catalog health checker.
func NewChecker(log *slog.Logger, store StatsReader) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:  log.With(slog.String("checker", "healthcheck_catalog")),
		store:   store,
		timeout: defaultCheckTimeout,
	}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if ctx == nil {
		ctx = context.Background()
	}
	item := healthcheck.CheckResult{
		ID:   checkTypeCatalog,
		Type: checkTypeCatalog,
	}
	if c.store == nil {
		item.Status = healthcheck.StatusError
		item.Summary = "Sticker catalog is not open."
		item.Detail = catalog.ErrNotReady.Error()
		return []healthcheck.CheckResult{item}
	}

	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	started := time.Now()
	stats, err := c.store.Stats(checkCtx, 0)
	if err != nil {
		c.logger.Warn("catalog check failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Sticker catalog query failed."
		item.Detail = err.Error()
		return []healthcheck.CheckResult{item}
	}

	item.Status = healthcheck.StatusOK
	item.Summary = fmt.Sprintf("%d stickers in %d packs.", stats.Total, stats.Packs)
	if stats.Total == 0 {
		item.Status = healthcheck.StatusWarn
		item.Summary = "Sticker catalog is empty."
	}
	item.Metadata = map[string]any{
		"total":      stats.Total,
		"packs":      stats.Packs,
		"latency_ms": time.Since(started).Milliseconds(),
	}
	return []healthcheck.CheckResult{item}
}
