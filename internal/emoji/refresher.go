package emoji

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Refresher re-fetches the remote table on a cron schedule.
type Refresher struct {
	cron   *cron.Cron
	conv   *Converter
	spec   string
	logger *slog.Logger
}

// NewRefresher schedules conv.Refresh at spec, e.g. "@daily" or "0 4 * * *".
func NewRefresher(log *slog.Logger, conv *Converter, spec string) (*Refresher, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Refresher{
		cron:   cron.New(),
		conv:   conv,
		spec:   spec,
		logger: log.With(slog.String("component", "emoji_refresher")),
	}
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return nil, fmt.Errorf("schedule emoji refresh %q: %w", spec, err)
	}
	return r, nil
}

func (r *Refresher) run() {
	count := r.conv.Refresh(context.Background())
	r.logger.Debug("scheduled emoji refresh done", slog.Int("count", count))
}

// Start begins scheduling in the background.
func (r *Refresher) Start() {
	r.cron.Start()
	r.logger.Info("emoji refresh scheduled", slog.String("spec", r.spec))
}

// Stop halts scheduling and waits for a running refresh, or for ctx.
func (r *Refresher) Stop(ctx context.Context) error {
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
