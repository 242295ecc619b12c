package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watcher reports edits made to the catalog database by other processes,
// such as a second bot instance sharing the file. Bursts of writes collapse
// into one ChangeExternal event.
type Watcher struct {
	dir      string
	base     string
	debounce time.Duration
	notify   func(ChangeEvent)
	logger   *slog.Logger
}

// NewWatcher watches dbPath and its -wal/-shm companions.
func NewWatcher(log *slog.Logger, dbPath string, notify func(ChangeEvent)) *Watcher {
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{
		dir:      filepath.Dir(dbPath),
		base:     filepath.Base(dbPath),
		debounce: defaultWatchDebounce,
		notify:   notify,
		logger:   log.With(slog.String("component", "catalog_watcher")),
	}
}

// SetDebounce overrides the quiet period before an event is emitted.
func (w *Watcher) SetDebounce(d time.Duration) {
	if d > 0 {
		w.debounce = d
	}
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch catalog dir: %w", err)
	}
	w.logger.Info("watching catalog", slog.String("dir", w.dir), slog.String("file", w.base))

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			timer.Reset(w.debounce)

		case <-timer.C:
			if w.notify != nil {
				w.notify(ChangeEvent{Kind: ChangeExternal})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	return strings.HasPrefix(filepath.Base(event.Name), w.base)
}
