// Package emoji converts :name: shortcodes into Unicode emoji using a table
// that is loaded from a cache file, refreshed from remote sources, or taken
// from a small built-in fallback.
package emoji

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/memohai/sticker/internal/shortcode"
)

// Options configures a Converter.
type Options struct {
	Enabled     bool
	Strict      bool
	CachePath   string
	URLs        []string
	FetchRemote bool
	Timeout     time.Duration
}

// Converter replaces known emoji shortcodes. It never unescapes \: so the
// caller can run its own passes first.
type Converter struct {
	opts   Options
	client *http.Client
	table  atomic.Pointer[map[string]string]
	logger *slog.Logger
}

// NewConverter builds a converter. The table is loaded lazily on first use
// unless Warmup is called.
func NewConverter(log *slog.Logger, opts Options, client *http.Client) *Converter {
	if log == nil {
		log = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = ClampTimeout(0)
	}
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	return &Converter{
		opts:   opts,
		client: client,
		logger: log.With(slog.String("component", "emoji")),
	}
}

// Enabled reports whether conversion is switched on.
func (c *Converter) Enabled() bool {
	return c != nil && c.opts.Enabled
}

// Len returns the size of the loaded table.
func (c *Converter) Len() int {
	if t := c.table.Load(); t != nil {
		return len(*t)
	}
	return 0
}

// Warmup loads the table. With remote fetching enabled, or when force is
// set, remote sources are merged over the fallback table and written to the
// cache file. Otherwise the cache file is used, then the fallback table.
func (c *Converter) Warmup(ctx context.Context, force bool) int {
	if !c.opts.Enabled && !force {
		empty := map[string]string{}
		c.table.Store(&empty)
		return 0
	}

	if c.opts.FetchRemote || force {
		urls := ResolveURLs(c.opts.URLs, os.LookupEnv)
		remote, err := FetchAll(ctx, c.client, urls)
		if err != nil {
			c.logger.Warn("emoji source fetch failed", slog.Any("error", err))
		}
		if len(remote) > 0 {
			merged := Fallback()
			for k, v := range remote {
				merged[k] = v
			}
			c.table.Store(&merged)
			if c.opts.CachePath != "" {
				if err := SaveCache(c.opts.CachePath, merged); err != nil {
					c.logger.Warn("emoji cache write failed", slog.String("path", c.opts.CachePath), slog.Any("error", err))
				}
			}
			c.logger.Info("emoji table refreshed", slog.Int("count", len(merged)), slog.Int("sources", len(urls)))
			return len(merged)
		}
	}

	if c.opts.CachePath != "" {
		cached, err := LoadCache(c.opts.CachePath)
		if err != nil {
			c.logger.Warn("emoji cache read failed", slog.String("path", c.opts.CachePath), slog.Any("error", err))
		}
		if len(cached) > 0 {
			c.table.Store(&cached)
			return len(cached)
		}
	}
	fallback := Fallback()
	c.table.Store(&fallback)
	return len(fallback)
}

// Refresh forces a remote fetch.
func (c *Converter) Refresh(ctx context.Context) int {
	return c.Warmup(ctx, true)
}

// Lookup returns the emoji for name.
func (c *Converter) Lookup(name string) (string, bool) {
	table := c.loaded()
	v, ok := table[normalizeName(name)]
	return v, ok
}

// Convert replaces every known shortcode in text. Unknown shortcodes and
// escaped ones are left untouched.
func (c *Converter) Convert(text string) string {
	if !c.Enabled() || !strings.Contains(text, ":") {
		return text
	}
	table := c.loaded()
	if len(table) == 0 {
		return text
	}
	return shortcode.Replace(text, shortcode.Find(text, c.opts.Strict), func(m shortcode.Match) (string, bool) {
		v, ok := table[m.Key]
		return v, ok
	})
}

func (c *Converter) loaded() map[string]string {
	if t := c.table.Load(); t != nil {
		return *t
	}
	c.Warmup(context.Background(), false)
	return *c.table.Load()
}
