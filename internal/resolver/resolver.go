// Package resolver turns shortcode names into catalog entries through a
// lookup cache with a fuzzy catalog fallback.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/memohai/sticker/internal/catalog"
)

const DefaultFuzzyLimit = 20

// Options tunes resolution.
type Options struct {
	// Strict disables the substring fallback.
	Strict     bool
	FuzzyLimit int
	Staleness  time.Duration
	ListLimit  int
}

// Resolver owns the lookup cache for one catalog.
type Resolver struct {
	store  catalog.Reader
	cache  *Cache
	opts   Options
	logger *slog.Logger
}

// New returns a resolver over store. A nil store makes every call fail
// with catalog.ErrNotReady.
func New(log *slog.Logger, store catalog.Reader, opts Options) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	if opts.FuzzyLimit <= 0 {
		opts.FuzzyLimit = DefaultFuzzyLimit
	}
	return &Resolver{
		store:  store,
		cache:  NewCache(log, store, opts.Staleness, opts.ListLimit),
		opts:   opts,
		logger: log.With(slog.String("service", "resolver")),
	}
}

// Cache exposes the lookup cache.
func (r *Resolver) Cache() *Cache {
	return r.cache
}

// Invalidate forces a cache rebuild on next use.
func (r *Resolver) Invalidate() {
	r.cache.Invalidate()
}

// OnCatalogChange adapts Invalidate to catalog.Notifier subscriptions.
func (r *Resolver) OnCatalogChange(ev catalog.ChangeEvent) {
	r.logger.Debug("catalog changed, invalidating", slog.String("kind", string(ev.Kind)), slog.String("id", ev.EntryID))
	r.cache.Invalidate()
}

// Key normalizes raw, which may still carry its colons.
func Key(raw string) string {
	return catalog.NormalizeKey(strings.Trim(strings.TrimSpace(raw), ":"))
}

// Resolve finds the entry named raw. A miss returns ok == false and no error.
func (r *Resolver) Resolve(ctx context.Context, raw string) (catalog.Entry, bool, error) {
	if r.store == nil {
		return catalog.Entry{}, false, catalog.ErrNotReady
	}
	key := Key(raw)
	if key == "" {
		return catalog.Entry{}, false, nil
	}

	id, ok, err := r.cache.Lookup(ctx, key)
	if err != nil {
		return catalog.Entry{}, false, err
	}
	if ok {
		entry, err := r.store.GetEntry(ctx, id)
		if err == nil {
			return entry, true, nil
		}
		if !errors.Is(err, catalog.ErrEntryNotFound) {
			return catalog.Entry{}, false, fmt.Errorf("get entry: %w", err)
		}
		// The fallback hit below shadows the dead id until the next rebuild.
		r.logger.Debug("cached id is gone", slog.String("key", key), slog.String("id", id))
	}

	entry, ok, err := r.fallback(ctx, key)
	if err != nil || !ok {
		return catalog.Entry{}, false, err
	}
	r.cache.Put(key, entry.ID)
	return entry, true, nil
}

// ResolveAll resolves each distinct key once. The result holds hits only,
// keyed by normalized name. Per-key failures are logged and count as misses.
func (r *Resolver) ResolveAll(ctx context.Context, raws []string) (map[string]catalog.Entry, error) {
	if r.store == nil {
		return nil, catalog.ErrNotReady
	}
	out := make(map[string]catalog.Entry, len(raws))
	seen := make(map[string]struct{}, len(raws))
	for _, raw := range raws {
		key := Key(raw)
		if key == "" {
			continue
		}
		if _, done := seen[key]; done {
			continue
		}
		seen[key] = struct{}{}
		entry, ok, err := r.Resolve(ctx, key)
		if err != nil {
			if errors.Is(err, catalog.ErrNotReady) {
				return nil, err
			}
			r.logger.Warn("resolve failed", slog.String("key", key), slog.Any("error", err))
			continue
		}
		if ok {
			out[key] = entry
		}
	}
	return out, nil
}

func (r *Resolver) fallback(ctx context.Context, key string) (catalog.Entry, bool, error) {
	candidates, err := r.store.FindEntries(ctx, key, r.opts.FuzzyLimit)
	if err != nil {
		return catalog.Entry{}, false, fmt.Errorf("find entries: %w", err)
	}
	if len(candidates) == 0 {
		return catalog.Entry{}, false, nil
	}
	for _, e := range candidates {
		if catalog.NormalizeKey(e.Token) == key {
			return e, true, nil
		}
	}
	for _, e := range candidates {
		for _, alias := range e.Aliases {
			if catalog.NormalizeKey(alias) == key {
				return e, true, nil
			}
		}
	}
	if r.opts.Strict {
		return catalog.Entry{}, false, nil
	}
	return bestSubstring(key, candidates)
}

// bestSubstring picks the candidate with a name containing key at the
// smallest fuzzy distance. Ties keep catalog order.
func bestSubstring(key string, candidates []catalog.Entry) (catalog.Entry, bool, error) {
	var names []string
	var owners []int
	for i, e := range candidates {
		for _, name := range e.Names() {
			if strings.Contains(catalog.NormalizeKey(name), key) {
				names = append(names, name)
				owners = append(owners, i)
			}
		}
	}
	best, bestDist := -1, 0
	for _, rank := range fuzzy.RankFindFold(key, names) {
		owner := owners[rank.OriginalIndex]
		if best < 0 || rank.Distance < bestDist || (rank.Distance == bestDist && owner < best) {
			best, bestDist = owner, rank.Distance
		}
	}
	if best < 0 {
		return catalog.Entry{}, false, nil
	}
	return candidates[best], true, nil
}
