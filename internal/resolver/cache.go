package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/memohai/sticker/internal/catalog"
)

const (
	DefaultStaleness = 3 * time.Second
	DefaultListLimit = 10000
)

// snapshot is an immutable key index plus an overlay of fallback hits.
type snapshot struct {
	index   map[string]string
	healed  sync.Map
	gen     uint64
	builtAt time.Time
}

// Cache maps normalized sticker names to entry ids. Readers never block on
// each other: the index is swapped atomically and rebuilds are collapsed.
type Cache struct {
	reader    catalog.Reader
	staleness time.Duration
	listLimit int
	now       func() time.Time
	logger    *slog.Logger

	snap  atomic.Pointer[snapshot]
	gen   atomic.Uint64
	mu    sync.Mutex
	group singleflight.Group
}

// NewCache builds an empty cache over reader. A staleness <= 0 disables
// time based rebuilds.
func NewCache(log *slog.Logger, reader catalog.Reader, staleness time.Duration, listLimit int) *Cache {
	if log == nil {
		log = slog.Default()
	}
	if listLimit <= 0 {
		listLimit = DefaultListLimit
	}
	return &Cache{
		reader:    reader,
		staleness: staleness,
		listLimit: listLimit,
		now:       time.Now,
		logger:    log.With(slog.String("component", "lookup_cache")),
	}
}

// Lookup returns the entry id indexed under key.
func (c *Cache) Lookup(ctx context.Context, key string) (string, bool, error) {
	key = catalog.NormalizeKey(key)
	if key == "" {
		return "", false, nil
	}
	snap, err := c.current(ctx)
	if err != nil {
		return "", false, err
	}
	if v, ok := snap.healed.Load(key); ok {
		return v.(string), true, nil
	}
	id, ok := snap.index[key]
	return id, ok, nil
}

// Put records a fallback hit in the live snapshot. It is lost on the next
// rebuild.
func (c *Cache) Put(key, id string) {
	key = catalog.NormalizeKey(key)
	if key == "" || id == "" {
		return
	}
	if snap := c.snap.Load(); snap != nil {
		snap.healed.Store(key, id)
	}
}

// Invalidate drops the index. The next Lookup rebuilds it, and a rebuild
// already in flight is not published.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.gen.Add(1)
	c.snap.Store(nil)
	c.mu.Unlock()
}

// Len returns the number of indexed keys, excluding fallback hits.
func (c *Cache) Len() int {
	if snap := c.snap.Load(); snap != nil {
		return len(snap.index)
	}
	return 0
}

func (c *Cache) current(ctx context.Context) (*snapshot, error) {
	gen := c.gen.Load()
	if snap := c.snap.Load(); snap != nil && snap.gen == gen && !c.stale(snap) {
		return snap, nil
	}
	v, err, _ := c.group.Do(strconv.FormatUint(gen, 10), func() (any, error) {
		return c.rebuild(context.WithoutCancel(ctx), gen)
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

func (c *Cache) stale(snap *snapshot) bool {
	return c.staleness > 0 && c.now().Sub(snap.builtAt) >= c.staleness
}

func (c *Cache) rebuild(ctx context.Context, gen uint64) (*snapshot, error) {
	if c.reader == nil {
		return nil, catalog.ErrNotReady
	}
	entries, err := c.reader.ListEntries(ctx, catalog.ListFilter{Limit: c.listLimit})
	if err != nil {
		return nil, fmt.Errorf("rebuild lookup cache: %w", err)
	}
	snap := &snapshot{
		index:   buildIndex(entries),
		gen:     gen,
		builtAt: c.now(),
	}
	c.mu.Lock()
	if c.gen.Load() == gen {
		c.snap.Store(snap)
	}
	c.mu.Unlock()
	c.logger.Debug("lookup cache rebuilt", slog.Int("entries", len(entries)), slog.Int("keys", len(snap.index)))
	return snap, nil
}

// buildIndex maps every token, then every alias. The first writer of a key
// wins, so a token always shadows another entry's alias.
func buildIndex(entries []catalog.Entry) map[string]string {
	index := make(map[string]string, len(entries)*2)
	add := func(name, id string) {
		key := catalog.NormalizeKey(name)
		if key == "" {
			return
		}
		if _, exists := index[key]; !exists {
			index[key] = id
		}
	}
	for _, e := range entries {
		add(e.Token, e.ID)
	}
	for _, e := range entries {
		for _, alias := range e.Aliases {
			add(alias, e.ID)
		}
	}
	return index
}
