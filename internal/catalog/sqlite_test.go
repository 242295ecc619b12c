package catalog

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/sticker/internal/media/providers/localfs"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	provider, err := localfs.New(filepath.Join(dir, "media"))
	require.NoError(t, err)
	store, err := NewSQLiteStore(nil, filepath.Join(dir, "stickers.db"), provider)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func mustSave(t *testing.T, store Store, input SaveInput) Entry {
	t.Helper()
	if input.MediaRef == "" && input.Reader == nil {
		input.MediaRef = "mxc://example.org/" + input.Token
	}
	entry, err := store.Save(context.Background(), input)
	require.NoError(t, err)
	return entry
}

func TestSaveAndGet(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	saved := mustSave(t, store, SaveInput{Token: "wave", Aliases: []string{"hi", "HI", "wave", ""}, Pack: "greetings"})
	assert.Equal(t, []string{"hi"}, saved.Aliases)

	got, err := store.GetEntry(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "wave", got.Token)
	assert.Equal(t, "greetings", got.Pack)
	assert.Equal(t, []string{"hi"}, got.Aliases)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = store.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestSaveRejectsInvalidNames(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.Save(context.Background(), SaveInput{Token: "has space", MediaRef: "mxc://x/y"})
	assert.ErrorIs(t, err, ErrInvalidName)
	_, err = store.Save(context.Background(), SaveInput{Token: "ok", Aliases: []string{"bad:alias"}, MediaRef: "mxc://x/y"})
	assert.ErrorIs(t, err, ErrInvalidName)
}

func TestSaveStoresBytes(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 32)...)

	entry := mustSave(t, store, SaveInput{Token: "local", Reader: bytes.NewReader(png)})
	assert.Equal(t, "image/png", entry.Mime)
	require.NotEmpty(t, entry.StorageKey)

	rc, err := store.provider.Open(context.Background(), entry.StorageKey)
	require.NoError(t, err)
	rc.Close()

	require.NoError(t, store.Delete(context.Background(), entry.ID))
	_, err = store.provider.Open(context.Background(), entry.StorageKey)
	assert.Error(t, err)
}

func TestListEntriesKeepsInsertionOrder(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	for _, token := range []string{"c", "a", "b"} {
		mustSave(t, store, SaveInput{Token: token, Pack: "p"})
	}
	mustSave(t, store, SaveInput{Token: "other", Pack: "q"})

	all, err := store.ListEntries(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "c", all[0].Token)
	assert.Equal(t, "other", all[3].Token)

	limited, err := store.ListEntries(ctx, ListFilter{Pack: "p", Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "a", limited[1].Token)
}

func TestFindEntriesOrdering(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	mustSave(t, store, SaveInput{Token: "catnap"})
	aliased := mustSave(t, store, SaveInput{Token: "kitty", Aliases: []string{"cat"}})
	exact := mustSave(t, store, SaveInput{Token: "Cat"})

	found, err := store.FindEntries(ctx, "CAT", 10)
	require.NoError(t, err)
	require.Len(t, found, 3)
	assert.Equal(t, exact.ID, found[0].ID)
	assert.Equal(t, aliased.ID, found[1].ID)

	none, err := store.FindEntries(ctx, "100%", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestUpsertDeduplicatesOnMediaRef(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	input := SaveInput{Token: "blob", Pack: "room", MediaRef: "mxc://example.org/blob", Mime: "image/png"}
	first, changed, err := store.Upsert(ctx, input)
	require.NoError(t, err)
	assert.True(t, changed)

	again, changed, err := store.Upsert(ctx, input)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, first.ID, again.ID)

	input.Pack = "renamed"
	moved, changed, err := store.Upsert(ctx, input)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, first.ID, moved.ID)
	assert.Equal(t, "renamed", moved.Pack)

	all, err := store.ListEntries(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestAliases(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	entry := mustSave(t, store, SaveInput{Token: "thumbs"})

	updated, err := store.AddAlias(ctx, entry.ID, "ok")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, updated.Aliases)

	same, err := store.AddAlias(ctx, entry.ID, "THUMBS")
	require.NoError(t, err)
	assert.Equal(t, []string{"ok"}, same.Aliases)

	_, err = store.AddAlias(ctx, entry.ID, "not valid")
	assert.ErrorIs(t, err, ErrInvalidName)

	removed, err := store.RemoveAlias(ctx, entry.ID, "OK")
	require.NoError(t, err)
	assert.Empty(t, removed.Aliases)

	_, err = store.RemoveAlias(ctx, entry.ID, "ok")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestResolveIDPrefix(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	entry := mustSave(t, store, SaveInput{Token: "prefix"})

	got, err := store.ResolveID(ctx, entry.ID[:MinIDPrefix])
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	_, err = store.ResolveID(ctx, entry.ID[:4])
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestTouchUsageAndStats(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	a := mustSave(t, store, SaveInput{Token: "a", Pack: "one"})
	b := mustSave(t, store, SaveInput{Token: "b", Pack: "two"})
	mustSave(t, store, SaveInput{Token: "c", Pack: "two"})

	require.NoError(t, store.TouchUsage(ctx, b.ID))
	require.NoError(t, store.TouchUsage(ctx, b.ID))
	require.NoError(t, store.TouchUsage(ctx, a.ID))
	assert.ErrorIs(t, store.TouchUsage(ctx, "nope"), ErrEntryNotFound)

	stats, err := store.Stats(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Packs)
	require.Len(t, stats.TopUsed, 2)
	assert.Equal(t, b.ID, stats.TopUsed[0].ID)
	assert.EqualValues(t, 2, stats.TopUsed[0].UsageCount)
	assert.False(t, stats.TopUsed[0].LastUsedAt.IsZero())

	packs, err := store.ListPacks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []PackSummary{{Pack: "one", Count: 1}, {Pack: "two", Count: 2}}, packs)
}

func TestDeleteCascadesAliases(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()
	entry := mustSave(t, store, SaveInput{Token: "gone", Aliases: []string{"bye"}})

	require.NoError(t, store.Delete(ctx, entry.ID))
	found, err := store.FindEntries(ctx, "bye", 5)
	require.NoError(t, err)
	assert.Empty(t, found)
	assert.True(t, errors.Is(store.Delete(ctx, entry.ID), ErrEntryNotFound))
}

func TestNotifierReportsMutations(t *testing.T) {
	t.Parallel()
	notifier := NewNotifier(newTestStore(t))
	ctx := context.Background()

	var kinds []ChangeKind
	notifier.Subscribe(func(ev ChangeEvent) { kinds = append(kinds, ev.Kind) })

	entry, err := notifier.Save(ctx, SaveInput{Token: "n", MediaRef: "mxc://x/n"})
	require.NoError(t, err)
	_, changed, err := notifier.Upsert(ctx, SaveInput{Token: "n", MediaRef: "mxc://x/n"})
	require.NoError(t, err)
	assert.False(t, changed)
	_, err = notifier.AddAlias(ctx, entry.ID, "nn")
	require.NoError(t, err)
	require.NoError(t, notifier.TouchUsage(ctx, entry.ID))
	require.NoError(t, notifier.Delete(ctx, entry.ID))

	assert.Equal(t, []ChangeKind{ChangeSaved, ChangeAliased, ChangeDeleted}, kinds)
}

func TestNotifierWithoutStore(t *testing.T) {
	t.Parallel()
	notifier := NewNotifier(nil)
	_, err := notifier.Save(context.Background(), SaveInput{Token: "x"})
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, notifier.Delete(context.Background(), "x"), ErrNotReady)
}
