package catalog

import (
	"context"
	"sync"
)

// Reader is the read side consumed by the resolver and prompt injection.
type Reader interface {
	ListEntries(ctx context.Context, filter ListFilter) ([]Entry, error)
	GetEntry(ctx context.Context, id string) (Entry, error)
	FindEntries(ctx context.Context, query string, limit int) ([]Entry, error)
}

// UsageRecorder bumps usage statistics after a successful send.
type UsageRecorder interface {
	TouchUsage(ctx context.Context, id string) error
}

// Writer mutates the catalog.
type Writer interface {
	Save(ctx context.Context, input SaveInput) (Entry, error)
	// Upsert saves input unless an entry with the same MediaRef and token
	// exists, in which case its pack, mime and source room are refreshed.
	// changed reports whether anything was written.
	Upsert(ctx context.Context, input SaveInput) (entry Entry, changed bool, err error)
	Delete(ctx context.Context, id string) error
	AddAlias(ctx context.Context, id, alias string) (Entry, error)
	RemoveAlias(ctx context.Context, id, alias string) (Entry, error)
}

// Store is the full catalog contract.
type Store interface {
	Reader
	UsageRecorder
	Writer
	ResolveID(ctx context.Context, idOrPrefix string) (Entry, error)
	ListPacks(ctx context.Context) ([]PackSummary, error)
	Stats(ctx context.Context, top int) (Stats, error)
}

// ChangeKind labels a catalog mutation.
type ChangeKind string

const (
	ChangeSaved    ChangeKind = "saved"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeAliased  ChangeKind = "aliased"
	ChangeExternal ChangeKind = "external"
)

// ChangeEvent is delivered to Notifier subscribers after a mutation commits.
type ChangeEvent struct {
	Kind    ChangeKind
	EntryID string
}

// Notifier wraps a Store and reports every successful mutation to its
// subscribers. Usage bumps are not mutations for this purpose.
type Notifier struct {
	Store

	mu        sync.RWMutex
	listeners []func(ChangeEvent)
}

// NewNotifier wraps store.
func NewNotifier(store Store) *Notifier {
	return &Notifier{Store: store}
}

// Subscribe registers fn for future change events.
func (n *Notifier) Subscribe(fn func(ChangeEvent)) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	n.listeners = append(n.listeners, fn)
	n.mu.Unlock()
}

// Notify fans an event out to all subscribers.
func (n *Notifier) Notify(ev ChangeEvent) {
	n.mu.RLock()
	listeners := append([]func(ChangeEvent){}, n.listeners...)
	n.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (n *Notifier) Save(ctx context.Context, input SaveInput) (Entry, error) {
	if n.Store == nil {
		return Entry{}, ErrNotReady
	}
	entry, err := n.Store.Save(ctx, input)
	if err != nil {
		return Entry{}, err
	}
	n.Notify(ChangeEvent{Kind: ChangeSaved, EntryID: entry.ID})
	return entry, nil
}

func (n *Notifier) Upsert(ctx context.Context, input SaveInput) (Entry, bool, error) {
	if n.Store == nil {
		return Entry{}, false, ErrNotReady
	}
	entry, changed, err := n.Store.Upsert(ctx, input)
	if err != nil {
		return Entry{}, false, err
	}
	if changed {
		n.Notify(ChangeEvent{Kind: ChangeSaved, EntryID: entry.ID})
	}
	return entry, changed, nil
}

func (n *Notifier) Delete(ctx context.Context, id string) error {
	if n.Store == nil {
		return ErrNotReady
	}
	if err := n.Store.Delete(ctx, id); err != nil {
		return err
	}
	n.Notify(ChangeEvent{Kind: ChangeDeleted, EntryID: id})
	return nil
}

func (n *Notifier) AddAlias(ctx context.Context, id, alias string) (Entry, error) {
	if n.Store == nil {
		return Entry{}, ErrNotReady
	}
	entry, err := n.Store.AddAlias(ctx, id, alias)
	if err != nil {
		return Entry{}, err
	}
	n.Notify(ChangeEvent{Kind: ChangeAliased, EntryID: entry.ID})
	return entry, nil
}

func (n *Notifier) RemoveAlias(ctx context.Context, id, alias string) (Entry, error) {
	if n.Store == nil {
		return Entry{}, ErrNotReady
	}
	entry, err := n.Store.RemoveAlias(ctx, id, alias)
	if err != nil {
		return Entry{}, err
	}
	n.Notify(ChangeEvent{Kind: ChangeAliased, EntryID: entry.ID})
	return entry, nil
}
