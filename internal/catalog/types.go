// Package catalog holds saved stickers: the entry model, the store
// contracts the resolver and scheduler consume, and a sqlite-backed store.
package catalog

import (
	"errors"
	"io"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrNotReady is returned when no catalog store is initialized.
	ErrNotReady = errors.New("sticker catalog not ready")
	// ErrEntryNotFound indicates the requested entry does not exist.
	ErrEntryNotFound = errors.New("sticker not found")
	// ErrAmbiguousID indicates an id prefix matches more than one entry.
	ErrAmbiguousID = errors.New("sticker id prefix is ambiguous")
	// ErrInvalidName indicates an empty or malformed token or alias.
	ErrInvalidName = errors.New("invalid sticker name")
)

// Entry is one saved sticker.
type Entry struct {
	ID         string    `json:"id"`
	Token      string    `json:"token"`
	Aliases    []string  `json:"aliases,omitempty"`
	Pack       string    `json:"pack,omitempty"`
	MediaRef   string    `json:"media_ref,omitempty"`
	StorageKey string    `json:"storage_key,omitempty"`
	Mime       string    `json:"mime,omitempty"`
	SourceRoom string    `json:"source_room,omitempty"`
	UsageCount int64     `json:"usage_count"`
	LastUsedAt time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Names returns the token followed by every alias, trimmed, skipping blanks.
func (e Entry) Names() []string {
	names := make([]string, 0, 1+len(e.Aliases))
	if token := strings.TrimSpace(e.Token); token != "" {
		names = append(names, token)
	}
	for _, alias := range e.Aliases {
		if alias = strings.TrimSpace(alias); alias != "" {
			names = append(names, alias)
		}
	}
	return names
}

// HasMedia reports whether the entry points at any retrievable media.
func (e Entry) HasMedia() bool {
	return strings.TrimSpace(e.StorageKey) != "" || strings.TrimSpace(e.MediaRef) != ""
}

// NormalizeKey is the lookup form of a token or alias.
func NormalizeKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

var shortcodePattern = regexp.MustCompile(`^[A-Za-z0-9_+\-.]+$`)

// ValidName reports whether name can be written as an inline :token:.
func ValidName(name string) bool {
	return shortcodePattern.MatchString(strings.TrimSpace(name))
}

// ListFilter narrows ListEntries.
type ListFilter struct {
	Pack  string
	Limit int
}

// SaveInput describes a new or updated sticker. When Reader is set the bytes
// are stored locally and StorageKey is filled by the store.
type SaveInput struct {
	Token      string
	Aliases    []string
	Pack       string
	MediaRef   string
	Mime       string
	SourceRoom string
	Reader     io.Reader
}

// PackSummary counts entries per pack.
type PackSummary struct {
	Pack  string `json:"pack"`
	Count int    `json:"count"`
}

// Stats is an aggregate view of the catalog.
type Stats struct {
	Total   int     `json:"total"`
	Packs   int     `json:"packs"`
	TopUsed []Entry `json:"top_used"`
}
