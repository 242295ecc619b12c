// Package command implements the in-chat sticker commands:
//
//	/sticker list [pack] | packs | send <name> | delete <id> | stats | sync | save <name> [pack] <url>
//	/sticker_alias add <id> <alias> | remove <id> <alias> | list <id>
//
// Ids may be given as a unique prefix of at least 8 characters.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/message"
	"github.com/memohai/sticker/internal/prune"
	"github.com/memohai/sticker/internal/reconstruct"
	"github.com/memohai/sticker/internal/syncer"
)

const (
	listLimit  = 20
	statsTop   = 5
	shortIDLen = catalog.MinIDPrefix
)

// Syncer runs a full catalog sync. *syncer.Scheduler satisfies it.
type Syncer interface {
	SyncAll(ctx context.Context) ([]syncer.Report, error)
}

// Handler executes sticker commands against the catalog. Mutations should
// go through a *catalog.Notifier so the resolver cache is invalidated.
type Handler struct {
	store  catalog.Store
	syncer Syncer
	media  channel.MediaSource
	logger *slog.Logger
}

// New creates a Handler. syncer and media may be nil; the commands that need
// them then report that they are unavailable.
func New(log *slog.Logger, store catalog.Store, sync Syncer, source channel.MediaSource) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		store:  store,
		syncer: sync,
		media:  source,
		logger: log.With(slog.String("service", "sticker_command")),
	}
}

// Invocation is the chat context a command runs in.
type Invocation struct {
	// Sender delivers stickers for "sticker send". Nil outside of chat.
	Sender reconstruct.Sender
	Reply  message.ReplyRef
}

// IsCommand reports whether text starts with one of the handled commands.
func IsCommand(text string) bool {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return false
	}
	name := strings.TrimPrefix(fields[0], "/")
	return name == "sticker" || name == "sticker_alias"
}

// Run executes one command line, e.g. "/sticker list cats", and returns the
// reply text, bounded to fit one chat message.
func (h *Handler) Run(ctx context.Context, line string, inv Invocation) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}
	fields[0] = strings.TrimPrefix(fields[0], "/")

	root := &cobra.Command{Use: "/", SilenceUsage: true, SilenceErrors: true}
	root.CompletionOptions.DisableDefaultCmd = true
	root.AddCommand(h.Commands(inv)...)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(fields)
	err := root.ExecuteContext(ctx)
	return prune.Head(strings.TrimSpace(out.String()), prune.Config{}), err
}

// Commands builds the sticker and sticker_alias command trees. A fresh tree
// is built per invocation since cobra commands carry parse state.
func (h *Handler) Commands(inv Invocation) []*cobra.Command {
	return []*cobra.Command{h.stickerCommand(inv), h.aliasCommand()}
}

func (h *Handler) ready() error {
	if h.store == nil {
		return catalog.ErrNotReady
	}
	return nil
}

func shortID(id string) string {
	if len(id) <= shortIDLen {
		return id
	}
	return id[:shortIDLen]
}

// lookup resolves an id, an id prefix, or a sticker name.
func (h *Handler) lookup(ctx context.Context, identifier string) (catalog.Entry, error) {
	entry, err := h.store.ResolveID(ctx, identifier)
	if err == nil || errors.Is(err, catalog.ErrAmbiguousID) {
		return entry, err
	}
	if !errors.Is(err, catalog.ErrEntryNotFound) {
		return catalog.Entry{}, err
	}
	found, err := h.store.FindEntries(ctx, identifier, 1)
	if err != nil {
		return catalog.Entry{}, err
	}
	if len(found) == 0 {
		return catalog.Entry{}, fmt.Errorf("%w: %s", catalog.ErrEntryNotFound, identifier)
	}
	return found[0], nil
}

func printf(cmd *cobra.Command, format string, args ...any) {
	fmt.Fprintf(cmd.OutOrStdout(), format, args...)
}
