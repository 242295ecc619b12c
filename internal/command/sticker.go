package command

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/message"
)

func (h *Handler) stickerCommand(inv Invocation) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sticker",
		Short: "Manage saved stickers",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list [pack]",
			Short: "List saved stickers",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				pack := ""
				if len(args) == 1 {
					pack = args[0]
				}
				return h.list(cmd, pack)
			},
		},
		&cobra.Command{
			Use:   "packs",
			Short: "List sticker packs",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return h.packs(cmd) },
		},
		&cobra.Command{
			Use:   "send <name>",
			Short: "Send a sticker by id or name",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return h.send(cmd, inv, args[0]) },
		},
		&cobra.Command{
			Use:   "delete <id>",
			Short: "Delete a sticker",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return h.delete(cmd, args[0]) },
		},
		&cobra.Command{
			Use:   "stats",
			Short: "Show catalog statistics",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return h.stats(cmd) },
		},
		&cobra.Command{
			Use:   "sync",
			Short: "Sync emote packs from every connected session",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, _ []string) error { return h.sync(cmd) },
		},
		&cobra.Command{
			Use:   "save <name> [pack] <url>",
			Short: "Save media from a URL as a sticker",
			Args:  cobra.RangeArgs(2, 3),
			RunE: func(cmd *cobra.Command, args []string) error {
				name, pack, ref := args[0], "", args[len(args)-1]
				if len(args) == 3 {
					pack = args[1]
				}
				return h.save(cmd, name, pack, ref)
			},
		},
	)
	return cmd
}

func (h *Handler) list(cmd *cobra.Command, pack string) error {
	if err := h.ready(); err != nil {
		return err
	}
	entries, err := h.store.ListEntries(cmd.Context(), catalog.ListFilter{Pack: pack, Limit: listLimit})
	if err != nil {
		return fmt.Errorf("list stickers: %w", err)
	}
	if len(entries) == 0 {
		if pack != "" {
			printf(cmd, "pack %q has no stickers\n", pack)
		} else {
			printf(cmd, "no stickers saved\n")
		}
		return nil
	}
	printf(cmd, "Saved stickers:\n")
	for _, e := range entries {
		line := "  " + shortID(e.ID) + ": " + e.Token
		if e.Pack != "" {
			line += " [" + e.Pack + "]"
		}
		printf(cmd, "%s\n", line)
	}
	if len(entries) == listLimit {
		printf(cmd, "  ... (showing first %d)\n", listLimit)
	}
	return nil
}

func (h *Handler) packs(cmd *cobra.Command) error {
	if err := h.ready(); err != nil {
		return err
	}
	packs, err := h.store.ListPacks(cmd.Context())
	if err != nil {
		return fmt.Errorf("list packs: %w", err)
	}
	if len(packs) == 0 {
		printf(cmd, "no sticker packs\n")
		return nil
	}
	printf(cmd, "Sticker packs:\n")
	for _, p := range packs {
		name := p.Pack
		if name == "" {
			name = "(none)"
		}
		printf(cmd, "  %s: %d stickers\n", name, p.Count)
	}
	return nil
}

func (h *Handler) send(cmd *cobra.Command, inv Invocation, identifier string) error {
	if err := h.ready(); err != nil {
		return err
	}
	if inv.Sender == nil {
		return fmt.Errorf("send is only available in a chat")
	}
	ctx := cmd.Context()
	entry, err := h.lookup(ctx, identifier)
	if err != nil {
		return err
	}
	if err := inv.Sender.Send(ctx, []message.Segment{message.Sticker(entry)}, inv.Reply); err != nil {
		return fmt.Errorf("send sticker %s: %w", shortID(entry.ID), err)
	}
	if err := h.store.TouchUsage(ctx, entry.ID); err != nil {
		h.logger.Debug("touch usage failed", slog.String("sticker_id", entry.ID), slog.Any("error", err))
	}
	return nil
}

func (h *Handler) delete(cmd *cobra.Command, id string) error {
	if err := h.ready(); err != nil {
		return err
	}
	ctx := cmd.Context()
	entry, err := h.store.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	if err := h.store.Delete(ctx, entry.ID); err != nil {
		return fmt.Errorf("delete sticker: %w", err)
	}
	printf(cmd, "deleted sticker: %s (%s)\n", shortID(entry.ID), entry.Token)
	return nil
}

func (h *Handler) stats(cmd *cobra.Command) error {
	if err := h.ready(); err != nil {
		return err
	}
	st, err := h.store.Stats(cmd.Context(), statsTop)
	if err != nil {
		return fmt.Errorf("sticker stats: %w", err)
	}
	printf(cmd, "Sticker stats:\n  total: %d\n  packs: %d\n", st.Total, st.Packs)
	if len(st.TopUsed) > 0 {
		top := make([]string, 0, len(st.TopUsed))
		for _, e := range st.TopUsed {
			top = append(top, fmt.Sprintf("%s (%d)", e.Token, e.UsageCount))
		}
		printf(cmd, "  most used: %s\n", strings.Join(top, ", "))
	}
	return nil
}

func (h *Handler) sync(cmd *cobra.Command) error {
	if h.syncer == nil {
		return fmt.Errorf("sync is not enabled")
	}
	reports, err := h.syncer.SyncAll(cmd.Context())
	rooms, changed := 0, 0
	for _, r := range reports {
		rooms += r.Rooms
		changed += r.Changed
	}
	printf(cmd, "synced %d sessions, %d rooms, %d stickers changed\n", len(reports), rooms, changed)
	if err != nil {
		printf(cmd, "some sessions failed: %v\n", err)
	}
	return nil
}

func (h *Handler) save(cmd *cobra.Command, name, pack, ref string) error {
	if err := h.ready(); err != nil {
		return err
	}
	if !catalog.ValidName(name) {
		return fmt.Errorf("%w: %q", catalog.ErrInvalidName, name)
	}
	ctx := cmd.Context()
	input := catalog.SaveInput{Token: name, Pack: pack, MediaRef: ref}
	if h.media != nil {
		payload, err := h.media.Fetch(ctx, "", ref)
		if err != nil {
			return fmt.Errorf("fetch %s: %w", ref, err)
		}
		input.Mime = payload.Mime
		input.Reader = bytes.NewReader(payload.Data)
	}
	entry, err := h.store.Save(ctx, input)
	if err != nil {
		return fmt.Errorf("save sticker: %w", err)
	}
	printf(cmd, "saved sticker: %s (%s)\n", shortID(entry.ID), entry.Token)
	return nil
}
