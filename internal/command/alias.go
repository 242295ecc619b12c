package command

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/memohai/sticker/internal/catalog"
)

func (h *Handler) aliasCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sticker_alias",
		Short: "Manage sticker shortcode aliases",
		Long:  "Aliases work as extra shortcodes, e.g. :alias:. The id may be the full id or its first 8 characters.",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <id> <alias>",
			Short: "Add an alias to a sticker",
			Args:  cobra.ExactArgs(2),
			RunE:  func(cmd *cobra.Command, args []string) error { return h.addAlias(cmd, args[0], args[1]) },
		},
		&cobra.Command{
			Use:   "remove <id> <alias>",
			Short: "Remove an alias from a sticker",
			Args:  cobra.ExactArgs(2),
			RunE:  func(cmd *cobra.Command, args []string) error { return h.removeAlias(cmd, args[0], args[1]) },
		},
		&cobra.Command{
			Use:   "list <id>",
			Short: "List the aliases of a sticker",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return h.listAliases(cmd, args[0]) },
		},
	)
	return cmd
}

func hasAlias(entry catalog.Entry, alias string) bool {
	key := catalog.NormalizeKey(alias)
	for _, existing := range entry.Aliases {
		if catalog.NormalizeKey(existing) == key {
			return true
		}
	}
	return false
}

func (h *Handler) addAlias(cmd *cobra.Command, id, alias string) error {
	if err := h.ready(); err != nil {
		return err
	}
	ctx := cmd.Context()
	entry, err := h.store.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	if hasAlias(entry, alias) {
		printf(cmd, "alias %q already exists\n", alias)
		return nil
	}
	if _, err := h.store.AddAlias(ctx, entry.ID, alias); err != nil {
		return fmt.Errorf("add alias: %w", err)
	}
	printf(cmd, "added alias %s to sticker %s\n", strings.TrimSpace(alias), shortID(entry.ID))
	return nil
}

func (h *Handler) removeAlias(cmd *cobra.Command, id, alias string) error {
	if err := h.ready(); err != nil {
		return err
	}
	ctx := cmd.Context()
	entry, err := h.store.ResolveID(ctx, id)
	if err != nil {
		return err
	}
	if !hasAlias(entry, alias) {
		printf(cmd, "alias %q does not exist\n", alias)
		return nil
	}
	if _, err := h.store.RemoveAlias(ctx, entry.ID, alias); err != nil {
		return fmt.Errorf("remove alias: %w", err)
	}
	printf(cmd, "removed alias: %s\n", alias)
	return nil
}

func (h *Handler) listAliases(cmd *cobra.Command, id string) error {
	if err := h.ready(); err != nil {
		return err
	}
	entry, err := h.store.ResolveID(cmd.Context(), id)
	if err != nil {
		return err
	}
	if len(entry.Aliases) == 0 {
		printf(cmd, "sticker %s (%s) has no aliases\n", shortID(entry.ID), entry.Token)
		return nil
	}
	printf(cmd, "aliases of sticker %s (%s):\n%s\n", shortID(entry.ID), entry.Token, strings.Join(entry.Aliases, ", "))
	return nil
}
