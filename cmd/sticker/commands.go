package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/memohai/sticker/internal/auth"
	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/command"
	"github.com/memohai/sticker/internal/message"
	"github.com/memohai/sticker/internal/reconstruct"
)

const shutdownTimeout = 10 * time.Second

var renderCmd = &cobra.Command{
	Use:   "render <text>",
	Short: "Show how a reply would be reconstructed",
	Long:  "Runs text through shortcode resolution and prints the resulting messages as JSON. Nothing is sent.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRender,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Connect every session and import its emote packs once",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var emojiCmd = &cobra.Command{
	Use:   "emoji",
	Short: "Manage the emoji shortcode table",
}

var emojiRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Download the emoji shortcode table and update the cache",
	Args:  cobra.NoArgs,
	RunE:  runEmojiRefresh,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog <command> [args...]",
	Short: "Run a sticker command against the local catalog",
	Long: `Runs the chat sticker commands without a chat, e.g.

  sticker catalog list
  sticker catalog save wave greetings https://example.org/wave.png
  sticker catalog alias add 1a2b3c4d hi`,
	Args:               cobra.MinimumNArgs(1),
	DisableFlagParsing: true,
	RunE:               runCatalog,
}

func init() {
	renderCmd.Flags().String("channel", "", "target channel type (matrix, telegram, discord)")
	renderCmd.Flags().Bool("streaming", false, "render as a streamed reply")
	emojiCmd.AddCommand(emojiRefreshCmd)
}

type renderOutput struct {
	Segments   []message.Segment   `json:"segments"`
	Suppressed bool                `json:"suppressed"`
	Messages   [][]message.Segment `json:"messages,omitempty"`
	Warning    string              `json:"warning,omitempty"`
}

func runRender(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	channelName, _ := cmd.Flags().GetString("channel")
	streaming, _ := cmd.Flags().GetBool("streaming")
	caps := channel.Capabilities{Text: true}
	if strings.TrimSpace(channelName) != "" {
		ct, err := a.registry.ParseChannelType(channelName)
		if err != nil {
			return err
		}
		caps, _ = a.registry.GetCapabilities(ct)
	}

	engine := newEngine(a.log, a.cfg, a.resolver, nil, a.emoji)
	recorder := &reconstruct.Recorder{}
	res, err := engine.Process(cmd.Context(), reconstruct.Event{
		Segments:     []message.Segment{message.Text(strings.Join(args, " "))},
		Streaming:    streaming,
		Capabilities: caps,
	}, recorder)
	engine.SendFollowUps(cmd.Context(), res.FollowUps, recorder, message.ReplyRef{})
	out := renderOutput{Segments: res.Segments, Suppressed: res.Suppressed, Messages: recorder.Messages()}
	if err != nil {
		if !errors.Is(err, catalog.ErrNotReady) {
			return err
		}
		out.Warning = err.Error()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func runSync(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		a.close(ctx)
	}()

	ctx := cmd.Context()
	if err := a.connect(ctx); err != nil {
		a.log.Warn("some sessions failed to connect", slog.Any("error", err))
	}
	// the startup pass waits for logins before syncing
	if err := a.syncer.StartupPass(ctx); err != nil {
		return err
	}
	st, err := a.store.Stats(ctx, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "catalog has %d stickers in %d packs\n", st.Total, st.Packs)
	return nil
}

func runEmojiRefresh(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := newLogger(cfg)
	conv := newEmoji(log, cfg)
	count := conv.Refresh(cmd.Context())
	if count == 0 {
		return fmt.Errorf("no emoji shortcodes loaded")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loaded %d emoji shortcodes\n", count)
	return nil
}

func runCatalog(cmd *cobra.Command, args []string) error {
	if args[0] == "-h" || args[0] == "--help" {
		return cmd.Help()
	}
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	name := "sticker"
	if args[0] == "alias" {
		name, args = "sticker_alias", args[1:]
	}
	handler := command.New(a.log, a.notifier, nil, a.fetcher)
	out, err := handler.Run(cmd.Context(), name+" "+strings.Join(args, " "), command.Invocation{})
	if out != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	return err
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an admin API token signed with server.jwt_secret",
	Args:  cobra.NoArgs,
	RunE:  runToken,
}

func init() {
	tokenCmd.Flags().String("subject", "admin", "token subject")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	subject, _ := cmd.Flags().GetString("subject")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	token, expiresAt, err := auth.GenerateToken(subject, cfg.Server.JWTSecret, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
	return nil
}
