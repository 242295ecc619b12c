package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/channel/adapters/discord"
	"github.com/memohai/sticker/internal/channel/adapters/matrix"
	"github.com/memohai/sticker/internal/channel/adapters/telegram"
	"github.com/memohai/sticker/internal/config"
	"github.com/memohai/sticker/internal/emoji"
	"github.com/memohai/sticker/internal/logger"
	"github.com/memohai/sticker/internal/media"
	"github.com/memohai/sticker/internal/media/providers/localfs"
	"github.com/memohai/sticker/internal/reconstruct"
	"github.com/memohai/sticker/internal/resolver"
	"github.com/memohai/sticker/internal/syncer"
)

// app holds the components shared by serve and the one-shot commands.
type app struct {
	cfg      config.Config
	log      *slog.Logger
	store    *catalog.SQLiteStore
	notifier *catalog.Notifier
	fetcher  *media.Fetcher
	registry *channel.Registry
	manager  *channel.Manager
	resolver *resolver.Resolver
	emoji    *emoji.Converter
	syncer   *syncer.Scheduler
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func openStore(log *slog.Logger, cfg config.Config) (*catalog.SQLiteStore, *media.Fetcher, error) {
	provider, err := localfs.New(cfg.Catalog.MediaDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open media dir: %w", err)
	}
	store, err := catalog.NewSQLiteStore(log, cfg.Catalog.Path, provider)
	if err != nil {
		return nil, nil, err
	}
	return store, media.NewFetcher(log, provider, nil), nil
}

func newEmoji(log *slog.Logger, cfg config.Config) *emoji.Converter {
	return emoji.NewConverter(log, emoji.Options{
		Enabled:     cfg.Emoji.Enabled,
		Strict:      cfg.Emoji.Strict,
		CachePath:   cfg.Emoji.CachePath,
		URLs:        emoji.ResolveURLs(cfg.Emoji.URLs, os.LookupEnv),
		FetchRemote: cfg.Emoji.FetchRemote,
		Timeout:     emoji.ClampTimeout(cfg.Emoji.TimeoutSeconds),
	}, nil)
}

func newRegistry(log *slog.Logger, writer catalog.Writer, fetcher *media.Fetcher) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(matrix.NewMatrixAdapter(log, writer, fetcher, fetcher))
	registry.MustRegister(telegram.NewTelegramAdapter(log, fetcher))
	registry.MustRegister(discord.NewDiscordAdapter(log, fetcher))
	return registry
}

func newEngine(log *slog.Logger, cfg config.Config, res *resolver.Resolver, usage catalog.UsageRecorder, conv *emoji.Converter) *reconstruct.Engine {
	return reconstruct.NewEngine(log, res, usage, conv, reconstruct.Options{
		Strict:        cfg.Stickers.Strict,
		FullIntercept: cfg.Stickers.FullIntercept,
		MaxPerReply:   cfg.Stickers.MaxPerReply,
		DedupeRepeats: cfg.Stickers.DedupeRepeats,
	})
}

func newResolver(log *slog.Logger, cfg config.Config, store catalog.Reader) *resolver.Resolver {
	return resolver.New(log, store, resolver.Options{
		Strict:     cfg.Stickers.Strict,
		FuzzyLimit: cfg.Lookup.FuzzyLimit,
		Staleness:  cfg.Lookup.Staleness(),
		ListLimit:  cfg.Catalog.ListLimit,
	})
}

func newScheduler(log *slog.Logger, cfg config.Config, manager *channel.Manager) *syncer.Scheduler {
	return syncer.New(log, manager, syncer.Options{
		Interval:        cfg.Sync.Interval(),
		StartupPoll:     cfg.Sync.StartupPoll(),
		StartupAttempts: cfg.Sync.StartupAttempts,
	})
}

// sessionConfigs turns the configured platform logins into session configs.
func sessionConfigs(cfg config.Config) []channel.SessionConfig {
	out := make([]channel.SessionConfig, 0, len(cfg.Matrix)+len(cfg.Telegram)+len(cfg.Discord))
	for _, m := range cfg.Matrix {
		out = append(out, channel.SessionConfig{
			ID:   m.ID,
			Type: channel.Matrix,
			Credentials: map[string]any{
				"homeserver":   m.Homeserver,
				"user_id":      m.UserID,
				"access_token": m.AccessToken,
			},
		})
	}
	for _, t := range cfg.Telegram {
		out = append(out, channel.SessionConfig{
			ID:          t.ID,
			Type:        channel.Telegram,
			Credentials: map[string]any{"bot_token": t.BotToken},
		})
	}
	for _, d := range cfg.Discord {
		out = append(out, channel.SessionConfig{
			ID:          d.ID,
			Type:        channel.Discord,
			Credentials: map[string]any{"bot_token": d.BotToken},
		})
	}
	return out
}

// newApp wires the catalog, lookup and channel components for the one-shot
// commands. Sessions are not connected; see connect.
func newApp() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)
	store, fetcher, err := openStore(log, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, store: store, fetcher: fetcher}
	a.notifier = catalog.NewNotifier(store)
	a.resolver = newResolver(log, cfg, store)
	a.notifier.Subscribe(a.resolver.OnCatalogChange)
	a.registry = newRegistry(log, a.notifier, fetcher)
	a.manager = channel.NewManager(log, a.registry)
	a.emoji = newEmoji(log, cfg)
	a.syncer = newScheduler(log, cfg, a.manager)
	a.syncer.OnSynced(a.resolver.Invalidate)
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	return a.manager.Connect(ctx, sessionConfigs(a.cfg))
}

func (a *app) close(ctx context.Context) {
	if err := a.manager.Shutdown(ctx); err != nil {
		a.log.Warn("channel shutdown failed", slog.Any("error", err))
	}
	if err := a.store.Close(); err != nil {
		a.log.Warn("close catalog failed", slog.Any("error", err))
	}
}
