package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/command"
	"github.com/memohai/sticker/internal/config"
	"github.com/memohai/sticker/internal/emoji"
	"github.com/memohai/sticker/internal/handlers"
	catalogchecker "github.com/memohai/sticker/internal/healthcheck/checkers/catalog"
	channelchecker "github.com/memohai/sticker/internal/healthcheck/checkers/channel"
	"github.com/memohai/sticker/internal/media"
	"github.com/memohai/sticker/internal/pipeline"
	"github.com/memohai/sticker/internal/reconstruct"
	"github.com/memohai/sticker/internal/resolver"
	"github.com/memohai/sticker/internal/server"
	"github.com/memohai/sticker/internal/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Connect chat sessions and serve the admin API",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		return runServe()
	},
}

func runServe() error {
	app := fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideCatalog,
			catalog.NewNotifier,
			provideResolver,
			provideChannelRegistry,
			provideChannelManager,
			provideEmojiConverter,
			provideEngine,
			provideScheduler,
			providePipelineHooks,
			provideCommandHandler,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideStickersHandler),
			provideServerHandler(provideSyncHandler),
			provideServerHandler(providePreviewHandler),
			provideServerHandler(provideSessionsHandler),
			provideServerHandler(provideCommandsHandler),
			provideServerHandler(provideHealthHandler),
			provideServer,
		),
		fx.Invoke(
			startChannelManager,
			startCatalogWatcher,
			startEmojiRefresh,
			startSyncScheduler,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	return loadConfig()
}

func provideLogger(cfg config.Config) *slog.Logger {
	return newLogger(cfg)
}

func provideCatalog(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (catalog.Store, *media.Fetcher, error) {
	store, fetcher, err := openStore(log, cfg)
	if err != nil {
		return nil, nil, err
	}
	lc.Append(fx.Hook{OnStop: func(context.Context) error { return store.Close() }})
	return store, fetcher, nil
}

func provideResolver(log *slog.Logger, cfg config.Config, notifier *catalog.Notifier) *resolver.Resolver {
	res := newResolver(log, cfg, notifier)
	notifier.Subscribe(res.OnCatalogChange)
	return res
}

func provideChannelRegistry(log *slog.Logger, notifier *catalog.Notifier, fetcher *media.Fetcher) *channel.Registry {
	return newRegistry(log, notifier, fetcher)
}

func provideChannelManager(log *slog.Logger, registry *channel.Registry) *channel.Manager {
	return channel.NewManager(log, registry)
}

func provideEmojiConverter(log *slog.Logger, cfg config.Config) *emoji.Converter {
	return newEmoji(log, cfg)
}

func provideEngine(log *slog.Logger, cfg config.Config, res *resolver.Resolver, notifier *catalog.Notifier, conv *emoji.Converter) *reconstruct.Engine {
	return newEngine(log, cfg, res, notifier, conv)
}

func provideScheduler(log *slog.Logger, cfg config.Config, manager *channel.Manager, res *resolver.Resolver) *syncer.Scheduler {
	s := newScheduler(log, cfg, manager)
	s.OnSynced(res.Invalidate)
	return s
}

func providePipelineHooks(log *slog.Logger, cfg config.Config, engine *reconstruct.Engine, manager *channel.Manager, notifier *catalog.Notifier) *pipeline.Hooks {
	return pipeline.NewHooks(log, engine, manager, notifier, pipeline.Options{
		PromptInjection: cfg.Stickers.PromptInjection,
		PromptLimit:     cfg.Stickers.PromptLimit,
		CrossPlatform:   cfg.Stickers.CrossPlatform,
	})
}

func provideCommandHandler(log *slog.Logger, notifier *catalog.Notifier, scheduler *syncer.Scheduler, fetcher *media.Fetcher) *command.Handler {
	return command.New(log, notifier, scheduler, fetcher)
}

func provideStickersHandler(log *slog.Logger, notifier *catalog.Notifier) *handlers.StickersHandler {
	return handlers.NewStickersHandler(log, notifier)
}

func provideSyncHandler(log *slog.Logger, scheduler *syncer.Scheduler) *handlers.SyncHandler {
	return handlers.NewSyncHandler(log, scheduler)
}

// providePreviewHandler builds its own engine without a usage recorder so
// previews leave usage counts alone.
func providePreviewHandler(log *slog.Logger, cfg config.Config, res *resolver.Resolver, conv *emoji.Converter, registry *channel.Registry) *handlers.PreviewHandler {
	return handlers.NewPreviewHandler(log, newEngine(log, cfg, res, nil, conv), registry)
}

func provideSessionsHandler(log *slog.Logger, manager *channel.Manager, hooks *pipeline.Hooks) *handlers.SessionsHandler {
	return handlers.NewSessionsHandler(log, manager, hooks)
}

func provideCommandsHandler(log *slog.Logger, cmds *command.Handler, manager *channel.Manager) *handlers.CommandHandler {
	return handlers.NewCommandHandler(log, cmds, func(sessionID, target string) (command.Invocation, bool) {
		if _, ok := manager.Session(sessionID); !ok {
			return command.Invocation{}, false
		}
		return command.Invocation{Sender: manager.Bind(sessionID, target)}, true
	})
}

func provideHealthHandler(log *slog.Logger, store catalog.Store, manager *channel.Manager) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log,
		catalogchecker.NewChecker(log, store),
		channelchecker.NewChecker(log, manager),
	)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Server.JWTSecret, params.ServerHandlers...)
}

func startChannelManager(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, manager *channel.Manager) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				if err := manager.Connect(ctx, sessionConfigs(cfg)); err != nil {
					logger.Warn("some sessions failed to connect", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error { cancel(); return manager.Shutdown(stopCtx) },
	})
}

func startCatalogWatcher(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, notifier *catalog.Notifier) {
	if !cfg.Catalog.Watch {
		return
	}
	watcher := catalog.NewWatcher(logger, cfg.Catalog.Path, notifier.Notify)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			go func() {
				defer close(done)
				if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("catalog watcher stopped", slog.Any("error", err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func startEmojiRefresh(lc fx.Lifecycle, logger *slog.Logger, cfg config.Config, conv *emoji.Converter) error {
	if !conv.Enabled() {
		return nil
	}
	lc.Append(fx.Hook{OnStart: func(_ context.Context) error {
		go func() {
			count := conv.Warmup(context.Background(), false)
			logger.Info("emoji table loaded", slog.Int("count", count))
		}()
		return nil
	}})
	if !cfg.Emoji.FetchRemote || cfg.Emoji.RefreshCron == "" {
		return nil
	}
	refresher, err := emoji.NewRefresher(logger, conv, cfg.Emoji.RefreshCron)
	if err != nil {
		return err
	}
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error { refresher.Start(); return nil },
		OnStop:  func(ctx context.Context) error { return refresher.Stop(ctx) },
	})
	return nil
}

func startSyncScheduler(lc fx.Lifecycle, cfg config.Config, scheduler *syncer.Scheduler) {
	if !cfg.Sync.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return scheduler.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return scheduler.Stop(ctx) },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("admin api listening", slog.String("addr", srv.Addr()))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
