// Package matrix connects Matrix accounts through mautrix. Sessions send
// native m.sticker events and import room and user emote packs into the
// sticker catalog.
package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/media"
)

// Type is the registered channel type for Matrix.
const Type channel.ChannelType = channel.Matrix

// client is the part of *mautrix.Client a session uses.
type client interface {
	Whoami(ctx context.Context) (*mautrix.RespWhoami, error)
	JoinedRooms(ctx context.Context) (*mautrix.RespJoinedRooms, error)
	State(ctx context.Context, roomID id.RoomID) (mautrix.RoomStateMap, error)
	GetAccountData(ctx context.Context, name string, output interface{}) error
	SendMessageEvent(ctx context.Context, roomID id.RoomID, eventType event.Type, contentJSON interface{}, extra ...mautrix.ReqSendEvent) (*mautrix.RespSendEvent, error)
	UploadBytesWithName(ctx context.Context, data []byte, contentType, fileName string) (*mautrix.RespMediaUpload, error)
	DownloadBytes(ctx context.Context, mxcURL id.ContentURI) ([]byte, error)
}

// Registrar installs scheme downloaders. *media.Fetcher satisfies it.
type Registrar interface {
	Register(scheme string, d media.Downloader)
}

// MatrixAdapter implements channel.Adapter and channel.Connector for Matrix.
type MatrixAdapter struct {
	logger    *slog.Logger
	catalog   catalog.Writer
	media     channel.MediaSource
	registrar Registrar

	mu         sync.Mutex
	downloader bool
}

// NewMatrixAdapter creates a MatrixAdapter. writer receives imported emotes;
// source loads non-mxc media for upload; registrar receives the mxc
// downloader of the first connected session. Any of them may be nil.
func NewMatrixAdapter(log *slog.Logger, writer catalog.Writer, source channel.MediaSource, registrar Registrar) *MatrixAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &MatrixAdapter{
		logger:    log.With(slog.String("adapter", "matrix")),
		catalog:   writer,
		media:     source,
		registrar: registrar,
	}
}

func (a *MatrixAdapter) Type() channel.ChannelType {
	return Type
}

func (a *MatrixAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Matrix",
		Capabilities: channel.Capabilities{
			Text:           true,
			Reply:          true,
			Attachments:    true,
			NativeStickers: true,
			Streaming:      true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: 16000,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

type matrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

func parseConfig(raw map[string]any) (matrixConfig, error) {
	cfg := matrixConfig{
		Homeserver:  channel.ReadString(raw, "homeserver", "homeserver_url", "homeserverUrl"),
		UserID:      channel.ReadString(raw, "user_id", "userId"),
		AccessToken: channel.ReadString(raw, "access_token", "accessToken", "token"),
	}
	if cfg.Homeserver == "" {
		return matrixConfig{}, fmt.Errorf("matrix homeserver is required")
	}
	if cfg.AccessToken == "" {
		return matrixConfig{}, fmt.Errorf("matrix access_token is required")
	}
	return cfg, nil
}

var newClientForTest func(cfg matrixConfig) (client, error)

func newClient(cfg matrixConfig) (client, error) {
	if newClientForTest != nil {
		return newClientForTest(cfg)
	}
	return mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
}

// Connect logs in with an access token and checks it with whoami.
func (a *MatrixAdapter) Connect(ctx context.Context, cfg channel.SessionConfig) (channel.Session, error) {
	a.logger.Info("start", slog.String("config_id", cfg.ID))
	matrixCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		a.logger.Error("decode config failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, err
	}
	cli, err := newClient(matrixCfg)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	who, err := cli.Whoami(ctx)
	if err != nil {
		a.logger.Error("whoami failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, fmt.Errorf("matrix login: %w", err)
	}
	a.logger.Info("logged in", slog.String("config_id", cfg.ID), slog.String("user_id", who.UserID.String()))

	s := newSession(a, cfg, cli)
	a.registerDownloader(s)
	s.SetReady(true)
	return s, nil
}

func (a *MatrixAdapter) registerDownloader(s *session) {
	if a.registrar == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.downloader {
		return
	}
	a.registrar.Register("mxc", media.DownloaderFunc(s.Download))
	a.downloader = true
}
