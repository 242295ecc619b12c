// Package discord delivers reconstructed replies through the Discord REST API.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/media"
	"github.com/memohai/sticker/internal/message"
)

// Type is the registered channel type for Discord.
const Type channel.ChannelType = channel.Discord

const discordMaxLength = 2000

// restSession is the part of *discordgo.Session used for delivery.
type restSession interface {
	User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error)
	ChannelTyping(channelID string, options ...discordgo.RequestOption) error
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type DiscordAdapter struct {
	logger   *slog.Logger
	media    channel.MediaSource
	mu       sync.RWMutex
	sessions map[string]*discordgo.Session // keyed by bot token
}

func NewDiscordAdapter(log *slog.Logger, source channel.MediaSource) *DiscordAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &DiscordAdapter{
		logger:   log.With(slog.String("adapter", "discord")),
		media:    source,
		sessions: make(map[string]*discordgo.Session),
	}
}

func (a *DiscordAdapter) Type() channel.ChannelType {
	return Type
}

func (a *DiscordAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Discord",
		Capabilities: channel.Capabilities{
			Text:        true,
			Reply:       true,
			Attachments: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: discordMaxLength,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

var getOrCreateSessionForTest func(a *DiscordAdapter, token, configID string) (restSession, error)

func (a *DiscordAdapter) getOrCreateSession(token, configID string) (restSession, error) {
	if getOrCreateSessionForTest != nil {
		return getOrCreateSessionForTest(a, token, configID)
	}
	a.mu.RLock()
	session, ok := a.sessions[token]
	a.mu.RUnlock()
	if ok {
		return session, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.sessions[token]; ok {
		return s, nil
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		a.logger.Error("create session failed", slog.String("config_id", configID), slog.Any("error", err))
		return nil, err
	}

	a.sessions[token] = session
	return session, nil
}

type discordConfig struct {
	BotToken string
}

func parseConfig(raw map[string]any) (discordConfig, error) {
	token := channel.ReadString(raw, "botToken", "bot_token", "token")
	if token == "" {
		return discordConfig{}, fmt.Errorf("discord botToken is required")
	}
	return discordConfig{BotToken: strings.TrimPrefix(token, "Bot ")}, nil
}

// Connect verifies the token against the REST API. The gateway is never
// opened; the session only delivers.
func (a *DiscordAdapter) Connect(ctx context.Context, cfg channel.SessionConfig) (channel.Session, error) {
	a.logger.Info("start", slog.String("config_id", cfg.ID))

	discordCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		return nil, err
	}
	rest, err := a.getOrCreateSession(discordCfg.BotToken, cfg.ID)
	if err != nil {
		return nil, err
	}
	me, err := rest.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		a.logger.Error("verify token failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, fmt.Errorf("discord login: %w", err)
	}
	a.logger.Info("logged in", slog.String("config_id", cfg.ID), slog.String("user", me.Username))

	s := &session{
		adapter: a,
		rest:    rest,
		logger:  a.logger.With(slog.String("session", cfg.ID)),
	}
	s.BaseSession = channel.NewBaseSession(cfg, nil)
	s.SetReady(true)
	return s, nil
}

type session struct {
	*channel.BaseSession
	adapter *DiscordAdapter
	rest    restSession
	logger  *slog.Logger
}

// Send posts one Discord message per segment, keeping segment order. Only the
// first message carries the reply reference.
func (s *session) Send(ctx context.Context, msg channel.OutboundMessage) error {
	if !s.Ready() {
		return channel.ErrSessionClosed
	}
	channelID := strings.TrimSpace(msg.Target)
	if channelID == "" {
		return fmt.Errorf("discord target is required")
	}
	if len(message.StickerIDs(msg.Segments)) > 0 {
		if err := s.rest.ChannelTyping(channelID, discordgo.WithContext(ctx)); err != nil {
			s.logger.Debug("typing indicator failed", slog.Any("error", err))
		}
	}

	reference := buildReference(channelID, msg.Reply)
	for i, seg := range msg.Segments {
		if err := ctx.Err(); err != nil {
			return channel.Partial(i, err)
		}
		var data *discordgo.MessageSend
		switch seg.Kind {
		case message.KindText:
			if seg.Blank() {
				continue
			}
			data = &discordgo.MessageSend{Content: truncateDiscordText(seg.Text)}
		case message.KindSticker:
			if !seg.IsSticker() {
				continue
			}
			file, err := s.loadSticker(ctx, *seg.Sticker)
			if err != nil {
				s.logger.Warn("sticker media unavailable",
					slog.String("sticker_id", seg.Sticker.ID),
					slog.String("token", seg.Sticker.Token),
					slog.Any("error", err))
				continue
			}
			data = &discordgo.MessageSend{Files: []*discordgo.File{file}}
		case message.KindAttachment:
			if seg.Attachment == nil {
				continue
			}
			data = buildAttachmentSend(*seg.Attachment)
		default:
			continue
		}
		if reference != nil {
			data.Reference = reference
			reference = nil
		}
		if _, err := s.rest.ChannelMessageSendComplex(channelID, data, discordgo.WithContext(ctx)); err != nil {
			return channel.Partial(i, err)
		}
	}
	return nil
}

func (s *session) loadSticker(ctx context.Context, entry catalog.Entry) (*discordgo.File, error) {
	if s.adapter.media == nil {
		return nil, fmt.Errorf("no media source configured")
	}
	payload, err := s.adapter.media.Fetch(ctx, entry.StorageKey, entry.MediaRef)
	if err != nil {
		return nil, err
	}
	mime := payload.Mime
	if mime == "" {
		mime = entry.Mime
	}
	name := payload.Name
	if name == "" {
		name = entry.Token + media.ExtensionFromMime(mime)
	}
	return &discordgo.File{Name: name, ContentType: mime, Reader: bytes.NewReader(payload.Data)}, nil
}

func buildReference(channelID string, reply message.ReplyRef) *discordgo.MessageReference {
	if reply.IsZero() {
		return nil
	}
	return &discordgo.MessageReference{
		ChannelID: channelID,
		MessageID: strings.TrimSpace(reply.MessageID),
	}
}

func buildAttachmentSend(att message.Attachment) *discordgo.MessageSend {
	if len(att.Data) > 0 {
		name := att.Name
		if name == "" {
			name = "attachment" + media.ExtensionFromMime(att.Mime)
		}
		return &discordgo.MessageSend{Files: []*discordgo.File{{
			Name:        name,
			ContentType: att.Mime,
			Reader:      bytes.NewReader(att.Data),
		}}}
	}
	// Discord unfurls bare links.
	return &discordgo.MessageSend{Content: strings.TrimSpace(att.URL)}
}

func truncateDiscordText(text string) string {
	if len(text) <= discordMaxLength {
		return text
	}
	limit := discordMaxLength - 3
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + "..."
}
