// Package telegram delivers reconstructed replies through the Telegram Bot API.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/media"
	"github.com/memohai/sticker/internal/message"
)

// Type is the registered channel type for Telegram.
const Type channel.ChannelType = channel.Telegram

const telegramMaxMessageLength = 4096

// botClient is the slice of *tgbotapi.BotAPI used for delivery.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramAdapter implements channel.Adapter and channel.Connector for Telegram.
type TelegramAdapter struct {
	logger *slog.Logger
	media  channel.MediaSource
	mu     sync.RWMutex
	bots   map[string]*tgbotapi.BotAPI // keyed by bot token
}

// NewTelegramAdapter creates a TelegramAdapter. source loads sticker bytes
// for upload; nil disables sticker delivery.
func NewTelegramAdapter(log *slog.Logger, source channel.MediaSource) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &TelegramAdapter{
		logger: log.With(slog.String("adapter", "telegram")),
		media:  source,
		bots:   make(map[string]*tgbotapi.BotAPI),
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

var getOrCreateBotForTest func(a *TelegramAdapter, token, configID string) (botClient, error)

func (a *TelegramAdapter) getOrCreateBot(token, configID string) (botClient, error) {
	if getOrCreateBotForTest != nil {
		return getOrCreateBotForTest(a, token, configID)
	}
	a.mu.RLock()
	bot, ok := a.bots[token]
	a.mu.RUnlock()
	if ok {
		return bot, nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if bot, ok := a.bots[token]; ok {
		return bot, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		a.logger.Error("create bot failed", slog.String("config_id", configID), slog.Any("error", err))
		return nil, err
	}
	a.bots[token] = bot
	return bot, nil
}

// Type returns the Telegram channel type.
func (a *TelegramAdapter) Type() channel.ChannelType {
	return Type
}

// Descriptor returns the Telegram channel metadata.
func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        Type,
		DisplayName: "Telegram",
		Capabilities: channel.Capabilities{
			Text:        true,
			Reply:       true,
			Attachments: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: telegramMaxMessageLength,
			ChunkerMode:    channel.ChunkerModeMarkdown,
		},
	}
}

type telegramConfig struct {
	BotToken string
}

func parseConfig(raw map[string]any) (telegramConfig, error) {
	token := channel.ReadString(raw, "botToken", "bot_token", "token")
	if token == "" {
		return telegramConfig{}, fmt.Errorf("telegram botToken is required")
	}
	return telegramConfig{BotToken: token}, nil
}

// Connect authenticates the bot and returns a ready session. Inbound updates
// are not consumed; the session only delivers.
func (a *TelegramAdapter) Connect(ctx context.Context, cfg channel.SessionConfig) (channel.Session, error) {
	a.logger.Info("start", slog.String("config_id", cfg.ID))
	telegramCfg, err := parseConfig(cfg.Credentials)
	if err != nil {
		a.logger.Error("decode config failed", slog.String("config_id", cfg.ID), slog.Any("error", err))
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	bot, err := a.getOrCreateBot(telegramCfg.BotToken, cfg.ID)
	if err != nil {
		return nil, err
	}
	s := &session{
		adapter: a,
		bot:     bot,
		logger:  a.logger.With(slog.String("session", cfg.ID)),
	}
	s.BaseSession = channel.NewBaseSession(cfg, nil)
	s.SetReady(true)
	return s, nil
}

type session struct {
	*channel.BaseSession
	adapter *TelegramAdapter
	bot     botClient
	logger  *slog.Logger
}

// Send delivers segments in order. A sticker whose media cannot be loaded is
// logged and skipped so the rest of the reply still arrives.
func (s *session) Send(ctx context.Context, msg channel.OutboundMessage) error {
	if !s.Ready() {
		return channel.ErrSessionClosed
	}
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return fmt.Errorf("telegram target is required")
	}
	replyTo := parseReplyToMessageID(msg.Reply)
	for i, seg := range msg.Segments {
		if err := ctx.Err(); err != nil {
			return channel.Partial(i, err)
		}
		var err error
		switch seg.Kind {
		case message.KindText:
			if seg.Blank() {
				continue
			}
			err = sendTelegramText(s.bot, target, seg.Text, replyTo)
		case message.KindSticker:
			if !seg.IsSticker() {
				continue
			}
			var payload media.Payload
			payload, err = s.loadSticker(ctx, *seg.Sticker)
			if err != nil {
				s.logger.Warn("sticker media unavailable",
					slog.String("sticker_id", seg.Sticker.ID),
					slog.String("token", seg.Sticker.Token),
					slog.Any("error", err))
				continue
			}
			err = sendTelegramMedia(s.bot, target, payload, replyTo)
		case message.KindAttachment:
			if seg.Attachment == nil {
				continue
			}
			err = sendTelegramAttachment(s.bot, target, *seg.Attachment, replyTo)
		}
		if err != nil {
			return channel.Partial(i, err)
		}
		// Only the first delivered piece quotes the original message.
		replyTo = 0
	}
	return nil
}

func (s *session) loadSticker(ctx context.Context, entry catalog.Entry) (media.Payload, error) {
	if s.adapter.media == nil {
		return media.Payload{}, fmt.Errorf("no media source configured")
	}
	payload, err := s.adapter.media.Fetch(ctx, entry.StorageKey, entry.MediaRef)
	if err != nil {
		return media.Payload{}, err
	}
	if payload.Mime == "" {
		payload.Mime = entry.Mime
	}
	if payload.Name == "" {
		payload.Name = entry.Token + media.ExtensionFromMime(payload.Mime)
	}
	return payload, nil
}

func parseReplyToMessageID(reply message.ReplyRef) int {
	raw := strings.TrimSpace(reply.MessageID)
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

// parseTarget splits a target into a numeric chat id or a channel username.
func parseTarget(target string) (int64, string, error) {
	if strings.HasPrefix(target, "@") {
		return 0, target, nil
	}
	chatID, err := strconv.ParseInt(target, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("telegram target must be @username or chat_id")
	}
	return chatID, "", nil
}

func sendTelegramText(bot botClient, target string, text string, replyTo int) error {
	chatID, username, err := parseTarget(target)
	if err != nil {
		return err
	}
	text = truncateTelegramText(sanitizeTelegramText(text))
	var msg tgbotapi.MessageConfig
	if username != "" {
		msg = tgbotapi.NewMessageToChannel(username, text)
	} else {
		msg = tgbotapi.NewMessage(chatID, text)
	}
	if replyTo > 0 {
		msg.ReplyToMessageID = replyTo
	}
	_, err = bot.Send(msg)
	return err
}

// sendTelegramMedia uploads payload as an animation when it moves and as a
// photo otherwise.
func sendTelegramMedia(bot botClient, target string, payload media.Payload, replyTo int) error {
	if len(payload.Data) == 0 {
		return fmt.Errorf("sticker payload is empty")
	}
	file := tgbotapi.FileBytes{Name: payload.Name, Bytes: payload.Data}
	var (
		cfg tgbotapi.Chattable
		err error
	)
	if media.IsAnimated(payload.Mime) {
		var animation tgbotapi.AnimationConfig
		animation, err = buildTelegramAnimation(target, file)
		if replyTo > 0 {
			animation.ReplyToMessageID = replyTo
		}
		cfg = animation
	} else {
		var photo tgbotapi.PhotoConfig
		photo, err = buildTelegramPhoto(target, file)
		if replyTo > 0 {
			photo.ReplyToMessageID = replyTo
		}
		cfg = photo
	}
	if err != nil {
		return err
	}
	_, err = bot.Send(cfg)
	return err
}

func sendTelegramAttachment(bot botClient, target string, att message.Attachment, replyTo int) error {
	var file tgbotapi.RequestFileData
	switch {
	case len(att.Data) > 0:
		file = tgbotapi.FileBytes{Name: att.Name, Bytes: att.Data}
	case strings.TrimSpace(att.URL) != "":
		file = tgbotapi.FileURL(strings.TrimSpace(att.URL))
	default:
		return fmt.Errorf("attachment reference is required")
	}
	doc, err := buildTelegramDocument(target, file)
	if err != nil {
		return err
	}
	if replyTo > 0 {
		doc.ReplyToMessageID = replyTo
	}
	_, err = bot.Send(doc)
	return err
}

func buildTelegramPhoto(target string, file tgbotapi.RequestFileData) (tgbotapi.PhotoConfig, error) {
	chatID, username, err := parseTarget(target)
	if err != nil {
		return tgbotapi.PhotoConfig{}, err
	}
	if username != "" {
		photo := tgbotapi.NewPhoto(0, file)
		photo.ChannelUsername = username
		return photo, nil
	}
	return tgbotapi.NewPhoto(chatID, file), nil
}

func buildTelegramAnimation(target string, file tgbotapi.RequestFileData) (tgbotapi.AnimationConfig, error) {
	chatID, username, err := parseTarget(target)
	if err != nil {
		return tgbotapi.AnimationConfig{}, err
	}
	if username != "" {
		animation := tgbotapi.NewAnimation(0, file)
		animation.ChannelUsername = username
		return animation, nil
	}
	return tgbotapi.NewAnimation(chatID, file), nil
}

func buildTelegramDocument(target string, file tgbotapi.RequestFileData) (tgbotapi.DocumentConfig, error) {
	chatID, username, err := parseTarget(target)
	if err != nil {
		return tgbotapi.DocumentConfig{}, err
	}
	if username != "" {
		doc := tgbotapi.NewDocument(0, file)
		doc.ChannelUsername = username
		return doc, nil
	}
	return tgbotapi.NewDocument(chatID, file), nil
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a valid
// UTF-8 rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

// slogBotLogger routes tgbotapi's internal logging through slog.
type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Warn(fmt.Sprintf(format, v...))
}
