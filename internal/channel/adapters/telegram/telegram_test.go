package telegram

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/media"
	"github.com/memohai/sticker/internal/message"
)

type recordingBot struct {
	mu     sync.Mutex
	sent   []tgbotapi.Chattable
	err    error
	failOn int
	calls  int
}

func (b *recordingBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return tgbotapi.Message{}, b.err
	}
	if b.failOn == b.calls {
		return tgbotapi.Message{}, errors.New("too many requests")
	}
	b.sent = append(b.sent, c)
	return tgbotapi.Message{MessageID: len(b.sent)}, nil
}

type mapSource map[string]media.Payload

func (m mapSource) Fetch(_ context.Context, storageKey, ref string) (media.Payload, error) {
	if p, ok := m[ref]; ok {
		return p, nil
	}
	return media.Payload{}, media.ErrAssetNotFound
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(bot botClient, source channel.MediaSource) *session {
	adapter := &TelegramAdapter{logger: testLogger(), media: source}
	s := &session{adapter: adapter, bot: bot, logger: adapter.logger}
	s.BaseSession = channel.NewBaseSession(channel.SessionConfig{ID: "tg", Type: Type}, nil)
	s.SetReady(true)
	return s
}

func TestTelegramAdapter_Type(t *testing.T) {
	t.Parallel()

	adapter := NewTelegramAdapter(nil, nil)
	if adapter.Type() != Type {
		t.Fatalf("Type() = %q", adapter.Type())
	}
	desc := adapter.Descriptor()
	if !desc.Capabilities.Attachments || !desc.Capabilities.Reply {
		t.Fatalf("unexpected capabilities: %+v", desc.Capabilities)
	}
	if desc.Capabilities.NativeStickers {
		t.Fatal("telegram must not claim native stickers")
	}
}

func TestParseConfigRequiresToken(t *testing.T) {
	t.Parallel()

	if _, err := parseConfig(map[string]any{}); err == nil {
		t.Fatal("expected error for missing token")
	}
	cfg, err := parseConfig(map[string]any{"bot_token": " abc "})
	if err != nil || cfg.BotToken != "abc" {
		t.Fatalf("parseConfig = %+v, %v", cfg, err)
	}
}

func TestParseReplyToMessageID(t *testing.T) {
	t.Parallel()

	cases := map[string]int{"": 0, "  ": 0, "42": 42, "abc": 0}
	for raw, want := range cases {
		if got := parseReplyToMessageID(message.ReplyRef{MessageID: raw}); got != want {
			t.Fatalf("parseReplyToMessageID(%q) = %d, want %d", raw, got, want)
		}
	}
}

func TestParseTarget(t *testing.T) {
	t.Parallel()

	id, user, err := parseTarget("123")
	if err != nil || id != 123 || user != "" {
		t.Fatalf("chat id target = %d %q %v", id, user, err)
	}
	id, user, err = parseTarget("@alice")
	if err != nil || id != 0 || user != "@alice" {
		t.Fatalf("username target = %d %q %v", id, user, err)
	}
	if _, _, err := parseTarget("alice"); err == nil {
		t.Fatal("expected error for bare name")
	}
}

func TestTruncateTelegramText(t *testing.T) {
	t.Parallel()

	short := "hello"
	if truncateTelegramText(short) != short {
		t.Fatal("short text changed")
	}
	long := strings.Repeat("ж", telegramMaxMessageLength)
	got := truncateTelegramText(long)
	if len(got) > telegramMaxMessageLength || !utf8.ValidString(got) || !strings.HasSuffix(got, "...") {
		t.Fatalf("bad truncation: len=%d valid=%v", len(got), utf8.ValidString(got))
	}
}

func TestSessionSendOrdersSegments(t *testing.T) {
	t.Parallel()

	bot := &recordingBot{}
	source := mapSource{
		"mxc://x/wave": {Data: []byte("png"), Mime: "image/png"},
		"mxc://x/dance": {Data: []byte("gif"), Mime: "image/gif", Name: "dance.gif"},
	}
	s := newTestSession(bot, source)
	msg := channel.OutboundMessage{
		Target: "100",
		Reply:  message.ReplyRef{MessageID: "7"},
		Segments: []message.Segment{
			message.Text("hi"),
			message.Sticker(catalog.Entry{ID: "1", Token: "wave", MediaRef: "mxc://x/wave"}),
			message.Text("  "),
			message.Sticker(catalog.Entry{ID: "2", Token: "dance", MediaRef: "mxc://x/dance"}),
			message.Text("bye"),
		},
	}
	if err := s.Send(context.Background(), msg); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.sent) != 4 {
		t.Fatalf("sent %d items, want 4", len(bot.sent))
	}
	text, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok || text.Text != "hi" || text.ReplyToMessageID != 7 {
		t.Fatalf("first item = %#v", bot.sent[0])
	}
	photo, ok := bot.sent[1].(tgbotapi.PhotoConfig)
	if !ok || photo.ReplyToMessageID != 0 {
		t.Fatalf("second item = %#v", bot.sent[1])
	}
	if file, ok := photo.File.(tgbotapi.FileBytes); !ok || file.Name != "wave.png" {
		t.Fatalf("photo file = %#v", photo.File)
	}
	if _, ok := bot.sent[2].(tgbotapi.AnimationConfig); !ok {
		t.Fatalf("third item = %#v", bot.sent[2])
	}
	if last, ok := bot.sent[3].(tgbotapi.MessageConfig); !ok || last.Text != "bye" {
		t.Fatalf("fourth item = %#v", bot.sent[3])
	}
}

func TestSessionSendSkipsUnavailableSticker(t *testing.T) {
	t.Parallel()

	bot := &recordingBot{}
	s := newTestSession(bot, mapSource{})
	err := s.Send(context.Background(), channel.OutboundMessage{
		Target: "@room",
		Segments: []message.Segment{
			message.Sticker(catalog.Entry{ID: "1", Token: "gone", MediaRef: "mxc://x/gone"}),
			message.Text("still here"),
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d items, want 1", len(bot.sent))
	}
	if msg := bot.sent[0].(tgbotapi.MessageConfig); msg.ChannelUsername != "@room" {
		t.Fatalf("channel username = %q", msg.ChannelUsername)
	}
}

func TestSessionSendErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	s := newTestSession(&recordingBot{err: boom}, nil)
	err := s.Send(context.Background(), channel.OutboundMessage{Target: "1", Segments: []message.Segment{message.Text("x")}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	if err := s.Send(context.Background(), channel.OutboundMessage{Target: " "}); err == nil {
		t.Fatal("expected error for empty target")
	}

	_ = s.Close(context.Background())
	err = s.Send(context.Background(), channel.OutboundMessage{Target: "1", Segments: []message.Segment{message.Text("x")}})
	if !errors.Is(err, channel.ErrSessionClosed) {
		t.Fatalf("err = %v, want ErrSessionClosed", err)
	}
}

func TestSendTelegramAttachment(t *testing.T) {
	t.Parallel()

	bot := &recordingBot{}
	if err := sendTelegramAttachment(bot, "5", message.Attachment{}, 0); err == nil {
		t.Fatal("expected error for empty attachment")
	}
	if err := sendTelegramAttachment(bot, "5", message.Attachment{URL: "https://example.org/a.pdf"}, 3); err != nil {
		t.Fatalf("attachment: %v", err)
	}
	doc := bot.sent[0].(tgbotapi.DocumentConfig)
	if doc.ReplyToMessageID != 3 {
		t.Fatalf("reply = %d", doc.ReplyToMessageID)
	}
	if _, ok := doc.File.(tgbotapi.FileURL); !ok {
		t.Fatalf("file = %#v", doc.File)
	}
}

func TestConnectUsesBotSeam(t *testing.T) {
	bot := &recordingBot{}
	getOrCreateBotForTest = func(_ *TelegramAdapter, token, _ string) (botClient, error) {
		if token != "t0k" {
			t.Fatalf("token = %q", token)
		}
		return bot, nil
	}
	defer func() { getOrCreateBotForTest = nil }()

	adapter := NewTelegramAdapter(nil, nil)
	sess, err := adapter.Connect(context.Background(), channel.SessionConfig{
		ID:          "main",
		Type:        Type,
		Credentials: map[string]any{"botToken": "t0k"},
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !sess.Ready() || sess.ID() != "main" || sess.Kind() != Type {
		t.Fatalf("session = %s %s ready=%v", sess.ID(), sess.Kind(), sess.Ready())
	}
	if err := sess.Send(context.Background(), channel.OutboundMessage{Target: "9", Segments: []message.Segment{message.Text("ok")}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d", len(bot.sent))
	}
}

func TestSessionSendReportsDeliveredSegments(t *testing.T) {
	t.Parallel()

	bot := &recordingBot{failOn: 2}
	s := newTestSession(bot, nil)
	err := s.Send(context.Background(), channel.OutboundMessage{
		Target:   "1",
		Segments: []message.Segment{message.Text("one"), message.Text("two"), message.Text("three")},
	})
	var partial *channel.PartialSendError
	if !errors.As(err, &partial) || partial.Delivered != 1 {
		t.Fatalf("err = %v, want partial send after 1 segment", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("sent %d items, want 1", len(bot.sent))
	}
}
