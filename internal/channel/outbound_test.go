package channel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/message"
)

func TestChunkText(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{name: "fits", text: " hello ", limit: 10, want: []string{"hello"}},
		{name: "empty", text: "   ", limit: 10, want: nil},
		{name: "lines", text: "aaa\nbbb\nccc", limit: 7, want: []string{"aaa\nbbb", "ccc"}},
		{name: "long line", text: "abcdefgh", limit: 3, want: []string{"abc", "def", "gh"}},
	}
	for _, tt := range tests {
		got := ChunkText(tt.text, tt.limit)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Fatalf("%s: ChunkText = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestChunkMarkdownTextKeepsParagraphs(t *testing.T) {
	t.Parallel()

	got := ChunkMarkdownText("para one\n\npara two", 10)
	if len(got) != 2 || got[0] != "para one" || got[1] != "para two" {
		t.Fatalf("ChunkMarkdownText = %q", got)
	}
}

func TestChunkSegmentsKeepsStickerPosition(t *testing.T) {
	t.Parallel()

	policy := NormalizeOutboundPolicy(OutboundPolicy{TextChunkLimit: 4})
	segs := chunkSegments([]message.Segment{
		message.Text("ab"),
		message.Sticker(catalog.Entry{ID: "s"}),
		message.Text("abcdefgh"),
	}, policy)
	if len(segs) != 4 {
		t.Fatalf("got %d segments: %+v", len(segs), segs)
	}
	if !segs[1].IsSticker() || segs[2].Text != "abcd" || segs[3].Text != "efgh" {
		t.Fatalf("unexpected order: %+v", segs)
	}
}

func TestValidateCapabilities(t *testing.T) {
	t.Parallel()

	msg := OutboundMessage{Segments: []message.Segment{message.Sticker(catalog.Entry{ID: "s"})}}
	if err := validateCapabilities(Capabilities{Text: true}, msg); err == nil {
		t.Fatal("text-only channel accepted a sticker")
	}
	if err := validateCapabilities(Capabilities{Text: true, NativeStickers: true}, msg); err != nil {
		t.Fatalf("native sticker channel rejected sticker: %v", err)
	}
}

type flakySession struct {
	*BaseSession
	mu       sync.Mutex
	failures int
	sent     []OutboundMessage
}

func (s *flakySession) Send(_ context.Context, msg OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures > 0 {
		s.failures--
		return errors.New("transient")
	}
	s.sent = append(s.sent, msg)
	return nil
}

func TestSendWithRetry(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil)
	session := &flakySession{BaseSession: NewBaseSession(SessionConfig{ID: "s", Type: "test"}, nil), failures: 2}
	policy := OutboundPolicy{RetryMax: 3, RetryBackoffMs: 1}
	if err := m.sendWithRetry(context.Background(), session, OutboundMessage{Target: "t"}, policy); err != nil {
		t.Fatalf("expected success on third attempt: %v", err)
	}
	if len(session.sent) != 1 {
		t.Fatalf("sent %d, want 1", len(session.sent))
	}

	session.failures = 5
	err := m.sendWithRetry(context.Background(), session, OutboundMessage{Target: "t"}, policy)
	if err == nil || !strings.Contains(err.Error(), "after retries") {
		t.Fatalf("expected retry exhaustion, got %v", err)
	}
}

func TestSendWithRetryHonorsCancel(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil)
	session := &flakySession{BaseSession: NewBaseSession(SessionConfig{ID: "s"}, nil), failures: 10}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.sendWithRetry(ctx, session, OutboundMessage{Target: "t"}, OutboundPolicy{RetryMax: 3, RetryBackoffMs: 60000})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// segmentSession posts one platform event per segment, like the real
// adapters, and fails the segment at failAt once.
type segmentSession struct {
	*BaseSession
	mu     sync.Mutex
	failAt int
	events []string
}

func (s *segmentSession) Send(_ context.Context, msg OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, seg := range msg.Segments {
		if seg.Text == "c" && s.failAt > 0 {
			s.failAt = 0
			return Partial(i, errors.New("rate limited"))
		}
		s.events = append(s.events, seg.Text)
	}
	return nil
}

func TestSendWithRetryResumesAfterPartialSend(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil)
	session := &segmentSession{BaseSession: NewBaseSession(SessionConfig{ID: "s"}, nil), failAt: 1}
	msg := OutboundMessage{Target: "t", Segments: []message.Segment{message.Text("a"), message.Text("b"), message.Text("c")}}
	if err := m.sendWithRetry(context.Background(), session, msg, OutboundPolicy{RetryMax: 3, RetryBackoffMs: 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got := strings.Join(session.events, " "); got != "a b c" {
		t.Fatalf("platform events = %q, want %q", got, "a b c")
	}
}

func TestPartial(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	if err := Partial(0, boom); err != boom {
		t.Fatalf("Partial(0) = %v, want the plain error", err)
	}
	if err := Partial(2, nil); err != nil {
		t.Fatalf("Partial(nil) = %v", err)
	}
	err := Partial(2, boom)
	var partial *PartialSendError
	if !errors.As(err, &partial) || partial.Delivered != 2 || !errors.Is(err, boom) {
		t.Fatalf("Partial(2) = %#v", err)
	}
}
