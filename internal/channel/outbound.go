package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/memohai/sticker/internal/message"
)

// ChunkerMode selects the text chunking strategy.
type ChunkerMode string

const (
	ChunkerModeText     ChunkerMode = "text"
	ChunkerModeMarkdown ChunkerMode = "markdown"
)

// Chunker splits text into pieces that respect a character limit.
type Chunker func(text string, limit int) []string

// OutboundPolicy configures how outbound messages are chunked and retried.
type OutboundPolicy struct {
	TextChunkLimit int         `json:"text_chunk_limit,omitempty"`
	ChunkerMode    ChunkerMode `json:"chunker_mode,omitempty"`
	Chunker        Chunker     `json:"-"`
	RetryMax       int         `json:"retry_max,omitempty"`
	RetryBackoffMs int         `json:"retry_backoff_ms,omitempty"`
}

// NormalizeOutboundPolicy fills zero-value fields with sensible defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = 2000
	}
	if policy.ChunkerMode == "" {
		policy.ChunkerMode = ChunkerModeText
	}
	if policy.RetryMax <= 0 {
		policy.RetryMax = 3
	}
	if policy.RetryBackoffMs <= 0 {
		policy.RetryBackoffMs = 500
	}
	if policy.Chunker == nil {
		policy.Chunker = DefaultChunker(policy.ChunkerMode)
	}
	return policy
}

// DefaultChunker returns the built-in Chunker for the given mode.
func DefaultChunker(mode ChunkerMode) Chunker {
	switch mode {
	case ChunkerModeMarkdown:
		return ChunkMarkdownText
	default:
		return ChunkText
	}
}

// ChunkText splits text at newline boundaries, respecting the rune limit.
func ChunkText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	lines := strings.Split(trimmed, "\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(lines))
	bufLen := 0
	for _, line := range lines {
		lineLen := runeLen(line)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 1
		}
		if bufLen+sepLen+lineLen <= limit {
			buf = append(buf, line)
			bufLen += sepLen + lineLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n"))
			buf = buf[:0]
			bufLen = 0
		}
		if lineLen <= limit {
			buf = append(buf, line)
			bufLen = lineLen
			continue
		}
		chunks = append(chunks, splitLongLine(line, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n"))
	}
	return chunks
}

// ChunkMarkdownText splits text at paragraph boundaries (double newlines), respecting the rune limit.
func ChunkMarkdownText(text string, limit int) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}
	if limit <= 0 || runeLen(trimmed) <= limit {
		return []string{trimmed}
	}
	paragraphs := strings.Split(trimmed, "\n\n")
	chunks := make([]string, 0)
	buf := make([]string, 0, len(paragraphs))
	bufLen := 0
	for _, para := range paragraphs {
		paraLen := runeLen(para)
		sepLen := 0
		if len(buf) > 0 {
			sepLen = 2
		}
		if bufLen+sepLen+paraLen <= limit {
			buf = append(buf, para)
			bufLen += sepLen + paraLen
			continue
		}
		if len(buf) > 0 {
			chunks = append(chunks, strings.Join(buf, "\n\n"))
			buf = buf[:0]
			bufLen = 0
		}
		if paraLen <= limit {
			buf = append(buf, para)
			bufLen = paraLen
			continue
		}
		chunks = append(chunks, ChunkText(para, limit)...)
	}
	if len(buf) > 0 {
		chunks = append(chunks, strings.Join(buf, "\n\n"))
	}
	return chunks
}

func runeLen(value string) int {
	return len([]rune(value))
}

func splitLongLine(line string, limit int) []string {
	if limit <= 0 {
		return []string{line}
	}
	runes := []rune(line)
	chunks := make([]string, 0)
	for start := 0; start < len(runes); start += limit {
		end := start + limit
		if end > len(runes) {
			end = len(runes)
		}
		segment := strings.TrimSpace(string(runes[start:end]))
		if segment == "" {
			continue
		}
		chunks = append(chunks, segment)
	}
	return chunks
}

// chunkSegments splits text segments longer than the policy limit. Sticker
// and attachment segments pass through in place.
func chunkSegments(segments []message.Segment, policy OutboundPolicy) []message.Segment {
	out := make([]message.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Kind != message.KindText || runeLen(seg.Text) <= policy.TextChunkLimit {
			out = append(out, seg)
			continue
		}
		for _, chunk := range policy.Chunker(seg.Text, policy.TextChunkLimit) {
			out = append(out, message.Text(chunk))
		}
	}
	return out
}

func validateCapabilities(caps Capabilities, msg OutboundMessage) error {
	for _, seg := range msg.Segments {
		switch seg.Kind {
		case message.KindText:
			if !caps.Text && !seg.Blank() {
				return fmt.Errorf("channel does not support plain text")
			}
		case message.KindSticker, message.KindAttachment:
			if !caps.Attachments && !caps.NativeStickers {
				return fmt.Errorf("channel does not support attachments")
			}
		}
	}
	return nil
}

// PartialSendError reports a send that failed at segment Delivered. Every
// segment before it was already handled by the platform.
type PartialSendError struct {
	Delivered int
	Err       error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("failed after %d delivered segments: %v", e.Delivered, e.Err)
}

func (e *PartialSendError) Unwrap() error {
	return e.Err
}

// Partial wraps err as a PartialSendError when some segments were already
// delivered. It returns err unchanged otherwise.
func Partial(delivered int, err error) error {
	if err == nil || delivered <= 0 {
		return err
	}
	return &PartialSendError{Delivered: delivered, Err: err}
}

// sendWithRetry delivers msg, retrying with linear backoff. A retry resumes
// after the segments a partial send already delivered, so nothing reaches
// the platform twice.
func (m *Manager) sendWithRetry(ctx context.Context, session Session, msg OutboundMessage, policy OutboundPolicy) error {
	var lastErr error
	for i := 0; i < policy.RetryMax; i++ {
		err := session.Send(ctx, msg)
		if err == nil {
			return nil
		}
		lastErr = err
		var partial *PartialSendError
		if errors.As(err, &partial) && partial.Delivered > 0 {
			if partial.Delivered >= len(msg.Segments) {
				return nil
			}
			msg.Segments = msg.Segments[partial.Delivered:]
		}
		m.logger.Warn("send outbound retry",
			slog.String("channel", session.Kind().String()),
			slog.String("session", session.ID()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(msg.Segments)),
			slog.Any("error", err))
		if i == policy.RetryMax-1 {
			break
		}
		backoff := time.Duration(i+1) * time.Duration(policy.RetryBackoffMs) * time.Millisecond
		select {
		case <-ctx.Done():
			return fmt.Errorf("send outbound cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("send outbound failed after retries: %w", lastErr)
}

// Router delivers segments to a target of a session. *Manager satisfies it.
type Router interface {
	Send(ctx context.Context, sessionID, target string, segments []message.Segment, reply message.ReplyRef) error
}

// BoundSender sends segments to one target of one session.
type BoundSender struct {
	router    Router
	sessionID string
	target    string
}

// NewBoundSender fixes sessionID and target on router.
func NewBoundSender(router Router, sessionID, target string) *BoundSender {
	return &BoundSender{router: router, sessionID: sessionID, target: target}
}

// Send delivers segments through the router.
func (b *BoundSender) Send(ctx context.Context, segments []message.Segment, reply message.ReplyRef) error {
	return b.router.Send(ctx, b.sessionID, b.target, segments, reply)
}
