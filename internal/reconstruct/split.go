package reconstruct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/message"
	"github.com/memohai/sticker/internal/resolver"
	"github.com/memohai/sticker/internal/shortcode"
)

// SplitSender sends a reply as one message per segment so native stickers
// appear in the same order as their tokens.
type SplitSender struct {
	resolver Resolver
	usage    catalog.UsageRecorder
	strict   bool
	logger   *slog.Logger
}

func newSplitSender(log *slog.Logger, r Resolver, usage catalog.UsageRecorder, strict bool) *SplitSender {
	return &SplitSender{resolver: r, usage: usage, strict: strict, logger: log.With(slog.String("component", "split_sender"))}
}

// Build splits buffer into text runs and stickers. Unresolved tokens stay in
// the surrounding text. No cap applies.
func (s *SplitSender) Build(ctx context.Context, buffer string) ([]message.Segment, error) {
	matches := shortcode.Find(buffer, s.strict)
	if len(matches) == 0 {
		return textOnly(buffer), nil
	}
	if s.resolver == nil {
		return nil, catalog.ErrNotReady
	}
	resolved, err := s.resolver.ResolveAll(ctx, matchNames(matches))
	if err != nil {
		return nil, err
	}
	return build(buffer, matches, resolved), nil
}

func build(buffer string, matches []shortcode.Match, resolved map[string]catalog.Entry) []message.Segment {
	var out []message.Segment
	last := 0
	for _, m := range matches {
		entry, ok := resolved[resolver.Key(m.Name)]
		if !ok {
			continue
		}
		if m.Start > last {
			out = append(out, message.Text(buffer[last:m.Start]))
		}
		out = append(out, message.Sticker(entry))
		last = m.End
	}
	if last < len(buffer) {
		out = append(out, message.Text(buffer[last:]))
	}
	return out
}

func textOnly(buffer string) []message.Segment {
	if buffer == "" {
		return nil
	}
	return []message.Segment{message.Text(buffer)}
}

// Send delivers each segment as its own message, in order. Whitespace-only
// text is skipped. When streaming, a failed segment is logged and the rest
// still go out; otherwise the first failure stops delivery. It returns how
// many messages were sent.
func (s *SplitSender) Send(ctx context.Context, segments []message.Segment, sender Sender, reply message.ReplyRef, streaming bool) (int, error) {
	if sender == nil {
		return 0, fmt.Errorf("%w: no sender", ErrDelivery)
	}
	sent := 0
	for i, seg := range segments {
		if seg.Blank() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sent, err
		}
		if err := sender.Send(ctx, []message.Segment{seg}, reply); err != nil {
			s.logger.Warn("split segment failed",
				slog.Int("index", i),
				slog.String("kind", string(seg.Kind)),
				slog.Bool("streaming", streaming),
				slog.Any("error", err))
			if !streaming {
				return sent, fmt.Errorf("%w: segment %d: %w", ErrDelivery, i, err)
			}
			continue
		}
		sent++
		if seg.IsSticker() {
			touch(ctx, s.logger, s.usage, seg.Sticker.ID)
		}
	}
	return sent, nil
}
