// Package reconstruct turns generated reply text into ordered text and
// sticker segments. It finds :token: shortcodes, resolves them against the
// sticker catalog, and either splices the stickers in place or, on channels
// that embed stickers natively, delivers them as separate messages.
package reconstruct

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/message"
	"github.com/memohai/sticker/internal/resolver"
	"github.com/memohai/sticker/internal/shortcode"
)

// DefaultMaxPerReply caps distinct stickers spliced into one reply.
const DefaultMaxPerReply = 5

// ErrDelivery wraps a failed send of a reconstructed segment.
var ErrDelivery = errors.New("sticker delivery failed")

// Sender delivers segments as one message. *channel.BoundSender satisfies it.
type Sender interface {
	Send(ctx context.Context, segments []message.Segment, reply message.ReplyRef) error
}

// Resolver batch-resolves shortcodes. *resolver.Resolver satisfies it.
type Resolver interface {
	ResolveAll(ctx context.Context, raws []string) (map[string]catalog.Entry, error)
}

// TextConverter rewrites plain text after catalog substitution, such as
// the emoji shortcode table.
type TextConverter interface {
	Convert(text string) string
}

// Options tunes one Engine.
type Options struct {
	// Strict selects the strict shortcode grammar.
	Strict bool
	// FullIntercept sends fully resolvable replies as split messages on
	// native sticker channels.
	FullIntercept bool
	// MaxPerReply caps distinct stickers per reply; <=0 means unlimited.
	MaxPerReply int
	// DedupeRepeats drops repeated tokens of an already spliced sticker
	// instead of splicing it again.
	DedupeRepeats bool
}

// Event is one outgoing reply.
type Event struct {
	Segments     []message.Segment
	Streaming    bool
	Capabilities channel.Capabilities
	Reply        message.ReplyRef
	// CachedText is the raw completion, used when Segments carry no text.
	CachedText string
}

// Result is the reconstructed reply.
type Result struct {
	// Segments is what the caller should deliver. Empty when Suppressed.
	Segments []message.Segment
	// Suppressed means the reply was already delivered by the engine.
	Suppressed bool
	Matched    int
	Resolved   int
	// Sent counts messages the engine delivered itself.
	Sent int
	// FollowUps are the stickers of a finished streaming reply. The caller
	// sends them with SendFollowUps once Segments has been delivered.
	FollowUps []catalog.Entry
}

// Engine runs reconstruction passes. It is safe for concurrent use.
type Engine struct {
	resolver Resolver
	usage    catalog.UsageRecorder
	emoji    TextConverter
	split    *SplitSender
	opts     Options
	logger   *slog.Logger
}

// NewEngine creates an Engine. usage and emoji may be nil.
func NewEngine(log *slog.Logger, r Resolver, usage catalog.UsageRecorder, emoji TextConverter, opts Options) *Engine {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("service", "reconstruct"))
	return &Engine{
		resolver: r,
		usage:    usage,
		emoji:    emoji,
		split:    newSplitSender(log, r, usage, opts.Strict),
		opts:     opts,
		logger:   log,
	}
}

// Options returns the engine configuration.
func (e *Engine) Options() Options {
	return e.opts
}

// Split returns the engine's split sender.
func (e *Engine) Split() *SplitSender {
	return e.split
}

// Process reconstructs ev. sender is used for full intercept only and may be
// nil otherwise. Streaming follow-ups are returned in Result.FollowUps, not
// sent.
//
// When the catalog is not ready the error is catalog.ErrNotReady and the
// result still holds the text-only rendering, which callers may deliver.
func (e *Engine) Process(ctx context.Context, ev Event, sender Sender) (Result, error) {
	segments := ev.Segments
	buffer := message.PlainText(segments)
	if strings.TrimSpace(buffer) == "" && strings.TrimSpace(ev.CachedText) != "" {
		buffer = ev.CachedText
		segments = append([]message.Segment{message.Text(ev.CachedText)}, segments...)
	}

	matches := shortcode.Find(buffer, e.opts.Strict)
	if len(matches) == 0 {
		return Result{Segments: e.finish(segments)}, nil
	}
	if e.resolver == nil {
		return Result{Segments: e.finish(segments), Matched: len(matches)}, catalog.ErrNotReady
	}
	resolved, err := e.resolver.ResolveAll(ctx, matchNames(matches))
	if err != nil {
		e.logger.Warn("resolve failed, leaving tokens literal", slog.Any("error", err))
		return Result{Segments: e.finish(segments), Matched: len(matches)}, err
	}
	hits := 0
	for _, m := range matches {
		if _, ok := resolved[resolver.Key(m.Name)]; ok {
			hits++
		}
	}

	if e.opts.FullIntercept && ev.Capabilities.NativeStickers && sender != nil && hits == len(matches) {
		parts := e.finish(e.splitParts(segments, resolved))
		sent, err := e.split.Send(ctx, parts, sender, ev.Reply, ev.Streaming)
		res := Result{Suppressed: true, Matched: len(matches), Resolved: hits, Sent: sent}
		if err != nil {
			return res, err
		}
		e.logger.Debug("reply split", slog.Int("segments", len(parts)), slog.Int("sent", sent))
		return res, nil
	}

	if ev.Streaming && ev.Capabilities.NativeStickers {
		return Result{
			Segments:  e.finish(segments),
			Matched:   len(matches),
			Resolved:  hits,
			FollowUps: e.collect(segments, resolved),
		}, nil
	}

	out := e.substitute(segments, resolved)
	return Result{Segments: e.finish(out), Matched: len(matches), Resolved: hits}, nil
}

// capState tracks stickers placed in one reply.
type capState struct {
	max  int
	used map[string]bool
}

func newCapState(max int) *capState {
	return &capState{max: max, used: map[string]bool{}}
}

// admit reports whether entry may be placed and whether it repeats an
// earlier placement. Repeats never count against the cap.
func (c *capState) admit(id string) (ok, repeat bool) {
	if c.used[id] {
		return true, true
	}
	if c.max > 0 && len(c.used) >= c.max {
		return false, false
	}
	c.used[id] = true
	return true, false
}

// substitute splices resolved stickers into each text segment.
func (e *Engine) substitute(segments []message.Segment, resolved map[string]catalog.Entry) []message.Segment {
	caps := newCapState(e.opts.MaxPerReply)
	out := make([]message.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Kind != message.KindText {
			out = append(out, seg)
			continue
		}
		matches := shortcode.Find(seg.Text, e.opts.Strict)
		if len(matches) == 0 {
			out = append(out, seg)
			continue
		}
		var text strings.Builder
		last := 0
		for _, m := range matches {
			entry, ok := resolved[resolver.Key(m.Name)]
			if !ok {
				continue
			}
			admitted, repeat := caps.admit(entry.ID)
			if !admitted {
				continue
			}
			text.WriteString(seg.Text[last:m.Start])
			last = m.End
			if repeat && e.opts.DedupeRepeats {
				continue
			}
			if text.Len() > 0 {
				out = append(out, message.Text(text.String()))
				text.Reset()
			}
			out = append(out, message.Sticker(entry))
		}
		text.WriteString(seg.Text[last:])
		if text.Len() > 0 {
			out = append(out, message.Text(text.String()))
		}
	}
	return out
}

// collect returns the stickers a streaming reply should follow up with, in
// order, without repeats, honouring the cap.
func (e *Engine) collect(segments []message.Segment, resolved map[string]catalog.Entry) []catalog.Entry {
	caps := newCapState(e.opts.MaxPerReply)
	var entries []catalog.Entry
	for _, seg := range segments {
		if seg.Kind != message.KindText {
			continue
		}
		for _, m := range shortcode.Find(seg.Text, e.opts.Strict) {
			entry, ok := resolved[resolver.Key(m.Name)]
			if !ok {
				continue
			}
			if admitted, repeat := caps.admit(entry.ID); admitted && !repeat {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

// SendFollowUps sends each entry as its own sticker message quoting reply.
// A failed sticker is logged and the rest still go out. It returns how many
// were sent.
func (e *Engine) SendFollowUps(ctx context.Context, entries []catalog.Entry, sender Sender, reply message.ReplyRef) int {
	if sender == nil || len(entries) == 0 {
		return 0
	}
	sent := 0
	for _, entry := range entries {
		if err := sender.Send(ctx, []message.Segment{message.Sticker(entry)}, reply); err != nil {
			e.logger.Warn("sticker follow-up failed",
				slog.String("sticker_id", entry.ID),
				slog.String("token", entry.Token),
				slog.Any("error", fmt.Errorf("%w: %w", ErrDelivery, err)))
			if ctx.Err() != nil {
				break
			}
			continue
		}
		sent++
		touch(ctx, e.logger, e.usage, entry.ID)
	}
	return sent
}

// Finish runs only the emoji and unescape passes. Callers use it when
// catalog substitution is switched off for a channel.
func (e *Engine) Finish(segments []message.Segment) []message.Segment {
	return e.finish(segments)
}

// finish runs the emoji pass and unescapes every text segment.
func (e *Engine) finish(segments []message.Segment) []message.Segment {
	out := make([]message.Segment, 0, len(segments))
	for _, seg := range segments {
		if seg.Kind == message.KindText {
			text := seg.Text
			if e.emoji != nil {
				text = e.emoji.Convert(text)
			}
			seg = message.Text(shortcode.Unescape(text))
		}
		out = append(out, seg)
	}
	return message.DropEmptyText(out)
}

func matchNames(matches []shortcode.Match) []string {
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Name)
	}
	return names
}

// splitParts breaks every text segment into text runs and stickers. Other
// segments keep their position between the runs.
func (e *Engine) splitParts(segments []message.Segment, resolved map[string]catalog.Entry) []message.Segment {
	var out []message.Segment
	for _, seg := range segments {
		if seg.Kind != message.KindText {
			out = append(out, seg)
			continue
		}
		out = append(out, build(seg.Text, shortcode.Find(seg.Text, e.opts.Strict), resolved)...)
	}
	return out
}

func touch(ctx context.Context, log *slog.Logger, usage catalog.UsageRecorder, id string) {
	if usage == nil {
		return
	}
	if err := usage.TouchUsage(ctx, id); err != nil {
		log.Debug("touch usage failed", slog.String("sticker_id", id), slog.Any("error", err))
	}
}
