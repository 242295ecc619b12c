// Package pipeline connects the reply generator to sticker reconstruction.
// It exposes the two hooks a bot runtime calls: one before the model is
// prompted and one before a generated reply is delivered.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/config"
	"github.com/memohai/sticker/internal/message"
	"github.com/memohai/sticker/internal/reconstruct"
)

// Delivery routes messages to connected sessions. *channel.Manager satisfies it.
type Delivery interface {
	Capabilities(sessionID string) (channel.Capabilities, bool)
	Send(ctx context.Context, sessionID, target string, segments []message.Segment, reply message.ReplyRef) error
	Bind(sessionID, target string) *channel.BoundSender
}

// Options tunes the hooks.
type Options struct {
	// PromptInjection is the runtime mode; any alias understood by
	// config.NormalizePromptInjection. Off also disables catalog
	// substitution, leaving only the emoji pass.
	PromptInjection string
	PromptLimit     int
	// CrossPlatform enables stickers on channels without native support.
	CrossPlatform bool
}

// OutgoingEvent is one generated reply on its way out.
type OutgoingEvent struct {
	SessionID string
	Target    string
	Segments  []message.Segment
	Streaming bool
	Reply     message.ReplyRef
	// Completion is the cached model output, used when Segments has no text.
	Completion string

	// Set by OnOutgoingMessage.
	Delivered  bool
	Suppressed bool
	Stickers   int
}

// Hooks runs reconstruction for outgoing replies.
type Hooks struct {
	engine   *reconstruct.Engine
	delivery Delivery
	catalog  catalog.Reader
	usage    catalog.UsageRecorder
	opts     Options
	logger   *slog.Logger
}

// NewHooks creates Hooks. store may be nil until the catalog is opened.
func NewHooks(log *slog.Logger, engine *reconstruct.Engine, delivery Delivery, store catalog.Store, opts Options) *Hooks {
	if log == nil {
		log = slog.Default()
	}
	if opts.PromptLimit <= 0 {
		opts.PromptLimit = config.DefaultPromptLimit
	}
	h := &Hooks{
		engine:   engine,
		delivery: delivery,
		opts:     opts,
		logger:   log.With(slog.String("service", "sticker_pipeline")),
	}
	if store != nil {
		h.catalog = store
		h.usage = store
	}
	return h
}

func (h *Hooks) injectionEnabled() bool {
	return config.PromptInjectionEnabled(h.opts.PromptInjection)
}

// stickersAllowed reports whether catalog substitution applies on a channel.
func (h *Hooks) stickersAllowed(caps channel.Capabilities) bool {
	if !h.injectionEnabled() {
		return false
	}
	return caps.NativeStickers || h.opts.CrossPlatform
}

// OnOutgoingMessage reconstructs ev and delivers it. When the engine already
// delivered the reply as split messages, ev.Suppressed is set and nothing
// else is sent. Stickers of a finished streaming reply follow the text as
// separate messages.
func (h *Hooks) OnOutgoingMessage(ctx context.Context, ev *OutgoingEvent) error {
	if ev == nil {
		return fmt.Errorf("outgoing event is nil")
	}
	sessionID := strings.TrimSpace(ev.SessionID)
	caps, ok := h.delivery.Capabilities(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", channel.ErrUnknownSession, sessionID)
	}
	log := h.logger.With(slog.String("session", sessionID), slog.String("target", ev.Target))

	segments := ev.Segments
	if !h.stickersAllowed(caps) {
		if message.PlainText(segments) == "" && ev.Completion != "" {
			segments = append([]message.Segment{message.Text(ev.Completion)}, segments...)
		}
		return h.deliver(ctx, ev, h.engine.Finish(segments))
	}

	sender := h.delivery.Bind(sessionID, ev.Target)
	res, err := h.engine.Process(ctx, reconstruct.Event{
		Segments:     segments,
		Streaming:    ev.Streaming,
		Capabilities: caps,
		Reply:        ev.Reply,
		CachedText:   ev.Completion,
	}, sender)
	if res.Suppressed {
		ev.Suppressed = true
		ev.Delivered = res.Sent > 0
		ev.Stickers = res.Resolved
		return err
	}
	switch {
	case err == nil:
	case errors.Is(err, catalog.ErrNotReady):
		log.Debug("sticker catalog not ready, sending text only")
	default:
		log.Warn("sticker reconstruction failed, sending text only", slog.Any("error", err))
	}

	if err := h.deliver(ctx, ev, res.Segments); err != nil {
		return err
	}
	ids := uniqueIDs(message.StickerIDs(res.Segments))
	ev.Stickers = len(ids)
	if len(res.FollowUps) > 0 {
		sent := h.engine.SendFollowUps(ctx, res.FollowUps, sender, ev.Reply)
		ev.Stickers += sent
		log.Debug("sticker follow-ups sent", slog.Int("count", sent), slog.Int("total", len(res.FollowUps)))
	}
	for _, id := range ids {
		if h.usage == nil {
			break
		}
		if err := h.usage.TouchUsage(ctx, id); err != nil {
			log.Debug("touch usage failed", slog.String("sticker_id", id), slog.Any("error", err))
		}
	}
	return nil
}

func (h *Hooks) deliver(ctx context.Context, ev *OutgoingEvent, segments []message.Segment) error {
	ev.Segments = segments
	if (channel.OutboundMessage{Segments: segments}).IsEmpty() {
		return nil
	}
	if err := h.delivery.Send(ctx, ev.SessionID, ev.Target, segments, ev.Reply); err != nil {
		return fmt.Errorf("%w: %w", reconstruct.ErrDelivery, err)
	}
	ev.Delivered = true
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
