package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
)

const promptTemplate = `
## Available stickers

You can use the following sticker shortcodes in your reply, written as :shortcode:. They are replaced with the matching sticker image automatically.

Available shortcodes:
%s

Examples:
- use :thinking: when you are thinking something over
- pick the sticker that fits the context
- shortcodes are case-sensitive, use them exactly as listed
`

// PromptRequest is a model request about to be sent.
type PromptRequest struct {
	SessionID    string
	SystemPrompt string
	// Streaming is the requested streaming mode. The hook may turn it off.
	Streaming bool

	// Set by OnOutgoingPrompt.
	Injected int
}

// OnOutgoingPrompt appends the sticker list to the system prompt. On native
// sticker channels in full intercept mode it also turns streaming off, so
// the reply reaches the split sender in one piece.
func (h *Hooks) OnOutgoingPrompt(ctx context.Context, req *PromptRequest) error {
	if req == nil || !h.injectionEnabled() {
		return nil
	}
	caps, ok := h.delivery.Capabilities(strings.TrimSpace(req.SessionID))
	if !ok {
		return fmt.Errorf("%w: %s", channel.ErrUnknownSession, req.SessionID)
	}
	if !caps.NativeStickers && !h.opts.CrossPlatform {
		return nil
	}
	if caps.NativeStickers && h.engine.Options().FullIntercept {
		req.Streaming = false
	}
	if h.catalog == nil {
		return nil
	}

	entries, err := h.catalog.ListEntries(ctx, catalog.ListFilter{Limit: h.opts.PromptLimit})
	if err != nil {
		h.logger.Debug("list stickers failed, skipping prompt injection", slog.Any("error", err))
		return nil
	}
	block := RenderPrompt(entries)
	if block == "" {
		return nil
	}
	if req.SystemPrompt != "" {
		req.SystemPrompt += "\n\n" + block
	} else {
		req.SystemPrompt = block
	}
	req.Injected = len(entries)
	h.logger.Debug("sticker prompt injected", slog.String("session", req.SessionID), slog.Int("count", len(entries)))
	return nil
}

// RenderPrompt formats entries as the prompt block, or "" when there are none.
func RenderPrompt(entries []catalog.Entry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		token := strings.TrimSpace(e.Token)
		if token == "" {
			continue
		}
		line := "- :" + token + ":"
		if e.Pack != "" {
			line += " (" + e.Pack + ")"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	return fmt.Sprintf(promptTemplate, strings.Join(lines, "\n"))
}
