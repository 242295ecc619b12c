package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/reconstruct"
)

func TestRenderPrompt(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", RenderPrompt(nil))
	out := RenderPrompt([]catalog.Entry{
		{Token: "wave", Pack: "Cats"},
		{Token: "  "},
		{Token: "thinking"},
	})
	assert.Contains(t, out, "## Available stickers")
	assert.Contains(t, out, "- :wave: (Cats)\n- :thinking:\n")
}

func TestOnOutgoingPromptAppendsList(t *testing.T) {
	t.Parallel()

	store := newStore("a", "b", "c")
	delivery := &fakeDelivery{caps: map[string]channel.Capabilities{"mx": nativeCaps}}
	h := newHooks(store, delivery, reconstruct.Options{}, Options{PromptInjection: "runtime", PromptLimit: 2})

	req := &PromptRequest{SessionID: "mx", SystemPrompt: "You are helpful.", Streaming: true}
	require.NoError(t, h.OnOutgoingPrompt(context.Background(), req))

	assert.True(t, strings.HasPrefix(req.SystemPrompt, "You are helpful.\n\n"))
	assert.Contains(t, req.SystemPrompt, "- :a: (pack)\n- :b: (pack)")
	assert.NotContains(t, req.SystemPrompt, ":c:")
	assert.Equal(t, 2, req.Injected)
	assert.True(t, req.Streaming)
}

func TestOnOutgoingPromptFullInterceptDisablesStreaming(t *testing.T) {
	t.Parallel()

	delivery := &fakeDelivery{caps: map[string]channel.Capabilities{"mx": nativeCaps, "tg": plainCaps}}
	h := newHooks(newStore("a"), delivery, reconstruct.Options{FullIntercept: true}, Options{PromptInjection: "on", CrossPlatform: true})

	req := &PromptRequest{SessionID: "mx", Streaming: true}
	require.NoError(t, h.OnOutgoingPrompt(context.Background(), req))
	assert.False(t, req.Streaming)
	assert.Contains(t, req.SystemPrompt, "- :a:")

	req = &PromptRequest{SessionID: "tg", Streaming: true}
	require.NoError(t, h.OnOutgoingPrompt(context.Background(), req))
	assert.True(t, req.Streaming)
	assert.Contains(t, req.SystemPrompt, "- :a:")
}

func TestOnOutgoingPromptSkips(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		store   *fakeStore
		session string
		opts    Options
	}{
		{name: "mode off", store: newStore("a"), session: "mx", opts: Options{PromptInjection: "fc"}},
		{name: "plain channel", store: newStore("a"), session: "tg", opts: Options{PromptInjection: "on"}},
		{name: "empty catalog", store: newStore(), session: "mx", opts: Options{PromptInjection: "on"}},
		{name: "list error", store: &fakeStore{listErr: errors.New("locked")}, session: "mx", opts: Options{PromptInjection: "on"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			delivery := &fakeDelivery{caps: map[string]channel.Capabilities{"mx": nativeCaps, "tg": plainCaps}}
			h := newHooks(tc.store, delivery, reconstruct.Options{}, tc.opts)
			req := &PromptRequest{SessionID: tc.session, SystemPrompt: "base"}
			require.NoError(t, h.OnOutgoingPrompt(context.Background(), req))
			assert.Equal(t, "base", req.SystemPrompt)
			assert.Zero(t, req.Injected)
		})
	}
}

func TestOnOutgoingPromptUnknownSession(t *testing.T) {
	t.Parallel()

	h := newHooks(newStore("a"), &fakeDelivery{}, reconstruct.Options{}, Options{PromptInjection: "on"})
	require.Error(t, h.OnOutgoingPrompt(context.Background(), &PromptRequest{SessionID: "nope"}))
}
