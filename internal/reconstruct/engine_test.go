package reconstruct

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/message"
)

type mapResolver struct {
	entries map[string]catalog.Entry
	err     error
}

func (r mapResolver) ResolveAll(_ context.Context, raws []string) (map[string]catalog.Entry, error) {
	if r.err != nil {
		return nil, r.err
	}
	out := map[string]catalog.Entry{}
	for _, raw := range raws {
		key := strings.ToLower(raw)
		if e, ok := r.entries[key]; ok {
			out[key] = e
		}
	}
	return out, nil
}

func catalogOf(tokens ...string) mapResolver {
	r := mapResolver{entries: map[string]catalog.Entry{}}
	for _, tok := range tokens {
		r.entries[tok] = catalog.Entry{ID: "id-" + tok, Token: tok, MediaRef: "mxc://example.org/" + tok}
	}
	return r
}

type recordingSender struct {
	mu       sync.Mutex
	messages [][]message.Segment
	failAt   map[int]bool
	calls    int
}

func (s *recordingSender) Send(_ context.Context, segments []message.Segment, reply message.ReplyRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAt[s.calls] {
		return errors.New("send failed")
	}
	s.messages = append(s.messages, segments)
	return nil
}

type usageCounter struct {
	mu  sync.Mutex
	ids []string
}

func (u *usageCounter) TouchUsage(_ context.Context, id string) error {
	u.mu.Lock()
	u.ids = append(u.ids, id)
	u.mu.Unlock()
	return nil
}

type upperEmoji struct{}

func (upperEmoji) Convert(text string) string {
	return strings.ReplaceAll(text, ":smile:", "😄")
}

// describe renders segments compactly: text verbatim, stickers as [token].
func describe(segments []message.Segment) []string {
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		switch {
		case seg.IsSticker():
			out = append(out, "["+seg.Sticker.Token+"]")
		case seg.Kind == message.KindText:
			out = append(out, seg.Text)
		default:
			out = append(out, "<"+string(seg.Kind)+">")
		}
	}
	return out
}

func process(t *testing.T, e *Engine, ev Event, sender Sender) Result {
	t.Helper()
	res, err := e.Process(context.Background(), ev, sender)
	require.NoError(t, err)
	return res
}

func TestNoMatchesLeavesTextAlone(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("x"), nil, nil, Options{MaxPerReply: DefaultMaxPerReply})
	res := process(t, e, Event{Segments: []message.Segment{message.Text("plain reply at 12:30:00")}}, nil)
	assert.Equal(t, []string{"plain reply at 12:30:00"}, describe(res.Segments))
	assert.False(t, res.Suppressed)
}

func TestSubstitutionSplicesInOrder(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("x", "y"), nil, nil, Options{MaxPerReply: DefaultMaxPerReply})
	res := process(t, e, Event{Segments: []message.Segment{
		message.Text("a :x: b :nope: c :Y:"),
		message.File(message.Attachment{URL: "https://example.org/f.png"}),
	}}, nil)
	assert.Equal(t, []string{"a ", "[x]", " b :nope: c ", "[y]", "<attachment>"}, describe(res.Segments))
	assert.Equal(t, 3, res.Matched)
	assert.Equal(t, 2, res.Resolved)
}

func TestCapTwoWithThreeDistinctTokens(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("a", "b", "c"), nil, nil, Options{MaxPerReply: 2, DedupeRepeats: true})
	res := process(t, e, Event{Segments: []message.Segment{message.Text(":a: :b: :c:")}}, nil)
	assert.Equal(t, []string{"[a]", " ", "[b]", " :c:"}, describe(res.Segments))
	assert.Len(t, message.StickerIDs(res.Segments), 2)
}

func TestCapTwoWithRepeatedToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		dedupe bool
		want   []string
	}{
		{name: "dedupe drops repeats", dedupe: true, want: []string{"[x]", " and  and "}},
		{name: "repeats spliced again", dedupe: false, want: []string{"[x]", " and ", "[x]", " and ", "[x]"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := NewEngine(nil, catalogOf("x", "z"), nil, nil, Options{MaxPerReply: 2, DedupeRepeats: tc.dedupe})
			res := process(t, e, Event{Segments: []message.Segment{message.Text(":x: and :x: and :x:")}}, nil)
			assert.Equal(t, tc.want, describe(res.Segments))
		})
	}
}

func TestRepeatsDoNotConsumeCap(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("x", "y"), nil, nil, Options{MaxPerReply: 2, DedupeRepeats: false})
	res := process(t, e, Event{Segments: []message.Segment{message.Text(":x::x::x::y:")}}, nil)
	assert.Equal(t, []string{"[x]", "[x]", "[x]", "[y]"}, describe(res.Segments))
}

func TestUnlimitedCap(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("a", "b", "c"), nil, nil, Options{MaxPerReply: 0})
	res := process(t, e, Event{Segments: []message.Segment{message.Text(":a::b::c:")}}, nil)
	assert.Len(t, message.StickerIDs(res.Segments), 3)
}

func TestEscapedTokenIsUnescapedOnce(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("x"), nil, nil, Options{MaxPerReply: 5})
	res := process(t, e, Event{Segments: []message.Segment{message.Text(`\:x: then :x: then \\:y:`)}}, nil)
	assert.Equal(t, []string{":x: then ", "[x]", ` then \:y:`}, describe(res.Segments))
}

func TestEmojiPassRunsAfterSubstitution(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("x"), nil, upperEmoji{}, Options{MaxPerReply: 5})
	res := process(t, e, Event{Segments: []message.Segment{message.Text(":smile: :x:")}}, nil)
	assert.Equal(t, []string{"😄 ", "[x]"}, describe(res.Segments))

	res = process(t, e, Event{Segments: []message.Segment{message.Text("no tokens :smile:")}}, nil)
	assert.Equal(t, []string{"no tokens 😄"}, describe(res.Segments))
}

func TestCachedTextFallback(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("x"), nil, nil, Options{MaxPerReply: 5})
	res := process(t, e, Event{Segments: []message.Segment{message.Text("  ")}, CachedText: "hi :x:"}, nil)
	assert.Equal(t, []string{"hi ", "[x]", "  "}, describe(res.Segments))
}

func TestFullInterceptSplitsAndSuppresses(t *testing.T) {
	t.Parallel()

	usage := &usageCounter{}
	sender := &recordingSender{}
	e := NewEngine(nil, catalogOf("x", "y"), usage, nil, Options{FullIntercept: true, MaxPerReply: 1})
	ev := Event{
		Segments:     []message.Segment{message.Text("a :x: b :y: c")},
		Capabilities: channel.Capabilities{Text: true, NativeStickers: true},
		Reply:        message.ReplyRef{MessageID: "$orig"},
	}
	res := process(t, e, ev, sender)

	assert.True(t, res.Suppressed)
	assert.Empty(t, res.Segments)
	assert.Equal(t, 5, res.Sent)
	var got []string
	for _, msg := range sender.messages {
		require.Len(t, msg, 1)
		got = append(got, describe(msg)...)
	}
	assert.Equal(t, []string{"a ", "[x]", " b ", "[y]", " c"}, got)
	assert.Equal(t, []string{"id-x", "id-y"}, usage.ids)
}

func TestFullInterceptFallsBackWhenUnresolved(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	e := NewEngine(nil, catalogOf("x"), nil, nil, Options{FullIntercept: true, MaxPerReply: 5})
	res := process(t, e, Event{
		Segments:     []message.Segment{message.Text("a :x: b :y: c")},
		Capabilities: channel.Capabilities{NativeStickers: true},
	}, sender)

	assert.False(t, res.Suppressed)
	assert.Empty(t, sender.messages)
	assert.Equal(t, []string{"a ", "[x]", " b :y: c"}, describe(res.Segments))
}

func TestFullInterceptNeedsNativeStickers(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	e := NewEngine(nil, catalogOf("x"), nil, nil, Options{FullIntercept: true, MaxPerReply: 5})
	res := process(t, e, Event{Segments: []message.Segment{message.Text("a :x:")}}, sender)
	assert.False(t, res.Suppressed)
	assert.Empty(t, sender.messages)
}

func TestFullInterceptNonStreamingFailsFast(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{failAt: map[int]bool{2: true}}
	e := NewEngine(nil, catalogOf("x", "y"), nil, nil, Options{FullIntercept: true})
	res, err := e.Process(context.Background(), Event{
		Segments:     []message.Segment{message.Text("a :x: b :y: c")},
		Capabilities: channel.Capabilities{NativeStickers: true},
	}, sender)
	require.ErrorIs(t, err, ErrDelivery)
	assert.True(t, res.Suppressed)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, sender.calls)
}

func TestStreamingFinishReturnsFollowUps(t *testing.T) {
	t.Parallel()

	usage := &usageCounter{}
	sender := &recordingSender{failAt: map[int]bool{2: true}}
	e := NewEngine(nil, catalogOf("x", "y", "z", "w"), usage, nil, Options{MaxPerReply: 3})
	ev := Event{
		Segments:     []message.Segment{message.Text(`:x: :y: :x: \:z: :z: :w:`)},
		Streaming:    true,
		Capabilities: channel.Capabilities{NativeStickers: true, Streaming: true},
		Reply:        message.ReplyRef{MessageID: "$orig"},
	}
	res := process(t, e, ev, sender)

	assert.Equal(t, []string{`:x: :y: :x: :z: :z: :w:`}, describe(res.Segments))
	assert.Zero(t, sender.calls, "follow-ups must wait for the text")
	assert.Empty(t, usage.ids)
	var tokens []string
	for _, entry := range res.FollowUps {
		tokens = append(tokens, entry.Token)
	}
	assert.Equal(t, []string{"x", "y", "z"}, tokens)

	sent := e.SendFollowUps(context.Background(), res.FollowUps, sender, ev.Reply)
	assert.Equal(t, 3, sender.calls)
	assert.Equal(t, 2, sent)
	var got []string
	for _, msg := range sender.messages {
		got = append(got, describe(msg)...)
	}
	assert.Equal(t, []string{"[x]", "[z]"}, got)
	assert.Equal(t, []string{"id-x", "id-z"}, usage.ids)
}

func TestFullInterceptKeepsAttachmentPosition(t *testing.T) {
	t.Parallel()

	var rec Recorder
	e := NewEngine(nil, catalogOf("x", "y"), nil, nil, Options{FullIntercept: true})
	res := process(t, e, Event{
		Segments: []message.Segment{
			message.Text("a :x:"),
			message.File(message.Attachment{URL: "https://example.org/f.png"}),
			message.Text("b :y:"),
		},
		Capabilities: channel.Capabilities{Text: true, NativeStickers: true},
	}, &rec)
	require.True(t, res.Suppressed)
	var got []string
	for _, msg := range rec.Messages() {
		got = append(got, describe(msg)...)
	}
	assert.Equal(t, []string{"a ", "[x]", "<attachment>", "b ", "[y]"}, got)
}

func TestStreamingOnPlainChannelSplicesInline(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	e := NewEngine(nil, catalogOf("x"), nil, nil, Options{MaxPerReply: 5})
	res := process(t, e, Event{
		Segments:     []message.Segment{message.Text("hey :x:")},
		Streaming:    true,
		Capabilities: channel.Capabilities{Text: true, Attachments: true},
	}, sender)
	assert.Equal(t, []string{"hey ", "[x]"}, describe(res.Segments))
	assert.Empty(t, sender.messages)
}

func TestCatalogNotReady(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, mapResolver{err: catalog.ErrNotReady}, nil, nil, Options{})
	res, err := e.Process(context.Background(), Event{Segments: []message.Segment{message.Text(`:x: \:y:`)}}, nil)
	assert.ErrorIs(t, err, catalog.ErrNotReady)
	assert.Equal(t, []string{`:x: :y:`}, describe(res.Segments))
}

func TestSplitSenderBuildAndStreamingContinue(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("x", "y"), nil, nil, Options{})
	parts, err := e.Split().Build(context.Background(), ":x: mid :q: :y:")
	require.NoError(t, err)
	assert.Equal(t, []string{"[x]", " mid :q: ", "[y]"}, describe(parts))

	sender := &recordingSender{failAt: map[int]bool{1: true}}
	sent, err := e.Split().Send(context.Background(), append(parts, message.Text("   ")), sender, message.ReplyRef{}, true)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)
	assert.Equal(t, 3, sender.calls)
}

func TestRelaxedGrammarResolvesUnterminatedToken(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("wave"), nil, nil, Options{Strict: false, MaxPerReply: 5})
	res := process(t, e, Event{Segments: []message.Segment{message.Text("bye :wave")}}, nil)
	assert.Equal(t, []string{"bye ", "[wave]"}, describe(res.Segments))

	strict := NewEngine(nil, catalogOf("wave"), nil, nil, Options{Strict: true, MaxPerReply: 5})
	res = process(t, strict, Event{Segments: []message.Segment{message.Text("bye :wave")}}, nil)
	assert.Equal(t, []string{"bye :wave"}, describe(res.Segments))
}

func TestFinishSkipsCatalog(t *testing.T) {
	t.Parallel()

	e := NewEngine(nil, catalogOf("smile"), nil, upperEmoji{}, Options{})
	got := e.Finish([]message.Segment{message.Text(`:smile: and \:wave:`), message.Text("")})
	assert.Equal(t, []string{"😄 and :wave:"}, describe(got))
}

func TestRecorderKeepsSendOrder(t *testing.T) {
	t.Parallel()

	var rec Recorder
	e := NewEngine(nil, catalogOf("x"), nil, nil, Options{FullIntercept: true})
	res := process(t, e, Event{
		Segments:     []message.Segment{message.Text("hi :x: there")},
		Capabilities: channel.Capabilities{Text: true, NativeStickers: true},
	}, &rec)
	require.True(t, res.Suppressed)
	msgs := rec.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"hi "}, describe(msgs[0]))
	assert.Equal(t, []string{"[x]"}, describe(msgs[1]))
	assert.Equal(t, []string{" there"}, describe(msgs[2]))
}
