// Package message defines the outgoing message model shared by the
// reconstruction engine and the channel adapters.
package message

import (
	"strings"

	"github.com/memohai/sticker/internal/catalog"
)

// SegmentKind tags a Segment.
type SegmentKind string

const (
	KindText       SegmentKind = "text"
	KindSticker    SegmentKind = "sticker"
	KindAttachment SegmentKind = "attachment"
)

// Attachment is media that was already part of the reply before
// reconstruction. It is passed through untouched.
type Attachment struct {
	URL  string `json:"url,omitempty"`
	Mime string `json:"mime,omitempty"`
	Name string `json:"name,omitempty"`
	Data []byte `json:"-"`
}

// Segment is one ordered piece of an outgoing message.
type Segment struct {
	Kind       SegmentKind    `json:"kind"`
	Text       string         `json:"text,omitempty"`
	Sticker    *catalog.Entry `json:"sticker,omitempty"`
	Attachment *Attachment    `json:"attachment,omitempty"`
}

// Text returns a text segment.
func Text(s string) Segment {
	return Segment{Kind: KindText, Text: s}
}

// Sticker returns a sticker segment for entry.
func Sticker(entry catalog.Entry) Segment {
	return Segment{Kind: KindSticker, Sticker: &entry}
}

// File returns an attachment segment.
func File(att Attachment) Segment {
	return Segment{Kind: KindAttachment, Attachment: &att}
}

func (s Segment) IsText() bool    { return s.Kind == KindText }
func (s Segment) IsSticker() bool { return s.Kind == KindSticker && s.Sticker != nil }

// Blank reports whether s is a text segment holding only whitespace.
func (s Segment) Blank() bool {
	return s.Kind == KindText && strings.TrimSpace(s.Text) == ""
}

// ReplyRef points at the message being answered.
type ReplyRef struct {
	MessageID string `json:"message_id,omitempty"`
}

// IsZero reports whether no reply target is set.
func (r ReplyRef) IsZero() bool {
	return strings.TrimSpace(r.MessageID) == ""
}

// PlainText concatenates every text segment.
func PlainText(segments []Segment) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg.Kind == KindText {
			b.WriteString(seg.Text)
		}
	}
	return b.String()
}

// DropEmptyText removes text segments with no characters.
func DropEmptyText(segments []Segment) []Segment {
	out := segments[:0:0]
	for _, seg := range segments {
		if seg.Kind == KindText && seg.Text == "" {
			continue
		}
		out = append(out, seg)
	}
	return out
}

// StickerIDs lists sticker entry ids in order of appearance.
func StickerIDs(segments []Segment) []string {
	var ids []string
	for _, seg := range segments {
		if seg.IsSticker() {
			ids = append(ids, seg.Sticker.ID)
		}
	}
	return ids
}
