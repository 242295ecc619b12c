// Package channel provides a unified abstraction over the chat platforms a
// reply can be delivered to. It defines session and adapter contracts, a
// registry of adapters, and a manager that owns connected sessions.
package channel

import (
	"fmt"
	"strings"

	"github.com/memohai/sticker/internal/message"
)

// ChannelType identifies a messaging platform (e.g., "matrix", "telegram").
type ChannelType string

// String returns the channel type as a plain string.
func (c ChannelType) String() string {
	return string(c)
}

const (
	Matrix   ChannelType = "matrix"
	Telegram ChannelType = "telegram"
	Discord  ChannelType = "discord"
)

// Capabilities describes what a platform can deliver.
type Capabilities struct {
	Text        bool `json:"text"`
	Reply       bool `json:"reply"`
	Attachments bool `json:"attachments"`
	// NativeStickers marks platforms that embed catalog media natively
	// (Matrix m.sticker events).
	NativeStickers bool `json:"native_stickers"`
	Streaming      bool `json:"streaming"`
}

// SessionConfig is one configured platform login.
type SessionConfig struct {
	ID          string         `json:"id"`
	Type        ChannelType    `json:"type"`
	Credentials map[string]any `json:"-"`
}

// OutboundMessage pairs a delivery target with ordered segments.
type OutboundMessage struct {
	Target   string            `json:"target"`
	Segments []message.Segment `json:"segments"`
	Reply    message.ReplyRef  `json:"reply,omitempty"`
}

// IsEmpty reports whether the message has nothing to deliver.
func (m OutboundMessage) IsEmpty() bool {
	for _, seg := range m.Segments {
		if !seg.Blank() {
			return false
		}
	}
	return true
}

// ReadString returns the first non-empty credential among keys.
func ReadString(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		v, ok := raw[key]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return ""
}
