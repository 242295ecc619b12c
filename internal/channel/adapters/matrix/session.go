package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/memohai/sticker/internal/catalog"
	"github.com/memohai/sticker/internal/channel"
	"github.com/memohai/sticker/internal/media"
	"github.com/memohai/sticker/internal/message"
)

type session struct {
	*channel.BaseSession
	adapter *MatrixAdapter
	client  client
	logger  *slog.Logger

	mu           sync.Mutex
	fingerprints map[string]string
	resetDone    bool
	userSynced   bool
}

func newSession(a *MatrixAdapter, cfg channel.SessionConfig, cli client) *session {
	s := &session{
		adapter:      a,
		client:       cli,
		logger:       a.logger.With(slog.String("session", cfg.ID)),
		fingerprints: map[string]string{},
	}
	s.BaseSession = channel.NewBaseSession(cfg, nil)
	return s
}

// Send posts text as m.text, stickers as m.sticker and attachments as file
// messages, in segment order. Every event quotes the reply target.
func (s *session) Send(ctx context.Context, msg channel.OutboundMessage) error {
	if !s.Ready() {
		return channel.ErrSessionClosed
	}
	roomID := id.RoomID(strings.TrimSpace(msg.Target))
	if roomID == "" {
		return fmt.Errorf("matrix room id is required")
	}
	relates := buildRelatesTo(msg.Reply)
	for i, seg := range msg.Segments {
		if err := ctx.Err(); err != nil {
			return channel.Partial(i, err)
		}
		var (
			evtType event.Type
			content *event.MessageEventContent
			err     error
		)
		switch seg.Kind {
		case message.KindText:
			if seg.Blank() {
				continue
			}
			evtType = event.EventMessage
			content = &event.MessageEventContent{MsgType: event.MsgText, Body: seg.Text}
		case message.KindSticker:
			if !seg.IsSticker() {
				continue
			}
			content, err = s.stickerContent(ctx, *seg.Sticker)
			if err != nil {
				s.logger.Warn("sticker media unavailable",
					slog.String("sticker_id", seg.Sticker.ID),
					slog.String("token", seg.Sticker.Token),
					slog.Any("error", err))
				continue
			}
			evtType = event.EventSticker
		case message.KindAttachment:
			if seg.Attachment == nil {
				continue
			}
			content, err = s.attachmentContent(ctx, *seg.Attachment)
			if err != nil {
				return channel.Partial(i, err)
			}
			evtType = event.EventMessage
		default:
			continue
		}
		content.RelatesTo = relates
		if _, err := s.client.SendMessageEvent(ctx, roomID, evtType, content); err != nil {
			return channel.Partial(i, fmt.Errorf("send %s: %w", evtType.Type, err))
		}
	}
	return nil
}

func buildRelatesTo(reply message.ReplyRef) *event.RelatesTo {
	if reply.IsZero() {
		return nil
	}
	return &event.RelatesTo{InReplyTo: &event.InReplyTo{EventID: id.EventID(strings.TrimSpace(reply.MessageID))}}
}

// stickerContent builds an m.sticker body. mxc references are sent as is;
// anything else is uploaded to the homeserver first.
func (s *session) stickerContent(ctx context.Context, entry catalog.Entry) (*event.MessageEventContent, error) {
	content := &event.MessageEventContent{
		Body: entry.Token,
		Info: &event.FileInfo{MimeType: entry.Mime},
	}
	if strings.HasPrefix(entry.MediaRef, "mxc://") {
		content.URL = id.ContentURIString(entry.MediaRef)
		return content, nil
	}
	if s.adapter.media == nil {
		return nil, fmt.Errorf("no media source configured")
	}
	payload, err := s.adapter.media.Fetch(ctx, entry.StorageKey, entry.MediaRef)
	if err != nil {
		return nil, err
	}
	if payload.Mime == "" {
		payload.Mime = entry.Mime
	}
	name := payload.Name
	if name == "" {
		name = entry.Token + media.ExtensionFromMime(payload.Mime)
	}
	uri, err := s.upload(ctx, payload.Data, payload.Mime, name)
	if err != nil {
		return nil, err
	}
	content.URL = uri
	content.Info = &event.FileInfo{MimeType: payload.Mime, Size: len(payload.Data)}
	return content, nil
}

func (s *session) attachmentContent(ctx context.Context, att message.Attachment) (*event.MessageEventContent, error) {
	msgType := event.MsgFile
	if strings.HasPrefix(strings.ToLower(att.Mime), "image/") {
		msgType = event.MsgImage
	}
	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    att.Name,
		Info:    &event.FileInfo{MimeType: att.Mime},
	}
	switch {
	case strings.HasPrefix(att.URL, "mxc://"):
		content.URL = id.ContentURIString(att.URL)
	case len(att.Data) > 0:
		uri, err := s.upload(ctx, att.Data, att.Mime, att.Name)
		if err != nil {
			return nil, err
		}
		content.URL = uri
		content.Info.Size = len(att.Data)
	case att.URL != "":
		return &event.MessageEventContent{MsgType: event.MsgText, Body: att.URL}, nil
	default:
		return nil, fmt.Errorf("attachment reference is required")
	}
	if content.Body == "" {
		content.Body = "attachment"
	}
	return content, nil
}

func (s *session) upload(ctx context.Context, data []byte, mime, name string) (id.ContentURIString, error) {
	resp, err := s.client.UploadBytesWithName(ctx, data, mime, name)
	if err != nil {
		return "", fmt.Errorf("upload media: %w", err)
	}
	return resp.ContentURI.CUString(), nil
}

// Download fetches an mxc:// reference through the homeserver.
func (s *session) Download(ctx context.Context, ref string) ([]byte, string, error) {
	uri, err := id.ParseContentURI(ref)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", media.ErrUnsupportedRef, err)
	}
	data, err := s.client.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", media.ErrProviderUnavailable, err)
	}
	return data, media.DetectMime("", data), nil
}

// JoinedRooms lists the rooms this account is in.
func (s *session) JoinedRooms(ctx context.Context) ([]string, error) {
	resp, err := s.client.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	rooms := make([]string, 0, len(resp.JoinedRooms))
	for _, room := range resp.JoinedRooms {
		rooms = append(rooms, room.String())
	}
	return rooms, nil
}
