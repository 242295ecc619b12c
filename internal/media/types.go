// Package media stores sticker bytes and resolves media references into
// payloads that delivery adapters can upload.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
)

// MaxStickerBytes bounds any sticker payload read into memory.
const MaxStickerBytes int64 = 8 * 1024 * 1024

// StorageProvider abstracts where locally saved sticker bytes live.
type StorageProvider interface {
	Put(ctx context.Context, key string, reader io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// AccessPath returns a path usable as a file:// reference for the key.
	AccessPath(key string) string
}

// Payload is resolved sticker media.
type Payload struct {
	Data []byte
	Mime string
	Name string
}

// ReadLimited reads from reader and rejects payloads larger than maxBytes.
func ReadLimited(reader io.Reader, maxBytes int64) ([]byte, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader is required")
	}
	if maxBytes <= 0 {
		maxBytes = MaxStickerBytes
	}
	data, err := io.ReadAll(&io.LimitedReader{R: reader, N: maxBytes + 1})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, maxBytes)
	}
	return data, nil
}

// StorageKey builds the content-addressed key for a sticker file.
// Layout: stickers/<hash[:4]>/<hash><ext>.
func StorageKey(contentHash, mime string) string {
	prefix := contentHash
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return path.Join("stickers", prefix, contentHash+ExtensionFromMime(mime))
}

// ExtensionFromMime returns a file extension for common sticker types.
func ExtensionFromMime(mime string) string {
	switch strings.ToLower(strings.TrimSpace(strings.SplitN(mime, ";", 2)[0])) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/apng":
		return ".apng"
	case "video/webm":
		return ".webm"
	default:
		return ""
	}
}

// DetectMime returns the declared mime or sniffs it from data.
func DetectMime(declared string, data []byte) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if len(data) == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(data)
}

// IsAnimated reports whether a mime type is a moving image.
func IsAnimated(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	return mime == "image/gif" || mime == "video/webm" || mime == "image/apng"
}
