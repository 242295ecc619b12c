package media

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

// Downloader fetches a remote media reference for one URL scheme.
type Downloader interface {
	Download(ctx context.Context, ref string) (data []byte, mime string, err error)
}

// DownloaderFunc adapts a function to Downloader.
type DownloaderFunc func(ctx context.Context, ref string) ([]byte, string, error)

// Download calls f.
func (f DownloaderFunc) Download(ctx context.Context, ref string) ([]byte, string, error) {
	return f(ctx, ref)
}

// Fetcher resolves sticker media: locally stored bytes first, then the
// remote reference through a scheme-specific downloader.
type Fetcher struct {
	provider StorageProvider
	client   *http.Client
	maxBytes int64
	logger   *slog.Logger

	mu          sync.RWMutex
	downloaders map[string]Downloader
}

// NewFetcher creates a Fetcher. provider may be nil when nothing is stored locally.
func NewFetcher(log *slog.Logger, provider StorageProvider, client *http.Client) *Fetcher {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{
		provider:    provider,
		client:      client,
		maxBytes:    MaxStickerBytes,
		logger:      log.With(slog.String("service", "media_fetcher")),
		downloaders: map[string]Downloader{},
	}
}

// Register installs a downloader for a URL scheme such as "mxc".
func (f *Fetcher) Register(scheme string, d Downloader) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || d == nil {
		return
	}
	f.mu.Lock()
	f.downloaders[scheme] = d
	f.mu.Unlock()
}

// Fetch returns the media bytes for a sticker. storageKey wins over ref when
// the stored file still exists.
func (f *Fetcher) Fetch(ctx context.Context, storageKey, ref string) (Payload, error) {
	storageKey = strings.TrimSpace(storageKey)
	ref = strings.TrimSpace(ref)
	if storageKey != "" && f.provider != nil {
		payload, err := f.openStored(ctx, storageKey)
		if err == nil {
			return payload, nil
		}
		if ref == "" {
			return Payload{}, err
		}
		f.logger.Debug("stored sticker unavailable, trying reference",
			slog.String("storage_key", storageKey), slog.Any("error", err))
	}
	if ref == "" {
		return Payload{}, fmt.Errorf("%w: empty reference", ErrAssetNotFound)
	}
	return f.fetchRef(ctx, ref)
}

func (f *Fetcher) openStored(ctx context.Context, key string) (Payload, error) {
	rc, err := f.provider.Open(ctx, key)
	if err != nil {
		return Payload{}, err
	}
	defer rc.Close()
	data, err := ReadLimited(rc, f.maxBytes)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, Mime: DetectMime("", data), Name: path.Base(key)}, nil
}

func (f *Fetcher) fetchRef(ctx context.Context, ref string) (Payload, error) {
	if rest, ok := strings.CutPrefix(ref, "base64://"); ok {
		data, err := base64.StdEncoding.DecodeString(rest)
		if err != nil {
			return Payload{}, fmt.Errorf("decode base64 reference: %w", err)
		}
		if int64(len(data)) > f.maxBytes {
			return Payload{}, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, f.maxBytes)
		}
		return Payload{Data: data, Mime: DetectMime("", data), Name: "sticker"}, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "file":
		return f.readFile(u.Path)
	case "http", "https":
		return f.httpGet(ctx, ref)
	}
	f.mu.RLock()
	d := f.downloaders[scheme]
	f.mu.RUnlock()
	if d == nil {
		if scheme == "" {
			return Payload{}, fmt.Errorf("%w: %s", ErrUnsupportedRef, ref)
		}
		return Payload{}, fmt.Errorf("%w: no downloader for %s", ErrProviderUnavailable, scheme)
	}
	data, mime, err := d.Download(ctx, ref)
	if err != nil {
		return Payload{}, fmt.Errorf("download %s: %w", ref, err)
	}
	if int64(len(data)) > f.maxBytes {
		return Payload{}, fmt.Errorf("%w: max %d bytes", ErrAssetTooLarge, f.maxBytes)
	}
	return Payload{Data: data, Mime: DetectMime(mime, data), Name: path.Base(u.Path)}, nil
}

func (f *Fetcher) readFile(p string) (Payload, error) {
	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Payload{}, fmt.Errorf("%w: %s", ErrAssetNotFound, p)
		}
		return Payload{}, fmt.Errorf("open %s: %w", p, err)
	}
	defer file.Close()
	data, err := ReadLimited(file, f.maxBytes)
	if err != nil {
		return Payload{}, err
	}
	return Payload{Data: data, Mime: DetectMime("", data), Name: path.Base(p)}, nil
}

func (f *Fetcher) httpGet(ctx context.Context, ref string) (Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return Payload{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Payload{}, fmt.Errorf("get %s: %w", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return Payload{}, fmt.Errorf("%w: %s returned %d", ErrAssetNotFound, ref, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Payload{}, fmt.Errorf("get %s: unexpected status %d", ref, resp.StatusCode)
	}
	data, err := ReadLimited(resp.Body, f.maxBytes)
	if err != nil {
		return Payload{}, err
	}
	name := path.Base(req.URL.Path)
	if name == "." || name == "/" {
		name = "sticker"
	}
	return Payload{Data: data, Mime: DetectMime(resp.Header.Get("Content-Type"), data), Name: name}, nil
}
