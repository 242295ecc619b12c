// Package localfs implements media.StorageProvider on a local directory.
// Keys are slash-separated relative paths below the root, e.g.
// "stickers/ab12/ab12cd.png".
package localfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/memohai/sticker/internal/media"
)

// Provider stores sticker files under a root directory.
type Provider struct {
	root string
}

// New creates a provider rooted at dir, creating it when missing.
func New(dir string) (*Provider, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Provider{root: abs}, nil
}

// Put writes data through a temp file and renames it into place so readers
// never observe a partial sticker.
func (p *Provider) Put(_ context.Context, key string, reader io.Reader) error {
	dest, err := p.filePath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, reader); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("move file: %w", err)
	}
	return nil
}

// Open reads a stored sticker file.
func (p *Provider) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := p.filePath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", media.ErrAssetNotFound, key)
		}
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete removes a stored file. Missing files are not an error.
func (p *Provider) Delete(_ context.Context, key string) error {
	dest, err := p.filePath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AccessPath returns the absolute file path for a key, or "" when the key is invalid.
func (p *Provider) AccessPath(key string) string {
	dest, err := p.filePath(key)
	if err != nil {
		return ""
	}
	return dest
}

func (p *Provider) filePath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("storage key is required")
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: absolute key %s", media.ErrPathTraversal, key)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, key)
	}
	joined := filepath.Join(p.root, clean)
	if !strings.HasPrefix(joined, p.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", media.ErrPathTraversal, key)
	}
	return joined, nil
}
