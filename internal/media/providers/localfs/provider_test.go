package localfs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/memohai/sticker/internal/media"
)

func TestProvider_FilePath(t *testing.T) {
	t.Parallel()
	p := &Provider{root: "/srv/media"}

	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{key: "stickers/ab12/ab12cd.png", want: "/srv/media/stickers/ab12/ab12cd.png"},
		{key: "flat.webp", want: "/srv/media/flat.webp"},
		{key: "/absolute/path", wantErr: true},
		{key: "../escape", wantErr: true},
		{key: "stickers/../../escape", wantErr: true},
		{key: "", wantErr: true},
	}
	for _, tt := range tests {
		got, err := p.filePath(tt.key)
		if tt.wantErr {
			if err == nil {
				t.Errorf("filePath(%q) expected error", tt.key)
			}
			continue
		}
		if err != nil {
			t.Errorf("filePath(%q) unexpected error: %v", tt.key, err)
			continue
		}
		if got != tt.want {
			t.Errorf("filePath(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

func TestProvider_PutOpenDelete(t *testing.T) {
	t.Parallel()
	p, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	ctx := context.Background()
	key := "stickers/ab12/ab12cd.png"
	data := []byte("png-bytes")

	if err := p.Put(ctx, key, bytes.NewReader(data)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.root, "stickers", "ab12", "ab12cd.png")); err != nil {
		t.Fatalf("file not on disk: %v", err)
	}

	rc, err := p.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(got, data) {
		t.Fatalf("Open content = %q, want %q", got, data)
	}

	if err := p.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := p.Delete(ctx, key); err != nil {
		t.Fatalf("second Delete should be a no-op: %v", err)
	}
	if _, err := p.Open(ctx, key); !errors.Is(err, media.ErrAssetNotFound) {
		t.Fatalf("Open after delete = %v, want ErrAssetNotFound", err)
	}
}

func TestProvider_AccessPath(t *testing.T) {
	t.Parallel()
	p := &Provider{root: "/srv/media"}
	if got := p.AccessPath("stickers/x.png"); got != "/srv/media/stickers/x.png" {
		t.Fatalf("AccessPath = %q", got)
	}
	if got := p.AccessPath("../x.png"); got != "" {
		t.Fatalf("AccessPath for traversal = %q, want empty", got)
	}
}
