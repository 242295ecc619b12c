package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestWatcherReportsExternalWrites(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "stickers.db")
	if err := os.WriteFile(dbPath, []byte("seed"), 0o600); err != nil {
		t.Fatalf("seed: %v", err)
	}

	events := make(chan ChangeEvent, 4)
	w := NewWatcher(nil, dbPath, func(ev ChangeEvent) { events <- ev })
	w.SetDebounce(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// fsnotify registration is asynchronous; keep writing until an event lands.
	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	var got ChangeEvent
wait:
	for {
		select {
		case got = <-events:
			break wait
		case <-tick.C:
			_ = os.WriteFile(dbPath+"-wal", []byte(time.Now().String()), 0o600)
		case <-deadline:
			cancel()
			t.Fatal("no change event")
		}
	}
	if got.Kind != ChangeExternal {
		t.Fatalf("kind = %q, want %q", got.Kind, ChangeExternal)
	}

	// Unrelated files are ignored.
	time.Sleep(100 * time.Millisecond)
	for len(events) > 0 {
		<-events
	}
	_ = os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("x"), 0o600)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(150 * time.Millisecond):
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}
