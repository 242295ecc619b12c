package prune

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestHeadShortTextUnchanged(t *testing.T) {
	t.Parallel()
	in := "a\nb\nc"
	if got := Head(in, Config{}); got != in {
		t.Fatalf("expected unchanged text, got %q", got)
	}
}

func TestHeadLineBudget(t *testing.T) {
	t.Parallel()
	in := "1\n2\n3\n4\n5\n6"
	got := Head(in, Config{MaxLines: 3})
	want := "1\n2\n[truncated] 4 more lines"
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestHeadByteBudget(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("abcdefghij\n", 20)
	got := Head(in, Config{MaxBytes: 60})
	if len(got) > 60 {
		t.Fatalf("result exceeds budget: %d bytes", len(got))
	}
	if !strings.HasPrefix(got, "abcdefghij\n") || !strings.Contains(got, "[truncated]") {
		t.Fatalf("unexpected output %q", got)
	}
}

func TestHeadCutsLongFirstLineOnRuneBoundary(t *testing.T) {
	t.Parallel()
	in := strings.Repeat("é", 100)
	got := Head(in, Config{MaxBytes: 50, Marker: "~"})
	if len(got) > 50 {
		t.Fatalf("result exceeds budget: %d bytes", len(got))
	}
	if !utf8.ValidString(got) {
		t.Fatalf("result is not valid utf-8: %q", got)
	}
	if !strings.HasSuffix(got, "~ 0 more lines") {
		t.Fatalf("unexpected footer in %q", got)
	}
}
