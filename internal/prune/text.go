// Package prune bounds text replies so they fit in a single chat message.
package prune

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

const (
	DefaultMarker   = "[truncated]"
	DefaultMaxBytes = 4000
	DefaultMaxLines = 60
)

type Config struct {
	MaxBytes int
	MaxLines int
	Marker   string
}

func Exceeds(s string, maxBytes, maxLines int) bool {
	return len(s) > maxBytes || CountLines(s) > maxLines
}

func CountLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}

// Head keeps the leading whole lines of s that fit the budget and ends with
// a marker line counting the dropped lines. The result never exceeds
// MaxBytes or MaxLines.
func Head(s string, cfg Config) string {
	cfg = normalizeConfig(cfg)
	if !Exceeds(s, cfg.MaxBytes, cfg.MaxLines) {
		return s
	}
	lines := strings.Split(s, "\n")
	footer := func(dropped int) string {
		return fmt.Sprintf("%s %d more lines", cfg.Marker, dropped)
	}
	// reserve room for the widest possible footer
	budget := cfg.MaxBytes - len(footer(len(lines))) - 1
	if budget <= 0 || cfg.MaxLines < 2 {
		return safeUTF8Prefix(cfg.Marker, cfg.MaxBytes)
	}

	kept := make([]string, 0, cfg.MaxLines-1)
	used := 0
	for _, line := range lines {
		if len(kept) == cfg.MaxLines-1 {
			break
		}
		cost := len(line)
		if len(kept) > 0 {
			cost++
		}
		if used+cost > budget {
			if len(kept) == 0 {
				kept = append(kept, safeUTF8Prefix(line, budget))
			}
			break
		}
		kept = append(kept, line)
		used += cost
	}
	return strings.Join(kept, "\n") + "\n" + footer(len(lines)-len(kept))
}

func normalizeConfig(cfg Config) Config {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxLines <= 0 {
		cfg.MaxLines = DefaultMaxLines
	}
	if cfg.Marker == "" {
		cfg.Marker = DefaultMarker
	}
	return cfg
}

func safeUTF8Prefix(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) == 0 {
		return ""
	}
	if maxBytes >= len(s) {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
