package emoji

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	URLEnv       = "MATRIX_STICKER_EMOJI_SHORTCODES_URL"
	LegacyURLEnv = "MATRIX_EMOJI_SHORTCODES_URL"
	UserAgent    = "memoh-sticker/emoji-shortcodes"

	cacheVersion   = 1
	maxSourceBytes = 64 << 20
)

// DefaultURLs are fetched when neither config nor environment names a source.
var DefaultURLs = []string{
	"https://raw.githubusercontent.com/iamcal/emoji-data/master/emoji.json",
	"https://raw.githubusercontent.com/github/gemoji/master/db/emoji.json",
}

// ResolveURLs picks the source list. A comma separated environment value
// wins over configured URLs, which win over DefaultURLs.
func ResolveURLs(configured []string, lookup func(string) (string, bool)) []string {
	if lookup != nil {
		for _, key := range []string{URLEnv, LegacyURLEnv} {
			if raw, ok := lookup(key); ok && strings.TrimSpace(raw) != "" {
				return splitURLs(raw)
			}
		}
	}
	var urls []string
	for _, u := range configured {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) > 0 {
		return urls
	}
	return append([]string(nil), DefaultURLs...)
}

func splitURLs(raw string) []string {
	var urls []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			urls = append(urls, part)
		}
	}
	return urls
}

// ClampTimeout converts seconds to a fetch timeout within 5..60s. Zero or
// negative input yields the 10s default.
func ClampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		seconds = 10
	}
	seconds = max(5, min(seconds, 60))
	return time.Duration(seconds) * time.Second
}

func normalizeName(name string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(name)), ":")
}

// ParseSource decodes a remote table. Accepted shapes are a plain
// {"name": "emoji"} object, a gemoji list ({"emoji", "aliases"}) and an
// iamcal emoji-data list ({"unified", "short_name", "short_names"}).
// Hyphenated names are also stored with underscores.
func ParseSource(data []byte) (map[string]string, error) {
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("decode emoji source: %w", err)
	}
	out := map[string]string{}
	switch v := payload.(type) {
	case map[string]any:
		mergeStringMap(out, v)
	case []any:
		for _, raw := range v {
			item, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			parseItem(out, item)
		}
	}
	return out, nil
}

func mergeStringMap(out map[string]string, src map[string]any) {
	for key, raw := range src {
		value, ok := raw.(string)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		if name := normalizeName(key); name != "" {
			out[name] = value
		}
	}
}

func parseItem(out map[string]string, item map[string]any) {
	put := func(name, char string) {
		name = normalizeName(name)
		if name == "" {
			return
		}
		out[name] = char
		out[strings.ReplaceAll(name, "-", "_")] = char
	}

	if char, ok := item["emoji"].(string); ok && char != "" {
		if aliases, ok := item["aliases"].([]any); ok {
			for _, a := range aliases {
				if alias, ok := a.(string); ok {
					put(alias, char)
				}
			}
		}
	}

	unified, _ := item["unified"].(string)
	if unified == "" {
		unified, _ = item["non_qualified"].(string)
	}
	char := unifiedToEmoji(unified)
	if char == "" {
		return
	}
	if name, ok := item["short_name"].(string); ok {
		put(name, char)
	}
	if names, ok := item["short_names"].([]any); ok {
		for _, n := range names {
			if name, ok := n.(string); ok {
				put(name, char)
			}
		}
	}
}

// unifiedToEmoji turns "1F44D-1F3FB" into the emoji it encodes.
func unifiedToEmoji(unified string) string {
	if unified == "" {
		return ""
	}
	var b strings.Builder
	for _, part := range strings.Split(unified, "-") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		cp, err := strconv.ParseUint(part, 16, 32)
		if err != nil {
			return ""
		}
		b.WriteRune(rune(cp))
	}
	return b.String()
}

type cacheFile struct {
	Version    int               `json:"version"`
	Count      int               `json:"count"`
	Shortcodes map[string]string `json:"shortcodes"`
}

// LoadCache reads a cache file. A missing file is an empty table. Plain
// name-to-emoji objects from older caches are accepted too.
func LoadCache(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	var wrapped struct {
		Shortcodes map[string]any `json:"shortcodes"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("decode emoji cache: %w", err)
	}
	out := map[string]string{}
	if wrapped.Shortcodes != nil {
		mergeStringMap(out, wrapped.Shortcodes)
		return out, nil
	}
	var plain map[string]any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("decode emoji cache: %w", err)
	}
	mergeStringMap(out, plain)
	return out, nil
}

// SaveCache writes table atomically.
func SaveCache(path string, table map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cacheFile{Version: cacheVersion, Count: len(table), Shortcodes: table}, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// FetchAll downloads and merges every source. Later sources override earlier
// ones. A failing source is reported in the joined error but does not stop
// the others.
func FetchAll(ctx context.Context, client *http.Client, urls []string) (map[string]string, error) {
	merged := map[string]string{}
	var errs []error
	for _, u := range urls {
		table, err := fetchOne(ctx, client, u)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		for k, v := range table {
			merged[k] = v
		}
	}
	return merged, errors.Join(errs...)
}

func fetchOne(ctx context.Context, client *http.Client, url string) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return nil, err
	}
	return ParseSource(data)
}
