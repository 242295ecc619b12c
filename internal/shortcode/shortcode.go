// Package shortcode finds :token: shortcodes in text.
//
// Two grammars are supported. Strict requires the closing colon:
//
//	:name:
//
// Relaxed also accepts an unterminated token as long as it ends at a
// non-token character or the end of the text, so ":wave hello" yields
// ":wave". In both grammars an opening colon directly after a backslash or
// a word character (letter, digit, underscore) does not start a token, which
// keeps "12:30:00" and "\:literal:" intact.
package shortcode

import "strings"

// Match is one shortcode occurrence. Start and End are byte offsets into
// the scanned text, with End exclusive.
type Match struct {
	Raw   string
	Name  string
	Key   string
	Start int
	End   int
}

// Closed reports whether the match ends with a colon.
func (m Match) Closed() bool {
	return len(m.Raw) == len(m.Name)+2
}

// Find returns every non-overlapping match, left to right.
func Find(text string, strict bool) []Match {
	var matches []Match
	i := 0
	for i < len(text) {
		idx := strings.IndexByte(text[i:], ':')
		if idx < 0 {
			break
		}
		start := i + idx
		m, ok := matchAt(text, start, strict)
		if !ok {
			i = start + 1
			continue
		}
		matches = append(matches, m)
		i = m.End
	}
	return matches
}

// FindStrict is Find with the strict grammar.
func FindStrict(text string) []Match { return Find(text, true) }

// FindRelaxed is Find with the relaxed grammar.
func FindRelaxed(text string) []Match { return Find(text, false) }

func matchAt(text string, start int, strict bool) (Match, bool) {
	if start > 0 {
		prev := text[start-1]
		if prev == '\\' || IsWordChar(prev) {
			return Match{}, false
		}
	}
	j := start + 1
	for j < len(text) && IsTokenChar(text[j]) {
		j++
	}
	if j == start+1 {
		return Match{}, false
	}
	closed := j < len(text) && text[j] == ':'
	end := j
	switch {
	case strict:
		if !closed {
			return Match{}, false
		}
		end = j + 1
	case closed:
		// Take the closing colon only when it is not glued to another token.
		if j+1 == len(text) || !IsTokenChar(text[j+1]) {
			end = j + 1
		}
	}
	name := text[start+1 : j]
	return Match{
		Raw:   text[start:end],
		Name:  name,
		Key:   strings.ToLower(strings.TrimSpace(name)),
		Start: start,
		End:   end,
	}, true
}

// IsTokenChar reports whether c may appear inside a token.
func IsTokenChar(c byte) bool {
	return IsWordChar(c) || c == '+' || c == '-' || c == '.'
}

// IsWordChar reports whether c is an ASCII letter, digit or underscore.
func IsWordChar(c byte) bool {
	return c == '_' || ('0' <= c && c <= '9') || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

// Unescape turns every \: into :.
func Unescape(text string) string {
	if !strings.Contains(text, `\:`) {
		return text
	}
	return strings.ReplaceAll(text, `\:`, ":")
}

// Replace rebuilds text, substituting each match for which fn returns
// ok. Other matches are kept verbatim.
func Replace(text string, matches []Match, fn func(Match) (string, bool)) string {
	if len(matches) == 0 {
		return text
	}
	var b strings.Builder
	b.Grow(len(text))
	last := 0
	for _, m := range matches {
		b.WriteString(text[last:m.Start])
		if repl, ok := fn(m); ok {
			b.WriteString(repl)
		} else {
			b.WriteString(m.Raw)
		}
		last = m.End
	}
	b.WriteString(text[last:])
	return b.String()
}
