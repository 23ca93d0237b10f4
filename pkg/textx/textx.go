// Package textx provides small text utilities used across the project.
package textx

import (
	"strings"
	"unicode/utf8"
)

// SanitizeText removes control characters except tab/newline/CR and trims spaces.
func SanitizeText(s string) string {
	return strings.TrimSpace(StripControl(s))
}

// StripControl removes control characters except tab/newline/CR and invalid
// UTF-8, leaving surrounding whitespace in place.
func StripControl(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == utf8.RuneError {
			continue
		}
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SanitizeAll returns a new slice with every element sanitized. Elements that
// become empty are kept so positions stay aligned with the input.
func SanitizeAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = SanitizeText(s)
	}
	return out
}

// Snippet shortens s to at most n runes, appending an ellipsis when cut.
func Snippet(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "…"
}
