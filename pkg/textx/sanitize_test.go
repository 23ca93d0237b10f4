// Package textx contains tests for the text utilities.
package textx

import "testing"

func TestSanitizeText(t *testing.T) {
	in := "he\x00llo\nwo\x7frld\t!"
	got := SanitizeText(in)
	if got != "hello\nworld\t!" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestSanitizeText_InvalidUTF8(t *testing.T) {
	got := SanitizeText("  fee\xffs due  ")
	if got != "fees due" {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestStripControl_KeepsSurroundingSpace(t *testing.T) {
	got := StripControl(" greet\x00ing ")
	if got != " greeting " {
		t.Fatalf("unexpected: %q", got)
	}
}

func TestSanitizeAll(t *testing.T) {
	if SanitizeAll(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
	in := []string{" a ", "\x01", "b"}
	got := SanitizeAll(in)
	if len(got) != 3 || got[0] != "a" || got[1] != "" || got[2] != "b" {
		t.Fatalf("unexpected: %q", got)
	}
	if in[0] != " a " {
		t.Fatalf("input was mutated: %q", in)
	}
}

func TestSnippet(t *testing.T) {
	if got := Snippet("hello", 10); got != "hello" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Snippet("héllo world", 5); got != "héllo…" {
		t.Fatalf("unexpected: %q", got)
	}
	if got := Snippet("x", 0); got != "" {
		t.Fatalf("unexpected: %q", got)
	}
}
