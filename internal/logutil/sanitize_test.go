package logutil

import (
	"strings"
	"testing"
)

func TestSanitizeForLog(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"example.com", "example.com"},
		{"a\nb\rc\td", "a b c d"},
		{"fake\n2026/01/01 [executor] ok", "fake 2026/01/01 [executor] ok"},
		{"bell\x07\x1b[31mred\x7f", "bell[31mred"},
		{"пример.рф", "пример.рф"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeForLog(tt.in); got != tt.want {
			t.Errorf("SanitizeForLog(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeForLogCapsLength(t *testing.T) {
	got := SanitizeForLog(strings.Repeat("a", 1000))
	if len(got) != MaxValueLength+3 || !strings.HasSuffix(got, "...") {
		t.Errorf("len = %d, suffix ok = %v", len(got), strings.HasSuffix(got, "..."))
	}

	// Multi-byte runes are never split.
	got = SanitizeForLog(strings.Repeat("я", 1000))
	if !strings.HasSuffix(got, "...") {
		t.Fatal("expected truncation marker")
	}
	body := strings.TrimSuffix(got, "...")
	if strings.Trim(body, "я") != "" {
		t.Errorf("split rune in %q", body[len(body)-4:])
	}
}
