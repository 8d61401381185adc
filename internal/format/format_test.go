package format

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCleanTerminalOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{
			name: "ansi colours",
			raw:  "\x1b[32mexample.com\x1b[0m\n\x1b[1;31mtest.org\x1b[m",
			want: "example.com\ntest.org",
		},
		{
			name: "erase line without escape",
			raw:  "[Kexample.com[K",
			want: "example.com",
		},
		{
			name: "separators and blanks",
			raw:  "----------\n\n  example.com  \n---\n\n",
			want: "example.com",
		},
		{
			name: "carriage returns",
			raw:  "example.com\r\ntest.org\r\n",
			want: "example.com\ntest.org",
		},
		{
			name: "count header",
			raw:  "\x1b[33m  Список разблокировки содержит   12   записей   ....\x1b[0m\nexample.com",
			want: "Список разблокировки содержит 12 записей:\nexample.com",
		},
		{
			name: "header without count kept",
			raw:  "Список разблокировки пуст",
			want: "Список разблокировки пуст",
		},
		{
			name: "html escaped",
			raw:  "<script>alert(1)</script> & co",
			want: "&lt;script&gt;alert(1)&lt;/script&gt; &amp; co",
		},
		{
			name: "empty",
			raw:  "\x1b[0m\n----\n\r\n",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanTerminalOutput(tt.raw); got != tt.want {
				t.Errorf("CleanTerminalOutput(%q)\n got: %q\nwant: %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCleanTerminalOutputHasNoControlCharacters(t *testing.T) {
	raw := "a\x00b\x07c\x1b[2Jd\x1b]0;title\x07e\n\x1b[?25lf"
	got := CleanTerminalOutput(raw)
	for _, r := range got {
		if r < 0x20 && r != '\n' && r != '\t' {
			t.Fatalf("control character %U left in %q", r, got)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 5, "hello"},
		{"hello", 3, "hel"},
		{"привет", 3, "при"},
		{"hello", 0, ""},
		{"hello", -1, ""},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.n); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestPreformatted(t *testing.T) {
	got := Preformatted("  <b>"+strings.Repeat("ы", 300)+"  ", 200)
	if !strings.HasPrefix(got, "<pre>&lt;b&gt;") || !strings.HasSuffix(got, "</pre>") {
		t.Fatalf("unexpected wrapping: %q", got)
	}
	inner := strings.TrimSuffix(strings.TrimPrefix(got, "<pre>"), "</pre>")
	if !utf8.ValidString(inner) {
		t.Fatal("invalid UTF-8")
	}
	// 200 runes before escaping: "<b>" plus 197 letters.
	if n := strings.Count(inner, "ы"); n != 197 {
		t.Errorf("got %d letters, want 197", n)
	}
}
