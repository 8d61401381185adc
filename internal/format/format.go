// Package format prepares remote command output for display in chat.
package format

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

var (
	// eraseLine is the remainder of "\x1b[K" when the escape byte was lost.
	eraseLine = regexp.MustCompile(`\[K`)
	separator = regexp.MustCompile(`^-+$`)
	listCount = regexp.MustCompile(`содержит\s+(\d+)\s+записей`)
)

// CleanTerminalOutput strips terminal control sequences from raw, drops blank
// lines and dashed separators, normalises the list header and HTML-escapes
// every remaining line. The result is safe to send with HTML parse mode.
func CleanTerminalOutput(raw string) string {
	s := ansi.Strip(raw)
	s = eraseLine.ReplaceAllString(s, "")

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(stripControl(line))
		if line == "" || separator.MatchString(line) {
			continue
		}
		if strings.Contains(strings.ToLower(line), "список разблокировки") {
			if m := listCount.FindStringSubmatch(line); m != nil {
				line = fmt.Sprintf("Список разблокировки содержит %s записей:", m[1])
			}
		}
		lines = append(lines, html.EscapeString(line))
	}
	return strings.Join(lines, "\n")
}

// stripControl removes carriage returns and other control characters except
// tabs, which TrimSpace or the chat client handle.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Escape makes s safe for HTML parse mode.
func Escape(s string) string {
	return html.EscapeString(s)
}

// Truncate shortens s to at most n runes, never splitting a rune.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Preformatted truncates s to n runes, escapes it and wraps it in a <pre>
// block for diagnostic output.
func Preformatted(s string, n int) string {
	return "<pre>" + Escape(Truncate(strings.TrimSpace(s), n)) + "</pre>"
}
