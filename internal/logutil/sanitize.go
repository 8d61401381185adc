// Package logutil holds helpers for writing user-controlled text to the log.
package logutil

import (
	"strings"
	"unicode/utf8"
)

// MaxValueLength caps a single sanitized value, in bytes.
const MaxValueLength = 256

// SanitizeForLog flattens a user-provided string onto one log line. Newlines
// and tabs become spaces, other control characters are dropped, and the result
// is cut at MaxValueLength with a trailing "...".
func SanitizeForLog(s string) string {
	var b strings.Builder
	b.Grow(min(len(s), MaxValueLength+3))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			r = ' '
		case r < 32 || r == 0x7f:
			continue
		}
		if b.Len()+utf8.RuneLen(r) > MaxValueLength {
			b.WriteString("...")
			break
		}
		b.WriteRune(r)
	}
	return b.String()
}
