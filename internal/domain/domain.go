// Package domain validates host names before they are interpolated into
// remote commands.
package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxLength is the longest host name accepted, in bytes.
const MaxLength = 255

// hostnamePattern accepts one or more dot-terminated labels of 1-63
// alphanumerics or hyphens (no leading or trailing hyphen) followed by an
// alphabetic top-level label of at least two characters.
var hostnamePattern = regexp.MustCompile(`(?i)^(?:[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}$`)

// hostLabel is one RFC 1123 label.
var hostLabel = regexp.MustCompile(`(?i)^[a-z0-9](?:[a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidHost reports whether s is an RFC 1123 host name. Unlike Valid it
// accepts single-label LAN names such as "keenetic". The last label must not
// be all digits, so malformed IPv4 literals are rejected.
func ValidHost(s string) bool {
	if s == "" || len(s) > MaxLength {
		return false
	}
	labels := strings.Split(s, ".")
	for _, l := range labels {
		if !hostLabel.MatchString(l) {
			return false
		}
	}
	return strings.Trim(labels[len(labels)-1], "0123456789") != ""
}

// Valid reports whether s is a syntactically valid DNS host name.
func Valid(s string) bool {
	if s == "" || len(s) > MaxLength {
		return false
	}
	return hostnamePattern.MatchString(s)
}

// Normalize trims surrounding whitespace and lower-cases s, the form in which
// user input is validated and sent to the router.
func Normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Validate returns an error describing why s is not an acceptable host name.
func Validate(s string) error {
	if s == "" {
		return fmt.Errorf("empty domain")
	}
	if len(s) > MaxLength {
		return fmt.Errorf("domain is %d bytes, max %d", len(s), MaxLength)
	}
	if !hostnamePattern.MatchString(s) {
		return fmt.Errorf("invalid domain %q", s)
	}
	return nil
}
