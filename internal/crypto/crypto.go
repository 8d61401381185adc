// Package crypto holds the small amount of cryptography the bot needs:
// fernet tokens for secrets kept in the environment, and a self-signed
// certificate for the optional status endpoint.
package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a token fails verification.
var ErrInvalidToken = errors.New("invalid fernet token")

// GenerateKey returns a new base64-encoded fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// Encrypt returns plaintext as a fernet token signed with encodedKey.
func Encrypt(plaintext, encodedKey string) (string, error) {
	key, err := fernet.DecodeKey(strings.TrimSpace(encodedKey))
	if err != nil {
		return "", fmt.Errorf("decode fernet key: %w", err)
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt verifies token against encodedKey and returns the plaintext.
// Tokens never expire.
func Decrypt(token, encodedKey string) (string, error) {
	if token == "" {
		return "", nil
	}
	key, err := fernet.DecodeKey(strings.TrimSpace(encodedKey))
	if err != nil {
		return "", fmt.Errorf("decode fernet key: %w", err)
	}
	msg := fernet.VerifyAndDecrypt([]byte(strings.TrimSpace(token)), 0, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask hides all but the last four characters of value.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
