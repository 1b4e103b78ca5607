// Package auth provides opaque session tokens and secret comparison.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrInvalidToken = errors.New("invalid token")

// NewToken mints an opaque bearer token. Only the hash is ever persisted.
func NewToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}

// SecureEqual compares two secrets in constant time. An empty expected
// value never matches anything.
func SecureEqual(expected, presented string) bool {
	if expected == "" {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(presented))
}
