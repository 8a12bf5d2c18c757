package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"
)

const tokenBytes = 32

// Session is an issued bearer credential.
type Session struct {
	Token     string    `json:"token"`
	Subject   string    `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newToken(random io.Reader) (string, error) {
	if random == nil {
		random = rand.Reader
	}
	buffer := make([]byte, tokenBytes)
	if _, err := io.ReadFull(random, buffer); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return hex.EncodeToString(buffer), nil
}

// wellFormedToken rejects values that could never have been issued so lookups
// never reach the store with attacker-controlled patterns.
func wellFormedToken(token string) bool {
	if len(token) != tokenBytes*2 {
		return false
	}
	_, err := hex.DecodeString(token)
	return err == nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if len(trimmed) < 7 || !strings.EqualFold(trimmed[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(trimmed[7:])
}
