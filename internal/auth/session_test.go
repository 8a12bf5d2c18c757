package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv/kvtest"
)

const testUserKey = "email:a@b.com"

func TestSessionManagerIssueAndValidate(t *testing.T) {
	store, _ := kvtest.NewStore(t)
	manager, err := NewSessionManager(SessionManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	ctx := context.Background()

	session, err := manager.Issue(ctx, testUserKey)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if len(session.Token) != 64 {
		t.Fatalf("expected 32 random bytes hex encoded, got %q", session.Token)
	}

	validated, err := manager.Validate(ctx, session.Token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if validated.Subject != testUserKey {
		t.Fatalf("unexpected subject %q", validated.Subject)
	}
}

func TestSessionManagerSlidingExpiry(t *testing.T) {
	store, server := kvtest.NewStore(t)
	manager, err := NewSessionManager(SessionManagerConfig{Store: store, TTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	ctx := context.Background()

	session, err := manager.Issue(ctx, testUserKey)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	server.FastForward(50 * time.Minute)
	if _, err := manager.Validate(ctx, session.Token); err != nil {
		t.Fatalf("expected token to still be valid: %v", err)
	}

	server.FastForward(50 * time.Minute)
	if _, err := manager.Validate(ctx, session.Token); err != nil {
		t.Fatalf("expected renewal to extend validity: %v", err)
	}

	server.FastForward(61 * time.Minute)
	if _, err := manager.Validate(ctx, session.Token); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected expired token to be invalid, got %v", err)
	}
}

func TestSessionManagerTokensAreIndependent(t *testing.T) {
	store, _ := kvtest.NewStore(t)
	manager, err := NewSessionManager(SessionManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	ctx := context.Background()

	first, err := manager.Issue(ctx, testUserKey)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	second, err := manager.Issue(ctx, testUserKey)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if first.Token == second.Token {
		t.Fatalf("expected distinct tokens")
	}
	for _, token := range []string{first.Token, second.Token} {
		if _, err := manager.Validate(ctx, token); err != nil {
			t.Fatalf("expected token %q to validate: %v", token, err)
		}
	}
}

func TestSessionManagerRejectsMalformedTokens(t *testing.T) {
	store, _ := kvtest.NewStore(t)
	manager, err := NewSessionManager(SessionManagerConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to construct session manager: %v", err)
	}
	for _, token := range []string{"", "abc", "*", strings.Repeat("z", 64), strings.Repeat("a", 64)} {
		if _, err := manager.Validate(context.Background(), token); !errors.Is(err, ErrInvalidSession) {
			t.Fatalf("expected invalid session for %q, got %v", token, err)
		}
	}
}

func TestBearerToken(t *testing.T) {
	testCases := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
		"Bearer":       "",
	}
	for header, expected := range testCases {
		if got := BearerToken(header); got != expected {
			t.Fatalf("BearerToken(%q) = %q, want %q", header, got, expected)
		}
	}
}
