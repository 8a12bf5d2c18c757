package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"go.uber.org/zap"
)

const (
	tokenKeyPrefix    = "token:"
	defaultSessionTTL = 30 * 24 * time.Hour
)

// ErrInvalidSession indicates a token that is malformed, unknown, or expired.
var ErrInvalidSession = errors.New("auth: invalid or expired session")

// SessionManagerConfig configures bearer session issuance.
type SessionManagerConfig struct {
	Store  kv.Store
	TTL    time.Duration
	Random io.Reader
	Clock  func() time.Time
	Logger *zap.Logger
}

// SessionManager issues opaque bearer tokens bound to canonical user keys.
// Every successful validation slides the expiry forward by the full TTL.
type SessionManager struct {
	store  kv.Store
	ttl    time.Duration
	random io.Reader
	clock  func() time.Time
	logger *zap.Logger
}

// NewSessionManager constructs a SessionManager with defaults applied.
func NewSessionManager(cfg SessionManagerConfig) (*SessionManager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("auth: session store required")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		store:  cfg.Store,
		ttl:    ttl,
		random: cfg.Random,
		clock:  clock,
		logger: logger,
	}, nil
}

// TTL reports the sliding session lifetime.
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a new token for userKey. Existing tokens of the same user stay valid.
func (m *SessionManager) Issue(ctx context.Context, userKey string) (Session, error) {
	subject := strings.TrimSpace(userKey)
	if subject == "" {
		return Session{}, fmt.Errorf("auth: user key required")
	}
	token, err := newToken(m.random)
	if err != nil {
		return Session{}, err
	}
	if err := m.store.Set(ctx, tokenKeyPrefix+token, subject, m.ttl); err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		Subject:   subject,
		ExpiresAt: m.clock().UTC().Add(m.ttl),
	}, nil
}

// Validate returns the user key bound to token and renews its expiry.
func (m *SessionManager) Validate(ctx context.Context, token string) (Session, error) {
	token = strings.TrimSpace(token)
	if !wellFormedToken(token) {
		return Session{}, ErrInvalidSession
	}
	key := tokenKeyPrefix + token
	subject, err := m.store.Get(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		m.logger.Info("session token not found or expired")
		return Session{}, ErrInvalidSession
	}
	if err != nil {
		return Session{}, err
	}
	renewed, err := m.store.Expire(ctx, key, m.ttl)
	if err != nil {
		return Session{}, err
	}
	if !renewed {
		return Session{}, ErrInvalidSession
	}
	return Session{
		Token:     token,
		Subject:   subject,
		ExpiresAt: m.clock().UTC().Add(m.ttl),
	}, nil
}
