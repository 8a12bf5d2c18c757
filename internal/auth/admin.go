package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	adminKeyPrefix       = "admin:"
	adminTokenValue      = "true"
	defaultAdminTokenTTL = 4 * time.Hour
	bcryptHashPrefix     = "$2"
)

var (
	// ErrInvalidCredentials indicates a rejected admin username/password pair.
	ErrInvalidCredentials = errors.New("auth: invalid admin credentials")
	// ErrInvalidAdminToken indicates a missing, unknown, or expired admin token.
	ErrInvalidAdminToken = errors.New("auth: invalid admin token")
	// ErrInvalidAdminConfig indicates the admin credentials were not configured.
	ErrInvalidAdminConfig = errors.New("auth: invalid admin config")
)

// AdminAuthenticatorConfig describes the fixed admin credential.
// Password is either plain text or a bcrypt hash.
type AdminAuthenticatorConfig struct {
	Store    kv.Store
	Username string
	Password string
	TokenTTL time.Duration
	Random   io.Reader
	Clock    func() time.Time
	Logger   *zap.Logger
}

// AdminAuthenticator exchanges the admin credential for short-lived tokens.
type AdminAuthenticator struct {
	store    kv.Store
	username string
	password string
	hashed   bool
	ttl      time.Duration
	random   io.Reader
	clock    func() time.Time
	logger   *zap.Logger
}

// NewAdminAuthenticator validates the configuration and constructs the authenticator.
func NewAdminAuthenticator(cfg AdminAuthenticatorConfig) (*AdminAuthenticator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: store required", ErrInvalidAdminConfig)
	}
	username := strings.TrimSpace(cfg.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrInvalidAdminConfig)
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("%w: password required", ErrInvalidAdminConfig)
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultAdminTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminAuthenticator{
		store:    cfg.Store,
		username: username,
		password: cfg.Password,
		hashed:   strings.HasPrefix(cfg.Password, bcryptHashPrefix),
		ttl:      ttl,
		random:   cfg.Random,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Login checks the credential and stores a new admin token.
func (a *AdminAuthenticator) Login(ctx context.Context, username, password string) (Session, error) {
	if !a.credentialsMatch(strings.TrimSpace(username), password) {
		a.logger.Warn("admin login rejected", zap.String("username", username))
		return Session{}, ErrInvalidCredentials
	}
	token, err := newToken(a.random)
	if err != nil {
		return Session{}, err
	}
	if err := a.store.Set(ctx, adminKeyPrefix+token, adminTokenValue, a.ttl); err != nil {
		return Session{}, err
	}
	a.logger.Info("admin token issued")
	return Session{
		Token:     token,
		Subject:   a.username,
		ExpiresAt: a.clock().UTC().Add(a.ttl),
	}, nil
}

// Validate reports whether token is a live admin token. Admin tokens do not slide.
func (a *AdminAuthenticator) Validate(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if !wellFormedToken(token) {
		return ErrInvalidAdminToken
	}
	_, err := a.store.Get(ctx, adminKeyPrefix+token)
	if errors.Is(err, kv.ErrNotFound) {
		return ErrInvalidAdminToken
	}
	return err
}

func (a *AdminAuthenticator) credentialsMatch(username, password string) bool {
	usernameOK := subtle.ConstantTimeCompare([]byte(username), []byte(a.username)) == 1
	var passwordOK bool
	if a.hashed {
		passwordOK = bcrypt.CompareHashAndPassword([]byte(a.password), []byte(password)) == nil
	} else {
		passwordOK = subtle.ConstantTimeCompare([]byte(password), []byte(a.password)) == 1
	}
	return usernameOK && passwordOK
}
