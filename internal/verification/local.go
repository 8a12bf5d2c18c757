package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const (
	secretKeyPrefix    = "otp:"
	attemptsKeyPrefix  = "otpattempts:"
	defaultCodeTTL     = 10 * time.Minute
	defaultMaxAttempts = 5
	defaultIssuer      = "OneSpark"
	minimumCodePeriod  = 30 * time.Second
	codeValidationSkew = 1
)

// CodeSender delivers a generated code to the contact.
type CodeSender interface {
	SendCode(ctx context.Context, identity contact.Identity, code string) error
}

// LocalConfig configures the store-backed verifier.
type LocalConfig struct {
	Store       kv.Store
	Sender      CodeSender
	CodeTTL     time.Duration
	MaxAttempts int
	Issuer      string
	Clock       func() time.Time
	Logger      *zap.Logger
}

// LocalVerifier generates TOTP codes from a per-contact secret kept in the
// store for the code lifetime. A code is accepted once; the secret is removed
// after a successful check or too many failed attempts.
type LocalVerifier struct {
	store       kv.Store
	sender      CodeSender
	ttl         time.Duration
	maxAttempts int64
	issuer      string
	clock       func() time.Time
	logger      *zap.Logger
}

// NewLocalVerifier constructs a LocalVerifier.
func NewLocalVerifier(cfg LocalConfig) (*LocalVerifier, error) {
	if cfg.Store == nil || cfg.Sender == nil {
		return nil, fmt.Errorf("%w: store and sender required", ErrInvalidConfig)
	}
	ttl := cfg.CodeTTL
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalVerifier{
		store:       cfg.Store,
		sender:      cfg.Sender,
		ttl:         ttl,
		maxAttempts: int64(maxAttempts),
		issuer:      issuer,
		clock:       clock,
		logger:      logger,
	}, nil
}

// Send stores a fresh secret for the contact and delivers its current code.
func (v *LocalVerifier) Send(ctx context.Context, identity contact.Identity) error {
	if _, err := channelFor(identity.Method); err != nil {
		return err
	}
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      v.issuer,
		AccountName: identity.Key(),
		Period:      v.period(),
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return fmt.Errorf("verification: generate secret: %w", err)
	}
	secret := key.Secret()
	code, err := totp.GenerateCodeCustom(secret, v.clock(), v.validateOpts())
	if err != nil {
		return fmt.Errorf("verification: generate code: %w", err)
	}

	if err := v.store.Set(ctx, secretKeyPrefix+identity.Key(), secret, v.ttl); err != nil {
		return err
	}
	if err := v.store.Del(ctx, attemptsKeyPrefix+identity.Key()); err != nil {
		return err
	}
	if err := v.sender.SendCode(ctx, identity, code); err != nil {
		return fmt.Errorf("verification: deliver code: %w", err)
	}
	return nil
}

// Check validates code against the stored secret.
func (v *LocalVerifier) Check(ctx context.Context, identity contact.Identity, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, nil
	}
	secretKey := secretKeyPrefix + identity.Key()
	secret, err := v.store.Get(ctx, secretKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	attempts, err := v.store.IncrWithExpire(ctx, attemptsKeyPrefix+identity.Key(), v.ttl)
	if err != nil {
		return false, err
	}
	if attempts > v.maxAttempts {
		v.logger.Warn("verification attempts exhausted", zap.String("contact_key", identity.Key()))
		return false, v.store.Del(ctx, secretKey, attemptsKeyPrefix+identity.Key())
	}

	valid, err := totp.ValidateCustom(code, secret, v.clock(), v.validateOpts())
	if err != nil {
		return false, nil
	}
	if !valid {
		return false, nil
	}
	if err := v.store.Del(ctx, secretKey, attemptsKeyPrefix+identity.Key()); err != nil {
		return false, err
	}
	return true, nil
}

func (v *LocalVerifier) period() uint {
	period := v.ttl
	if period < minimumCodePeriod {
		period = minimumCodePeriod
	}
	return uint(period / time.Second)
}

func (v *LocalVerifier) validateOpts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    v.period(),
		Skew:      codeValidationSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}
