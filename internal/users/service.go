package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"go.uber.org/zap"
)

var (
	// ErrInvalidIdentity indicates the identity did not contain a usable method and value.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrUserNotFound indicates no user record (directly or through an alias) exists.
	ErrUserNotFound = errors.New("users: user not found")
	// ErrFederatedConflict indicates the email is already bound to a different Google account.
	ErrFederatedConflict = errors.New("users: federated identity conflict")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Store  kv.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service resolves contact identities to canonical user records.
type Service struct {
	store  kv.Store
	now    func() time.Time
	logger *zap.Logger
}

// FederatedProfile carries the verified claims of a Google sign-in.
type FederatedProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("users: store required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:  cfg.Store,
		now:    clock,
		logger: logger,
	}, nil
}

// Resolve returns the user owning the identity, following at most one alias hop,
// and creates a new user keyed by the identity when none exists.
func (s *Service) Resolve(ctx context.Context, identity contact.Identity) (User, error) {
	user, err := s.Lookup(ctx, identity)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, err
	}

	user = User{
		ContactMethod: identity.Method,
		ContactValue:  identity.Value,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.save(ctx, user); err != nil {
		return User{}, err
	}
	s.logger.Info("user created", zap.String("user_key", user.Key()))
	return user, nil
}

// Lookup is Resolve without the create step.
func (s *Service) Lookup(ctx context.Context, identity contact.Identity) (User, error) {
	if err := validateIdentity(identity); err != nil {
		return User{}, err
	}
	key := identity.Key()

	user, err := s.Get(ctx, key)
	if !errors.Is(err, ErrUserNotFound) {
		return user, err
	}

	target, err := s.store.Get(ctx, aliasKeyPrefix+key)
	if errors.Is(err, kv.ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}

	user, err = s.Get(ctx, target)
	if errors.Is(err, ErrUserNotFound) {
		s.logger.Warn("user alias points at missing record",
			zap.String("alias", key),
			zap.String("target", target))
	}
	return user, err
}

// Get reads the user stored under a canonical key.
func (s *Service) Get(ctx context.Context, userKey string) (User, error) {
	if normalize(userKey) == "" {
		return User{}, ErrInvalidIdentity
	}
	var user User
	err := kv.GetJSON(ctx, s.store, userKeyPrefix+userKey, &user)
	if errors.Is(err, kv.ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	if user.ContactMethod == "" || user.ContactValue == "" {
		identity, parseErr := contact.ParseKey(userKey)
		if parseErr != nil {
			return User{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, parseErr)
		}
		user.ContactMethod = identity.Method
		user.ContactValue = identity.Value
	}
	return user, nil
}

// Merge records identity as a secondary contact of the user at existingKey and
// aliases the identity's key to existingKey so later lookups land on the same user.
// No alias is written when the identity already owns its own user record.
func (s *Service) Merge(ctx context.Context, existingKey string, identity contact.Identity) (User, error) {
	if err := validateIdentity(identity); err != nil {
		return User{}, err
	}
	user, err := s.Get(ctx, existingKey)
	if err != nil {
		return User{}, err
	}
	newKey := identity.Key()
	if newKey == user.Key() {
		return user, nil
	}

	switch identity.Method {
	case contact.MethodEmail:
		user.Email = identity.Value
	case contact.MethodSMS:
		user.Phone = identity.Value
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, user); err != nil {
		return User{}, err
	}

	_, err = s.Get(ctx, newKey)
	switch {
	case err == nil:
		s.logger.Info("contact owns a separate user record; alias skipped",
			zap.String("user_key", user.Key()),
			zap.String("contact_key", newKey))
		return user, nil
	case !errors.Is(err, ErrUserNotFound):
		return User{}, err
	}

	if err := s.store.Set(ctx, aliasKeyPrefix+newKey, user.Key(), 0); err != nil {
		return User{}, err
	}
	s.logger.Info("user alias written",
		zap.String("user_key", user.Key()),
		zap.String("alias", newKey))
	return user, nil
}

// ResolveFederated finds or creates the email-keyed user for a Google sign-in.
// The Google subject is bound on first sign-in; name and picture are only filled
// in when absent so user edits are never overwritten.
func (s *Service) ResolveFederated(ctx context.Context, profile FederatedProfile) (User, error) {
	subject := normalize(profile.Subject)
	if subject == "" {
		return User{}, fmt.Errorf("%w: missing subject", ErrInvalidIdentity)
	}
	email, err := contact.NormalizeEmail(profile.Email)
	if err != nil {
		return User{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	user, err := s.Resolve(ctx, contact.Identity{Method: contact.MethodEmail, Value: email})
	if err != nil {
		return User{}, err
	}
	if user.GoogleID != "" && user.GoogleID != subject {
		return User{}, ErrFederatedConflict
	}

	changed := false
	if user.GoogleID == "" {
		user.GoogleID = subject
		changed = true
	}
	if name := normalize(profile.Name); user.Name == "" && name != "" {
		user.Name = name
		changed = true
	}
	if picture := normalize(profile.Picture); user.Picture == "" && picture != "" {
		user.Picture = picture
		changed = true
	}
	if !changed {
		return user, nil
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, user); err != nil {
		return User{}, err
	}
	return user, nil
}

// UpdateShipping replaces the stored shipping profile of the user.
func (s *Service) UpdateShipping(ctx context.Context, userKey string, shipping contact.Shipping) (User, error) {
	user, err := s.Get(ctx, userKey)
	if err != nil {
		return User{}, err
	}
	trimmed := shipping.Trimmed()
	if trimmed.IsZero() {
		return user, nil
	}
	user.Shipping = &trimmed
	user.UpdatedAt = s.now().UTC()
	if err := s.save(ctx, user); err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *Service) save(ctx context.Context, user User) error {
	return kv.SetJSON(ctx, s.store, userKeyPrefix+user.Key(), user, 0)
}

func validateIdentity(identity contact.Identity) error {
	if identity.Method != contact.MethodEmail && identity.Method != contact.MethodSMS {
		return fmt.Errorf("%w: method %q", ErrInvalidIdentity, identity.Method)
	}
	if normalize(identity.Value) == "" {
		return fmt.Errorf("%w: empty value", ErrInvalidIdentity)
	}
	return nil
}
