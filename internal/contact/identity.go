package contact

import (
	"errors"
	"fmt"
	"strings"
)

// Method enumerates the contact channels an identity can be verified through.
type Method string

const (
	// MethodEmail identifies an email address.
	MethodEmail Method = "email"
	// MethodSMS identifies a phone number reachable by SMS.
	MethodSMS Method = "sms"
)

const (
	defaultCountryCode = "+1"
	minPhoneDigits     = 7
	maxPhoneDigits     = 15
	maxEmailLength     = 320
)

var (
	// ErrInvalidMethod indicates a contact method other than email or sms.
	ErrInvalidMethod = errors.New("contact: invalid contact method")
	// ErrInvalidValue indicates a missing or malformed contact value.
	ErrInvalidValue = errors.New("contact: invalid contact value")
	// ErrInvalidKey indicates a user key that is not of the form method:value.
	ErrInvalidKey = errors.New("contact: invalid user key")
)

// ParseMethod validates the raw method tag.
func ParseMethod(raw string) (Method, error) {
	switch Method(strings.ToLower(strings.TrimSpace(raw))) {
	case MethodEmail:
		return MethodEmail, nil
	case MethodSMS:
		return MethodSMS, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMethod, raw)
	}
}

// Identity is a contact method plus its normalized value.
type Identity struct {
	Method Method
	Value  string
}

// Key returns the canonical method:value form used for store keys.
func (i Identity) Key() string {
	return string(i.Method) + ":" + i.Value
}

// IsZero reports whether the identity is unset.
func (i Identity) IsZero() bool {
	return i.Method == "" && i.Value == ""
}

// ParseKey splits a canonical key on its first colon.
func ParseKey(key string) (Identity, error) {
	methodPart, value, found := strings.Cut(key, ":")
	if !found || value == "" {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	method, err := ParseMethod(methodPart)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return Identity{Method: method, Value: value}, nil
}

// Normalizer turns raw form input into canonical identities.
type Normalizer struct {
	countryCode string
}

// NewNormalizer builds a normalizer that prefixes bare phone numbers with countryCode.
func NewNormalizer(countryCode string) Normalizer {
	code := strings.TrimSpace(countryCode)
	if code == "" {
		code = defaultCountryCode
	}
	if !strings.HasPrefix(code, "+") {
		code = "+" + code
	}
	return Normalizer{countryCode: code}
}

// Identity validates method and value and returns the normalized identity.
func (n Normalizer) Identity(rawMethod, rawValue string) (Identity, error) {
	method, err := ParseMethod(rawMethod)
	if err != nil {
		return Identity{}, err
	}
	var value string
	switch method {
	case MethodEmail:
		value, err = NormalizeEmail(rawValue)
	case MethodSMS:
		value, err = n.Phone(rawValue)
	}
	if err != nil {
		return Identity{}, err
	}
	return Identity{Method: method, Value: value}, nil
}

// Phone converts a phone number to international format. Numbers that already
// start with '+' keep their country code; others get the default prefix.
func (n Normalizer) Phone(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	digits := digitsOnly(trimmed)
	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", fmt.Errorf("%w: phone number %q", ErrInvalidValue, raw)
	}
	if strings.HasPrefix(trimmed, "+") {
		return "+" + digits, nil
	}
	return n.countryCode + digits, nil
}

// NormalizeEmail trims and lower-cases an address and checks its basic shape.
func NormalizeEmail(raw string) (string, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "" || len(value) > maxEmailLength {
		return "", fmt.Errorf("%w: email %q", ErrInvalidValue, raw)
	}
	local, domain, found := strings.Cut(value, "@")
	if !found || local == "" || domain == "" || strings.Contains(domain, "@") || strings.ContainsAny(value, " \t\r\n") {
		return "", fmt.Errorf("%w: email %q", ErrInvalidValue, raw)
	}
	return value, nil
}

func digitsOnly(value string) string {
	var builder strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			builder.WriteRune(r)
		}
	}
	return builder.String()
}
