package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwksFixture struct {
	privateKey *rsa.PrivateKey
	server     *httptest.Server
}

func newJWKSFixture(t *testing.T) jwksFixture {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	publicKey := privateKey.PublicKey
	jwk := map[string]string{
		"kty": "RSA",
		"alg": "RS256",
		"kid": "test-key",
		"use": "sig",
		"n":   encodeBigInt(publicKey.N),
		"e":   encodeBigInt(publicKey.E),
	}

	jwksResponse := map[string]any{
		"keys": []any{jwk},
	}

	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/v3/certs" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(jwksResponse)
	}))
	t.Cleanup(jwksServer.Close)
	return jwksFixture{privateKey: privateKey, server: jwksServer}
}

func (f jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = "test-key"
	signedToken, err := token.SignedString(f.privateKey)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signedToken
}

func (f jwksFixture) verifier(t *testing.T) *GoogleVerifier {
	t.Helper()
	verifier, err := NewGoogleVerifier(GoogleVerifierConfig{
		Audience:       "test-client",
		JWKSURL:        f.server.URL + "/oauth2/v3/certs",
		AllowedIssuers: []string{"https://accounts.google.com", "accounts.google.com"},
		HTTPClient:     f.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return verifier
}

func validGoogleClaims() jwt.MapClaims {
	now := time.Now().UTC()
	return jwt.MapClaims{
		"aud":            "test-client",
		"iss":            "https://accounts.google.com",
		"sub":            "user-123",
		"exp":            now.Add(5 * time.Minute).Unix(),
		"iat":            now.Unix(),
		"email":          "person@example.com",
		"email_verified": true,
		"name":           "Example Person",
		"picture":        "https://example.com/p.png",
	}
}

func TestGoogleVerifierValidatesTokenUsingJWKS(t *testing.T) {
	fixture := newJWKSFixture(t)
	signedToken := fixture.sign(t, validGoogleClaims())

	verified, err := fixture.verifier(t).Verify(context.Background(), signedToken)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}

	if verified.Subject != "user-123" {
		t.Fatalf("unexpected subject %s", verified.Subject)
	}
	if verified.Audience != "test-client" {
		t.Fatalf("unexpected audience %s", verified.Audience)
	}
	if verified.Email != "person@example.com" || verified.Name != "Example Person" || verified.Picture != "https://example.com/p.png" {
		t.Fatalf("unexpected profile claims %#v", verified)
	}
}

func TestGoogleVerifierAcceptsStringEmailVerified(t *testing.T) {
	fixture := newJWKSFixture(t)
	claims := validGoogleClaims()
	claims["email_verified"] = "true"

	if _, err := fixture.verifier(t).Verify(context.Background(), fixture.sign(t, claims)); err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
}

func TestGoogleVerifierRejectsInvalidTokens(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(jwt.MapClaims)
	}{
		{name: "audience", mutate: func(c jwt.MapClaims) { c["aud"] = "unexpected-client" }},
		{name: "issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }},
		{name: "unverified email", mutate: func(c jwt.MapClaims) { c["email_verified"] = false }},
		{name: "missing email", mutate: func(c jwt.MapClaims) { delete(c, "email") }},
		{name: "missing subject", mutate: func(c jwt.MapClaims) { delete(c, "sub") }},
	}

	fixture := newJWKSFixture(t)
	verifier := fixture.verifier(t)
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			claims := validGoogleClaims()
			testCase.mutate(claims)
			verified, err := verifier.Verify(context.Background(), fixture.sign(t, claims))
			if !errors.Is(err, ErrInvalidGoogleToken) {
				t.Fatalf("expected invalid google token error, got %v", err)
			}
			if verified != (GoogleClaims{}) {
				t.Fatalf("expected no partial identity, got %#v", verified)
			}
		})
	}
}

func TestGoogleVerifierRejectsEmptyToken(t *testing.T) {
	fixture := newJWKSFixture(t)
	if _, err := fixture.verifier(t).Verify(context.Background(), "  "); !errors.Is(err, ErrInvalidGoogleToken) {
		t.Fatalf("expected invalid google token error, got %v", err)
	}
}

func TestNewGoogleVerifierRequiresAudienceAndJWKS(t *testing.T) {
	_, err := NewGoogleVerifier(GoogleVerifierConfig{
		Audience:       "",
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{"https://accounts.google.com"},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingAudienceConfig.Error()) {
		t.Fatalf("expected audience validation error to be reported, got %v", err)
	}

	_, err = NewGoogleVerifier(GoogleVerifierConfig{
		Audience:       "test-client",
		JWKSURL:        " ",
		AllowedIssuers: []string{"https://accounts.google.com"},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errMissingJWKSURL.Error()) {
		t.Fatalf("expected jwks validation error to be reported, got %v", err)
	}
}

func TestNewGoogleVerifierRejectsEmptyIssuerList(t *testing.T) {
	_, err := NewGoogleVerifier(GoogleVerifierConfig{
		Audience:       "test-client",
		JWKSURL:        "https://example.com/jwks",
		AllowedIssuers: []string{"", "   "},
	})
	if !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid verifier config error, got %v", err)
	}
	if !strings.Contains(err.Error(), errNoAllowedIssuers.Error()) {
		t.Fatalf("expected allowed issuers validation error to be reported, got %v", err)
	}
}

func encodeBigInt(value interface{}) string {
	switch v := value.(type) {
	case *big.Int:
		return base64.RawURLEncoding.EncodeToString(v.Bytes())
	case int:
		return encodeBigInt(int64(v))
	case int64:
		return base64.RawURLEncoding.EncodeToString(big.NewInt(v).Bytes())
	case uint64:
		return base64.RawURLEncoding.EncodeToString(new(big.Int).SetUint64(v).Bytes())
	default:
		return ""
	}
}
