package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ONESPARK_ADMIN_PASSWORD", "hunter2")
	t.Setenv("ONESPARK_STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("ONESPARK_STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("ONESPARK_VERIFICATION_BACKEND", "local")
}

func TestLoadAppliesDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.StoreBackend != StoreBackendRedis {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.SessionTTL != 720*time.Hour || cfg.AdminTokenTTL != 4*time.Hour {
		t.Fatalf("unexpected ttl defaults: session=%s admin=%s", cfg.SessionTTL, cfg.AdminTokenTTL)
	}
	if cfg.Pricing.FullPrice.String() != "390" || cfg.Pricing.DiscountRate.String() != "0.3" {
		t.Fatalf("unexpected pricing defaults %#v", cfg.Pricing)
	}
	if !cfg.Pricing.FlashEndsAt.IsZero() || cfg.Pricing.MaxSpots != defaultMaxSpots {
		t.Fatalf("unexpected flash defaults %#v", cfg.Pricing)
	}
	if cfg.GoogleJWKSURL != defaultGoogleJWKSURL {
		t.Fatalf("unexpected jwks url %q", cfg.GoogleJWKSURL)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("ONESPARK_STORE_BACKEND", "SQLite")
	t.Setenv("ONESPARK_SQLITE_PATH", "/tmp/onespark.db")
	t.Setenv("ONESPARK_HTTP_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("ONESPARK_PRICING_FLASH_PRICE", "199.50")
	t.Setenv("ONESPARK_PRICING_FLASH_ENDS_AT", "2026-01-02T15:04:05Z")
	t.Setenv("ONESPARK_SESSION_TTL", "1h")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.StoreBackend != StoreBackendSQLite || cfg.SQLitePath != "/tmp/onespark.db" {
		t.Fatalf("unexpected store config %#v", cfg)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}
	if cfg.Pricing.FlashPrice.StringFixed(2) != "199.50" {
		t.Fatalf("unexpected flash price %s", cfg.Pricing.FlashPrice)
	}
	if !cfg.Pricing.FlashEndsAt.Equal(time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected flash end %s", cfg.Pricing.FlashEndsAt)
	}
	if cfg.SessionTTL != time.Hour {
		t.Fatalf("unexpected session ttl %s", cfg.SessionTTL)
	}
}

func TestLoadNamesMissingKey(t *testing.T) {
	testCases := []struct {
		name     string
		unset    string
		override map[string]string
		expected string
	}{
		{name: "admin password", unset: "ONESPARK_ADMIN_PASSWORD", expected: "admin.password is required"},
		{name: "stripe key", unset: "ONESPARK_STRIPE_SECRET_KEY", expected: "stripe.secret_key is required"},
		{name: "webhook secret", unset: "ONESPARK_STRIPE_WEBHOOK_SECRET", expected: "stripe.webhook_secret is required"},
		{name: "twilio credentials", override: map[string]string{"ONESPARK_VERIFICATION_BACKEND": "twilio"}, expected: "twilio.account_sid"},
		{name: "store backend", override: map[string]string{"ONESPARK_STORE_BACKEND": "mongo"}, expected: "store.backend"},
		{name: "bad decimal", override: map[string]string{"ONESPARK_PRICING_FULL_PRICE": "lots"}, expected: "pricing.full_price"},
		{name: "bad timestamp", override: map[string]string{"ONESPARK_PRICING_FLASH_ENDS_AT": "tomorrow"}, expected: "pricing.flash_ends_at"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			setRequired(t)
			if testCase.unset != "" {
				t.Setenv(testCase.unset, "")
			}
			for key, value := range testCase.override {
				t.Setenv(key, value)
			}
			_, err := Load(NewViper())
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.expected) {
				t.Fatalf("expected error to mention %q, got %v", testCase.expected, err)
			}
		})
	}
}

func TestLoadDotEnvKeepsExistingVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "ONESPARK_TEST_DOTENV_NEW=from-file\nONESPARK_TEST_DOTENV_SET=from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("ONESPARK_TEST_DOTENV_SET", "from-env")
	t.Setenv("ONESPARK_TEST_DOTENV_NEW", "")
	if err := os.Unsetenv("ONESPARK_TEST_DOTENV_NEW"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv returned error: %v", err)
	}
	if got := os.Getenv("ONESPARK_TEST_DOTENV_NEW"); got != "from-file" {
		t.Fatalf("expected value from file, got %q", got)
	}
	if got := os.Getenv("ONESPARK_TEST_DOTENV_SET"); got != "from-env" {
		t.Fatalf("existing variable must win, got %q", got)
	}
}

func TestLoadDotEnvIgnoresMissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("missing file must not be an error: %v", err)
	}
}
