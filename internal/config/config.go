package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	envPrefix                 = "ONESPARK"
	defaultHTTPAddress        = "0.0.0.0:8080"
	defaultLogLevel           = "info"
	defaultRedisURL           = "redis://localhost:6379/0"
	defaultSQLitePath         = "onespark.db"
	defaultSessionTTL         = 720 * time.Hour
	defaultAdminUsername      = "admin"
	defaultAdminTokenTTL      = 4 * time.Hour
	defaultGoogleJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultCountryCode        = "+1"
	defaultCodeTTL            = 10 * time.Minute
	defaultProductName        = "OneSpark"
	defaultCurrency           = "usd"
	defaultFullPrice          = "390"
	defaultDiscountRate       = "0.30"
	defaultDepositRate        = "0.30"
	defaultFlashPrice         = "0"
	defaultMaxSpots           = 10
	defaultOTPRateLimit       = 5
	defaultOTPRateLimitWindow = 10 * time.Minute
	defaultDotEnvPath         = ".env"
)

// Store backends.
const (
	StoreBackendRedis  = "redis"
	StoreBackendSQLite = "sqlite"
)

// Verification backends.
const (
	VerificationBackendTwilio = "twilio"
	VerificationBackendLocal  = "local"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	PublicOrigin   string
	AllowedOrigins []string
	LogLevel       string

	StoreBackend string
	RedisURL     string
	SQLitePath   string

	SessionTTL    time.Duration
	AdminUsername string
	AdminPassword string
	AdminTokenTTL time.Duration

	GoogleClientID string
	GoogleJWKSURL  string

	StripeSecretKey     string
	StripeWebhookSecret string

	VerificationBackend string
	DefaultCountryCode  string
	CodeTTL             time.Duration

	TwilioAccountSID       string
	TwilioAuthToken        string
	TwilioVerifyServiceSID string
	TwilioFromNumber       string

	SendGridAPIKey          string
	SendGridFromEmail       string
	SendGridFromName        string
	SendGridOrderTemplateID string
	AdminEmail              string

	Pricing PricingConfig

	OTPRateLimit       int
	OTPRateLimitWindow time.Duration
}

// PricingConfig is the product offer in decimal currency units.
type PricingConfig struct {
	ProductName  string
	Currency     string
	FullPrice    decimal.Decimal
	DiscountRate decimal.Decimal
	DepositRate  decimal.Decimal
	FlashPrice   decimal.Decimal
	FlashEndsAt  time.Time
	MaxSpots     int
}

// TwilioConfigured reports whether Twilio REST credentials are present.
func (c AppConfig) TwilioConfigured() bool {
	return c.TwilioAccountSID != "" && c.TwilioAuthToken != ""
}

// SendGridConfigured reports whether SendGrid can deliver email.
func (c AppConfig) SendGridConfigured() bool {
	return c.SendGridAPIKey != "" && c.SendGridFromEmail != ""
}

// LoadDotEnv reads KEY=value pairs from path into the process environment.
// Variables that are already set win, and a missing file is not an error.
func LoadDotEnv(path string) error {
	if strings.TrimSpace(path) == "" {
		path = defaultDotEnvPath
	}
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.public_origin", "")
	configViper.SetDefault("http.allowed_origins", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("store.backend", StoreBackendRedis)
	configViper.SetDefault("redis.url", defaultRedisURL)
	configViper.SetDefault("sqlite.path", defaultSQLitePath)
	configViper.SetDefault("session.ttl", defaultSessionTTL)
	configViper.SetDefault("admin.username", defaultAdminUsername)
	configViper.SetDefault("admin.password", "")
	configViper.SetDefault("admin.token_ttl", defaultAdminTokenTTL)
	configViper.SetDefault("google.client_id", "")
	configViper.SetDefault("google.jwks_url", defaultGoogleJWKSURL)
	configViper.SetDefault("stripe.secret_key", "")
	configViper.SetDefault("stripe.webhook_secret", "")
	configViper.SetDefault("verification.backend", VerificationBackendTwilio)
	configViper.SetDefault("verification.default_country_code", defaultCountryCode)
	configViper.SetDefault("verification.code_ttl", defaultCodeTTL)
	configViper.SetDefault("twilio.account_sid", "")
	configViper.SetDefault("twilio.auth_token", "")
	configViper.SetDefault("twilio.verify_service_sid", "")
	configViper.SetDefault("twilio.from_number", "")
	configViper.SetDefault("sendgrid.api_key", "")
	configViper.SetDefault("sendgrid.from_email", "")
	configViper.SetDefault("sendgrid.from_name", defaultProductName)
	configViper.SetDefault("sendgrid.order_template_id", "")
	configViper.SetDefault("notify.admin_email", "")
	configViper.SetDefault("pricing.product_name", defaultProductName)
	configViper.SetDefault("pricing.currency", defaultCurrency)
	configViper.SetDefault("pricing.full_price", defaultFullPrice)
	configViper.SetDefault("pricing.discount_rate", defaultDiscountRate)
	configViper.SetDefault("pricing.deposit_rate", defaultDepositRate)
	configViper.SetDefault("pricing.flash_price", defaultFlashPrice)
	configViper.SetDefault("pricing.flash_ends_at", "")
	configViper.SetDefault("pricing.max_spots", defaultMaxSpots)
	configViper.SetDefault("ratelimit.otp_limit", defaultOTPRateLimit)
	configViper.SetDefault("ratelimit.otp_window", defaultOTPRateLimitWindow)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:             strings.TrimSpace(configViper.GetString("http.address")),
		PublicOrigin:            strings.TrimSpace(configViper.GetString("http.public_origin")),
		AllowedOrigins:          splitList(configViper.GetString("http.allowed_origins")),
		LogLevel:                configViper.GetString("log.level"),
		StoreBackend:            strings.ToLower(strings.TrimSpace(configViper.GetString("store.backend"))),
		RedisURL:                strings.TrimSpace(configViper.GetString("redis.url")),
		SQLitePath:              strings.TrimSpace(configViper.GetString("sqlite.path")),
		SessionTTL:              configViper.GetDuration("session.ttl"),
		AdminUsername:           strings.TrimSpace(configViper.GetString("admin.username")),
		AdminPassword:           configViper.GetString("admin.password"),
		AdminTokenTTL:           configViper.GetDuration("admin.token_ttl"),
		GoogleClientID:          strings.TrimSpace(configViper.GetString("google.client_id")),
		GoogleJWKSURL:           strings.TrimSpace(configViper.GetString("google.jwks_url")),
		StripeSecretKey:         strings.TrimSpace(configViper.GetString("stripe.secret_key")),
		StripeWebhookSecret:     strings.TrimSpace(configViper.GetString("stripe.webhook_secret")),
		VerificationBackend:     strings.ToLower(strings.TrimSpace(configViper.GetString("verification.backend"))),
		DefaultCountryCode:      strings.TrimSpace(configViper.GetString("verification.default_country_code")),
		CodeTTL:                 configViper.GetDuration("verification.code_ttl"),
		TwilioAccountSID:        strings.TrimSpace(configViper.GetString("twilio.account_sid")),
		TwilioAuthToken:         strings.TrimSpace(configViper.GetString("twilio.auth_token")),
		TwilioVerifyServiceSID:  strings.TrimSpace(configViper.GetString("twilio.verify_service_sid")),
		TwilioFromNumber:        strings.TrimSpace(configViper.GetString("twilio.from_number")),
		SendGridAPIKey:          strings.TrimSpace(configViper.GetString("sendgrid.api_key")),
		SendGridFromEmail:       strings.TrimSpace(configViper.GetString("sendgrid.from_email")),
		SendGridFromName:        strings.TrimSpace(configViper.GetString("sendgrid.from_name")),
		SendGridOrderTemplateID: strings.TrimSpace(configViper.GetString("sendgrid.order_template_id")),
		AdminEmail:              strings.TrimSpace(configViper.GetString("notify.admin_email")),
		OTPRateLimit:            configViper.GetInt("ratelimit.otp_limit"),
		OTPRateLimitWindow:      configViper.GetDuration("ratelimit.otp_window"),
	}

	pricing, err := loadPricing(configViper)
	if err != nil {
		return AppConfig{}, err
	}
	cfg.Pricing = pricing

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func loadPricing(configViper *viper.Viper) (PricingConfig, error) {
	pricing := PricingConfig{
		ProductName: strings.TrimSpace(configViper.GetString("pricing.product_name")),
		Currency:    strings.ToLower(strings.TrimSpace(configViper.GetString("pricing.currency"))),
		MaxSpots:    configViper.GetInt("pricing.max_spots"),
	}
	amounts := []struct {
		key    string
		target *decimal.Decimal
	}{
		{key: "pricing.full_price", target: &pricing.FullPrice},
		{key: "pricing.discount_rate", target: &pricing.DiscountRate},
		{key: "pricing.deposit_rate", target: &pricing.DepositRate},
		{key: "pricing.flash_price", target: &pricing.FlashPrice},
	}
	for _, amount := range amounts {
		parsed, err := decimal.NewFromString(strings.TrimSpace(configViper.GetString(amount.key)))
		if err != nil {
			return PricingConfig{}, fmt.Errorf("%s must be a decimal number", amount.key)
		}
		*amount.target = parsed
	}
	if raw := strings.TrimSpace(configViper.GetString("pricing.flash_ends_at")); raw != "" {
		endsAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return PricingConfig{}, fmt.Errorf("pricing.flash_ends_at must be an RFC3339 timestamp")
		}
		pricing.FlashEndsAt = endsAt
	}
	return pricing, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("http.address is required")
	}
	switch c.StoreBackend {
	case StoreBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("redis.url is required")
		}
	case StoreBackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite.path is required")
		}
	default:
		return fmt.Errorf("store.backend must be %q or %q", StoreBackendRedis, StoreBackendSQLite)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session.ttl must be positive")
	}
	if c.AdminUsername == "" {
		return fmt.Errorf("admin.username is required")
	}
	if c.AdminPassword == "" {
		return fmt.Errorf("admin.password is required")
	}
	if c.AdminTokenTTL <= 0 {
		return fmt.Errorf("admin.token_ttl must be positive")
	}
	if c.GoogleClientID != "" && c.GoogleJWKSURL == "" {
		return fmt.Errorf("google.jwks_url is required when google.client_id is set")
	}
	if c.StripeSecretKey == "" {
		return fmt.Errorf("stripe.secret_key is required")
	}
	if c.StripeWebhookSecret == "" {
		return fmt.Errorf("stripe.webhook_secret is required")
	}
	switch c.VerificationBackend {
	case VerificationBackendTwilio:
		if !c.TwilioConfigured() {
			return fmt.Errorf("twilio.account_sid and twilio.auth_token are required for twilio verification")
		}
		if c.TwilioVerifyServiceSID == "" {
			return fmt.Errorf("twilio.verify_service_sid is required for twilio verification")
		}
	case VerificationBackendLocal:
	default:
		return fmt.Errorf("verification.backend must be %q or %q", VerificationBackendTwilio, VerificationBackendLocal)
	}
	if c.CodeTTL <= 0 {
		return fmt.Errorf("verification.code_ttl must be positive")
	}
	if c.Pricing.MaxSpots < 0 {
		return fmt.Errorf("pricing.max_spots must not be negative")
	}
	if c.OTPRateLimit <= 0 {
		return fmt.Errorf("ratelimit.otp_limit must be positive")
	}
	if c.OTPRateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.otp_window must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
