package server

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
)

const (
	rateLimitKeyPrefix    = "ratelimit:otp:"
	defaultOTPLimit       = 5
	defaultOTPLimitWindow = 10 * time.Minute
)

var errRateLimited = errors.New("too many verification requests")

// RateLimitConfig bounds code sends per contact within a fixed window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

type otpRateLimiter struct {
	store  kv.Store
	limit  int64
	window time.Duration
}

func newOTPRateLimiter(store kv.Store, cfg RateLimitConfig) *otpRateLimiter {
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultOTPLimit
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultOTPLimitWindow
	}
	return &otpRateLimiter{store: store, limit: int64(limit), window: window}
}

// allow counts one request for contactKey. The window starts with the first request.
func (l *otpRateLimiter) allow(ctx context.Context, contactKey string) error {
	if l == nil || l.store == nil {
		return nil
	}
	count, err := l.store.IncrWithExpire(ctx, rateLimitKeyPrefix+contactKey, l.window)
	if err != nil {
		return err
	}
	if count > l.limit {
		return errRateLimited
	}
	return nil
}
