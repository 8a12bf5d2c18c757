package pricing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tier names accepted at checkout.
const (
	TierDeposit = "deposit"
	TierBuyNow  = "buy_now"
	TierFlash   = "flash"
)

var (
	// ErrUnknownTier indicates a tier name or amount that matches no offer.
	ErrUnknownTier = errors.New("pricing: unknown tier")
	// ErrTierUnavailable indicates the flash deal has ended or is disabled.
	ErrTierUnavailable = errors.New("pricing: tier unavailable")
	// ErrInvalidCatalog indicates inconsistent pricing configuration.
	ErrInvalidCatalog = errors.New("pricing: invalid catalog")
)

var (
	hundred = decimal.NewFromInt(100)
	one     = decimal.NewFromInt(1)
)

// Config carries the product offer.
type Config struct {
	ProductName  string
	Currency     string
	FullPrice    decimal.Decimal
	DiscountRate decimal.Decimal
	DepositRate  decimal.Decimal
	FlashPrice   decimal.Decimal
	FlashEndsAt  time.Time
	MaxSpots     int
}

// Tier is one purchasable offer.
type Tier struct {
	Name        string          `json:"name"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
	Limited     bool            `json:"limited"`
}

// Catalog derives tier prices from the configured full price.
type Catalog struct {
	config  Config
	deposit decimal.Decimal
	buyNow  decimal.Decimal
}

// NewCatalog validates the configuration and precomputes tier prices.
func NewCatalog(cfg Config) (*Catalog, error) {
	if !cfg.FullPrice.IsPositive() {
		return nil, fmt.Errorf("%w: full price must be positive", ErrInvalidCatalog)
	}
	if cfg.DiscountRate.IsNegative() || cfg.DiscountRate.GreaterThanOrEqual(one) {
		return nil, fmt.Errorf("%w: discount rate must be in [0, 1)", ErrInvalidCatalog)
	}
	if !cfg.DepositRate.IsPositive() || cfg.DepositRate.GreaterThan(one) {
		return nil, fmt.Errorf("%w: deposit rate must be in (0, 1]", ErrInvalidCatalog)
	}
	if cfg.FlashPrice.IsNegative() {
		return nil, fmt.Errorf("%w: flash price must not be negative", ErrInvalidCatalog)
	}
	if cfg.MaxSpots < 0 {
		return nil, fmt.Errorf("%w: max spots must not be negative", ErrInvalidCatalog)
	}
	cfg.ProductName = strings.TrimSpace(cfg.ProductName)
	cfg.Currency = strings.ToLower(strings.TrimSpace(cfg.Currency))
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &Catalog{
		config:  cfg,
		deposit: cfg.FullPrice.Mul(cfg.DepositRate).Round(2),
		buyNow:  cfg.FullPrice.Mul(one.Sub(cfg.DiscountRate)).Round(2),
	}, nil
}

// ProductName returns the line-item name.
func (c *Catalog) ProductName() string {
	return c.config.ProductName
}

// Currency returns the lower-case ISO currency code.
func (c *Catalog) Currency() string {
	return c.config.Currency
}

// FullPrice returns the undiscounted price.
func (c *Catalog) FullPrice() decimal.Decimal {
	return c.config.FullPrice
}

// MaxSpots returns the buy_now allocation.
func (c *Catalog) MaxSpots() int {
	return c.config.MaxSpots
}

// FlashActive reports whether the flash tier can be bought at now.
func (c *Catalog) FlashActive(now time.Time) bool {
	if !c.config.FlashPrice.IsPositive() {
		return false
	}
	return c.config.FlashEndsAt.IsZero() || now.Before(c.config.FlashEndsAt)
}

// FlashEndsAt returns the flash deadline; zero when open-ended.
func (c *Catalog) FlashEndsAt() time.Time {
	return c.config.FlashEndsAt
}

// FlashRemaining returns the countdown until the flash deal ends.
func (c *Catalog) FlashRemaining(now time.Time) time.Duration {
	if !c.FlashActive(now) || c.config.FlashEndsAt.IsZero() {
		return 0
	}
	return c.config.FlashEndsAt.Sub(now)
}

// Tiers lists the offers available at now.
func (c *Catalog) Tiers(now time.Time) []Tier {
	remainder := c.config.FullPrice.Sub(c.deposit)
	tiers := []Tier{
		{
			Name:        TierDeposit,
			Amount:      c.deposit,
			Description: fmt.Sprintf("Pay %s today and the remaining %s upon shipment.", c.deposit.StringFixed(2), remainder.StringFixed(2)),
		},
		{
			Name:        TierBuyNow,
			Amount:      c.buyNow,
			Description: fmt.Sprintf("Pay in full at %s off the %s list price.", c.config.DiscountRate.Mul(hundred).String()+"%", c.config.FullPrice.StringFixed(2)),
			Limited:     true,
		},
	}
	if c.FlashActive(now) {
		tiers = append(tiers, Tier{
			Name:        TierFlash,
			Amount:      c.config.FlashPrice.Round(2),
			Description: "Flash deal while the countdown lasts.",
		})
	}
	return tiers
}

// Lookup returns the named tier if it is available at now.
func (c *Catalog) Lookup(name string, now time.Time) (Tier, error) {
	normalized := strings.ToLower(strings.TrimSpace(name))
	for _, tier := range c.Tiers(now) {
		if tier.Name == normalized {
			return tier, nil
		}
	}
	if normalized == TierFlash {
		return Tier{}, ErrTierUnavailable
	}
	return Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, name)
}

// MatchAmount finds the available tier priced exactly at amount.
func (c *Catalog) MatchAmount(amount decimal.Decimal, now time.Time) (Tier, error) {
	for _, tier := range c.Tiers(now) {
		if tier.Amount.Equal(amount) {
			return tier, nil
		}
	}
	return Tier{}, fmt.Errorf("%w: no tier priced %s", ErrUnknownTier, amount.String())
}

// ToMinorUnits converts a decimal currency amount to integer cents, rounding
// half away from zero.
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}
