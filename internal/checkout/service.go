package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Metadata keys carried on the payment session and read back at confirmation.
const (
	MetadataOrderID  = "orderId"
	MetadataUser     = "user"
	MetadataTier     = "tier"
	MetadataAmount   = "amount"
	MetadataShipping = "shipping"
)

const (
	maxMetadataValueLength = 500
	paymentStatusPaid      = "paid"
	paymentStatusNoPayment = "no_payment_required"
	operationStart         = "checkout.start"
	operationConfirm       = "checkout.confirm"
)

var (
	// ErrInvalidCheckout indicates a request missing the buyer, tier, or origin.
	ErrInvalidCheckout = errors.New("checkout: invalid request")
	// ErrSoldOut indicates every limited buy_now spot has been confirmed.
	ErrSoldOut = errors.New("checkout: sold out")
	// ErrInvalidEvent indicates a confirmation event without order metadata.
	ErrInvalidEvent = errors.New("checkout: invalid payment event")
)

// Users is the identity surface used by checkout.
type Users interface {
	Resolve(ctx context.Context, identity contact.Identity) (users.User, error)
	Get(ctx context.Context, userKey string) (users.User, error)
	UpdateShipping(ctx context.Context, userKey string, shipping contact.Shipping) (users.User, error)
}

// Ledger is the order surface used by checkout.
type Ledger interface {
	NewOrderID() (string, error)
	WasRecorded(ctx context.Context, orderID string) (bool, error)
	RecordOrder(ctx context.Context, userKey string, order orders.Order) (orders.Order, error)
	CountByTier(ctx context.Context, tier string) (int, error)
}

// Gateway creates hosted payment sessions.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, request payments.CheckoutRequest) (payments.CheckoutSession, error)
}

// Notifier sends the order confirmation.
type Notifier interface {
	OrderConfirmation(ctx context.Context, user users.User, order orders.Order) (notify.Delivery, error)
}

// Recorder observes confirmed orders.
type Recorder interface {
	RecordOrderConfirmed(tier string)
}

// ServiceConfig wires the checkout collaborators.
type ServiceConfig struct {
	Users    Users
	Orders   Ledger
	Gateway  Gateway
	Notifier Notifier
	Catalog  *pricing.Catalog
	Recorder Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service starts hosted checkouts and records orders once payment completes.
// No order record exists until the payment provider confirms the session.
type Service struct {
	users    Users
	orders   Ledger
	gateway  Gateway
	notifier Notifier
	catalog  *pricing.Catalog
	recorder Recorder
	clock    func() time.Time
	logger   *zap.Logger
}

// StartRequest describes a buyer starting checkout. UserKey comes from a
// validated session; otherwise Identity names the buyer.
type StartRequest struct {
	UserKey  string
	Identity contact.Identity
	Tier     string
	Amount   decimal.NullDecimal
	Shipping contact.Shipping
	Origin   string
}

// StartResult carries the hosted checkout location.
type StartResult struct {
	OrderID    string
	SessionID  string
	SessionURL string
	UserKey    string
	Tier       pricing.Tier
}

// ConfirmResult reports what a payment event did.
type ConfirmResult struct {
	Order     orders.Order
	Ignored   bool
	Duplicate bool
	Delivery  notify.Delivery
	NotifyErr error
}

// NewService constructs the checkout service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Users == nil || cfg.Orders == nil || cfg.Gateway == nil || cfg.Notifier == nil || cfg.Catalog == nil {
		return nil, fmt.Errorf("checkout: users, orders, gateway, notifier, and catalog are required")
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
		users:    cfg.Users,
		orders:   cfg.Orders,
		gateway:  cfg.Gateway,
		notifier: cfg.Notifier,
		catalog:  cfg.Catalog,
		recorder: cfg.Recorder,
		clock:    clock,
		logger:   logger,
	}, nil
}

// Start validates the request, records shipping on the buyer, and creates the
// payment session. It allocates the order id but writes no order.
func (s *Service) Start(ctx context.Context, request StartRequest) (StartResult, error) {
	userKey := strings.TrimSpace(request.UserKey)
	if userKey == "" && request.Identity.IsZero() {
		return StartResult{}, fmt.Errorf("%w: contact information required", ErrInvalidCheckout)
	}
	origin, err := normalizeOrigin(request.Origin)
	if err != nil {
		return StartResult{}, err
	}
	now := s.clock()
	tier, err := s.resolveTier(request, now)
	if err != nil {
		return StartResult{}, err
	}
	if err := s.checkAvailability(ctx, tier); err != nil {
		return StartResult{}, err
	}

	var user users.User
	if userKey != "" {
		user, err = s.users.Get(ctx, userKey)
	} else {
		user, err = s.users.Resolve(ctx, request.Identity)
	}
	if err != nil {
		return StartResult{}, fmt.Errorf("%s: identify buyer: %w", operationStart, err)
	}
	shipping := request.Shipping.Trimmed()
	if !shipping.IsZero() {
		if user, err = s.users.UpdateShipping(ctx, user.Key(), shipping); err != nil {
			return StartResult{}, fmt.Errorf("%s: store shipping: %w", operationStart, err)
		}
	}

	orderID, err := s.orders.NewOrderID()
	if err != nil {
		return StartResult{}, err
	}
	customerEmail := shipping.Email
	if customerEmail == "" {
		customerEmail = user.EmailAddress()
	}
	session, err := s.gateway.CreateCheckoutSession(ctx, payments.CheckoutRequest{
		ProductName:   s.catalog.ProductName(),
		Description:   tier.Description,
		Currency:      s.catalog.Currency(),
		AmountMinor:   pricing.ToMinorUnits(tier.Amount),
		SuccessURL:    origin + "/?success=true&order=" + url.QueryEscape(orderID),
		CancelURL:     origin + "/?canceled=true",
		CustomerEmail: customerEmail,
		ReferenceID:   orderID,
		Metadata:      s.metadata(orderID, user.Key(), tier, shipping),
	})
	if err != nil {
		return StartResult{}, err
	}

	s.logger.Info("checkout started",
		zap.String("order_id", orderID),
		zap.String("user_key", user.Key()),
		zap.String("tier", tier.Name))
	return StartResult{
		OrderID:    orderID,
		SessionID:  session.ID,
		SessionURL: session.URL,
		UserKey:    user.Key(),
		Tier:       tier,
	}, nil
}

// Confirm records the order described by a completed payment event and sends
// the confirmation. Replayed events for an order that was already recorded
// write nothing, even after an admin removed it.
// Notification failures are reported in the result, not as an error.
func (s *Service) Confirm(ctx context.Context, event payments.Event) (ConfirmResult, error) {
	if !event.Completed() {
		return ConfirmResult{Ignored: true}, nil
	}
	if event.PaymentStatus != "" && event.PaymentStatus != paymentStatusPaid && event.PaymentStatus != paymentStatusNoPayment {
		s.logger.Info("checkout completed without payment; skipping",
			zap.String("session_id", event.SessionID),
			zap.String("payment_status", event.PaymentStatus))
		return ConfirmResult{Ignored: true}, nil
	}
	orderID := strings.TrimSpace(event.Metadata[MetadataOrderID])
	userKey := strings.TrimSpace(event.Metadata[MetadataUser])
	if orderID == "" || userKey == "" {
		return ConfirmResult{}, fmt.Errorf("%w: order id and user required", ErrInvalidEvent)
	}

	recorded, err := s.orders.WasRecorded(ctx, orderID)
	if err != nil {
		return ConfirmResult{}, err
	}
	if recorded {
		s.logger.Info("duplicate payment event ignored", zap.String("order_id", orderID))
		return ConfirmResult{Duplicate: true}, nil
	}

	user, err := s.users.Get(ctx, userKey)
	if err != nil {
		return ConfirmResult{}, fmt.Errorf("%s: load buyer %s: %w", operationConfirm, userKey, err)
	}
	amount, err := eventAmount(event)
	if err != nil {
		return ConfirmResult{}, err
	}
	order := orders.Order{
		ID:               orderID,
		Amount:           amount,
		Currency:         firstNonEmpty(event.Currency, s.catalog.Currency()),
		Tier:             event.Metadata[MetadataTier],
		Shipping:         s.eventShipping(event, user),
		PaymentSessionID: event.SessionID,
		CreatedAt:        s.clock().UTC(),
	}
	order, err = s.orders.RecordOrder(ctx, user.Key(), order)
	if err != nil {
		return ConfirmResult{}, err
	}
	if s.recorder != nil {
		s.recorder.RecordOrderConfirmed(order.Tier)
	}

	result := ConfirmResult{Order: order}
	result.Delivery, result.NotifyErr = s.notifier.OrderConfirmation(ctx, user, order)
	if result.NotifyErr != nil {
		s.logger.Error("order confirmation not fully delivered",
			zap.String("order_id", order.ID),
			zap.Error(result.NotifyErr))
	}
	return result, nil
}

// SpotsTaken counts confirmed orders of the limited tier.
func (s *Service) SpotsTaken(ctx context.Context) (int, error) {
	return s.orders.CountByTier(ctx, pricing.TierBuyNow)
}

func (s *Service) resolveTier(request StartRequest, now time.Time) (pricing.Tier, error) {
	if strings.TrimSpace(request.Tier) != "" {
		return s.catalog.Lookup(request.Tier, now)
	}
	if request.Amount.Valid {
		return s.catalog.MatchAmount(request.Amount.Decimal, now)
	}
	return pricing.Tier{}, fmt.Errorf("%w: tier or amount required", ErrInvalidCheckout)
}

func (s *Service) checkAvailability(ctx context.Context, tier pricing.Tier) error {
	if !tier.Limited || s.catalog.MaxSpots() == 0 {
		return nil
	}
	taken, err := s.SpotsTaken(ctx)
	if err != nil {
		return err
	}
	if taken >= s.catalog.MaxSpots() {
		return ErrSoldOut
	}
	return nil
}

func (s *Service) metadata(orderID, userKey string, tier pricing.Tier, shipping contact.Shipping) map[string]string {
	metadata := map[string]string{
		MetadataOrderID: orderID,
		MetadataUser:    userKey,
		MetadataTier:    tier.Name,
		MetadataAmount:  tier.Amount.StringFixed(2),
	}
	if shipping.IsZero() {
		return metadata
	}
	encoded, err := json.Marshal(shipping)
	if err != nil || len(encoded) > maxMetadataValueLength {
		s.logger.Warn("shipping snapshot omitted from payment metadata", zap.String("order_id", orderID))
		return metadata
	}
	metadata[MetadataShipping] = string(encoded)
	return metadata
}

func (s *Service) eventShipping(event payments.Event, user users.User) contact.Shipping {
	if raw := event.Metadata[MetadataShipping]; raw != "" {
		var shipping contact.Shipping
		if err := json.Unmarshal([]byte(raw), &shipping); err == nil {
			return shipping
		}
		s.logger.Warn("invalid shipping metadata", zap.String("session_id", event.SessionID))
	}
	if user.Shipping != nil {
		return *user.Shipping
	}
	return contact.Shipping{}
}

func eventAmount(event payments.Event) (decimal.Decimal, error) {
	if raw := strings.TrimSpace(event.Metadata[MetadataAmount]); raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: amount %q", ErrInvalidEvent, raw)
		}
		return amount, nil
	}
	if event.AmountTotal > 0 {
		return decimal.New(event.AmountTotal, -2), nil
	}
	return decimal.Decimal{}, fmt.Errorf("%w: amount missing", ErrInvalidEvent)
}

func normalizeOrigin(raw string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", fmt.Errorf("%w: origin required", ErrInvalidCheckout)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("%w: origin must be http or https", ErrInvalidCheckout)
	}
	return parsed.Scheme + "://" + parsed.Host, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
