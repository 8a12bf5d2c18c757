package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
	"github.com/stripe/stripe-go/v81/webhook"
	"go.uber.org/zap"
)

// EventCheckoutCompleted is the only webhook event that confirms an order.
const EventCheckoutCompleted = "checkout.session.completed"

var (
	// ErrInvalidSignature indicates a webhook payload whose signature did not verify.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrInvalidRequest indicates a checkout request missing required fields.
	ErrInvalidRequest = errors.New("payments: invalid checkout request")
	// ErrInvalidConfig indicates missing gateway credentials.
	ErrInvalidConfig = errors.New("payments: invalid config")
)

// CheckoutRequest describes one hosted checkout for a single line item.
type CheckoutRequest struct {
	ProductName   string
	Description   string
	Currency      string
	AmountMinor   int64
	SuccessURL    string
	CancelURL     string
	CustomerEmail string
	ReferenceID   string
	Metadata      map[string]string
}

// CheckoutSession is the created hosted checkout.
type CheckoutSession struct {
	ID  string
	URL string
}

// Event is a verified webhook notification.
type Event struct {
	ID            string
	Type          string
	SessionID     string
	PaymentStatus string
	AmountTotal   int64
	Currency      string
	CustomerEmail string
	Metadata      map[string]string
}

// Completed reports whether the event confirms a finished checkout.
func (e Event) Completed() bool {
	return e.Type == EventCheckoutCompleted
}

// SessionAPI is the subset of the Stripe client used to create sessions.
type SessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// StripeConfig configures the Stripe gateway.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Sessions      SessionAPI
	Logger        *zap.Logger
}

// StripeGateway creates Stripe Checkout sessions and verifies webhooks.
type StripeGateway struct {
	sessions      SessionAPI
	webhookSecret string
	logger        *zap.Logger
}

// NewStripeGateway constructs the gateway.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, fmt.Errorf("%w: webhook secret required", ErrInvalidConfig)
	}
	sessions := cfg.Sessions
	if sessions == nil {
		secretKey := strings.TrimSpace(cfg.SecretKey)
		if secretKey == "" {
			return nil, fmt.Errorf("%w: secret key required", ErrInvalidConfig)
		}
		sessions = client.New(secretKey, nil).CheckoutSessions
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StripeGateway{sessions: sessions, webhookSecret: webhookSecret, logger: logger}, nil
}

// CreateCheckoutSession creates a card payment session and returns its hosted URL.
func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, request CheckoutRequest) (CheckoutSession, error) {
	if request.AmountMinor <= 0 {
		return CheckoutSession{}, fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if request.SuccessURL == "" || request.CancelURL == "" {
		return CheckoutSession{}, fmt.Errorf("%w: redirect urls required", ErrInvalidRequest)
	}

	productData := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(request.ProductName),
	}
	if request.Description != "" {
		productData.Description = stripe.String(request.Description)
	}
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(request.Currency),
					ProductData: productData,
					UnitAmount:  stripe.Int64(request.AmountMinor),
				},
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(request.SuccessURL),
		CancelURL:  stripe.String(request.CancelURL),
	}
	params.Context = ctx
	if request.ReferenceID != "" {
		params.ClientReferenceID = stripe.String(request.ReferenceID)
	}
	if request.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(request.CustomerEmail)
	}
	for key, value := range request.Metadata {
		params.AddMetadata(key, value)
	}

	session, err := g.sessions.New(params)
	if err != nil {
		return CheckoutSession{}, fmt.Errorf("payments: create checkout session: %w", err)
	}
	g.logger.Info("checkout session created", zap.String("session_id", session.ID))
	return CheckoutSession{ID: session.ID, URL: session.URL}, nil
}

// ParseWebhook verifies the signature header and decodes the event.
func (g *StripeGateway) ParseWebhook(payload []byte, signatureHeader string) (Event, error) {
	stripeEvent, err := webhook.ConstructEventWithOptions(payload, signatureHeader, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	event := Event{ID: stripeEvent.ID, Type: string(stripeEvent.Type)}
	if !event.Completed() || stripeEvent.Data == nil {
		return event, nil
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(stripeEvent.Data.Raw, &session); err != nil {
		return Event{}, fmt.Errorf("payments: decode checkout session: %w", err)
	}
	event.SessionID = session.ID
	event.PaymentStatus = string(session.PaymentStatus)
	event.AmountTotal = session.AmountTotal
	event.Currency = string(session.Currency)
	event.CustomerEmail = session.CustomerEmail
	event.Metadata = session.Metadata
	return event, nil
}
