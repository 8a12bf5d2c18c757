package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/checkout"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/pricing"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	maxWebhookBytes      = 1 << 16
	stripeSignatureField = "Stripe-Signature"
)

type configResponse struct {
	ProductName           string         `json:"productName"`
	Currency              string         `json:"currency"`
	FullPrice             string         `json:"fullPrice"`
	MaxSpots              int            `json:"maxSpots"`
	Tiers                 []pricing.Tier `json:"tiers"`
	FlashActive           bool           `json:"flashActive"`
	FlashEndsAt           *time.Time     `json:"flashEndsAt,omitempty"`
	FlashRemainingSeconds int64          `json:"flashRemainingSeconds"`
	GoogleClientID        string         `json:"googleClientId,omitempty"`
}

type checkoutPayload struct {
	Tier          string              `json:"tier"`
	Amount        decimal.NullDecimal `json:"amount"`
	ContactMethod string              `json:"contactMethod"`
	ContactValue  string              `json:"contactValue"`
	Shipping      contact.Shipping    `json:"shipping"`
}

type checkoutResponse struct {
	SessionURL string `json:"sessionUrl"`
	SessionID  string `json:"sessionId"`
	OrderID    string `json:"orderId"`
	Tier       string `json:"tier"`
	Amount     string `json:"amount"`
}

func (h *httpHandler) handleConfig(c *gin.Context) {
	now := h.clock()
	response := configResponse{
		ProductName:           h.catalog.ProductName(),
		Currency:              h.catalog.Currency(),
		FullPrice:             h.catalog.FullPrice().StringFixed(2),
		MaxSpots:              h.catalog.MaxSpots(),
		Tiers:                 h.catalog.Tiers(now),
		FlashActive:           h.catalog.FlashActive(now),
		FlashRemainingSeconds: int64(h.catalog.FlashRemaining(now) / time.Second),
		GoogleClientID:        h.googleClientID,
	}
	if endsAt := h.catalog.FlashEndsAt(); response.FlashActive && !endsAt.IsZero() {
		response.FlashEndsAt = &endsAt
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePurchaseCount(c *gin.Context) {
	taken, err := h.checkout.SpotsTaken(c.Request.Context())
	if err != nil {
		h.respondError(c, "purchase_count", err)
		return
	}
	maxSpots := h.catalog.MaxSpots()
	remaining := maxSpots - taken
	if remaining < 0 {
		remaining = 0
	}
	c.JSON(http.StatusOK, gin.H{"count": taken, "maxSpots": maxSpots, "remaining": remaining})
}

// handleCheckout starts a hosted checkout for the signed-in user or, without a
// session, for the contact given in the body.
func (h *httpHandler) handleCheckout(c *gin.Context) {
	var request checkoutPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondError(c, "checkout", errInvalidRequest)
		return
	}
	start := checkout.StartRequest{
		UserKey:  c.GetString(userKeyContextKey),
		Tier:     request.Tier,
		Amount:   request.Amount,
		Shipping: request.Shipping,
		Origin:   h.origin(c),
	}
	if start.UserKey == "" {
		identity, err := h.normalizer.Identity(request.ContactMethod, request.ContactValue)
		if err != nil {
			h.respondError(c, "checkout", err)
			return
		}
		start.Identity = identity
	}
	result, err := h.checkout.Start(c.Request.Context(), start)
	if err != nil {
		h.respondError(c, "checkout", err)
		return
	}
	c.JSON(http.StatusOK, checkoutResponse{
		SessionURL: result.SessionURL,
		SessionID:  result.SessionID,
		OrderID:    result.OrderID,
		Tier:       result.Tier.Name,
		Amount:     result.Tier.Amount.StringFixed(2),
	})
}

// handleStripeWebhook verifies the payload signature before anything is read
// from or written to the store.
func (h *httpHandler) handleStripeWebhook(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBytes)
	payload, err := c.GetRawData()
	if err != nil {
		h.respondError(c, "stripe_webhook", errInvalidRequest)
		return
	}
	event, err := h.webhooks.ParseWebhook(payload, c.GetHeader(stripeSignatureField))
	if err != nil {
		h.respondError(c, "stripe_webhook", err)
		return
	}
	result, err := h.checkout.Confirm(c.Request.Context(), event)
	if err != nil {
		h.respondError(c, "stripe_webhook", err)
		return
	}
	if result.Order.ID != "" {
		h.logger.Info("order confirmed",
			zap.String("order_id", result.Order.ID),
			zap.String("event_id", event.ID),
			zap.Bool("email_sent", result.Delivery.EmailSent),
			zap.Bool("sms_sent", result.Delivery.SMSSent))
	}
	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"orderId":   result.Order.ID,
		"duplicate": result.Duplicate,
		"ignored":   result.Ignored,
	})
}

func (h *httpHandler) origin(c *gin.Context) string {
	if h.publicOrigin != "" {
		return h.publicOrigin
	}
	return strings.TrimSpace(c.GetHeader("Origin"))
}
