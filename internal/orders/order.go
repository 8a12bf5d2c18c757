package orders

import (
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/shopspring/decimal"
)

const orderIDPrefix = "order_"

// Order is an immutable purchase record. Presence implies the payment completed.
type Order struct {
	ID               string           `json:"id"`
	Amount           decimal.Decimal  `json:"amount"`
	Currency         string           `json:"currency"`
	Tier             string           `json:"tier"`
	Shipping         contact.Shipping `json:"shipping,omitzero"`
	User             string           `json:"user"`
	PaymentSessionID string           `json:"paymentSessionId,omitempty"`
	CreatedAt        time.Time        `json:"created"`
}
