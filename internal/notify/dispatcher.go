package notify

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"go.uber.org/zap"
)

const (
	channelEmail = "email"
	channelSMS   = "sms"
	resultSent   = "sent"
	resultFailed = "failed"
)

// Recipient sources for order confirmation email, in the order they are tried.
const (
	SourceShippingEmail  = "shipping_email"
	SourcePrimaryEmail   = "primary_email"
	SourceSecondaryEmail = "secondary_email"
	SourceContactValue   = "contact_value"
	SourceShippingPhone  = "shipping_phone"
	SourceAdmin          = "admin"
)

var embeddedEmail = regexp.MustCompile(`[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,6}`)

// Recorder observes delivery outcomes.
type Recorder interface {
	RecordNotification(channel, result string)
}

// DispatcherConfig wires the providers used for outbound messages.
type DispatcherConfig struct {
	Email           EmailSender
	SMS             SMSSender
	AdminEmail      string
	OrderTemplateID string
	ProductName     string
	Recorder        Recorder
	Clock           func() time.Time
	Logger          *zap.Logger
}

// Dispatcher picks channels and recipients for outbound notifications.
type Dispatcher struct {
	email       EmailSender
	sms         SMSSender
	adminEmail  string
	templateID  string
	productName string
	recorder    Recorder
	clock       func() time.Time
	logger      *zap.Logger
}

// Delivery reports what a notification attempt did.
type Delivery struct {
	EmailTo     string
	EmailSource string
	EmailSent   bool
	SMSTo       string
	SMSSent     bool
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Email == nil || cfg.SMS == nil {
		return nil, fmt.Errorf("notify: email and sms senders required")
	}
	productName := strings.TrimSpace(cfg.ProductName)
	if productName == "" {
		productName = "OneSpark"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		email:       cfg.Email,
		sms:         cfg.SMS,
		adminEmail:  strings.TrimSpace(cfg.AdminEmail),
		templateID:  strings.TrimSpace(cfg.OrderTemplateID),
		productName: productName,
		recorder:    cfg.Recorder,
		clock:       clock,
		logger:      logger,
	}, nil
}

// EmailRecipient walks the fallback chain for an order confirmation:
// shipping email, primary email contact, secondary email, any contact value
// containing '@', an address embedded in the free-text shipping phone field,
// and finally the admin address.
func (d *Dispatcher) EmailRecipient(user users.User, order orders.Order) (string, string) {
	shipping := order.Shipping
	if shipping.IsZero() && user.Shipping != nil {
		shipping = *user.Shipping
	}
	if email := strings.TrimSpace(shipping.Email); email != "" {
		return email, SourceShippingEmail
	}
	if user.ContactMethod == contact.MethodEmail && user.ContactValue != "" {
		return user.ContactValue, SourcePrimaryEmail
	}
	if user.Email != "" {
		return user.Email, SourceSecondaryEmail
	}
	if strings.Contains(user.ContactValue, "@") {
		return user.ContactValue, SourceContactValue
	}
	if match := embeddedEmail.FindString(shipping.Phone); match != "" {
		return match, SourceShippingPhone
	}
	return d.adminEmail, SourceAdmin
}

// OrderConfirmation notifies the buyer of a confirmed order. Email always goes
// out (possibly to the admin fallback); buyers whose primary contact is a
// phone number also get an SMS.
func (d *Dispatcher) OrderConfirmation(ctx context.Context, user users.User, order orders.Order) (Delivery, error) {
	var delivery Delivery
	var errs []error

	recipient, source := d.EmailRecipient(user, order)
	delivery.EmailTo = recipient
	delivery.EmailSource = source
	if source == SourceAdmin {
		d.logger.Warn("no buyer email found; sending confirmation to admin",
			zap.String("order_id", order.ID))
	}
	if recipient != "" {
		err := d.email.SendEmail(ctx, d.confirmationEmail(recipient, order))
		d.record(channelEmail, err)
		if err != nil {
			errs = append(errs, err)
		} else {
			delivery.EmailSent = true
		}
	} else {
		errs = append(errs, fmt.Errorf("%w: no email recipient for order %s", ErrDeliveryFailed, order.ID))
	}

	if user.ContactMethod == contact.MethodSMS && user.ContactValue != "" {
		delivery.SMSTo = user.ContactValue
		body := fmt.Sprintf("Thanks for your %s order %s ($%s). We'll text you when it ships.",
			d.productName, order.ID, order.Amount.StringFixed(2))
		err := d.sms.SendSMS(ctx, user.ContactValue, body)
		d.record(channelSMS, err)
		if err != nil {
			errs = append(errs, err)
		} else {
			delivery.SMSSent = true
		}
	}

	return delivery, errors.Join(errs...)
}

// SendCode delivers a one-time verification code.
func (d *Dispatcher) SendCode(ctx context.Context, identity contact.Identity, code string) error {
	var err error
	switch identity.Method {
	case contact.MethodEmail:
		err = d.email.SendEmail(ctx, Email{
			To:        identity.Value,
			Subject:   fmt.Sprintf("Your %s verification code", d.productName),
			PlainText: fmt.Sprintf("Your %s verification code is %s.", d.productName, code),
		})
		d.record(channelEmail, err)
	case contact.MethodSMS:
		err = d.sms.SendSMS(ctx, identity.Value, fmt.Sprintf("Your %s verification code is %s", d.productName, code))
		d.record(channelSMS, err)
	default:
		err = fmt.Errorf("%w: unsupported method %q", ErrDeliveryFailed, identity.Method)
	}
	return err
}

func (d *Dispatcher) confirmationEmail(recipient string, order orders.Order) Email {
	amount := order.Amount.StringFixed(2)
	subject := fmt.Sprintf("Your %s Order Confirmation", d.productName)
	if d.templateID == "" {
		return Email{
			To:      recipient,
			Subject: subject,
			PlainText: fmt.Sprintf("Thank you for your order!\n\nOrder: %s\nAmount: $%s\nShip to: %s, %s, %s, %s\n",
				order.ID, amount, order.Shipping.Name, order.Shipping.Address, order.Shipping.City, order.Shipping.Country),
		}
	}
	return Email{
		To:         recipient,
		Subject:    subject,
		TemplateID: d.templateID,
		TemplateData: map[string]any{
			"order_id":        order.ID,
			"amount":          amount,
			"date":            d.clock().UTC().Format(time.RFC1123),
			"customer_name":   order.Shipping.Name,
			"address_line1":   order.Shipping.Address,
			"address_city":    order.Shipping.City,
			"address_country": order.Shipping.Country,
			"phone":           order.Shipping.Phone,
			"email":           recipient,
			"items": []map[string]string{
				{"name": d.productName, "price": "$" + amount},
			},
		},
	}
}

func (d *Dispatcher) record(channel string, err error) {
	result := resultSent
	if err != nil {
		result = resultFailed
		d.logger.Error("notification failed", zap.String("channel", channel), zap.Error(err))
	}
	if d.recorder != nil {
		d.recorder.RecordNotification(channel, result)
	}
}
