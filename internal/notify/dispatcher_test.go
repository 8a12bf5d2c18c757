package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmailSender struct {
	sent []Email
	err  error
}

func (f *fakeEmailSender) SendEmail(_ context.Context, email Email) error {
	f.sent = append(f.sent, email)
	return f.err
}

type fakeSMSSender struct {
	to   []string
	body []string
	err  error
}

func (f *fakeSMSSender) SendSMS(_ context.Context, to, body string) error {
	f.to = append(f.to, to)
	f.body = append(f.body, body)
	return f.err
}

type countingRecorder map[string]int

func (r countingRecorder) RecordNotification(channel, result string) {
	r[channel+":"+result]++
}

func newTestDispatcher(t *testing.T, email *fakeEmailSender, sms *fakeSMSSender, templateID string) (*Dispatcher, countingRecorder) {
	t.Helper()
	recorder := countingRecorder{}
	dispatcher, err := NewDispatcher(DispatcherConfig{
		Email:           email,
		SMS:             sms,
		AdminEmail:      "admin@onespark.test",
		OrderTemplateID: templateID,
		Recorder:        recorder,
	})
	require.NoError(t, err)
	return dispatcher, recorder
}

func TestEmailRecipientFallbackChain(t *testing.T) {
	testCases := []struct {
		name     string
		user     users.User
		order    orders.Order
		expected string
		source   string
	}{
		{
			name:     "shipping email wins",
			user:     users.User{ContactMethod: contact.MethodEmail, ContactValue: "primary@x.com"},
			order:    orders.Order{Shipping: contact.Shipping{Email: "ship@x.com"}},
			expected: "ship@x.com",
			source:   SourceShippingEmail,
		},
		{
			name:     "profile shipping email when order has no snapshot",
			user:     users.User{ContactMethod: contact.MethodSMS, ContactValue: "+15551234567", Shipping: &contact.Shipping{Email: "profile@x.com"}},
			expected: "profile@x.com",
			source:   SourceShippingEmail,
		},
		{
			name:     "primary email contact",
			user:     users.User{ContactMethod: contact.MethodEmail, ContactValue: "primary@x.com"},
			order:    orders.Order{Shipping: contact.Shipping{Name: "Ada"}},
			expected: "primary@x.com",
			source:   SourcePrimaryEmail,
		},
		{
			name:     "secondary email",
			user:     users.User{ContactMethod: contact.MethodSMS, ContactValue: "+15551234567", Email: "second@x.com"},
			expected: "second@x.com",
			source:   SourceSecondaryEmail,
		},
		{
			name:     "contact value containing at sign",
			user:     users.User{ContactMethod: contact.MethodSMS, ContactValue: "odd@x.com"},
			expected: "odd@x.com",
			source:   SourceContactValue,
		},
		{
			name:     "email typed into the phone field",
			user:     users.User{ContactMethod: contact.MethodSMS, ContactValue: "+15551234567"},
			order:    orders.Order{Shipping: contact.Shipping{Phone: "call me or mail buyer.one@example.org"}},
			expected: "buyer.one@example.org",
			source:   SourceShippingPhone,
		},
		{
			name:     "admin fallback",
			user:     users.User{ContactMethod: contact.MethodSMS, ContactValue: "+15551234567"},
			order:    orders.Order{Shipping: contact.Shipping{Phone: "555-1234"}},
			expected: "admin@onespark.test",
			source:   SourceAdmin,
		},
	}

	dispatcher, _ := newTestDispatcher(t, &fakeEmailSender{}, &fakeSMSSender{}, "")
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			recipient, source := dispatcher.EmailRecipient(testCase.user, testCase.order)
			assert.Equal(t, testCase.expected, recipient)
			assert.Equal(t, testCase.source, source)
		})
	}
}

func TestOrderConfirmationUsesTemplate(t *testing.T) {
	email := &fakeEmailSender{}
	sms := &fakeSMSSender{}
	dispatcher, recorder := newTestDispatcher(t, email, sms, "d-template")

	order := orders.Order{
		ID:       "order_01",
		Amount:   decimal.NewFromInt(273),
		Shipping: contact.Shipping{Name: "Ada", City: "Austin"},
	}
	delivery, err := dispatcher.OrderConfirmation(context.Background(), users.User{ContactMethod: contact.MethodEmail, ContactValue: "a@b.com"}, order)
	require.NoError(t, err)

	assert.True(t, delivery.EmailSent)
	assert.False(t, delivery.SMSSent)
	assert.Empty(t, sms.to)
	require.Len(t, email.sent, 1)
	assert.Equal(t, "a@b.com", email.sent[0].To)
	assert.Equal(t, "d-template", email.sent[0].TemplateID)
	assert.Equal(t, "273.00", email.sent[0].TemplateData["amount"])
	assert.Equal(t, "Ada", email.sent[0].TemplateData["customer_name"])
	assert.Equal(t, 1, recorder["email:sent"])
}

func TestOrderConfirmationTextsSMSUsers(t *testing.T) {
	email := &fakeEmailSender{}
	sms := &fakeSMSSender{}
	dispatcher, _ := newTestDispatcher(t, email, sms, "")

	user := users.User{ContactMethod: contact.MethodSMS, ContactValue: "+15551234567"}
	delivery, err := dispatcher.OrderConfirmation(context.Background(), user, orders.Order{ID: "order_02", Amount: decimal.NewFromInt(117)})
	require.NoError(t, err)

	assert.Equal(t, SourceAdmin, delivery.EmailSource)
	assert.True(t, delivery.SMSSent)
	assert.Equal(t, []string{"+15551234567"}, sms.to)
	assert.Contains(t, sms.body[0], "order_02")
	require.Len(t, email.sent, 1)
	assert.Contains(t, email.sent[0].PlainText, "$117.00")
}

func TestOrderConfirmationReportsFailuresButTriesEveryChannel(t *testing.T) {
	email := &fakeEmailSender{err: errors.New("smtp down")}
	sms := &fakeSMSSender{}
	dispatcher, recorder := newTestDispatcher(t, email, sms, "")

	user := users.User{ContactMethod: contact.MethodSMS, ContactValue: "+15551234567", Email: "a@b.com"}
	delivery, err := dispatcher.OrderConfirmation(context.Background(), user, orders.Order{ID: "order_03", Amount: decimal.NewFromInt(1)})
	require.Error(t, err)
	assert.False(t, delivery.EmailSent)
	assert.True(t, delivery.SMSSent)
	assert.Equal(t, 1, recorder["email:failed"])
	assert.Equal(t, 1, recorder["sms:sent"])
}

func TestSendCodeRoutesByMethod(t *testing.T) {
	email := &fakeEmailSender{}
	sms := &fakeSMSSender{}
	dispatcher, _ := newTestDispatcher(t, email, sms, "")
	ctx := context.Background()

	require.NoError(t, dispatcher.SendCode(ctx, contact.Identity{Method: contact.MethodEmail, Value: "a@b.com"}, "123456"))
	require.NoError(t, dispatcher.SendCode(ctx, contact.Identity{Method: contact.MethodSMS, Value: "+15551234567"}, "654321"))

	require.Len(t, email.sent, 1)
	assert.Contains(t, email.sent[0].PlainText, "123456")
	require.Len(t, sms.body, 1)
	assert.Contains(t, sms.body[0], "654321")

	err := dispatcher.SendCode(ctx, contact.Identity{Method: "fax", Value: "1"}, "1")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
}
