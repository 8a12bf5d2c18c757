package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/checkout"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/contact"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/kv/kvtest"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/metrics"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/orders"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/payments"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/pricing"
	"github.com/MarcoPoloResearchLab/onespark/backend/internal/users"
	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

const (
	testValidCode      = "246810"
	testValidSignature = "t=1,v1=valid"
	testAdminUser      = "admin"
	testAdminPassword  = "correct horse"
	testOrigin         = "https://shop.example.com"
)

type stubContactVerifier struct {
	mu      sync.Mutex
	sent    []contact.Identity
	checked []contact.Identity
	sendErr error
}

func (v *stubContactVerifier) Send(_ context.Context, identity contact.Identity) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sendErr != nil {
		return v.sendErr
	}
	v.sent = append(v.sent, identity)
	return nil
}

func (v *stubContactVerifier) Check(_ context.Context, identity contact.Identity, code string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.checked = append(v.checked, identity)
	return code == testValidCode, nil
}

type stubGateway struct {
	mu       sync.Mutex
	requests []payments.CheckoutRequest
}

func (g *stubGateway) CreateCheckoutSession(_ context.Context, request payments.CheckoutRequest) (payments.CheckoutSession, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, request)
	return payments.CheckoutSession{ID: "cs_test_1", URL: "https://checkout.stripe.com/c/pay/cs_test_1"}, nil
}

func (g *stubGateway) last() payments.CheckoutRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.requests) == 0 {
		return payments.CheckoutRequest{}
	}
	return g.requests[len(g.requests)-1]
}

// stubWebhookParser accepts a JSON-encoded payments.Event when the signature
// header matches testValidSignature.
type stubWebhookParser struct{}

func (stubWebhookParser) ParseWebhook(payload []byte, signatureHeader string) (payments.Event, error) {
	if signatureHeader != testValidSignature {
		return payments.Event{}, payments.ErrInvalidSignature
	}
	var event payments.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return payments.Event{}, payments.ErrInvalidSignature
	}
	return event, nil
}

type stubNotifier struct {
	mu     sync.Mutex
	orders []orders.Order
}

func (n *stubNotifier) OrderConfirmation(_ context.Context, _ users.User, order orders.Order) (notify.Delivery, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.orders = append(n.orders, order)
	return notify.Delivery{EmailSent: true}, nil
}

type serverFixture struct {
	handler  http.Handler
	store    kv.Store
	redis    *miniredis.Miniredis
	users    *users.Service
	sessions *auth.SessionManager
	ledger   *orders.Ledger
	board    *comments.Board
	verifier *stubContactVerifier
	gateway  *stubGateway
	notifier *stubNotifier
	stream   *CommentStream
	metrics  *metrics.Collectors
	logs     *observer.ObservedLogs
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, redisServer := kvtest.NewStore(t)
	core, logs := observer.New(zapcore.DebugLevel)
	logger := zap.New(core)

	userService, err := users.NewService(users.ServiceConfig{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct users: %v", err)
	}
	sessions, err := auth.NewSessionManager(auth.SessionManagerConfig{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct sessions: %v", err)
	}
	admin, err := auth.NewAdminAuthenticator(auth.AdminAuthenticatorConfig{
		Store:    store,
		Username: testAdminUser,
		Password: testAdminPassword,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct admin authenticator: %v", err)
	}
	ledger, err := orders.NewLedger(orders.LedgerConfig{Store: store, Logger: logger})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	stream := NewCommentStream()
	board, err := comments.NewBoard(comments.BoardConfig{
		Store:     store,
		Users:     userService,
		Orders:    ledger,
		Publisher: stream,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to construct comment board: %v", err)
	}
	catalog, err := pricing.NewCatalog(pricing.Config{
		ProductName:  "OneSpark",
		Currency:     "usd",
		FullPrice:    decimal.NewFromInt(390),
		DiscountRate: decimal.RequireFromString("0.30"),
		DepositRate:  decimal.RequireFromString("0.30"),
		MaxSpots:     2,
	})
	if err != nil {
		t.Fatalf("failed to construct catalog: %v", err)
	}
	collectors := metrics.New()
	gateway := &stubGateway{}
	notifier := &stubNotifier{}
	checkoutService, err := checkout.NewService(checkout.ServiceConfig{
		Users:    userService,
		Orders:   ledger,
		Gateway:  gateway,
		Notifier: notifier,
		Catalog:  catalog,
		Recorder: collectors,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("failed to construct checkout: %v", err)
	}
	verifier := &stubContactVerifier{}

	handler, err := NewHTTPHandler(Dependencies{
		Users:             userService,
		Sessions:          sessions,
		Admin:             admin,
		Verifier:          verifier,
		Normalizer:        contact.NewNormalizer("+1"),
		Orders:            ledger,
		Comments:          board,
		Checkout:          checkoutService,
		Webhooks:          stubWebhookParser{},
		Catalog:           catalog,
		RateLimitStore:    store,
		RateLimit:         RateLimitConfig{Limit: 3, Window: time.Minute},
		Metrics:           collectors,
		Realtime:          stream,
		HeartbeatInterval: time.Hour,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	return &serverFixture{
		handler:  handler,
		store:    store,
		redis:    redisServer,
		users:    userService,
		sessions: sessions,
		ledger:   ledger,
		board:    board,
		verifier: verifier,
		gateway:  gateway,
		notifier: notifier,
		stream:   stream,
		metrics:  collectors,
		logs:     logs,
	}
}

func (f *serverFixture) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(typed)
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Origin", testOrigin)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

// signIn verifies contact through the OTP endpoint and returns the session token.
func (f *serverFixture) signIn(t *testing.T, method, value string) string {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/api/otp/verify", gin.H{
		"contactMethod": method,
		"contactValue":  value,
		"code":          testValidCode,
	}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("sign in failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response signInResponse
	decodeBody(t, recorder, &response)
	if response.Token == "" {
		t.Fatalf("expected token in sign in response")
	}
	return response.Token
}

func (f *serverFixture) adminToken(t *testing.T) string {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/api/admin/auth", gin.H{
		"username": testAdminUser,
		"password": testAdminPassword,
	}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("admin login failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var response struct {
		Token string `json:"token"`
	}
	decodeBody(t, recorder, &response)
	return response.Token
}

// completePayment posts a signed completion event for the given checkout metadata.
func (f *serverFixture) completePayment(t *testing.T, metadata map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(payments.Event{
		ID:            "evt_test_1",
		Type:          "checkout.session.completed",
		SessionID:     "cs_test_1",
		PaymentStatus: "paid",
		Currency:      "usd",
		Metadata:      metadata,
	})
	if err != nil {
		t.Fatalf("failed to encode event: %v", err)
	}
	request := httptest.NewRequest(http.MethodPost, "/api/webhook/stripe", bytes.NewReader(payload))
	request.Header.Set("Stripe-Signature", testValidSignature)
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), dest); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func errorCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	decodeBody(t, recorder, &body)
	if body.Message == "" {
		t.Fatalf("expected error message in body %q", recorder.Body.String())
	}
	return body.Error
}
