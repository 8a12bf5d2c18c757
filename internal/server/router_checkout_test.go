package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MarcoPoloResearchLab/onespark/backend/internal/checkout"
	"github.com/gin-gonic/gin"
)

func TestConfigExposesTiersAndSpots(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/api/config", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var response configResponse
	decodeBody(t, recorder, &response)
	if response.MaxSpots != 2 || response.ProductName != "OneSpark" {
		t.Fatalf("unexpected config %#v", response)
	}
	if len(response.Tiers) != 2 || response.FlashActive || response.FlashEndsAt != nil {
		t.Fatalf("expected deposit and buy_now only, got %#v", response.Tiers)
	}
	if response.Tiers[1].Amount.StringFixed(2) != "273.00" {
		t.Fatalf("unexpected buy_now price %s", response.Tiers[1].Amount)
	}
}

func TestCheckoutStartsSessionWithoutWritingOrder(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", gin.H{
		"tier":          "buy_now",
		"contactMethod": "email",
		"contactValue":  "a@b.com",
		"shipping":      gin.H{"name": "Ada", "email": "ship@b.com", "country": "US"},
	}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	var response checkoutResponse
	decodeBody(t, recorder, &response)
	if response.SessionURL == "" || response.OrderID == "" || response.Amount != "273.00" {
		t.Fatalf("unexpected checkout response %#v", response)
	}

	request := fixture.gateway.last()
	if request.AmountMinor != 27300 {
		t.Fatalf("unexpected amount in minor units %d", request.AmountMinor)
	}
	if request.SuccessURL != testOrigin+"/?success=true&order="+response.OrderID {
		t.Fatalf("unexpected success url %q", request.SuccessURL)
	}
	if request.Metadata[checkout.MetadataUser] != "email:a@b.com" {
		t.Fatalf("unexpected metadata %#v", request.Metadata)
	}
	exists, err := fixture.ledger.Exists(t.Context(), response.OrderID)
	if err != nil || exists {
		t.Fatalf("order must not exist before payment (exists=%v, err=%v)", exists, err)
	}
}

func TestCheckoutUsesSessionUser(t *testing.T) {
	fixture := newServerFixture(t)
	token := fixture.signIn(t, "sms", "+15551234567")

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", gin.H{"amount": 117}, token)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	var response checkoutResponse
	decodeBody(t, recorder, &response)
	if response.Tier != "deposit" {
		t.Fatalf("expected amount to select the deposit tier, got %q", response.Tier)
	}
	if got := fixture.gateway.last().Metadata[checkout.MetadataUser]; got != "sms:+15551234567" {
		t.Fatalf("expected session user in metadata, got %q", got)
	}
}

func TestCheckoutRejectsUnknownTierAndMissingContact(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", gin.H{"tier": "platinum", "contactMethod": "email", "contactValue": "a@b.com"}, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown tier, got %d", recorder.Code)
	}
	recorder = fixture.do(t, http.MethodPost, "/api/checkout", gin.H{"tier": "deposit"}, "")
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without contact, got %d", recorder.Code)
	}
	if len(fixture.gateway.requests) != 0 {
		t.Fatalf("gateway must not be called for invalid checkouts")
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	fixture := newServerFixture(t)

	request := httptest.NewRequest(http.MethodPost, "/api/webhook/stripe", bytes.NewReader([]byte(`{"Type":"checkout.session.completed"}`)))
	request.Header.Set("Stripe-Signature", "t=1,v1=forged")
	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	if errorCode(t, recorder) != "invalid_signature" {
		t.Fatalf("unexpected error body %s", recorder.Body.String())
	}
	if len(fixture.redis.Keys()) != 0 {
		t.Fatalf("rejected webhook must not write to the store, found %v", fixture.redis.Keys())
	}
}

func TestWebhookRecordsOrderOnceAndCountsSpots(t *testing.T) {
	fixture := newServerFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", gin.H{
		"tier":          "buy_now",
		"contactMethod": "email",
		"contactValue":  "a@b.com",
	}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d %s", recorder.Code, recorder.Body.String())
	}
	metadata := fixture.gateway.last().Metadata

	recorder = fixture.completePayment(t, metadata)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	var body struct {
		OrderID   string `json:"orderId"`
		Duplicate bool   `json:"duplicate"`
	}
	decodeBody(t, recorder, &body)
	if body.OrderID != metadata[checkout.MetadataOrderID] || body.Duplicate {
		t.Fatalf("unexpected webhook response %s", recorder.Body.String())
	}

	recorder = fixture.completePayment(t, metadata)
	decodeBody(t, recorder, &body)
	if recorder.Code != http.StatusOK || !body.Duplicate {
		t.Fatalf("expected replay to be reported as duplicate, got %d %s", recorder.Code, recorder.Body.String())
	}
	if len(fixture.notifier.orders) != 1 {
		t.Fatalf("expected one confirmation, got %d", len(fixture.notifier.orders))
	}

	recorder = fixture.do(t, http.MethodGet, "/api/purchase-count", nil, "")
	var count struct {
		Count     int `json:"count"`
		MaxSpots  int `json:"maxSpots"`
		Remaining int `json:"remaining"`
	}
	decodeBody(t, recorder, &count)
	if count.Count != 1 || count.MaxSpots != 2 || count.Remaining != 1 {
		t.Fatalf("unexpected purchase count %#v", count)
	}
}

func TestCheckoutSoldOut(t *testing.T) {
	fixture := newServerFixture(t)

	for index, value := range []string{"a@b.com", "c@d.com"} {
		recorder := fixture.do(t, http.MethodPost, "/api/checkout", gin.H{"tier": "buy_now", "contactMethod": "email", "contactValue": value}, "")
		if recorder.Code != http.StatusOK {
			t.Fatalf("checkout %d failed: %d", index, recorder.Code)
		}
		if recorder := fixture.completePayment(t, fixture.gateway.last().Metadata); recorder.Code != http.StatusOK {
			t.Fatalf("webhook %d failed: %d", index, recorder.Code)
		}
	}

	recorder := fixture.do(t, http.MethodPost, "/api/checkout", gin.H{"tier": "buy_now", "contactMethod": "email", "contactValue": "e@f.com"}, "")
	if recorder.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", recorder.Code)
	}
	if errorCode(t, recorder) != "sold_out" {
		t.Fatalf("unexpected error body %s", recorder.Body.String())
	}
	recorder = fixture.do(t, http.MethodPost, "/api/checkout", gin.H{"tier": "deposit", "contactMethod": "email", "contactValue": "e@f.com"}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("deposit tier must stay available, got %d", recorder.Code)
	}
}

func TestAdminListsAndDeletesOrders(t *testing.T) {
	fixture := newServerFixture(t)
	recorder := fixture.do(t, http.MethodPost, "/api/checkout", gin.H{"tier": "deposit", "contactMethod": "email", "contactValue": "a@b.com"}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("checkout failed: %d", recorder.Code)
	}
	metadata := fixture.gateway.last().Metadata
	if recorder := fixture.completePayment(t, metadata); recorder.Code != http.StatusOK {
		t.Fatalf("webhook failed: %d", recorder.Code)
	}
	adminToken := fixture.adminToken(t)

	recorder = fixture.do(t, http.MethodGet, "/api/admin/orders", nil, adminToken)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	var listed []adminOrder
	decodeBody(t, recorder, &listed)
	if len(listed) != 1 || listed[0].UserDetails == nil || listed[0].UserDetails.Key() != "email:a@b.com" {
		t.Fatalf("unexpected admin order list %s", recorder.Body.String())
	}

	orderID := metadata[checkout.MetadataOrderID]
	recorder = fixture.do(t, http.MethodDelete, "/api/admin/orders/"+orderID, nil, adminToken)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	has, err := fixture.ledger.HasOrders(t.Context(), "email:a@b.com")
	if err != nil || has {
		t.Fatalf("expected user to have no orders (has=%v, err=%v)", has, err)
	}

	recorder = fixture.do(t, http.MethodDelete, "/api/admin/orders/"+orderID, nil, adminToken)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}

	recorder = fixture.completePayment(t, metadata)
	var replay struct {
		Duplicate bool `json:"duplicate"`
	}
	decodeBody(t, recorder, &replay)
	if recorder.Code != http.StatusOK || !replay.Duplicate {
		t.Fatalf("expected redelivered webhook to be a duplicate, got %d %s", recorder.Code, recorder.Body.String())
	}
	if exists, err := fixture.ledger.Exists(t.Context(), orderID); err != nil || exists {
		t.Fatalf("deleted order must stay deleted (exists=%v, err=%v)", exists, err)
	}
	if len(fixture.notifier.orders) != 1 {
		t.Fatalf("expected a single confirmation, got %d", len(fixture.notifier.orders))
	}
}

func TestMetricsEndpointReportsRoutes(t *testing.T) {
	fixture := newServerFixture(t)
	fixture.do(t, http.MethodGet, "/healthz", nil, "")

	recorder := fixture.do(t, http.MethodGet, "/metrics", nil, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !bytes.Contains(recorder.Body.Bytes(), []byte(`onespark_http_requests_total{method="GET",route="/healthz",status="200"} 1`)) {
		t.Fatalf("expected healthz request to be counted, got:\n%s", recorder.Body.String())
	}
}
