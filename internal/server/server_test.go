package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/config"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/internal/observability"
	paymentdomain "github.com/smallbiznis/meterline/internal/payment/domain"
	ratingdomain "github.com/smallbiznis/meterline/internal/rating/domain"
	reconciliationdomain "github.com/smallbiznis/meterline/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
)

type fakeUsageService struct {
	usagedomain.Service
	startReq usagedomain.StartRequest
	startErr error
	endOwner string
}

func (f *fakeUsageService) Start(_ context.Context, req usagedomain.StartRequest) (*usagedomain.ResourceUse, error) {
	f.startReq = req
	if f.startErr != nil {
		return nil, f.startErr
	}
	sid := "CA0001"
	return &usagedomain.ResourceUse{
		ID:                    snowflake.ID(42),
		OwnerID:               req.OwnerID,
		Kind:                  usagedomain.Kind(req.Kind),
		Target:                req.Target,
		State:                 usagedomain.StateInitiating,
		ProviderCorrelationID: &sid,
		StartedAt:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeUsageService) End(_ context.Context, _ snowflake.ID, ownerID string) (usagedomain.Transition, error) {
	f.endOwner = ownerID
	return usagedomain.Transition{
		Applied:  true,
		State:    usagedomain.StateCancelled,
		Quantity: 2,
		Amount:   decimal.RequireFromString("0.8"),
	}, nil
}

type fakeRatingService struct {
	ratingdomain.Service
	req ratingdomain.EstimateRequest
}

func (f *fakeRatingService) Estimate(_ context.Context, req ratingdomain.EstimateRequest) (ratingdomain.Estimate, error) {
	f.req = req
	if req.Destination == "+99" {
		return ratingdomain.Estimate{}, ratingdomain.ErrRateUnavailable
	}
	return ratingdomain.Estimate{
		Quote: ratingdomain.Quote{
			Amount:   decimal.RequireFromString("0.4"),
			Quantity: req.Quantity,
		},
		Kind:        req.Kind,
		Destination: req.Destination,
		UnitCost:    decimal.RequireFromString("0.10"),
		Unit:        ratingdomain.UnitMinute,
	}, nil
}

type fakeLedgerService struct {
	ledgerdomain.Service
}

func (f *fakeLedgerService) Balance(_ context.Context, customerID string) (ledgerdomain.Balance, error) {
	return ledgerdomain.Balance{CustomerID: customerID, Amount: decimal.RequireFromString("9.2"), Currency: "EUR"}, nil
}

type fakePaymentService struct {
	paymentdomain.Service
	webhookDecision webhookdomain.Decision
	webhookErr      error
	confirmOwner    string
}

func (f *fakePaymentService) HandleWebhook(context.Context, string, []byte, http.Header) (webhookdomain.Decision, error) {
	return f.webhookDecision, f.webhookErr
}

func (f *fakePaymentService) ConfirmRecharge(_ context.Context, ownerID, reference string) (reconciliationdomain.SettleResult, error) {
	f.confirmOwner = ownerID
	return reconciliationdomain.SettleResult{
		Record: &reconciliationdomain.Record{
			ExternalReference: reference,
			OwnerID:           ownerID,
			AmountMinor:       1000,
			State:             reconciliationdomain.StateCompleted,
		},
		Won: true,
	}, nil
}

type fakeCarrierCallbacks struct {
	kind     string
	req      webhookdomain.SignedRequest
	decision webhookdomain.Decision
	err      error
}

func (f *fakeCarrierCallbacks) HandleCallback(_ context.Context, kind string, req webhookdomain.SignedRequest) (webhookdomain.Decision, error) {
	f.kind = kind
	f.req = req
	return f.decision, f.err
}

type testServer struct {
	engine  *gin.Engine
	usage   *fakeUsageService
	rating  *fakeRatingService
	payment *fakePaymentService
	carrier *fakeCarrierCallbacks
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := testServer{
		engine:  NewEngine(EngineParams{ObsCfg: observability.Config{}}),
		usage:   &fakeUsageService{},
		rating:  &fakeRatingService{},
		payment: &fakePaymentService{webhookDecision: webhookdomain.DecisionAccept},
		carrier: &fakeCarrierCallbacks{decision: webhookdomain.DecisionAccept},
	}
	NewServer(ServerParams{
		Gin: ts.engine,
		Cfg: config.Config{
			Currency: "EUR",
			Webhook:  config.WebhookConfig{CarrierPublicURL: "https://meterline.example"},
		},
		UsageSvc:   ts.usage,
		RatingSvc:  ts.rating,
		LedgerSvc:  &fakeLedgerService{},
		PaymentSvc: ts.payment,
		CarrierSvc: ts.carrier,
	})
	return ts
}

func (ts testServer) do(t *testing.T, method, path, owner string, body []byte, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if owner != "" {
		req.Header.Set(HeaderOwner, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.engine.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
	return out
}

func errorType(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	payload, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error payload, got %v", body)
	}
	return payload["type"].(string)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/health", "", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUserAPIRequiresOwner(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/balance", "", nil, "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if got := errorType(t, w); got != "unauthorized" {
		t.Fatalf("expected unauthorized, got %q", got)
	}
}

func TestGetBalance(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/balance", "cust_1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["amount"] != "9.20" || data["customer_id"] != "cust_1" {
		t.Fatalf("unexpected balance payload %v", data)
	}
}

func TestStartResourceUse(t *testing.T) {
	ts := newTestServer(t)
	body := []byte(`{"kind":"call","target":"+34600000000"}`)
	w := ts.do(t, http.MethodPost, "/v1/resource-uses", "cust_1", body, "application/json")
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if ts.usage.startReq.OwnerID != "cust_1" {
		t.Fatalf("expected owner from header, got %q", ts.usage.startReq.OwnerID)
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["id"] != "42" || data["state"] != "initiating" || data["provider_reference"] != "CA0001" {
		t.Fatalf("unexpected resource payload %v", data)
	}
}

func TestStartResourceUseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{name: "insufficient_balance", err: usagedomain.ErrInsufficientBalance, status: http.StatusPaymentRequired, typ: "insufficient_balance"},
		{name: "invalid_kind", err: usagedomain.ErrInvalidKind, status: http.StatusBadRequest, typ: "validation_error"},
		{name: "dispatch_failed", err: usagedomain.ErrDispatchFailed, status: http.StatusBadGateway, typ: "dispatch_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.usage.startErr = tc.err
			w := ts.do(t, http.MethodPost, "/v1/resource-uses", "cust_1", []byte(`{"kind":"call","target":"+34"}`), "application/json")
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
			if got := errorType(t, w); got != tc.typ {
				t.Fatalf("expected %q, got %q", tc.typ, got)
			}
		})
	}
}

func TestEndResourceUse(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodDelete, "/v1/resource-uses/42", "cust_1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ts.usage.endOwner != "cust_1" {
		t.Fatalf("expected owner cust_1, got %q", ts.usage.endOwner)
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["amount"] != "0.80" || data["state"] != "cancelled" {
		t.Fatalf("unexpected transition payload %v", data)
	}

	w = ts.do(t, http.MethodDelete, "/v1/resource-uses/not-a-number", "cust_1", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed id, got %d", w.Code)
	}
}

func TestGetEstimate(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/v1/estimate?kind=call&destination=%2B34600&quantity=1", "cust_1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["amount"] != "0.40" || data["currency"] != "EUR" || data["unit"] != "minute" {
		t.Fatalf("unexpected estimate payload %v", data)
	}
	if ts.rating.req.Destination != "+34600" {
		t.Fatalf("expected decoded destination, got %q", ts.rating.req.Destination)
	}

	w = ts.do(t, http.MethodGet, "/v1/estimate?kind=call&destination=%2B99", "cust_1", nil, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a rate, got %d", w.Code)
	}
	w = ts.do(t, http.MethodGet, "/v1/estimate?kind=call&destination=%2B34&quantity=-1", "cust_1", nil, "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative quantity, got %d", w.Code)
	}
}

func TestConfirmRecharge(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/v1/recharges/rch_1/confirm", "cust_1", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["applied"] != true {
		t.Fatalf("expected applied=true, got %v", body["applied"])
	}
	data := body["data"].(map[string]any)
	if data["reference"] != "rch_1" || data["amount"] != "10.00" {
		t.Fatalf("unexpected recharge payload %v", data)
	}
	if ts.payment.confirmOwner != "cust_1" {
		t.Fatalf("expected owner cust_1, got %q", ts.payment.confirmOwner)
	}
}

func TestCarrierWebhookSignsPublicURL(t *testing.T) {
	ts := newTestServer(t)
	form := url.Values{"CallSid": {"CA0001"}, "CallStatus": {"completed"}, "CallDuration": {"95"}}
	w := ts.do(t, http.MethodPost, "/webhooks/carrier/call", "", []byte(form.Encode()), "application/x-www-form-urlencoded")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ts.carrier.kind != "call" {
		t.Fatalf("expected kind call, got %q", ts.carrier.kind)
	}
	if ts.carrier.req.URL != "https://meterline.example/webhooks/carrier/call" {
		t.Fatalf("unexpected signed url %q", ts.carrier.req.URL)
	}
	if ts.carrier.req.Form.Get("CallDuration") != "95" {
		t.Fatalf("expected parsed form, got %v", ts.carrier.req.Form)
	}
}

func TestCarrierWebhookDecisions(t *testing.T) {
	cases := []struct {
		name     string
		decision webhookdomain.Decision
		err      error
		status   int
	}{
		{name: "duplicate", decision: webhookdomain.DecisionDuplicateIgnore, status: http.StatusOK},
		{name: "bad_signature", decision: webhookdomain.DecisionSignatureReject, err: webhookdomain.ErrInvalidSignature, status: http.StatusUnauthorized},
		{name: "unknown_resource", decision: webhookdomain.DecisionAccept, err: webhookdomain.Final(usagedomain.ErrUnknownResource), status: http.StatusNotFound},
		{name: "timeout", decision: webhookdomain.DecisionAccept, err: context.DeadlineExceeded, status: http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.carrier.decision = tc.decision
			ts.carrier.err = tc.err
			w := ts.do(t, http.MethodPost, "/webhooks/carrier/call", "", []byte("CallSid=CA1&CallStatus=ringing"), "application/x-www-form-urlencoded")
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
		})
	}
}

func TestPaymentWebhookDuplicateAcknowledged(t *testing.T) {
	ts := newTestServer(t)
	ts.payment.webhookDecision = webhookdomain.DecisionDuplicateIgnore
	w := ts.do(t, http.MethodPost, "/webhooks/payments/processor", "", []byte(`{}`), "application/json")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "duplicate_ignore" {
		t.Fatalf("expected duplicate_ignore, got %v", got)
	}
}

func TestMapErrorHidesInternalDetail(t *testing.T) {
	status, payload := mapError(errTest("pq: relation \"account_balances\" does not exist"))
	if status != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", status)
	}
	if strings.Contains(payload.Message, "account_balances") {
		t.Fatalf("internal detail leaked: %q", payload.Message)
	}

	status, _ = mapError(errTest("database is locked"))
	if status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a locked database, got %d", status)
	}

	status, payload = mapError(usagedomain.ErrInvalidTarget)
	if status != http.StatusBadRequest || payload.Errors[0].Field != "target" {
		t.Fatalf("expected target validation error, got %d %+v", status, payload)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
