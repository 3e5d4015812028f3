package carrier_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/carrier"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/meterline/internal/ledger/service"
	pricingdomain "github.com/smallbiznis/meterline/internal/pricing/domain"
	pricingrepo "github.com/smallbiznis/meterline/internal/pricing/repository"
	pricingservice "github.com/smallbiznis/meterline/internal/pricing/service"
	ratingservice "github.com/smallbiznis/meterline/internal/rating/service"
	"github.com/smallbiznis/meterline/internal/testutil"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	usagerepo "github.com/smallbiznis/meterline/internal/usage/repository"
	usageservice "github.com/smallbiznis/meterline/internal/usage/service"
	webhookdomain "github.com/smallbiznis/meterline/internal/webhook/domain"
	webhookrepo "github.com/smallbiznis/meterline/internal/webhook/repository"
	webhookservice "github.com/smallbiznis/meterline/internal/webhook/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	authToken   = "token"
	publicURL   = "https://meterline.example"
	callbackURL = publicURL + "/webhooks/carrier/call"
)

// dispatchHook runs inside the carrier API before it answers a dispatch.
type dispatchHook struct {
	fn func(statusCallback, sid string)
}

type harness struct {
	hook    *dispatchHook
	clock   *clock.FakeClock
	ledger  ledgerdomain.Service
	usage   usagedomain.Service
	carrier *carrier.Service
}

func newHarness(t *testing.T) harness {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	var seq atomic.Int64
	hook := &dispatchHook{}
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		sid := "CA" + strconv.FormatInt(seq.Add(1), 10)
		if hook.fn != nil {
			hook.fn(r.PostForm.Get("StatusCallback"), sid)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"` + sid + `"}`))
	}))
	t.Cleanup(api.Close)

	cfg := config.Config{
		Currency:  "EUR",
		Retry:     config.RetryConfig{MaxAttempts: 1},
		Lifecycle: config.LifecycleConfig{StaleThreshold: 2 * time.Hour},
		Webhook: config.WebhookConfig{
			Timeout:          5 * time.Second,
			CarrierSecret:    authToken,
			CarrierPublicURL: publicURL,
			BootstrapEvents:  []string{"carrier:call.setup"},
		},
		Carrier: config.CarrierConfig{APIBaseURL: api.URL, AccountID: "AC1", AuthToken: authToken},
	}

	pricing := pricingservice.NewService(pricingservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Repo: pricingrepo.Provide()})
	require.NoError(t, pricing.Set(ctx, pricingdomain.MarginKey("call"), decimal.RequireFromString("3.0"), ""))
	require.NoError(t, pricing.Set(ctx, pricingdomain.MinimumKey("call"), decimal.Zero, ""))
	require.NoError(t, pricing.UpsertRate(ctx, "call", "+34", decimal.RequireFromString("0.10")))

	rating := ratingservice.NewService(ratingservice.Params{
		Log:      zap.NewNop(),
		Pricing:  pricing,
		Defaults: config.NewStaticPricingDefaultsHolder(config.DefaultPricingDefaults()),
	})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: zap.NewNop(), GenID: node, Cfg: cfg})
	usage := usageservice.NewService(usageservice.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Cfg:        cfg,
		Repo:       usagerepo.Provide(),
		Dispatcher: carrier.NewHTTPDispatcher(cfg, zap.NewNop()),
		Pricing:    pricing,
		Rating:     rating,
		Ledger:     ledger,
	})
	gate := webhookservice.NewService(webhookservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    clk,
		Cfg:      cfg,
		Repo:     webhookrepo.Provide(),
		Registry: webhookdomain.NewRegistry(carrier.NewVerifier(authToken)),
	})
	svc := carrier.NewService(carrier.Params{Log: zap.NewNop(), Gate: gate, Usage: usage})

	_, err := ledger.Apply(ctx, ledgerdomain.ApplyRequest{
		CustomerID:        "cust_1",
		Amount:            decimal.RequireFromString("10.00"),
		Kind:              ledgerdomain.MovementKindRecharge,
		ExternalReference: "rch_seed",
	})
	require.NoError(t, err)

	return harness{hook: hook, clock: clk, ledger: ledger, usage: usage, carrier: svc}
}

func (h harness) callback(t *testing.T, form url.Values, signed bool) (webhookdomain.Decision, error) {
	t.Helper()
	header := http.Header{}
	if signed {
		header.Set(carrier.SignatureHeader, carrier.Sign(authToken, callbackURL, form))
	}
	return h.carrier.HandleCallback(context.Background(), "call", webhookdomain.SignedRequest{
		URL:    callbackURL,
		Header: header,
		Form:   form,
	})
}

func (h harness) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.Balance(context.Background(), "cust_1")
	require.NoError(t, err)
	return b.Amount
}

func TestCallBilledOnceUnderTripleRedelivery(t *testing.T) {
	h := newHarness(t)
	use, err := h.usage.Start(context.Background(), usagedomain.StartRequest{
		OwnerID:     "cust_1",
		Kind:        "call",
		ResourceRef: "+34910000000",
		Target:      "+34600111222",
	})
	require.NoError(t, err)
	sid := use.CorrelationID()

	decision, err := h.callback(t, url.Values{"CallSid": {sid}, "CallStatus": {"initiated"}}, false)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DecisionAccept, decision, "unsigned bootstrap setup is allowed")

	decision, err = h.callback(t, url.Values{"CallSid": {sid}, "CallStatus": {"in-progress"}}, true)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DecisionAccept, decision)
	h.clock.Advance(95 * time.Second)

	completed := url.Values{"CallSid": {sid}, "CallStatus": {"completed"}, "CallDuration": {"95"}}
	want := []webhookdomain.Decision{
		webhookdomain.DecisionAccept,
		webhookdomain.DecisionDuplicateIgnore,
		webhookdomain.DecisionDuplicateIgnore,
	}
	for i, expected := range want {
		decision, err = h.callback(t, completed, true)
		require.NoError(t, err, "delivery %d", i+1)
		assert.Equal(t, expected, decision, "delivery %d", i+1)
	}

	assert.True(t, h.balance(t).Equal(decimal.RequireFromString("9.20")), "got %s", h.balance(t))

	got, err := h.usage.Get(context.Background(), use.ID, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, usagedomain.StateCompleted, got.State)
	require.NotNil(t, got.DurationUnits)
	assert.Equal(t, int64(2), *got.DurationUnits)
}

func TestUnsignedCompletionRejected(t *testing.T) {
	h := newHarness(t)

	decision, err := h.callback(t, url.Values{"CallSid": {"CA1"}, "CallStatus": {"completed"}, "CallDuration": {"95"}}, false)
	assert.ErrorIs(t, err, webhookdomain.ErrSignatureMissing)
	assert.Equal(t, webhookdomain.DecisionSignatureReject, decision)
	assert.True(t, h.balance(t).Equal(decimal.RequireFromString("10.00")))
}

func TestCallbackForUnknownCallIsClosed(t *testing.T) {
	h := newHarness(t)

	decision, err := h.callback(t, url.Values{"CallSid": {"CA_ghost"}, "CallStatus": {"completed"}, "CallDuration": {"30"}}, true)
	assert.Equal(t, webhookdomain.DecisionAccept, decision)
	assert.ErrorIs(t, err, usagedomain.ErrUnknownResource)
	assert.True(t, webhookdomain.IsFinal(err))

	decision, err = h.callback(t, url.Values{"CallSid": {"CA_ghost"}, "CallStatus": {"completed"}, "CallDuration": {"30"}}, true)
	require.NoError(t, err)
	assert.Equal(t, webhookdomain.DecisionDuplicateIgnore, decision)
}

func TestCompletionBeforeDispatchReturnsIsBilled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var decision webhookdomain.Decision
	var callbackErr error
	h.hook.fn = func(statusCallback, sid string) {
		form := url.Values{"CallSid": {sid}, "CallStatus": {"completed"}, "CallDuration": {"60"}}
		header := http.Header{}
		header.Set(carrier.SignatureHeader, carrier.Sign(authToken, statusCallback, form))
		decision, callbackErr = h.carrier.HandleCallback(ctx, "call", webhookdomain.SignedRequest{
			URL:    statusCallback,
			Header: header,
			Form:   form,
		})
	}

	use, err := h.usage.Start(ctx, usagedomain.StartRequest{
		OwnerID:     "cust_1",
		Kind:        "call",
		ResourceRef: "+34910000000",
		Target:      "+34600111222",
	})
	require.NoError(t, err)
	require.NoError(t, callbackErr)
	assert.Equal(t, webhookdomain.DecisionAccept, decision)
	assert.Equal(t, usagedomain.StateCompleted, use.State)
	assert.Equal(t, "CA1", use.CorrelationID())
	assert.True(t, h.balance(t).Equal(decimal.RequireFromString("9.60")), "got %s", h.balance(t))
}
