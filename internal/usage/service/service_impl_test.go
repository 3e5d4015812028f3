package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/events"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	ledgerservice "github.com/smallbiznis/meterline/internal/ledger/service"
	pricingdomain "github.com/smallbiznis/meterline/internal/pricing/domain"
	pricingrepo "github.com/smallbiznis/meterline/internal/pricing/repository"
	pricingservice "github.com/smallbiznis/meterline/internal/pricing/service"
	ratingservice "github.com/smallbiznis/meterline/internal/rating/service"
	"github.com/smallbiznis/meterline/internal/testutil"
	"github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/internal/usage/repository"
	"github.com/smallbiznis/meterline/internal/usage/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fakeDispatcher struct {
	mu      sync.Mutex
	seq     int
	err     error
	calls   int
	hangups []string
	// onDispatch runs after the carrier assigned a sid but before Dispatch returns.
	onDispatch func(req domain.DispatchRequest, sid string)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req domain.DispatchRequest) (string, error) {
	d.mu.Lock()
	d.calls++
	if d.err != nil {
		d.mu.Unlock()
		return "", d.err
	}
	d.seq++
	sid := fmt.Sprintf("CA%04d", d.seq)
	hook := d.onDispatch
	d.mu.Unlock()

	if hook != nil {
		hook(req, sid)
	}
	return sid, nil
}

func (d *fakeDispatcher) Hangup(_ context.Context, correlationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangups = append(d.hangups, correlationID)
	return nil
}

type fixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	dispatcher *fakeDispatcher
	ledger     ledgerdomain.Service
	svc        domain.Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{
		Currency:  "EUR",
		Retry:     config.RetryConfig{MaxAttempts: 1},
		Lifecycle: config.LifecycleConfig{StaleThreshold: 2 * time.Hour},
	}

	pricing := pricingservice.NewService(pricingservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  pricingrepo.Provide(),
	})
	require.NoError(t, pricing.Set(ctx, pricingdomain.MarginKey("call"), decimal.RequireFromString("3.0"), ""))
	require.NoError(t, pricing.Set(ctx, pricingdomain.MinimumKey("call"), decimal.Zero, ""))
	require.NoError(t, pricing.UpsertRate(ctx, "call", "+34", decimal.RequireFromString("0.10")))
	require.NoError(t, pricing.UpsertRate(ctx, "sms", "+34", decimal.RequireFromString("0.05")))

	rating := ratingservice.NewService(ratingservice.Params{
		Log:      zap.NewNop(),
		Pricing:  pricing,
		Defaults: config.NewStaticPricingDefaultsHolder(config.DefaultPricingDefaults()),
	})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  node,
		Cfg:    cfg,
		Outbox: events.NewOutbox(db, node),
	})

	dispatcher := &fakeDispatcher{}
	svc := service.NewService(service.Params{
		DB:         db,
		Log:        zap.NewNop(),
		GenID:      node,
		Clock:      clk,
		Cfg:        cfg,
		Repo:       repository.Provide(),
		Dispatcher: dispatcher,
		Pricing:    pricing,
		Rating:     rating,
		Ledger:     ledger,
	})
	return fixture{db: db, clock: clk, dispatcher: dispatcher, ledger: ledger, svc: svc}
}

func (f fixture) recharge(t *testing.T, owner, amount string) {
	t.Helper()
	_, err := f.ledger.Apply(context.Background(), ledgerdomain.ApplyRequest{
		CustomerID:        owner,
		Amount:            decimal.RequireFromString(amount),
		Kind:              ledgerdomain.MovementKindRecharge,
		ExternalReference: "rch_" + owner,
	})
	require.NoError(t, err)
}

func (f fixture) balance(t *testing.T, owner string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), owner)
	require.NoError(t, err)
	return b.Amount
}

func (f fixture) startCall(t *testing.T, owner string) *domain.ResourceUse {
	t.Helper()
	use, err := f.svc.Start(context.Background(), domain.StartRequest{
		OwnerID:     owner,
		Kind:        "call",
		ResourceRef: "+34910000000",
		Target:      "+34600111222",
	})
	require.NoError(t, err)
	return use
}

func TestStartRequiresPositiveBalance(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{
		OwnerID: "cust_1",
		Kind:    "call",
		Target:  "+34600111222",
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	assert.Equal(t, 0, f.dispatcher.calls)
}

func TestStartValidatesInput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Start(ctx, domain.StartRequest{Kind: "call", Target: "+34600111222"})
	assert.ErrorIs(t, err, domain.ErrInvalidOwner)

	_, err = f.svc.Start(ctx, domain.StartRequest{OwnerID: "cust_1", Kind: "fax", Target: "+34600111222"})
	assert.ErrorIs(t, err, domain.ErrInvalidKind)

	_, err = f.svc.Start(ctx, domain.StartRequest{OwnerID: "cust_1", Kind: "sms"})
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestStartCallStaysInitiating(t *testing.T) {
	f := newFixture(t)
	f.recharge(t, "cust_1", "10.00")

	use := f.startCall(t, "cust_1")
	assert.Equal(t, domain.StateInitiating, use.State)
	assert.Equal(t, "CA0001", use.CorrelationID())
	assert.True(t, use.UnitCostDecimal().Equal(decimal.RequireFromString("0.10")))
}

func TestStartSMSMovesToInProgress(t *testing.T) {
	f := newFixture(t)
	f.recharge(t, "cust_1", "10.00")

	use, err := f.svc.Start(context.Background(), domain.StartRequest{
		OwnerID: "cust_1",
		Kind:    "SMS",
		Target:  "+34600111222",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateInProgress, use.State)
	assert.Equal(t, domain.KindSMS, use.Kind)
}

func TestStartDispatchFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.recharge(t, "cust_1", "10.00")
	f.dispatcher.err = fmt.Errorf("carrier said no: %w", domain.ErrDispatchRejected)

	_, err := f.svc.Start(context.Background(), domain.StartRequest{
		OwnerID: "cust_1",
		Kind:    "call",
		Target:  "+34600111222",
	})
	if !errors.Is(err, domain.ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}

	var rows []struct {
		State string
		Note  *string
	}
	require.NoError(t, f.db.Raw(`SELECT state, note FROM resource_uses WHERE owner_id = ?`, "cust_1").Scan(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, string(domain.StateFailed), rows[0].State)
	require.NotNil(t, rows[0].Note)
	assert.Equal(t, domain.NoteDispatchFailed, *rows[0].Note)
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("10.00")))
}

func TestRecordCompletionBillsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recharge(t, "cust_1", "10.00")
	use := f.startCall(t, "cust_1")

	_, err := f.svc.RecordProgress(ctx, domain.ProgressReport{CorrelationID: use.CorrelationID(), Answered: true})
	require.NoError(t, err)

	report := domain.CompletionReport{CorrelationID: use.CorrelationID(), Status: "completed", DurationSeconds: 95}
	first, err := f.svc.RecordCompletion(ctx, report)
	require.NoError(t, err)
	assert.True(t, first.Applied)
	assert.Equal(t, int64(2), first.Quantity)
	assert.True(t, first.Amount.Equal(decimal.RequireFromString("0.80")), "got %s", first.Amount)
	assert.NotZero(t, first.MovementID)

	for i := 0; i < 2; i++ {
		again, err := f.svc.RecordCompletion(ctx, report)
		require.NoError(t, err)
		assert.False(t, again.Applied)
		assert.Equal(t, domain.StateCompleted, again.State)
	}

	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("9.20")))

	got, err := f.svc.Get(ctx, use.ID, "cust_1")
	require.NoError(t, err)
	assert.True(t, got.ConsumptionRecorded)
	require.NotNil(t, got.CostMinor)
	assert.Equal(t, int64(80), *got.CostMinor)
	require.NotNil(t, got.AnsweredAt)
}

func TestRecordCompletionWhileInitiating(t *testing.T) {
	f := newFixture(t)
	f.recharge(t, "cust_1", "10.00")
	use := f.startCall(t, "cust_1")

	tr, err := f.svc.RecordCompletion(context.Background(), domain.CompletionReport{
		CorrelationID:   use.CorrelationID(),
		Status:          "completed",
		DurationSeconds: 30,
	})
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, int64(1), tr.Quantity)
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("9.60")))
}

func TestCallbacksForUnknownCorrelation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.RecordProgress(ctx, domain.ProgressReport{CorrelationID: "CA_missing"})
	assert.ErrorIs(t, err, domain.ErrUnknownResource)
	_, err = f.svc.RecordCompletion(ctx, domain.CompletionReport{CorrelationID: "CA_missing", DurationSeconds: 10})
	assert.ErrorIs(t, err, domain.ErrUnknownResource)
	_, err = f.svc.RecordFailure(ctx, domain.FailureReport{CorrelationID: "CA_missing"})
	assert.ErrorIs(t, err, domain.ErrUnknownResource)
	_, err = f.svc.Heartbeat(ctx, "CA_missing", 0)
	assert.ErrorIs(t, err, domain.ErrUnknownResource)
	_, err = f.svc.Heartbeat(ctx, " ", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidCorrelation)
}

func TestCompletionDuringDispatchIsBilled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recharge(t, "cust_1", "10.00")

	var early domain.Transition
	var earlyErr error
	f.dispatcher.onDispatch = func(req domain.DispatchRequest, sid string) {
		early, earlyErr = f.svc.RecordCompletion(ctx, domain.CompletionReport{
			CorrelationID:   sid,
			UseID:           req.UseID,
			Status:          "completed",
			DurationSeconds: 60,
		})
	}

	use := f.startCall(t, "cust_1")
	require.NoError(t, earlyErr)
	assert.True(t, early.Applied)
	assert.Equal(t, domain.StateCompleted, use.State)
	assert.Equal(t, "CA0001", use.CorrelationID())
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("9.60")), "got %s", f.balance(t, "cust_1"))

	again, err := f.svc.RecordCompletion(ctx, domain.CompletionReport{CorrelationID: "CA0001", DurationSeconds: 60})
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("9.60")))
}

func TestProgressDuringDispatchKeepsState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recharge(t, "cust_1", "10.00")

	f.dispatcher.onDispatch = func(req domain.DispatchRequest, sid string) {
		_, err := f.svc.RecordProgress(ctx, domain.ProgressReport{CorrelationID: sid, UseID: req.UseID, Answered: true})
		require.NoError(t, err)
	}

	use := f.startCall(t, "cust_1")
	assert.Equal(t, domain.StateInProgress, use.State)
	assert.NotNil(t, use.AnsweredAt)
	assert.Equal(t, "CA0001", use.CorrelationID())
}

func TestEndDuringDispatchHangsUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recharge(t, "cust_1", "10.00")

	var ended domain.Transition
	var endErr error
	f.dispatcher.onDispatch = func(req domain.DispatchRequest, _ string) {
		ended, endErr = f.svc.End(ctx, req.UseID, "cust_1")
	}

	use := f.startCall(t, "cust_1")
	require.NoError(t, endErr)
	assert.True(t, ended.Applied)
	assert.Equal(t, domain.StateCancelled, use.State)
	assert.Equal(t, "CA0001", use.CorrelationID())
	assert.Equal(t, []string{"CA0001"}, f.dispatcher.hangups)

	got, err := f.svc.Get(ctx, use.ID, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.Equal(t, "CA0001", got.CorrelationID())
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("10.00")))
}

func TestCallbackReferenceMustMatchCorrelation(t *testing.T) {
	f := newFixture(t)
	f.recharge(t, "cust_1", "10.00")
	use := f.startCall(t, "cust_1")

	_, err := f.svc.RecordCompletion(context.Background(), domain.CompletionReport{
		CorrelationID:   "CA_other",
		UseID:           use.ID,
		DurationSeconds: 60,
	})
	assert.ErrorIs(t, err, domain.ErrUnknownResource)
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("10.00")))
}

func TestRecordFailureIsNotBilled(t *testing.T) {
	f := newFixture(t)
	f.recharge(t, "cust_1", "10.00")
	use := f.startCall(t, "cust_1")

	tr, err := f.svc.RecordFailure(context.Background(), domain.FailureReport{
		CorrelationID:   use.CorrelationID(),
		Status:          "busy",
		DurationSeconds: 12,
	})
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, domain.StateFailed, tr.State)
	assert.True(t, tr.Amount.IsZero())
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("10.00")))
}

func TestEndAnsweredCallBillsElapsed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recharge(t, "cust_1", "10.00")
	use := f.startCall(t, "cust_1")

	_, err := f.svc.RecordProgress(ctx, domain.ProgressReport{CorrelationID: use.CorrelationID(), Answered: true})
	require.NoError(t, err)
	f.clock.Advance(61 * time.Second)

	_, err = f.svc.End(ctx, use.ID, "cust_2")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	tr, err := f.svc.End(ctx, use.ID, "cust_1")
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Equal(t, domain.StateCancelled, tr.State)
	assert.Equal(t, int64(2), tr.Quantity)
	assert.Equal(t, []string{use.CorrelationID()}, f.dispatcher.hangups)

	// the provider completion that follows the hang-up is absorbed
	late, err := f.svc.RecordCompletion(ctx, domain.CompletionReport{
		CorrelationID:   use.CorrelationID(),
		Status:          "completed",
		DurationSeconds: 61,
	})
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("9.20")))

	again, err := f.svc.End(ctx, use.ID, "cust_1")
	require.NoError(t, err)
	assert.False(t, again.Applied)
}

func TestEndBeforeAnswerIsFree(t *testing.T) {
	f := newFixture(t)
	f.recharge(t, "cust_1", "10.00")
	use := f.startCall(t, "cust_1")

	tr, err := f.svc.End(context.Background(), use.ID, "cust_1")
	require.NoError(t, err)
	assert.True(t, tr.Applied)
	assert.Zero(t, tr.Quantity)
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("10.00")))
}

func TestEndRacesCompletion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recharge(t, "cust_1", "10.00")
	use := f.startCall(t, "cust_1")
	_, err := f.svc.RecordProgress(ctx, domain.ProgressReport{CorrelationID: use.CorrelationID(), Answered: true})
	require.NoError(t, err)
	f.clock.Advance(95 * time.Second)

	var wg sync.WaitGroup
	results := make([]domain.Transition, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = f.svc.End(ctx, use.ID, "cust_1")
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = f.svc.RecordCompletion(ctx, domain.CompletionReport{
			CorrelationID:   use.CorrelationID(),
			Status:          "completed",
			DurationSeconds: 95,
		})
	}()
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.True(t, results[0].Applied != results[1].Applied, "exactly one transition must win")
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("9.20")))

	var movements int64
	require.NoError(t, f.db.Raw(`SELECT COUNT(*) FROM ledger_movements WHERE kind = ?`, "consumption").Scan(&movements).Error)
	assert.Equal(t, int64(1), movements)
}

func TestSweepStaleFailsWithoutBilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recharge(t, "cust_1", "10.00")
	stale := f.startCall(t, "cust_1")

	f.clock.Advance(90 * time.Minute)
	fresh := f.startCall(t, "cust_1")
	f.clock.Advance(45 * time.Minute)

	swept, err := f.svc.SweepStale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	got, err := f.svc.Get(ctx, stale.ID, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.False(t, got.ConsumptionRecorded)
	require.NotNil(t, got.Note)
	assert.Contains(t, *got.Note, domain.NoteStale)

	other, err := f.svc.Get(ctx, fresh.ID, "cust_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInitiating, other.State)

	late, err := f.svc.RecordCompletion(ctx, domain.CompletionReport{
		CorrelationID:   stale.CorrelationID(),
		Status:          "completed",
		DurationSeconds: 300,
	})
	require.NoError(t, err)
	assert.False(t, late.Applied)
	assert.True(t, f.balance(t, "cust_1").Equal(decimal.RequireFromString("10.00")))
}

func TestHeartbeatKeepsResourceAlive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recharge(t, "cust_1", "10.00")
	use := f.startCall(t, "cust_1")

	f.clock.Advance(90 * time.Minute)
	ok, err := f.svc.Heartbeat(ctx, use.CorrelationID(), 0)
	require.NoError(t, err)
	assert.True(t, ok)
	f.clock.Advance(90 * time.Minute)

	swept, err := f.svc.SweepStale(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, swept)
}
