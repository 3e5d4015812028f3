package sweeper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/events"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/meterline/internal/reconciliation/domain"
	"github.com/smallbiznis/meterline/internal/testutil"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type usageStub struct {
	usagedomain.Service
	mock.Mock
	block bool
}

func (u *usageStub) SweepStale(ctx context.Context, limit int) (int, error) {
	if u.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	args := u.Called(limit)
	return args.Int(0), args.Error(1)
}

type reconciliationStub struct {
	reconciliationdomain.Service
	mock.Mock
}

func (r *reconciliationStub) FinalizePending(_ context.Context, limit int) (int, error) {
	args := r.Called(limit)
	return args.Int(0), args.Error(1)
}

type heldLocker struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func (l *heldLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return "", false, nil
	}
	return "token-" + key, true, nil
}

func (l *heldLocker) Release(_ context.Context, key, _ string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key)
	return nil
}

type failingSink struct{}

func (failingSink) Deliver(context.Context, events.Stored) error {
	return errors.New("broker unavailable")
}

type testSweeper struct {
	sweeper        *Sweeper
	usage          *usageStub
	reconciliation *reconciliationStub
	outbox         *events.Outbox
	registry       *prometheus.Registry
}

func newTestSweeper(t *testing.T, opts ...func(*Params)) testSweeper {
	t.Helper()
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)

	db := testutil.OpenDB(t)
	node := testutil.Node(t)
	usage := &usageStub{}
	reconciliation := &reconciliationStub{}
	outbox := events.NewOutbox(db, node)

	p := Params{
		Log:   zap.NewNop(),
		GenID: node,
		Cfg: config.Config{Sweeper: config.SweeperConfig{
			BatchSize:  50,
			JobTimeout: time.Second,
		}},
		Usage:          usage,
		Reconciliation: reconciliation,
		Outbox:         outbox,
		Metrics:        obsmetrics.Sweeper(),
	}
	for _, opt := range opts {
		opt(&p)
	}
	s, err := New(p)
	if err != nil {
		t.Fatalf("new sweeper: %v", err)
	}
	return testSweeper{sweeper: s, usage: usage, reconciliation: reconciliation, outbox: outbox, registry: registry}
}

func TestRunOnceRunsEveryJob(t *testing.T) {
	ts := newTestSweeper(t)
	ctx := context.Background()
	ts.usage.On("SweepStale", 50).Return(2, nil).Once()
	ts.reconciliation.On("FinalizePending", 50).Return(1, nil).Once()
	publishLowBalance(t, ts.outbox, "cust_1", "m1")
	publishLowBalance(t, ts.outbox, "cust_2", "m2")

	if err := ts.sweeper.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	ts.usage.AssertExpectations(t)
	ts.reconciliation.AssertExpectations(t)
	pending, err := ts.outbox.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected outbox drained, got %d pending", len(pending))
	}

	for job, want := range map[string]float64{
		JobStaleResources:      2,
		JobFinalizeSettlements: 1,
		JobRelayBillingEvents:  2,
	} {
		got := getCounterValue(t, ts.registry, "meterline_sweeper_batch_processed_total", withConstLabels(map[string]string{
			"job":      job,
			"resource": resourceFor(job),
		}))
		if got != want {
			t.Fatalf("expected %s processed %v, got %v", job, want, got)
		}
		runs := getCounterValue(t, ts.registry, "meterline_sweeper_job_runs_total", withConstLabels(map[string]string{"job": job}))
		if runs != 1 {
			t.Fatalf("expected one run of %s, got %v", job, runs)
		}
	}
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	ts := newTestSweeper(t)
	boom := errors.New("boom")
	ts.usage.On("SweepStale", 50).Return(0, boom).Once()
	ts.reconciliation.On("FinalizePending", 50).Return(3, nil).Once()

	err := ts.sweeper.RunOnce(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined boom error, got %v", err)
	}
	if got := err.Error(); got != "stale_resources: boom" {
		t.Fatalf("expected job-prefixed error, got %q", got)
	}

	got := getCounterValue(t, ts.registry, "meterline_sweeper_job_errors_total", withConstLabels(map[string]string{
		"job":    JobStaleResources,
		"reason": obsmetrics.SweeperJobReasonUnknown,
	}))
	if got != 1 {
		t.Fatalf("expected one job error, got %v", got)
	}
	processed := getCounterValue(t, ts.registry, "meterline_sweeper_batch_processed_total", withConstLabels(map[string]string{
		"job":      JobFinalizeSettlements,
		"resource": "reconciliation_records",
	}))
	if processed != 3 {
		t.Fatalf("expected finalize to run despite stale failure, got %v", processed)
	}
}

func TestJobTimeoutIsSoft(t *testing.T) {
	ts := newTestSweeper(t, func(p *Params) {
		p.Cfg.Sweeper.JobTimeout = 20 * time.Millisecond
	})
	ts.usage.block = true
	ts.reconciliation.On("FinalizePending", 50).Return(0, nil).Once()

	if err := ts.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("expected timeout to be swallowed, got %v", err)
	}
	got := getCounterValue(t, ts.registry, "meterline_sweeper_job_timeouts_total", withConstLabels(map[string]string{"job": JobStaleResources}))
	if got != 1 {
		t.Fatalf("expected one timeout, got %v", got)
	}
}

func TestHeldLockSkipsJob(t *testing.T) {
	locker := &heldLocker{held: map[string]bool{lockKey(JobStaleResources): true}}
	ts := newTestSweeper(t, func(p *Params) {
		p.Locker = locker
	})
	ts.reconciliation.On("FinalizePending", 50).Return(0, nil).Once()

	if err := ts.sweeper.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}

	ts.usage.AssertNotCalled(t, "SweepStale", mock.Anything)
	got := getCounterValue(t, ts.registry, "meterline_sweeper_job_skipped_total", withConstLabels(map[string]string{
		"job":    JobStaleResources,
		"reason": obsmetrics.SweeperSkipReasonLockHeld,
	}))
	if got != 1 {
		t.Fatalf("expected one skipped run, got %v", got)
	}
	if len(locker.released) != 2 {
		t.Fatalf("expected locks released for the two jobs that ran, got %v", locker.released)
	}
}

func TestRelayKeepsUndeliveredEvents(t *testing.T) {
	ts := newTestSweeper(t, func(p *Params) {
		p.Sink = failingSink{}
	})
	ctx := context.Background()
	publishLowBalance(t, ts.outbox, "cust_1", "m1")

	if _, err := ts.sweeper.relayBillingEvents(ctx); err == nil {
		t.Fatalf("expected delivery error")
	}
	pending, err := ts.outbox.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected event to stay pending, got %d", len(pending))
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Params{GenID: testutil.Node(t)}); err == nil {
		t.Fatalf("expected error without services")
	}
}

func publishLowBalance(t *testing.T, outbox *events.Outbox, owner, movement string) {
	t.Helper()
	err := outbox.Publish(context.Background(), events.Event{
		OwnerID:   owner,
		Type:      events.EventBalanceLow,
		Payload:   events.LowBalancePayload{CustomerID: owner, MovementID: movement, BalanceMinor: -10}.ToMap(),
		DedupeKey: events.LowBalanceDedupeKey(owner, movement),
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSweeperMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSweeperMetricsForTest()
	}
}

func withConstLabels(labels map[string]string) map[string]string {
	labels["service"] = "meterline"
	labels["env"] = "unknown"
	return labels
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			if metric.Counter == nil {
				t.Fatalf("metric %s is not a counter", name)
			}
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
