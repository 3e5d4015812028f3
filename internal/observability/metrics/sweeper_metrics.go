package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

const (
	SweeperJobReasonDeadlineExceeded     = "deadline_exceeded"
	SweeperJobReasonDBLockTimeout        = "db_lock_timeout"
	SweeperJobReasonSerializationFailure = "serialization_failure"
	SweeperJobReasonUniqueViolation      = "unique_violation"
	SweeperJobReasonUnknown              = "unknown"

	SweeperSkipReasonLockHeld = "lock_held"
)

// SweeperMetrics captures background sweep health for operators.
type SweeperMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	jobSkipped     *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	runLoopLag     prometheus.Observer
}

var (
	sweeperMetricsOnce sync.Once
	sweeperMetrics     *SweeperMetrics
)

// Sweeper returns the singleton sweeper metrics registry.
func Sweeper() *SweeperMetrics {
	return SweeperWithConfig(Config{})
}

// SweeperWithConfig returns the singleton sweeper metrics registry using config labels.
func SweeperWithConfig(cfg Config) *SweeperMetrics {
	sweeperMetricsOnce.Do(func() {
		sweeperMetrics = newSweeperMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return sweeperMetrics
}

// ResetSweeperMetricsForTest resets the singleton for tests.
func ResetSweeperMetricsForTest() {
	sweeperMetricsOnce = sync.Once{}
	sweeperMetrics = nil
}

func newSweeperMetrics(registerer prometheus.Registerer, cfg Config) *SweeperMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "meterline"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &SweeperMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterline_sweeper_job_runs_total",
			Help:        "Sweeper job runs by name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "meterline_sweeper_job_duration_seconds",
			Help:        "Sweeper job latency.",
			Buckets:     []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterline_sweeper_job_timeouts_total",
			Help:        "Sweeper jobs that hit their timeout.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterline_sweeper_job_errors_total",
			Help:        "Sweeper job errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		jobSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterline_sweeper_job_skipped_total",
			Help:        "Sweeper jobs skipped because another replica holds the lock.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		batchProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "meterline_sweeper_batch_processed_total",
			Help:        "Rows transitioned by sweeper jobs.",
			ConstLabels: constLabels,
		}, []string{"job", "resource"}),
	}
	runLoopLag := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        "meterline_sweeper_runloop_lag_seconds",
		Help:        "Sweeper run loop lag beyond the configured interval.",
		Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		ConstLabels: constLabels,
	})
	m.runLoopLag = runLoopLag

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.jobSkipped,
		m.batchProcessed,
		runLoopLag,
	)
	return m
}

func (m *SweeperMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *SweeperMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *SweeperMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *SweeperMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifySweeperJobReason(err)).Inc()
}

func (m *SweeperMetrics) IncJobSkipped(job, reason string) {
	if m == nil {
		return
	}
	m.jobSkipped.WithLabelValues(job, reason).Inc()
}

func (m *SweeperMetrics) AddBatchProcessed(job, resource string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job, resource).Add(float64(count))
}

func (m *SweeperMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	if lag < 0 {
		lag = 0
	}
	m.runLoopLag.Observe(lag.Seconds())
}

// ClassifySweeperJobReason maps job errors to low-cardinality reasons.
func ClassifySweeperJobReason(err error) string {
	switch {
	case err == nil:
		return SweeperJobReasonUnknown
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return SweeperJobReasonDeadlineExceeded
	case hasPGCode(err, "55P03"):
		return SweeperJobReasonDBLockTimeout
	case hasPGCode(err, "40001"):
		return SweeperJobReasonSerializationFailure
	case errors.Is(err, gorm.ErrDuplicatedKey), hasPGCode(err, "23505"):
		return SweeperJobReasonUniqueViolation
	default:
		return SweeperJobReasonUnknown
	}
}

func hasPGCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}
