package sweeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/events"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	reconciliationdomain "github.com/smallbiznis/meterline/internal/reconciliation/domain"
	usagedomain "github.com/smallbiznis/meterline/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	JobStaleResources      = "stale_resources"
	JobFinalizeSettlements = "finalize_settlements"
	JobRelayBillingEvents  = "relay_billing_events"
)

const (
	defaultRunInterval = time.Minute
	defaultBatchSize   = 100
	defaultJobTimeout  = 30 * time.Second
	defaultLockTTL     = 2 * time.Minute
)

// EventSink receives outbox events once they are due for delivery.
type EventSink interface {
	Deliver(ctx context.Context, event events.Stored) error
}

type Params struct {
	fx.In

	Log            *zap.Logger
	GenID          *snowflake.Node
	Cfg            config.Config
	Usage          usagedomain.Service
	Reconciliation reconciliationdomain.Service
	Outbox         *events.Outbox
	Sink           EventSink                  `optional:"true"`
	Locker         JobLocker                  `optional:"true"`
	Metrics        *obsmetrics.SweeperMetrics `optional:"true"`
}

// Sweeper runs the periodic maintenance jobs on a fixed interval.
type Sweeper struct {
	log            *zap.Logger
	genID          *snowflake.Node
	usage          usagedomain.Service
	reconciliation reconciliationdomain.Service
	outbox         *events.Outbox
	sink           EventSink
	locker         JobLocker
	metrics        *obsmetrics.SweeperMetrics

	runInterval time.Duration
	batchSize   int
	jobTimeout  time.Duration
	lockTTL     time.Duration
}

func New(p Params) (*Sweeper, error) {
	if p.Usage == nil || p.Reconciliation == nil {
		return nil, errors.New("sweeper: usage and reconciliation services are required")
	}
	if p.GenID == nil {
		return nil, errors.New("sweeper: id generator is required")
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	sink := p.Sink
	if sink == nil {
		sink = logSink{log: log.Named("sweeper.relay")}
	}

	cfg := p.Cfg.Sweeper
	s := &Sweeper{
		log:            log.Named("sweeper"),
		genID:          p.GenID,
		usage:          p.Usage,
		reconciliation: p.Reconciliation,
		outbox:         p.Outbox,
		sink:           sink,
		locker:         p.Locker,
		metrics:        p.Metrics,
		runInterval:    cfg.RunInterval,
		batchSize:      cfg.BatchSize,
		jobTimeout:     cfg.JobTimeout,
		lockTTL:        cfg.LockTTL,
	}
	if s.runInterval <= 0 {
		s.runInterval = defaultRunInterval
	}
	if s.batchSize <= 0 {
		s.batchSize = defaultBatchSize
	}
	if s.jobTimeout <= 0 {
		s.jobTimeout = defaultJobTimeout
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultLockTTL
	}
	return s, nil
}

// RunOnce executes every job a single time. Jobs run concurrently and do not
// cancel each other; their errors are joined.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	jobs := []struct {
		name string
		fn   func(context.Context) (int, error)
	}{
		{JobStaleResources, s.sweepStaleResources},
		{JobFinalizeSettlements, s.finalizeSettlements},
		{JobRelayBillingEvents, s.relayBillingEvents},
	}

	errs := make([]error, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			errs[i] = s.runJob(ctx, job.name, job.fn)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// RunForever runs RunOnce on every tick until ctx is cancelled.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.runInterval)
	defer ticker.Stop()

	nextRun := time.Now().Add(s.runInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			s.metrics.ObserveRunLoopLag(tick.Sub(nextRun))
			nextRun = tick.Add(s.runInterval)
			if err := s.RunOnce(ctx); err != nil {
				s.log.Warn("sweeper.run_failed", zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) runJob(parent context.Context, name string, fn func(context.Context) (int, error)) error {
	ctx, run := s.startRun(parent, name)

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, lockKey(name), s.lockTTL)
		if err != nil {
			s.logger(ctx).Warn("sweeper.lock_failed", zap.String("job", name), zap.Error(err))
			s.metrics.IncJobError(name, err)
			return fmt.Errorf("%s: %w", name, err)
		}
		if !ok {
			s.metrics.IncJobSkipped(name, obsmetrics.SweeperSkipReasonLockHeld)
			s.logger(ctx).Debug("sweeper.job.skipped", zap.String("job", name), zap.String("reason", obsmetrics.SweeperSkipReasonLockHeld))
			return nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), lockKey(name), token); err != nil {
				s.logger(ctx).Warn("sweeper.lock_release_failed", zap.String("job", name), zap.Error(err))
			}
		}()
	}

	jobCtx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	s.metrics.IncJobRun(name)
	s.logJobStart(jobCtx, run)
	count, err := fn(jobCtx)
	run.AddProcessed(count)
	s.metrics.AddBatchProcessed(name, resourceFor(name), count)
	s.metrics.ObserveJobDuration(name, time.Since(run.startedAt))

	if err != nil {
		run.IncError()
	}
	s.logJobFinish(jobCtx, run)

	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil {
		s.metrics.IncJobTimeout(name)
		s.logger(ctx).Warn("sweeper.job.timeout", zap.String("job", name), zap.Duration("timeout", s.jobTimeout))
		return nil
	}
	s.metrics.IncJobError(name, err)
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Sweeper) sweepStaleResources(ctx context.Context) (int, error) {
	return s.usage.SweepStale(ctx, s.batchSize)
}

func (s *Sweeper) finalizeSettlements(ctx context.Context) (int, error) {
	return s.reconciliation.FinalizePending(ctx, s.batchSize)
}

func (s *Sweeper) relayBillingEvents(ctx context.Context) (int, error) {
	if s.outbox == nil {
		return 0, nil
	}
	pending, err := s.outbox.Pending(ctx, s.batchSize)
	if err != nil {
		return 0, err
	}

	delivered := 0
	var errs []error
	for _, event := range pending {
		if err := s.sink.Deliver(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("deliver %s: %w", event.ID, err))
			continue
		}
		if err := s.outbox.MarkPublished(ctx, event.ID); err != nil {
			errs = append(errs, fmt.Errorf("mark %s: %w", event.ID, err))
			continue
		}
		delivered++
	}
	return delivered, errors.Join(errs...)
}

func resourceFor(job string) string {
	switch job {
	case JobStaleResources:
		return "resource_uses"
	case JobFinalizeSettlements:
		return "reconciliation_records"
	case JobRelayBillingEvents:
		return "billing_events"
	default:
		return "unknown"
	}
}

// logSink writes events to the log. Used until an external broker is configured.
type logSink struct {
	log *zap.Logger
}

func (l logSink) Deliver(ctx context.Context, event events.Stored) error {
	l.log.Info("billing_event.delivered",
		zap.String("event_id", event.ID.String()),
		zap.String("owner_id", event.OwnerID),
		zap.String("event_type", event.EventType),
		zap.String("dedupe_key", event.DedupeKey),
		zap.Any("payload", map[string]any(event.Payload)),
	)
	return nil
}
