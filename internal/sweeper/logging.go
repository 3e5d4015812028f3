package sweeper

import (
	"context"
	"time"

	obscontext "github.com/smallbiznis/meterline/internal/observability/context"
	obslogger "github.com/smallbiznis/meterline/internal/observability/logger"
	"go.uber.org/zap"
)

type jobRun struct {
	job            string
	runID          string
	batchSize      int
	startedAt      time.Time
	processedCount int
	errorCount     int
}

func (r *jobRun) AddProcessed(count int) {
	if r == nil || count <= 0 {
		return
	}
	r.processedCount += count
}

func (r *jobRun) IncError() {
	if r == nil {
		return
	}
	r.errorCount++
}

func (s *Sweeper) startRun(ctx context.Context, job string) (context.Context, *jobRun) {
	if ctx == nil {
		ctx = context.Background()
	}
	run := &jobRun{
		job:       job,
		runID:     s.genID.Generate().String(),
		batchSize: s.batchSize,
		startedAt: time.Now(),
	}
	ctx = obscontext.WithActor(ctx, "system", "sweeper")
	ctx = obscontext.WithCorrelationID(ctx, run.runID)
	return ctx, run
}

func (s *Sweeper) logger(ctx context.Context) *zap.Logger {
	return obslogger.WithContext(ctx, s.log)
}

func (s *Sweeper) logJobStart(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	s.logger(ctx).Debug("sweeper.job.start",
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int("batch_size", run.batchSize),
	)
}

func (s *Sweeper) logJobFinish(ctx context.Context, run *jobRun) {
	if run == nil {
		return
	}
	fields := []zap.Field{
		zap.String("job", run.job),
		zap.String("run_id", run.runID),
		zap.Int64("duration_ms", time.Since(run.startedAt).Milliseconds()),
		zap.Int("processed_count", run.processedCount),
		zap.Int("error_count", run.errorCount),
	}
	log := s.logger(ctx)
	switch {
	case run.errorCount > 0:
		log.Warn("sweeper.job.finish", fields...)
	case run.processedCount > 0:
		log.Info("sweeper.job.finish", fields...)
	default:
		log.Debug("sweeper.job.finish", fields...)
	}
}
