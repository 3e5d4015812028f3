package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	obscontext "github.com/smallbiznis/meterline/internal/observability/context"
	"github.com/smallbiznis/meterline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/webhook/domain"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       domain.Repository
	Registry   *domain.Registry
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	registry   *domain.Registry
	obsMetrics *obsmetrics.Metrics

	timeout   time.Duration
	bootstrap map[string]struct{}
	retry     retry.Policy
}

func NewService(p Params) domain.Service {
	bootstrap := make(map[string]struct{}, len(p.Cfg.Webhook.BootstrapEvents))
	for _, entry := range p.Cfg.Webhook.BootstrapEvents {
		bootstrap[strings.ToLower(strings.TrimSpace(entry))] = struct{}{}
	}
	timeout := p.Cfg.Webhook.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}

	return &Service{
		db:         p.DB,
		log:        p.Log.Named("webhook.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		registry:   p.Registry,
		obsMetrics: p.ObsMetrics,
		timeout:    timeout,
		bootstrap:  bootstrap,
		retry:      retry.FromConfig(p.Cfg.Retry, db.IsRetryable),
	}
}

func (s *Service) Admit(ctx context.Context, req domain.AdmitRequest) (domain.Decision, *domain.EventRecord, error) {
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.EventID = strings.TrimSpace(req.EventID)
	if req.Provider == "" {
		return "", nil, domain.ErrUnknownProvider
	}
	if req.EventID == "" {
		return "", nil, domain.ErrInvalidEvent
	}

	if err := s.verify(ctx, req); err != nil {
		s.record(ctx, req.Provider, domain.DecisionSignatureReject)
		return domain.DecisionSignatureReject, nil, err
	}

	digest := payloadDigest(req.Payload)
	res, err := retry.DoValue(ctx, s.retry, s.log, "webhook.admit", func(ctx context.Context) (admitResult, error) {
		return s.admit(ctx, req, digest)
	})
	if err != nil {
		return "", nil, err
	}
	s.record(ctx, req.Provider, res.decision)
	return res.decision, res.record, nil
}

type admitResult struct {
	decision domain.Decision
	record   *domain.EventRecord
}

func (s *Service) admit(ctx context.Context, req domain.AdmitRequest, digest string) (admitResult, error) {
	now := s.clock.Now()
	log := logger.WithContext(ctx, s.log).With(
		zap.String("provider", req.Provider),
		zap.String("event_id", req.EventID),
	)

	existing, err := s.repo.FindByEventID(ctx, s.db, req.EventID)
	if err != nil {
		return admitResult{}, err
	}
	if existing != nil {
		if existing.PayloadDigest != digest {
			log.Warn("webhook redelivery payload differs from first delivery",
				zap.String("stored_digest", existing.PayloadDigest),
				zap.String("received_digest", digest),
			)
		}
		if existing.Completed {
			log.Info("webhook duplicate ignored", zap.Int("attempt_count", existing.AttemptCount))
			return admitResult{decision: domain.DecisionDuplicateIgnore, record: existing}, nil
		}
		touched, err := s.repo.TouchAttempt(ctx, s.db, existing.ID, now)
		if err != nil {
			return admitResult{}, err
		}
		if !touched {
			// completed between the lookup and the update
			return admitResult{decision: domain.DecisionDuplicateIgnore, record: existing}, nil
		}
		existing.AttemptCount++
		existing.LastAttemptAt = &now
		log.Info("webhook redelivery accepted", zap.Int("attempt_count", existing.AttemptCount))
		return admitResult{decision: domain.DecisionAccept, record: existing}, nil
	}

	rec := &domain.EventRecord{
		ID:            s.genID.Generate(),
		EventID:       req.EventID,
		Provider:      req.Provider,
		PayloadDigest: digest,
		AttemptCount:  1,
		ReceivedAt:    now,
		LastAttemptAt: &now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, rec)
	if err != nil {
		if db.IsDuplicateKeyErr(err) {
			return admitResult{decision: domain.DecisionDuplicateIgnore}, nil
		}
		return admitResult{}, err
	}
	if !inserted {
		log.Info("webhook concurrent delivery ignored")
		return admitResult{decision: domain.DecisionDuplicateIgnore}, nil
	}
	return admitResult{decision: domain.DecisionAccept, record: rec}, nil
}

func (s *Service) Complete(ctx context.Context, rec *domain.EventRecord) error {
	if rec == nil || rec.ID == 0 {
		return domain.ErrInvalidEvent
	}
	return retry.Do(ctx, s.retry, s.log, "webhook.complete", func(ctx context.Context) error {
		now := s.clock.Now()
		updated, err := s.repo.MarkCompleted(ctx, s.db, rec.ID, now)
		if err != nil {
			return err
		}
		if updated {
			rec.Completed = true
			rec.CompletedAt = &now
		}
		return nil
	})
}

// Process admits the event and, when accepted, runs fn under the webhook timeout.
// The event is completed only when fn succeeds or returns a Final error.
func (s *Service) Process(ctx context.Context, req domain.AdmitRequest, fn func(ctx context.Context) error) (domain.Decision, error) {
	decision, rec, err := s.Admit(ctx, req)
	if err != nil || decision != domain.DecisionAccept {
		return decision, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	opCtx = obscontext.WithCorrelationID(opCtx, ulid.Make().String())

	log := logger.WithContext(opCtx, s.log).With(
		zap.String("provider", rec.Provider),
		zap.String("event_id", rec.EventID),
	)

	fnErr := fn(opCtx)
	if fnErr == nil && opCtx.Err() != nil {
		fnErr = opCtx.Err()
	}
	if fnErr != nil && !domain.IsFinal(fnErr) {
		if errors.Is(fnErr, context.DeadlineExceeded) {
			log.Warn("webhook processing timed out, left incomplete for redelivery", zap.Duration("timeout", s.timeout))
		} else {
			log.Warn("webhook processing failed, left incomplete for redelivery", zap.Error(fnErr))
		}
		return decision, fnErr
	}

	if err := s.Complete(ctx, rec); err != nil {
		log.Error("webhook completion not recorded", zap.Error(err))
		return decision, err
	}
	if fnErr != nil {
		log.Info("webhook closed without effect", zap.Error(fnErr))
	}
	return decision, fnErr
}

func (s *Service) verify(ctx context.Context, req domain.AdmitRequest) error {
	verifier, ok := s.registry.Get(req.Provider)
	if !ok {
		return domain.ErrUnknownProvider
	}

	err := verifier.Verify(ctx, req.Request)
	if err == nil {
		return nil
	}

	log := logger.Security(logger.WithContext(ctx, s.log)).With(
		zap.String("provider", req.Provider),
		zap.String("event_id", req.EventID),
		zap.String("event_kind", req.EventKind),
	)
	if errors.Is(err, domain.ErrSignatureMissing) && s.allowUnsigned(req.Provider, req.EventKind) {
		log.Info("unsigned bootstrap event accepted")
		return nil
	}
	log.Warn("webhook signature rejected", zap.Error(err))
	return err
}

func (s *Service) allowUnsigned(provider, kind string) bool {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return false
	}
	_, ok := s.bootstrap[provider+":"+kind]
	return ok
}

func (s *Service) record(ctx context.Context, provider string, decision domain.Decision) {
	s.obsMetrics.RecordWebhookDecision(ctx, provider, string(decision))
}

func payloadDigest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
