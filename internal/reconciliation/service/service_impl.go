package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/internal/reconciliation/domain"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/money"
	"github.com/smallbiznis/meterline/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// finalizeGrace keeps the sweeper away from records whose inline completion may still be running.
const finalizeGrace = 30 * time.Second

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       domain.Repository
	Ledger     ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics
	retry      retry.Policy
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("reconciliation.service"),
		genID:      p.GenID,
		clock:      clk,
		repo:       p.Repo,
		ledger:     p.Ledger,
		obsMetrics: p.ObsMetrics,
		retry:      retry.FromConfig(p.Cfg.Retry, db.IsRetryable),
	}
}

// Initiate opens a record. Repeating it with the same reference, owner and amount returns the existing record.
func (s *Service) Initiate(ctx context.Context, req domain.InitiateRequest) (*domain.Record, error) {
	reference := strings.TrimSpace(req.ExternalReference)
	if reference == "" {
		return nil, domain.ErrInvalidReference
	}
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	if !req.Amount.IsPositive() {
		return nil, domain.ErrInvalidAmount
	}
	operation := strings.ToLower(strings.TrimSpace(req.OperationType))
	if operation == "" {
		operation = domain.OperationRecharge
	}
	if operation != domain.OperationRecharge {
		return nil, domain.ErrInvalidOperation
	}

	now := s.clock.Now()
	record := &domain.Record{
		ID:                s.genID.Generate(),
		OperationType:     operation,
		ExternalReference: reference,
		OwnerID:           ownerID,
		AmountMinor:       money.ToMinor(req.Amount),
		State:             domain.StateInitiated,
		CreatedAt:         now,
		UpdatedAt:         &now,
	}
	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		return nil, err
	}
	if inserted {
		logger.WithOwner(s.log, ownerID).Info("reconciliation record initiated",
			zap.String("external_reference", reference),
			zap.String("amount", money.String(record.Amount())),
		)
		return record, nil
	}

	existing, err := s.repo.FindByReference(ctx, s.db, reference)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.OwnerID != ownerID || existing.AmountMinor != record.AmountMinor || existing.OperationType != operation {
		return nil, domain.ErrReferenceConflict
	}
	return existing, nil
}

// Settle confirms the operation through one path. The first path to move the record out of
// initiated applies the ledger movement; any later path only records its observation.
func (s *Service) Settle(ctx context.Context, req domain.SettleRequest) (domain.SettleResult, error) {
	reference := strings.TrimSpace(req.ExternalReference)
	if reference == "" {
		return domain.SettleResult{}, domain.ErrInvalidReference
	}
	path, ok := domain.ParsePath(string(req.Path))
	if !ok {
		return domain.SettleResult{}, domain.ErrInvalidPath
	}
	log := logger.WithContext(ctx, s.log).With(
		zap.String("external_reference", reference),
		zap.String("path", string(path)),
	)

	type outcome struct {
		won      bool
		mismatch bool
		movement *ledgerdomain.Movement
	}
	res, err := retry.DoValue(ctx, s.retry, log, "reconciliation.settle", func(ctx context.Context) (outcome, error) {
		var out outcome
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			record, err := s.repo.FindByReference(ctx, tx, reference)
			if err != nil {
				return err
			}
			if record == nil {
				return domain.ErrNotFound
			}
			if owner := strings.TrimSpace(req.OwnerID); owner != "" && owner != record.OwnerID {
				return domain.ErrNotFound
			}

			now := s.clock.Now()
			if req.Amount != nil && money.ToMinor(*req.Amount) != record.AmountMinor {
				out.mismatch = true
				out.movement, err = s.failTx(ctx, tx, record, domain.DetailAmountMismatch, now)
				return err
			}

			won, err := s.repo.Settle(ctx, tx, record.ID, path, now)
			if err != nil {
				return err
			}
			if !won {
				return s.repo.MarkObserved(ctx, tx, record.ID, path, now)
			}
			out.won = true
			out.movement, err = s.ledger.ApplyTx(ctx, tx, ledgerdomain.ApplyRequest{
				CustomerID:        record.OwnerID,
				Amount:            record.Amount(),
				Kind:              ledgerdomain.MovementKindRecharge,
				ExternalReference: record.ExternalReference,
			})
			return err
		})
		return out, err
	})
	if err != nil {
		return domain.SettleResult{}, err
	}
	if res.movement != nil {
		s.ledger.Committed(ctx, res.movement)
	}

	if res.mismatch {
		s.obsMetrics.RecordSettlement(ctx, string(path), "amount_mismatch")
		log.Warn("settlement amount does not match the recorded amount, record failed")
		return domain.SettleResult{}, domain.ErrAmountMismatch
	}

	if res.won {
		s.obsMetrics.RecordSettlement(ctx, string(path), "won")
		log.Info("reconciliation record settled")
	} else {
		s.obsMetrics.RecordSettlement(ctx, string(path), "observed")
		log.Info("reconciliation record already settled by another path")
	}

	if err := s.Complete(ctx, reference); err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		log.Warn("inline completion failed, sweeper will finalize", zap.Error(err))
	}

	record, err := s.repo.FindByReference(ctx, s.db, reference)
	if err != nil {
		return domain.SettleResult{}, err
	}
	return domain.SettleResult{Record: record, Won: res.won}, nil
}

// Complete finalizes a settled record. Completing an already completed record is a no-op.
func (s *Service) Complete(ctx context.Context, reference string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.ErrInvalidReference
	}
	return retry.Do(ctx, s.retry, s.log, "reconciliation.complete", func(ctx context.Context) error {
		record, err := s.repo.FindByReference(ctx, s.db, reference)
		if err != nil {
			return err
		}
		if record == nil {
			return domain.ErrNotFound
		}
		return s.complete(ctx, record)
	})
}

func (s *Service) complete(ctx context.Context, record *domain.Record) error {
	switch {
	case record.State == domain.StateCompleted:
		return nil
	case !record.State.Settled():
		return domain.ErrInvalidTransition
	}
	if _, err := s.repo.Complete(ctx, s.db, record.ID, s.clock.Now()); err != nil {
		return err
	}
	return nil
}

// Fail moves a non-terminal record to failed. A settled record gets a compensating refund.
func (s *Service) Fail(ctx context.Context, reference, detail string) error {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.ErrInvalidReference
	}
	detail = strings.TrimSpace(detail)
	if detail == "" {
		detail = "failed"
	}
	log := s.log.With(zap.String("external_reference", reference))

	var refund *ledgerdomain.Movement
	err := retry.Do(ctx, s.retry, log, "reconciliation.fail", func(ctx context.Context) error {
		refund = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			record, err := s.repo.FindByReference(ctx, tx, reference)
			if err != nil {
				return err
			}
			if record == nil {
				return domain.ErrNotFound
			}
			refund, err = s.failTx(ctx, tx, record, detail, s.clock.Now())
			return err
		})
	})
	if err != nil {
		return err
	}
	if refund != nil {
		s.ledger.Committed(ctx, refund)
		logger.WithOwner(s.log, refund.CustomerID).Warn("settled record failed, compensating refund applied",
			zap.String("external_reference", reference),
			zap.String("detail", detail),
		)
	}
	return nil
}

// failTx returns the compensating refund applied inside tx, if any.
func (s *Service) failTx(ctx context.Context, tx *gorm.DB, record *domain.Record, detail string, at time.Time) (*ledgerdomain.Movement, error) {
	switch record.State {
	case domain.StateFailed:
		return nil, nil
	case domain.StateCompleted:
		return nil, domain.ErrInvalidTransition
	}

	updated, err := s.repo.Fail(ctx, tx, record.ID, record.State, detail, at)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, fmt.Errorf("%w: record %s changed state concurrently", domain.ErrInvalidTransition, record.ExternalReference)
	}
	if !record.State.Settled() {
		return nil, nil
	}

	return s.ledger.ApplyTx(ctx, tx, ledgerdomain.ApplyRequest{
		CustomerID:        record.OwnerID,
		Amount:            record.Amount().Neg(),
		Kind:              ledgerdomain.MovementKindRefund,
		ExternalReference: record.ExternalReference,
	})
}

func (s *Service) Get(ctx context.Context, reference, ownerID string) (*domain.Record, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, domain.ErrInvalidReference
	}
	record, err := s.repo.FindByReference(ctx, s.db, reference)
	if err != nil {
		return nil, err
	}
	if record == nil || record.OwnerID != strings.TrimSpace(ownerID) {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

// FinalizePending completes settled records whose inline completion did not land.
func (s *Service) FinalizePending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	records, err := s.repo.ListSettled(ctx, s.db, s.clock.Now().Add(-finalizeGrace), limit)
	if err != nil {
		return 0, err
	}

	finalized := 0
	var errs []error
	for i := range records {
		record := &records[i]
		err := retry.Do(ctx, s.retry, s.log, "reconciliation.finalize", func(ctx context.Context) error {
			return s.complete(ctx, record)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("reconciliation record %s: %w", record.ExternalReference, err))
			continue
		}
		finalized++
	}
	if finalized > 0 {
		s.log.Info("finalized settled reconciliation records", zap.Int("count", finalized))
	}
	return finalized, errors.Join(errs...)
}
