package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/meterline/internal/pricing/domain"
	ratingdomain "github.com/smallbiznis/meterline/internal/rating/domain"
	ratingservice "github.com/smallbiznis/meterline/internal/rating/service"
	"github.com/smallbiznis/meterline/internal/usage/domain"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/money"
	"github.com/smallbiznis/meterline/pkg/retry"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const hangupTimeout = 5 * time.Second

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Cfg        config.Config
	Repo       domain.Repository
	Dispatcher domain.Dispatcher
	Pricing    pricingdomain.Service
	Rating     ratingdomain.Service
	Ledger     ledgerdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       domain.Repository
	dispatcher domain.Dispatcher
	pricing    pricingdomain.Service
	rating     ratingdomain.Service
	ledger     ledgerdomain.Service
	obsMetrics *obsmetrics.Metrics

	staleThreshold time.Duration
	billPartial    bool
	callerID       string
	storeRetry     retry.Policy
	dispatchRetry  retry.Policy
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	stale := p.Cfg.Lifecycle.StaleThreshold
	if stale <= 0 {
		stale = 2 * time.Hour
	}
	return &Service{
		db:             p.DB,
		log:            p.Log.Named("usage.service"),
		genID:          p.GenID,
		clock:          clk,
		repo:           p.Repo,
		dispatcher:     p.Dispatcher,
		pricing:        p.Pricing,
		rating:         p.Rating,
		ledger:         p.Ledger,
		obsMetrics:     p.ObsMetrics,
		staleThreshold: stale,
		billPartial:    p.Cfg.Lifecycle.BillPartialFailures,
		callerID:       strings.TrimSpace(p.Cfg.Carrier.CallerID),
		storeRetry:     retry.FromConfig(p.Cfg.Retry, db.IsRetryable),
		dispatchRetry: retry.FromConfig(p.Cfg.Retry, func(err error) bool {
			return !errors.Is(err, domain.ErrDispatchRejected)
		}),
	}
}

func (s *Service) Start(ctx context.Context, req domain.StartRequest) (*domain.ResourceUse, error) {
	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		return nil, domain.ErrInvalidOwner
	}
	kind, ok := domain.ParseKind(req.Kind)
	if !ok {
		return nil, domain.ErrInvalidKind
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		return nil, domain.ErrInvalidTarget
	}
	resourceRef := strings.TrimSpace(req.ResourceRef)
	if resourceRef == "" {
		resourceRef = s.callerID
	}

	log := logger.WithOwner(logger.WithContext(ctx, s.log), ownerID).With(zap.String("kind", string(kind)))

	balance, err := s.ledger.Balance(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if !balance.Amount.IsPositive() {
		log.Info("resource start refused, balance exhausted", zap.String("balance", money.String(balance.Amount)))
		return nil, domain.ErrInsufficientBalance
	}

	unitCost := decimal.Zero
	rate, err := s.pricing.LookupRate(ctx, string(kind), target)
	switch {
	case err == nil:
		unitCost = rate.CostPerUnit
	case errors.Is(err, pricingdomain.ErrRateNotFound):
		log.Warn("no carrier rate for destination, minimum charge will apply", zap.String("target", target))
		s.obsMetrics.RecordPricingAnomaly(ctx, "rate_missing")
	default:
		return nil, err
	}

	now := s.clock.Now()
	use := &domain.ResourceUse{
		ID:            s.genID.Generate(),
		OwnerID:       ownerID,
		Kind:          kind,
		ResourceRef:   resourceRef,
		Target:        target,
		State:         domain.StateInitiating,
		UnitCost:      unitCost.String(),
		StartedAt:     now,
		LastHeartbeat: &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, use); err != nil {
		return nil, err
	}
	log = log.With(zap.String("resource_use_id", use.ID.String()))

	correlationID, err := retry.DoValue(ctx, s.dispatchRetry, log, "usage.dispatch", func(ctx context.Context) (string, error) {
		return s.dispatcher.Dispatch(ctx, domain.DispatchRequest{
			UseID: use.ID,
			Kind:  kind,
			From:  resourceRef,
			To:    target,
		})
	})
	if err != nil {
		log.Error("carrier dispatch failed", zap.Error(err))
		settled, settleErr := s.repo.Settle(ctx, s.db, domain.Settlement{
			ID:      use.ID,
			State:   domain.StateFailed,
			EndedAt: s.clock.Now(),
			Note:    domain.NoteDispatchFailed,
		})
		if settleErr != nil {
			log.Error("failed to record dispatch failure", zap.Error(settleErr))
		} else if settled {
			s.obsMetrics.RecordResourceTransition(ctx, string(kind), string(domain.StateFailed))
		}
		return nil, fmt.Errorf("%w: %w", domain.ErrDispatchFailed, err)
	}

	state := domain.StateInitiating
	if !kind.HasRingPhase() {
		state = domain.StateInProgress
	}
	dispatchedAt := s.clock.Now()
	updated, err := s.repo.SetDispatched(ctx, s.db, use.ID, correlationID, state, dispatchedAt)
	if err != nil {
		return nil, err
	}
	if !updated {
		return s.dispatchOvertaken(ctx, log, use.ID, correlationID)
	}
	use.ProviderCorrelationID = &correlationID
	use.State = state
	use.LastHeartbeat = &dispatchedAt
	use.UpdatedAt = dispatchedAt

	s.obsMetrics.RecordResourceTransition(ctx, string(kind), string(state))
	log.Info("resource use started", zap.String("correlation_id", correlationID), zap.String("state", string(state)))
	return use, nil
}

// dispatchOvertaken handles a use that left initiating while the dispatch was in flight,
// through an early callback or a user cancel. The stored row is authoritative.
func (s *Service) dispatchOvertaken(ctx context.Context, log *zap.Logger, id snowflake.ID, correlationID string) (*domain.ResourceUse, error) {
	if _, err := s.repo.AttachCorrelation(ctx, s.db, id, correlationID, s.clock.Now()); err != nil {
		return nil, err
	}
	stored, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, domain.ErrNotFound
	}
	log.Info("resource use changed during dispatch",
		zap.String("correlation_id", correlationID),
		zap.String("state", string(stored.State)),
	)
	if stored.Kind == domain.KindCall && stored.State == domain.StateCancelled && endedByUser(stored) {
		s.hangup(ctx, stored)
	}
	return stored, nil
}

func endedByUser(use *domain.ResourceUse) bool {
	return use.Note != nil && *use.Note == domain.NoteUserEnded
}

func (s *Service) Get(ctx context.Context, id snowflake.ID, ownerID string) (*domain.ResourceUse, error) {
	use, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	if use == nil || use.OwnerID != strings.TrimSpace(ownerID) {
		return nil, domain.ErrNotFound
	}
	return use, nil
}

func (s *Service) RecordProgress(ctx context.Context, report domain.ProgressReport) (domain.Transition, error) {
	use, err := s.byCorrelation(ctx, report.CorrelationID, report.UseID)
	if err != nil {
		return domain.Transition{}, err
	}
	if use.State.Terminal() {
		return domain.Transition{State: use.State}, nil
	}

	updated, err := s.repo.MarkInProgress(ctx, s.db, use.ID, report.Answered, s.clock.Now())
	if err != nil {
		return domain.Transition{}, err
	}
	if updated && use.State != domain.StateInProgress {
		s.obsMetrics.RecordResourceTransition(ctx, string(use.Kind), string(domain.StateInProgress))
	}
	return domain.Transition{Applied: updated, State: domain.StateInProgress}, nil
}

func (s *Service) Heartbeat(ctx context.Context, correlationID string, useID snowflake.ID) (bool, error) {
	use, err := s.byCorrelation(ctx, correlationID, useID)
	if err != nil {
		return false, err
	}
	return s.repo.TouchHeartbeat(ctx, s.db, use.ID, s.clock.Now())
}

// RecordCompletion bills the provider-reported usage exactly once. Later deliveries are no-ops.
func (s *Service) RecordCompletion(ctx context.Context, report domain.CompletionReport) (domain.Transition, error) {
	use, err := s.byCorrelation(ctx, report.CorrelationID, report.UseID)
	if err != nil {
		return domain.Transition{}, err
	}
	if use.State.Terminal() {
		return domain.Transition{State: use.State}, nil
	}
	quantity, _ := ratingservice.Quantity(string(use.Kind), report.DurationSeconds, report.Segments)
	return s.settle(ctx, use, domain.StateCompleted, quantity, "")
}

func (s *Service) RecordFailure(ctx context.Context, report domain.FailureReport) (domain.Transition, error) {
	use, err := s.byCorrelation(ctx, report.CorrelationID, report.UseID)
	if err != nil {
		return domain.Transition{}, err
	}
	if use.State.Terminal() {
		return domain.Transition{State: use.State}, nil
	}

	state := domain.StateFailed
	note := strings.TrimSpace(report.Status)
	if report.Cancelled {
		state = domain.StateCancelled
		note = domain.NoteProviderCancel
	}
	var quantity int64
	if s.billPartial && report.DurationSeconds > 0 {
		quantity, _ = ratingservice.Quantity(string(use.Kind), report.DurationSeconds, 0)
	}
	return s.settle(ctx, use, state, quantity, note)
}

// End cancels a live resource on behalf of its owner. An answered call is billed for the
// time elapsed since answer; a call that never connected is not billed.
func (s *Service) End(ctx context.Context, id snowflake.ID, ownerID string) (domain.Transition, error) {
	use, err := s.Get(ctx, id, ownerID)
	if err != nil {
		return domain.Transition{}, err
	}
	if use.State.Terminal() {
		return domain.Transition{State: use.State}, nil
	}

	var quantity int64
	switch {
	case use.State != domain.StateInProgress:
	case use.Kind == domain.KindCall:
		if use.AnsweredAt != nil {
			elapsed := int64(s.clock.Now().Sub(*use.AnsweredAt).Seconds())
			quantity, _ = ratingservice.Quantity(string(use.Kind), elapsed, 0)
		}
	default:
		quantity, _ = ratingservice.Quantity(string(use.Kind), 0, 1)
	}

	transition, err := s.settle(ctx, use, domain.StateCancelled, quantity, domain.NoteUserEnded)
	if err != nil {
		return domain.Transition{}, err
	}
	if transition.Applied && use.Kind == domain.KindCall {
		if use.CorrelationID() == "" {
			// The dispatch may have stored the correlation id after the read above.
			if stored, err := s.repo.FindByID(ctx, s.db, use.ID); err == nil && stored != nil {
				use = stored
			}
		}
		if use.CorrelationID() != "" {
			s.hangup(ctx, use)
		}
	}
	return transition, nil
}

func (s *Service) hangup(ctx context.Context, use *domain.ResourceUse) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), hangupTimeout)
	defer cancel()
	if err := s.dispatcher.Hangup(hctx, use.CorrelationID()); err != nil {
		s.log.Warn("carrier hangup failed",
			zap.String("resource_use_id", use.ID.String()),
			zap.String("correlation_id", use.CorrelationID()),
			zap.Error(err),
		)
	}
}

// SweepStale forces live resources without a recent heartbeat to failed. They are never billed.
func (s *Service) SweepStale(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	now := s.clock.Now()
	cutoff := now.Add(-s.staleThreshold)

	stale, err := s.repo.ListStale(ctx, s.db, cutoff, limit)
	if err != nil {
		return 0, err
	}

	swept := 0
	var errs []error
	for _, use := range stale {
		note := fmt.Sprintf("%s since %s", domain.NoteStale, lastSeen(use).Format(time.RFC3339))
		updated, err := s.repo.MarkStale(ctx, s.db, use.ID, cutoff, note, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("resource use %s: %w", use.ID, err))
			continue
		}
		if !updated {
			continue
		}
		swept++
		s.obsMetrics.RecordResourceTransition(ctx, string(use.Kind), string(domain.StateFailed))
		logger.WithOwner(s.log, use.OwnerID).Warn("stale resource use forced to failed",
			zap.String("resource_use_id", use.ID.String()),
			zap.String("correlation_id", use.CorrelationID()),
			zap.String("state", string(use.State)),
			zap.Time("last_seen", lastSeen(use)),
		)
	}
	return swept, errors.Join(errs...)
}

func (s *Service) settle(ctx context.Context, use *domain.ResourceUse, state domain.State, quantity int64, note string) (domain.Transition, error) {
	log := logger.WithOwner(logger.WithContext(ctx, s.log), use.OwnerID).With(
		zap.String("resource_use_id", use.ID.String()),
		zap.String("kind", string(use.Kind)),
	)

	var quote ratingdomain.Quote
	if quantity > 0 {
		q, err := s.rating.Price(ctx, ratingdomain.PriceRequest{
			ProviderCost: use.UnitCostDecimal(),
			MarginKey:    pricingdomain.MarginKey(string(use.Kind)),
			MinimumKey:   pricingdomain.MinimumKey(string(use.Kind)),
			Unit:         ratingservice.UnitFor(string(use.Kind)),
			Quantity:     quantity,
		})
		if err != nil {
			return domain.Transition{}, err
		}
		quote = q
	}
	billed := quote.Billable()
	costMinor := money.ToMinor(quote.Amount)

	transition := domain.Transition{State: state, Quantity: quantity}
	var movement *ledgerdomain.Movement
	err := retry.Do(ctx, s.storeRetry, log, "usage.settle", func(ctx context.Context) error {
		transition.Applied = false
		transition.MovementID = 0
		movement = nil
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			updated, err := s.repo.Settle(ctx, tx, domain.Settlement{
				ID:            use.ID,
				State:         state,
				DurationUnits: quantity,
				CostMinor:     costMinor,
				Billed:        billed,
				EndedAt:       s.clock.Now(),
				Note:          note,
			})
			if err != nil {
				return err
			}
			if !updated {
				return nil
			}
			transition.Applied = true
			if !billed {
				return nil
			}

			m, err := s.ledger.ApplyTx(ctx, tx, ledgerdomain.ApplyRequest{
				CustomerID:        use.OwnerID,
				Amount:            quote.Amount.Neg(),
				Kind:              ledgerdomain.MovementKindConsumption,
				RelatedResourceID: use.ID,
			})
			if err != nil {
				return err
			}
			movement = m
			transition.MovementID = m.ID
			return nil
		})
	})
	if err != nil {
		return domain.Transition{}, err
	}

	if !transition.Applied {
		log.Info("resource use already settled, transition ignored", zap.String("requested_state", string(state)))
		return transition, nil
	}
	if movement != nil {
		s.ledger.Committed(ctx, movement)
	}
	if billed {
		transition.Amount = quote.Amount
	}
	s.obsMetrics.RecordResourceTransition(ctx, string(use.Kind), string(state))
	log.Info("resource use settled",
		zap.String("state", string(state)),
		zap.Int64("quantity", quantity),
		zap.String("amount", money.String(transition.Amount)),
		zap.Strings("defaulted_parameters", quote.Defaulted),
	)
	return transition, nil
}

func (s *Service) byCorrelation(ctx context.Context, correlationID string, useID snowflake.ID) (*domain.ResourceUse, error) {
	correlationID = strings.TrimSpace(correlationID)
	if correlationID == "" {
		return nil, domain.ErrInvalidCorrelation
	}
	use, err := s.repo.FindByCorrelation(ctx, s.db, correlationID)
	if err != nil {
		return nil, err
	}
	if use == nil && useID != 0 {
		use, err = s.claim(ctx, correlationID, useID)
		if err != nil {
			return nil, err
		}
	}
	if use == nil {
		logger.WithContext(ctx, s.log).Warn("callback for unknown resource", zap.String("correlation_id", correlationID))
		return nil, domain.ErrUnknownResource
	}
	return use, nil
}

// claim resolves a callback through the use id echoed on the callback URL. The use must not
// carry a different correlation id; when it carries none, the callback's id is stored.
func (s *Service) claim(ctx context.Context, correlationID string, useID snowflake.ID) (*domain.ResourceUse, error) {
	use, err := s.repo.FindByID(ctx, s.db, useID)
	if err != nil || use == nil {
		return nil, err
	}
	switch use.CorrelationID() {
	case correlationID:
		return use, nil
	case "":
	default:
		logger.WithContext(ctx, s.log).Warn("callback reference does not match resource correlation",
			zap.String("resource_use_id", useID.String()),
			zap.String("correlation_id", correlationID),
		)
		return nil, nil
	}
	if _, err := s.repo.AttachCorrelation(ctx, s.db, use.ID, correlationID, s.clock.Now()); err != nil {
		return nil, err
	}
	use.ProviderCorrelationID = &correlationID
	return use, nil
}

func lastSeen(use domain.ResourceUse) time.Time {
	if use.LastHeartbeat != nil {
		return *use.LastHeartbeat
	}
	return use.StartedAt
}
