package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/events"
	ledgerdomain "github.com/smallbiznis/meterline/internal/ledger/domain"
	"github.com/smallbiznis/meterline/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	"github.com/smallbiznis/meterline/pkg/db"
	"github.com/smallbiznis/meterline/pkg/db/pagination"
	"github.com/smallbiznis/meterline/pkg/money"
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
	Cfg        config.Config
	Outbox     *events.Outbox      `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	outbox     *events.Outbox
	obsMetrics *obsmetrics.Metrics

	currency     string
	lowThreshold int64
	retry        retry.Policy
}

func NewService(p Params) ledgerdomain.Service {
	currency := strings.ToUpper(strings.TrimSpace(p.Cfg.Currency))
	if currency == "" {
		currency = "EUR"
	}
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("ledger.service"),
		genID:        p.GenID,
		outbox:       p.Outbox,
		obsMetrics:   p.ObsMetrics,
		currency:     currency,
		lowThreshold: p.Cfg.Ledger.LowBalanceThresholdMinor,
		retry:        retry.FromConfig(p.Cfg.Retry, db.IsRetryable),
	}
}

func (s *Service) Apply(ctx context.Context, req ledgerdomain.ApplyRequest) (*ledgerdomain.Movement, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	var movement *ledgerdomain.Movement
	err := retry.Do(ctx, s.retry, s.log, "ledger.apply", func(ctx context.Context) error {
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			m, err := s.apply(ctx, tx, req)
			if err != nil {
				return err
			}
			movement = m
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.afterCommit(ctx, movement)
	return movement, nil
}

func (s *Service) ApplyTx(ctx context.Context, tx *gorm.DB, req ledgerdomain.ApplyRequest) (*ledgerdomain.Movement, error) {
	if tx == nil {
		return nil, events.ErrMissingTransaction
	}
	if err := validate(&req); err != nil {
		return nil, err
	}
	return s.apply(ctx, tx, req)
}

func (s *Service) Committed(ctx context.Context, m *ledgerdomain.Movement) {
	s.afterCommit(ctx, m)
}

func (s *Service) apply(ctx context.Context, tx *gorm.DB, req ledgerdomain.ApplyRequest) (*ledgerdomain.Movement, error) {
	now := time.Now().UTC()
	amountMinor := money.ToMinor(req.Amount)

	if err := tx.WithContext(ctx).Exec(
		`INSERT INTO account_balances (customer_id, current_balance_minor, currency, last_updated)
		 VALUES (?, 0, ?, ?)
		 ON CONFLICT (customer_id) DO NOTHING`,
		req.CustomerID,
		s.currency,
		now,
	).Error; err != nil {
		return nil, err
	}

	if req.Kind == ledgerdomain.MovementKindConsumption {
		var recorded []bool
		if err := tx.WithContext(ctx).Raw(
			`SELECT consumption_recorded FROM resource_uses WHERE id = ?`,
			req.RelatedResourceID,
		).Scan(&recorded).Error; err != nil {
			return nil, err
		}
		if len(recorded) == 0 || !recorded[0] {
			return nil, ledgerdomain.ErrConsumptionNotRecorded
		}
	}

	// The increment takes the balance row lock, which serializes movements per customer.
	if err := tx.WithContext(ctx).Exec(
		`UPDATE account_balances
		 SET current_balance_minor = current_balance_minor + ?, last_updated = ?
		 WHERE customer_id = ?`,
		amountMinor,
		now,
		req.CustomerID,
	).Error; err != nil {
		return nil, err
	}

	var balanceAfter int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT current_balance_minor FROM account_balances WHERE customer_id = ?`,
		req.CustomerID,
	).Scan(&balanceAfter).Error; err != nil {
		return nil, err
	}

	movement := &ledgerdomain.Movement{
		ID:                s.genID.Generate(),
		CustomerID:        req.CustomerID,
		AmountMinor:       amountMinor,
		Kind:              req.Kind,
		BalanceAfterMinor: balanceAfter,
		CreatedAt:         now,
	}
	if ref := strings.TrimSpace(req.ExternalReference); ref != "" {
		movement.ExternalReference = &ref
	}
	if req.RelatedResourceID != 0 {
		related := req.RelatedResourceID
		movement.RelatedResourceID = &related
	}

	res := tx.WithContext(ctx).Exec(
		`INSERT INTO ledger_movements (
			id, customer_id, amount_minor, kind, external_reference,
			related_resource_id, balance_after_minor, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		movement.ID,
		movement.CustomerID,
		movement.AmountMinor,
		string(movement.Kind),
		movement.ExternalReference,
		movement.RelatedResourceID,
		movement.BalanceAfterMinor,
		movement.CreatedAt,
	)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ledgerdomain.ErrDuplicateMovement
	}

	if s.isLow(movement) {
		if err := s.publishLowBalance(ctx, tx, movement); err != nil {
			return nil, err
		}
	}
	return movement, nil
}

func (s *Service) isLow(m *ledgerdomain.Movement) bool {
	if m.AmountMinor >= 0 {
		return false
	}
	return m.BalanceAfterMinor < 0 || m.BalanceAfterMinor <= s.lowThreshold
}

func (s *Service) publishLowBalance(ctx context.Context, tx *gorm.DB, m *ledgerdomain.Movement) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.PublishTx(ctx, tx, events.Event{
		OwnerID: m.CustomerID,
		Type:    events.EventBalanceLow,
		Payload: events.LowBalancePayload{
			CustomerID:   m.CustomerID,
			MovementID:   m.ID.String(),
			BalanceMinor: m.BalanceAfterMinor,
			Threshold:    s.lowThreshold,
			Currency:     s.currency,
		}.ToMap(),
		DedupeKey: events.LowBalanceDedupeKey(m.CustomerID, m.ID.String()),
	})
}

func (s *Service) afterCommit(ctx context.Context, m *ledgerdomain.Movement) {
	if m == nil {
		return
	}
	s.obsMetrics.RecordLedgerMovement(ctx, string(m.Kind))

	log := logger.WithOwner(logger.WithContext(ctx, s.log), m.CustomerID)
	log.Info("ledger movement applied",
		zap.String("movement_id", m.ID.String()),
		zap.String("kind", string(m.Kind)),
		zap.String("amount", money.String(m.Amount())),
		zap.String("balance_after", money.String(m.BalanceAfter())),
	)
	if s.isLow(m) {
		s.obsMetrics.RecordLowBalance(ctx)
		log.Warn("customer balance low",
			zap.String("balance", money.String(m.BalanceAfter())),
			zap.Int64("threshold_minor", s.lowThreshold),
		)
	}
}

type balanceRow struct {
	CustomerID          string
	CurrentBalanceMinor int64
	Currency            string
	LastUpdated         time.Time
}

func (s *Service) Balance(ctx context.Context, customerID string) (ledgerdomain.Balance, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return ledgerdomain.Balance{}, ledgerdomain.ErrInvalidCustomer
	}

	var row balanceRow
	if err := s.db.WithContext(ctx).Raw(
		`SELECT customer_id, current_balance_minor, currency, last_updated
		 FROM account_balances
		 WHERE customer_id = ?`,
		customerID,
	).Scan(&row).Error; err != nil {
		return ledgerdomain.Balance{}, err
	}
	if row.CustomerID == "" {
		return ledgerdomain.Balance{CustomerID: customerID, Amount: money.FromMinor(0), Currency: s.currency}, nil
	}
	updated := row.LastUpdated
	return ledgerdomain.Balance{
		CustomerID:  row.CustomerID,
		Amount:      money.FromMinor(row.CurrentBalanceMinor),
		Currency:    row.Currency,
		LastUpdated: &updated,
	}, nil
}

func (s *Service) Movements(ctx context.Context, req ledgerdomain.MovementsRequest) (ledgerdomain.MovementsPage, error) {
	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		return ledgerdomain.MovementsPage{}, ledgerdomain.ErrInvalidCustomer
	}
	cursor, err := pagination.DecodeCursor(req.PageToken)
	if err != nil {
		return ledgerdomain.MovementsPage{}, err
	}
	var before int64
	if cursor != nil {
		before, err = strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return ledgerdomain.MovementsPage{}, pagination.ErrInvalidPageToken
		}
	}
	limit := req.Limit()

	var rows []ledgerdomain.Movement
	if err := s.db.WithContext(ctx).Raw(
		`SELECT id, customer_id, amount_minor, kind, external_reference,
			related_resource_id, balance_after_minor, created_at
		 FROM ledger_movements
		 WHERE customer_id = ? AND (? = 0 OR id < ?)
		 ORDER BY id DESC
		 LIMIT ?`,
		customerID,
		before,
		before,
		limit+1,
	).Scan(&rows).Error; err != nil {
		return ledgerdomain.MovementsPage{}, err
	}

	page, info := pagination.Trim(rows, limit, func(m ledgerdomain.Movement) string {
		return m.ID.String()
	})
	return ledgerdomain.MovementsPage{PageInfo: info, Movements: page}, nil
}

func (s *Service) Verify(ctx context.Context, customerID string) (ledgerdomain.Verification, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return ledgerdomain.Verification{}, ledgerdomain.ErrInvalidCustomer
	}

	result := ledgerdomain.Verification{CustomerID: customerID}
	var balances []int64
	if err := s.db.WithContext(ctx).Raw(
		`SELECT current_balance_minor FROM account_balances WHERE customer_id = ?`,
		customerID,
	).Scan(&balances).Error; err != nil {
		return result, err
	}
	if len(balances) > 0 {
		result.BalanceMinor = balances[0]
	}

	var sums struct {
		Total int64
		Count int64
	}
	if err := s.db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount_minor), 0) AS total, COUNT(*) AS count
		 FROM ledger_movements
		 WHERE customer_id = ?`,
		customerID,
	).Scan(&sums).Error; err != nil {
		return result, err
	}
	result.MovementMinor = sums.Total
	result.Movements = sums.Count

	if !result.Consistent() {
		s.log.Error("ledger balance does not match movements",
			zap.String("customer_id", customerID),
			zap.Int64("balance_minor", result.BalanceMinor),
			zap.Int64("movement_minor", result.MovementMinor),
		)
		return result, ledgerdomain.ErrBalanceMismatch
	}
	return result, nil
}

func validate(req *ledgerdomain.ApplyRequest) error {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	if req.CustomerID == "" {
		return ledgerdomain.ErrInvalidCustomer
	}

	minor := money.ToMinor(req.Amount)
	switch req.Kind {
	case ledgerdomain.MovementKindRecharge:
		if minor <= 0 {
			return ledgerdomain.ErrInvalidAmount
		}
	case ledgerdomain.MovementKindConsumption:
		if minor >= 0 {
			return ledgerdomain.ErrInvalidAmount
		}
		if req.RelatedResourceID == 0 {
			return ledgerdomain.ErrConsumptionNotRecorded
		}
	case ledgerdomain.MovementKindRefund:
		if minor == 0 {
			return ledgerdomain.ErrInvalidAmount
		}
	default:
		return ledgerdomain.ErrInvalidKind
	}
	return nil
}
