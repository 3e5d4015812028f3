package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/reconciliation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const selectColumns = `SELECT id, operation_type, external_reference, owner_id, amount_minor, state,
	settled_by, webhook_observed_at, user_observed_at, error_detail, created_at, updated_at, completed_at
 FROM reconciliation_records`

var settledStates = []string{string(domain.StateSettledByWebhook), string(domain.StateSettledByUser)}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rec *domain.Record) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO reconciliation_records (
			id, operation_type, external_reference, owner_id, amount_minor, state, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_reference) DO NOTHING`,
		rec.ID,
		rec.OperationType,
		rec.ExternalReference,
		rec.OwnerID,
		rec.AmountMinor,
		string(rec.State),
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindByReference(ctx context.Context, db *gorm.DB, reference string) (*domain.Record, error) {
	var item domain.Record
	if err := db.WithContext(ctx).Raw(
		selectColumns+` WHERE external_reference = ? LIMIT 1`,
		reference,
	).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// Settle moves an initiated record to settled_by_<path>. Exactly one caller wins.
func (r *repo) Settle(ctx context.Context, db *gorm.DB, id snowflake.ID, path domain.Path, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE reconciliation_records
		 SET state = ?, settled_by = ?, `+observedColumn(path)+` = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(path.SettledState()),
		string(path),
		at,
		at,
		id,
		string(domain.StateInitiated),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkObserved(ctx context.Context, db *gorm.DB, id snowflake.ID, path domain.Path, at time.Time) error {
	column := observedColumn(path)
	return db.WithContext(ctx).Exec(
		`UPDATE reconciliation_records
		 SET `+column+` = COALESCE(`+column+`, ?), updated_at = ?
		 WHERE id = ?`,
		at,
		at,
		id,
	).Error
}

func (r *repo) Complete(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE reconciliation_records
		 SET state = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND state IN ?`,
		string(domain.StateCompleted),
		at,
		at,
		id,
		settledStates,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) Fail(ctx context.Context, db *gorm.DB, id snowflake.ID, from domain.State, detail string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE reconciliation_records
		 SET state = ?, error_detail = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		string(domain.StateFailed),
		detail,
		at,
		id,
		string(from),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListSettled(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]domain.Record, error) {
	var items []domain.Record
	err := db.WithContext(ctx).Raw(
		selectColumns+`
		 WHERE state IN ? AND COALESCE(updated_at, created_at) <= ?
		 ORDER BY id ASC
		 LIMIT ?`,
		settledStates,
		before,
		limit,
	).Scan(&items).Error
	return items, err
}

func observedColumn(path domain.Path) string {
	if path == domain.PathWebhook {
		return "webhook_observed_at"
	}
	return "user_observed_at"
}
