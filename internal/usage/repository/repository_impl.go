package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const selectColumns = `SELECT id, owner_id, kind, resource_ref, target, state, provider_correlation_id,
	unit_cost, duration_units, cost_minor, consumption_recorded, started_at, answered_at,
	ended_at, last_heartbeat, note, created_at, updated_at
 FROM resource_uses`

var liveStates = []string{string(domain.StateInitiating), string(domain.StateInProgress)}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, use *domain.ResourceUse) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO resource_uses (
			id, owner_id, kind, resource_ref, target, state, unit_cost,
			consumption_recorded, started_at, last_heartbeat, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		use.ID,
		use.OwnerID,
		string(use.Kind),
		use.ResourceRef,
		use.Target,
		string(use.State),
		use.UnitCost,
		false,
		use.StartedAt,
		use.LastHeartbeat,
		use.CreatedAt,
		use.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.ResourceUse, error) {
	return r.findOne(ctx, db, selectColumns+` WHERE id = ? LIMIT 1`, id)
}

func (r *repo) FindByCorrelation(ctx context.Context, db *gorm.DB, correlationID string) (*domain.ResourceUse, error) {
	return r.findOne(ctx, db, selectColumns+` WHERE provider_correlation_id = ? LIMIT 1`, correlationID)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.ResourceUse, error) {
	var item domain.ResourceUse
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&item).Error; err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

// SetDispatched records the carrier correlation id and the post-dispatch state. It only
// applies while the use is still initiating; a callback or user cancel may have moved it.
func (r *repo) SetDispatched(ctx context.Context, db *gorm.DB, id snowflake.ID, correlationID string, state domain.State, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE resource_uses
		 SET provider_correlation_id = COALESCE(provider_correlation_id, ?), state = ?, last_heartbeat = ?, updated_at = ?
		 WHERE id = ? AND state = ?`,
		correlationID,
		string(state),
		at,
		at,
		id,
		string(domain.StateInitiating),
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AttachCorrelation stores the correlation id on a use that has none yet, whatever its state.
func (r *repo) AttachCorrelation(ctx context.Context, db *gorm.DB, id snowflake.ID, correlationID string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE resource_uses
		 SET provider_correlation_id = ?, updated_at = ?
		 WHERE id = ? AND provider_correlation_id IS NULL`,
		correlationID,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkInProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, answered bool, at time.Time) (bool, error) {
	var answeredAt *time.Time
	if answered {
		answeredAt = &at
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE resource_uses
		 SET state = ?, answered_at = COALESCE(answered_at, ?), last_heartbeat = ?, updated_at = ?
		 WHERE id = ? AND state IN ?`,
		string(domain.StateInProgress),
		answeredAt,
		at,
		at,
		id,
		liveStates,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) TouchHeartbeat(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE resource_uses
		 SET last_heartbeat = ?, updated_at = ?
		 WHERE id = ? AND state IN ?`,
		at,
		at,
		id,
		liveStates,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Settle moves a live resource to a terminal state. Only the first caller wins.
func (r *repo) Settle(ctx context.Context, db *gorm.DB, s domain.Settlement) (bool, error) {
	var note *string
	if s.Note != "" {
		note = &s.Note
	}
	var cost *int64
	if s.Billed {
		cost = &s.CostMinor
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE resource_uses
		 SET state = ?, duration_units = ?, cost_minor = ?, consumption_recorded = ?,
			ended_at = ?, note = COALESCE(?, note), updated_at = ?
		 WHERE id = ? AND consumption_recorded = ? AND state IN ?`,
		string(s.State),
		s.DurationUnits,
		cost,
		s.Billed,
		s.EndedAt,
		note,
		s.EndedAt,
		s.ID,
		false,
		liveStates,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.ResourceUse, error) {
	var items []domain.ResourceUse
	err := db.WithContext(ctx).Raw(
		selectColumns+`
		 WHERE state IN ? AND COALESCE(last_heartbeat, started_at) < ?
		 ORDER BY COALESCE(last_heartbeat, started_at) ASC
		 LIMIT ?`,
		liveStates,
		cutoff,
		limit,
	).Scan(&items).Error
	return items, err
}

func (r *repo) MarkStale(ctx context.Context, db *gorm.DB, id snowflake.ID, cutoff time.Time, note string, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE resource_uses
		 SET state = ?, note = ?, ended_at = ?, updated_at = ?
		 WHERE id = ? AND state IN ? AND COALESCE(last_heartbeat, started_at) < ?`,
		string(domain.StateFailed),
		note,
		at,
		at,
		id,
		liveStates,
		cutoff,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
