package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/webhook/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByEventID(ctx context.Context, db *gorm.DB, eventID string) (*domain.EventRecord, error) {
	var item domain.EventRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, event_id, provider, payload_digest, attempt_count, completed,
			received_at, last_attempt_at, completed_at
		 FROM inbound_events
		 WHERE event_id = ?
		 LIMIT 1`,
		eventID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, rec *domain.EventRecord) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO inbound_events (
			id, event_id, provider, payload_digest, attempt_count, completed,
			received_at, last_attempt_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`,
		rec.ID,
		rec.EventID,
		rec.Provider,
		rec.PayloadDigest,
		rec.AttemptCount,
		rec.Completed,
		rec.ReceivedAt,
		rec.LastAttemptAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// TouchAttempt counts a redelivery of an event that has not completed yet.
func (r *repo) TouchAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET attempt_count = attempt_count + 1, last_attempt_at = ?
		 WHERE id = ? AND completed = ?`,
		at,
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) MarkCompleted(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE inbound_events
		 SET completed = ?, completed_at = ?
		 WHERE id = ? AND completed = ?`,
		true,
		at,
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
