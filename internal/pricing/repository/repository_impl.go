package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/pricing/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

type parameterRow struct {
	ParamKey    string
	Value       string
	Description *string
	UpdatedAt   time.Time
}

type rateRow struct {
	ID          snowflake.ID
	Kind        string
	Prefix      string
	CostPerUnit string
	UpdatedAt   time.Time
}

func (r *repo) GetParameter(ctx context.Context, db *gorm.DB, key string) (*domain.Parameter, error) {
	var row parameterRow
	err := db.WithContext(ctx).Raw(
		`SELECT param_key, value, description, updated_at
		 FROM pricing_parameters
		 WHERE param_key = ?
		 LIMIT 1`,
		key,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ParamKey == "" {
		return nil, nil
	}

	value, err := decimal.NewFromString(row.Value)
	if err != nil {
		return nil, fmt.Errorf("pricing parameter %s: %w", key, domain.ErrInvalidValue)
	}
	param := &domain.Parameter{Key: row.ParamKey, Value: value, UpdatedAt: row.UpdatedAt}
	if row.Description != nil {
		param.Description = *row.Description
	}
	return param, nil
}

func (r *repo) UpsertParameter(ctx context.Context, db *gorm.DB, p domain.Parameter) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO pricing_parameters (param_key, value, description, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (param_key) DO UPDATE
		 SET value = excluded.value, description = excluded.description, updated_at = excluded.updated_at`,
		p.Key,
		p.Value.String(),
		p.Description,
		p.UpdatedAt,
	).Error
}

func (r *repo) InsertParameterIfAbsent(ctx context.Context, db *gorm.DB, p domain.Parameter) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO pricing_parameters (param_key, value, description, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (param_key) DO NOTHING`,
		p.Key,
		p.Value.String(),
		p.Description,
		p.UpdatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MatchRate picks the longest prefix of destination configured for kind.
func (r *repo) MatchRate(ctx context.Context, db *gorm.DB, kind, destination string) (*domain.Rate, error) {
	var row rateRow
	err := db.WithContext(ctx).Raw(
		`SELECT id, kind, prefix, cost_per_unit, updated_at
		 FROM carrier_rates
		 WHERE kind = ? AND ? LIKE prefix || '%'
		 ORDER BY LENGTH(prefix) DESC
		 LIMIT 1`,
		kind,
		destination,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}

	cost, err := decimal.NewFromString(row.CostPerUnit)
	if err != nil {
		return nil, fmt.Errorf("carrier rate %s/%s: %w", kind, row.Prefix, domain.ErrInvalidValue)
	}
	return &domain.Rate{
		ID:          row.ID,
		Kind:        row.Kind,
		Prefix:      row.Prefix,
		CostPerUnit: cost,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}

func (r *repo) UpsertRate(ctx context.Context, db *gorm.DB, rate domain.Rate) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO carrier_rates (id, kind, prefix, cost_per_unit, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (kind, prefix) DO UPDATE
		 SET cost_per_unit = excluded.cost_per_unit, updated_at = excluded.updated_at`,
		rate.ID,
		rate.Kind,
		rate.Prefix,
		rate.CostPerUnit.String(),
		rate.UpdatedAt,
	).Error
}
