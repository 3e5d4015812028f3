package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/config"
	"gorm.io/gorm"
)

// Parameter is a named pricing value such as "margin.call".
type Parameter struct {
	Key         string
	Value       decimal.Decimal
	Description string
	UpdatedAt   time.Time
}

// Rate is the provider cost per billed unit for destinations starting with Prefix.
type Rate struct {
	ID          snowflake.ID
	Kind        string
	Prefix      string
	CostPerUnit decimal.Decimal
	UpdatedAt   time.Time
}

func MarginKey(kind string) string {
	return "margin." + strings.ToLower(strings.TrimSpace(kind))
}

func MinimumKey(kind string) string {
	return "minimum." + strings.ToLower(strings.TrimSpace(kind))
}

type Repository interface {
	GetParameter(ctx context.Context, db *gorm.DB, key string) (*Parameter, error)
	UpsertParameter(ctx context.Context, db *gorm.DB, p Parameter) error
	InsertParameterIfAbsent(ctx context.Context, db *gorm.DB, p Parameter) (bool, error)
	MatchRate(ctx context.Context, db *gorm.DB, kind, destination string) (*Rate, error)
	UpsertRate(ctx context.Context, db *gorm.DB, rate Rate) error
}

type Service interface {
	Get(ctx context.Context, key string) (decimal.Decimal, error)
	Set(ctx context.Context, key string, value decimal.Decimal, description string) error
	SeedDefaults(ctx context.Context, defaults config.PricingDefaults) (int, error)
	LookupRate(ctx context.Context, kind, destination string) (Rate, error)
	UpsertRate(ctx context.Context, kind, prefix string, costPerUnit decimal.Decimal) error
}

var (
	ErrParameterNotFound = errors.New("pricing_parameter_not_found")
	ErrRateNotFound      = errors.New("carrier_rate_not_found")
	ErrInvalidKey        = errors.New("invalid_pricing_key")
	ErrInvalidValue      = errors.New("invalid_pricing_value")
	ErrInvalidKind       = errors.New("invalid_kind")
)
