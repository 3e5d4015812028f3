package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/cache"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	parameterTTL = 30 * time.Second
	rateTTL      = 5 * time.Minute
	rateCacheMax = 4096
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	repo  domain.Repository

	params cache.Cache[string, decimal.Decimal]
	rates  *expirable.LRU[string, domain.Rate]
}

func NewService(p Params) domain.Service {
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("pricing.service"),
		genID:  p.GenID,
		repo:   p.Repo,
		params: cache.NewTTLCache[string, decimal.Decimal](),
		rates:  expirable.NewLRU[string, domain.Rate](rateCacheMax, nil, rateTTL),
	}
}

func (s *Service) Get(ctx context.Context, key string) (decimal.Decimal, error) {
	key = normalizeKey(key)
	if key == "" {
		return decimal.Zero, domain.ErrInvalidKey
	}
	if value, ok := s.params.Get(key); ok {
		return value, nil
	}

	param, err := s.repo.GetParameter(ctx, s.db, key)
	if err != nil {
		return decimal.Zero, err
	}
	if param == nil {
		return decimal.Zero, domain.ErrParameterNotFound
	}
	s.params.Set(key, param.Value, parameterTTL)
	return param.Value, nil
}

func (s *Service) Set(ctx context.Context, key string, value decimal.Decimal, description string) error {
	key = normalizeKey(key)
	if key == "" {
		return domain.ErrInvalidKey
	}
	if value.IsNegative() {
		return domain.ErrInvalidValue
	}

	err := s.repo.UpsertParameter(ctx, s.db, domain.Parameter{
		Key:         key,
		Value:       value,
		Description: strings.TrimSpace(description),
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	s.params.Delete(key)
	s.log.Info("pricing parameter updated", zap.String("key", key), zap.String("value", value.String()))
	return nil
}

// SeedDefaults inserts default parameters that are not present yet. Existing rows are left untouched.
func (s *Service) SeedDefaults(ctx context.Context, defaults config.PricingDefaults) (int, error) {
	now := time.Now().UTC()
	seeded := 0
	for key, raw := range defaults.Entries() {
		value, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return seeded, domain.ErrInvalidValue
		}
		inserted, err := s.repo.InsertParameterIfAbsent(ctx, s.db, domain.Parameter{
			Key:         normalizeKey(key),
			Value:       value,
			Description: "default",
			UpdatedAt:   now,
		})
		if err != nil {
			return seeded, err
		}
		if inserted {
			seeded++
		}
	}
	if seeded > 0 {
		s.log.Info("pricing defaults seeded", zap.Int("count", seeded))
	}
	return seeded, nil
}

func (s *Service) LookupRate(ctx context.Context, kind, destination string) (domain.Rate, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	destination = normalizeDestination(destination)
	if kind == "" {
		return domain.Rate{}, domain.ErrInvalidKind
	}

	cacheKey := kind + "|" + destination
	if rate, ok := s.rates.Get(cacheKey); ok {
		return rate, nil
	}

	rate, err := s.repo.MatchRate(ctx, s.db, kind, destination)
	if err != nil {
		return domain.Rate{}, err
	}
	if rate == nil {
		return domain.Rate{}, domain.ErrRateNotFound
	}
	s.rates.Add(cacheKey, *rate)
	return *rate, nil
}

func (s *Service) UpsertRate(ctx context.Context, kind, prefix string, costPerUnit decimal.Decimal) error {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" {
		return domain.ErrInvalidKind
	}
	if costPerUnit.IsNegative() {
		return domain.ErrInvalidValue
	}

	err := s.repo.UpsertRate(ctx, s.db, domain.Rate{
		ID:          s.genID.Generate(),
		Kind:        kind,
		Prefix:      normalizeDestination(prefix),
		CostPerUnit: costPerUnit,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	s.rates.Purge()
	return nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func normalizeDestination(raw string) string {
	return strings.TrimPrefix(strings.TrimSpace(raw), "+")
}
