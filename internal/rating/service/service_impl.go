package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/config"
	obsmetrics "github.com/smallbiznis/meterline/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/meterline/internal/pricing/domain"
	"github.com/smallbiznis/meterline/internal/rating/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Pricing    pricingdomain.Service
	Defaults   *config.PricingDefaultsHolder
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	pricing    pricingdomain.Service
	defaults   *config.PricingDefaultsHolder
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		log:        p.Log.Named("rating.service"),
		pricing:    p.Pricing,
		defaults:   p.Defaults,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Price(ctx context.Context, req domain.PriceRequest) (domain.Quote, error) {
	if req.ProviderCost.IsNegative() {
		return domain.Quote{}, domain.ErrInvalidProviderCost
	}
	if req.Quantity < 0 {
		return domain.Quote{}, domain.ErrInvalidQuantity
	}

	quote := domain.Quote{Quantity: req.Quantity}

	margin, defaulted, err := s.parameter(ctx, req.MarginKey)
	if err != nil {
		return domain.Quote{}, err
	}
	if defaulted {
		quote.Defaulted = append(quote.Defaulted, req.MarginKey)
	}
	minimum, defaulted, err := s.parameter(ctx, req.MinimumKey)
	if err != nil {
		return domain.Quote{}, err
	}
	if defaulted {
		quote.Defaulted = append(quote.Defaulted, req.MinimumKey)
	}

	quote.Margin = margin
	quote.Minimum = minimum
	quote.Amount = Compute(req.ProviderCost, margin, req.Quantity, minimum)
	return quote, nil
}

func (s *Service) Estimate(ctx context.Context, req domain.EstimateRequest) (domain.Estimate, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if kind == "" {
		return domain.Estimate{}, domain.ErrInvalidKind
	}
	destination := strings.TrimSpace(req.Destination)
	if destination == "" {
		return domain.Estimate{}, domain.ErrInvalidDestination
	}
	quantity := req.Quantity
	if quantity <= 0 {
		quantity = 1
	}

	rate, err := s.pricing.LookupRate(ctx, kind, destination)
	if err != nil {
		if errors.Is(err, pricingdomain.ErrRateNotFound) {
			return domain.Estimate{}, domain.ErrRateUnavailable
		}
		return domain.Estimate{}, err
	}

	unit := UnitFor(kind)
	quote, err := s.Price(ctx, domain.PriceRequest{
		ProviderCost: rate.CostPerUnit,
		MarginKey:    pricingdomain.MarginKey(kind),
		MinimumKey:   pricingdomain.MinimumKey(kind),
		Unit:         unit,
		Quantity:     quantity,
	})
	if err != nil {
		return domain.Estimate{}, err
	}

	return domain.Estimate{
		Quote:       quote,
		Kind:        kind,
		Destination: destination,
		UnitCost:    rate.CostPerUnit,
		Unit:        unit,
	}, nil
}

// parameter reads a pricing value, falling back to the configured default when the key is
// absent. Fallbacks are configuration anomalies and are logged and counted.
func (s *Service) parameter(ctx context.Context, key string) (decimal.Decimal, bool, error) {
	value, err := s.pricing.Get(ctx, key)
	if err == nil {
		return value, false, nil
	}
	if !errors.Is(err, pricingdomain.ErrParameterNotFound) && !errors.Is(err, pricingdomain.ErrInvalidKey) {
		return decimal.Zero, false, err
	}

	fallback, known := s.defaults.Get().Lookup(key)
	reason := "parameter_missing"
	if !known {
		reason = "parameter_unknown"
	}
	s.log.Warn("pricing parameter missing, using default",
		zap.String("key", key),
		zap.String("default", fallback.String()),
		zap.String("reason", reason),
	)
	s.obsMetrics.RecordPricingAnomaly(ctx, reason)
	return fallback, true, nil
}
