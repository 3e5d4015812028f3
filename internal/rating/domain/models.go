package domain

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Unit is how a resource kind is counted for billing.
type Unit string

const (
	UnitMinute  Unit = "minute"
	UnitSegment Unit = "segment"
	UnitRental  Unit = "rental"
)

type PriceRequest struct {
	ProviderCost decimal.Decimal
	MarginKey    string
	MinimumKey   string
	Unit         Unit
	Quantity     int64
}

// Quote is a priced amount together with the parameters that produced it.
type Quote struct {
	Amount   decimal.Decimal
	Margin   decimal.Decimal
	Minimum  decimal.Decimal
	Quantity int64
	// Defaulted lists parameter keys that fell back to configured defaults.
	Defaulted []string
}

// Billable reports whether the quote should produce a ledger movement.
func (q Quote) Billable() bool {
	return q.Quantity > 0 && q.Amount.IsPositive()
}

type EstimateRequest struct {
	Kind        string
	Origin      string
	Destination string
	Quantity    int64
}

type Estimate struct {
	Quote
	Kind        string
	Destination string
	UnitCost    decimal.Decimal
	Unit        Unit
}

type Service interface {
	Price(ctx context.Context, req PriceRequest) (Quote, error)
	Estimate(ctx context.Context, req EstimateRequest) (Estimate, error)
}

var (
	ErrInvalidProviderCost = errors.New("invalid_provider_cost")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidKind         = errors.New("invalid_kind")
	ErrInvalidDestination  = errors.New("invalid_destination")
	ErrRateUnavailable     = errors.New("rate_unavailable")
)
