package service

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/meterline/internal/rating/domain"
	"github.com/smallbiznis/meterline/pkg/money"
)

// Compute applies the pricing rule: providerCost * (1 + margin) * quantity, rounded to the
// currency scale, never below minimum. A zero quantity is not billable and yields zero.
func Compute(providerCost, margin decimal.Decimal, quantity int64, minimum decimal.Decimal) decimal.Decimal {
	if quantity <= 0 {
		return decimal.Zero
	}
	raw := providerCost.
		Mul(decimal.NewFromInt(1).Add(margin)).
		Mul(decimal.NewFromInt(quantity))
	amount := money.Round(raw)
	if amount.LessThan(minimum) {
		return money.Round(minimum)
	}
	return amount
}

// Quantity converts a provider report into billed units.
// Calls bill started minutes (95s is 2), SMS bill per segment with at least one,
// verification numbers bill one unit per rental.
func Quantity(kind string, durationSeconds, segments int64) (int64, domain.Unit) {
	switch UnitFor(kind) {
	case domain.UnitMinute:
		if durationSeconds <= 0 {
			return 0, domain.UnitMinute
		}
		return (durationSeconds + 59) / 60, domain.UnitMinute
	case domain.UnitSegment:
		if segments < 1 {
			segments = 1
		}
		return segments, domain.UnitSegment
	default:
		return 1, domain.UnitRental
	}
}

func UnitFor(kind string) domain.Unit {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "call":
		return domain.UnitMinute
	case "sms":
		return domain.UnitSegment
	default:
		return domain.UnitRental
	}
}
