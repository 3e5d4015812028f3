// Package money converts between decimal amounts and the integer minor units stored in the ledger.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Scale is the number of fractional digits every stored amount carries.
const Scale = 2

var ErrInvalidAmount = errors.New("invalid_amount")

// Round rounds half away from zero to Scale digits.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Scale)
}

// ToMinor converts an amount to minor units after rounding.
func ToMinor(d decimal.Decimal) int64 {
	return Round(d).Shift(Scale).IntPart()
}

func FromMinor(minor int64) decimal.Decimal {
	return decimal.New(minor, -Scale)
}

// Parse reads a decimal string such as "12.50".
func Parse(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// String formats an amount with exactly Scale digits.
func String(d decimal.Decimal) string {
	return d.StringFixed(Scale)
}
