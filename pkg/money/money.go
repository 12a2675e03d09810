// Package money holds fixed-point helpers around shopspring/decimal.
// Amounts never pass through float64.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// DefaultPlaces is the number of decimal places of the ledger's minimum currency unit
const DefaultPlaces int32 = 2

// Parse parses a decimal string amount and rejects negatives.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative amount %q", s)
	}
	return d, nil
}

// Floor rounds a non-negative amount down to the minimum currency unit.
func Floor(d decimal.Decimal, places int32) decimal.Decimal {
	return d.RoundFloor(places)
}

// ToUnits converts an amount into an integer count of minimum units, rounding down.
func ToUnits(d decimal.Decimal, places int32) int64 {
	return d.Shift(places).Floor().IntPart()
}

// FromUnits converts a count of minimum units back into an amount.
func FromUnits(units int64, places int32) decimal.Decimal {
	return decimal.New(units, -places)
}

// String renders an amount with exactly places decimals, the ledger wire format.
func String(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
