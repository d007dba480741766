// Package currency converts money between currency codes for the engine.
//
// The engine only sees the Normalizer interface. Rate sources (StaticRates,
// HTTPRates) are wrapped in a Guard that bounds every conversion with a
// timeout and a circuit breaker; a failed conversion rejects the donation
// rather than applying an unconverted amount.
package currency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	xcurrency "golang.org/x/text/currency"
)

// ErrUnknownCurrency is returned when a code is not a known ISO 4217 code or
// the rate source has no rate for it.
var ErrUnknownCurrency = errors.New("unknown currency")

// Normalizer converts amounts between currency codes.
type Normalizer interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
	IsValidCurrency(code string) bool
}

// NormalizeCode upper-cases and trims a currency code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsISOCode reports whether code parses as an ISO 4217 currency.
func IsISOCode(code string) bool {
	code = NormalizeCode(code)
	if len(code) != 3 {
		return false
	}
	_, err := xcurrency.ParseISO(code)
	return err == nil
}

// Round rounds amount to the standard minor unit of code (2 places for USD,
// 0 for JPY). Unknown codes round to 2 places.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	unit, err := xcurrency.ParseISO(NormalizeCode(code))
	if err != nil {
		return amount.Round(2)
	}
	scale, _ := xcurrency.Standard.Rounding(unit)
	return amount.Round(int32(scale))
}

// ParseAmount parses a positive decimal money amount.
func ParseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("parse amount %q: must be positive", s)
	}
	return d, nil
}
