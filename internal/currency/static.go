package currency

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// StaticRates converts using a fixed rate table expressed as units of each
// currency per one unit of Base. The table can be swapped at runtime.
type StaticRates struct {
	mu    sync.RWMutex
	base  string
	rates map[string]decimal.Decimal
}

// NewStaticRates creates a rate table. The base currency always has rate 1.
// Codes that are not ISO 4217 or have a non-positive rate are rejected.
func NewStaticRates(base string, rates map[string]decimal.Decimal) (*StaticRates, error) {
	s := &StaticRates{}
	if err := s.Replace(base, rates); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace swaps the whole table.
func (s *StaticRates) Replace(base string, rates map[string]decimal.Decimal) error {
	base = NormalizeCode(base)
	if !IsISOCode(base) {
		return fmt.Errorf("static rates: base %q: %w", base, ErrUnknownCurrency)
	}

	next := make(map[string]decimal.Decimal, len(rates)+1)
	for code, rate := range rates {
		code = NormalizeCode(code)
		if !IsISOCode(code) {
			return fmt.Errorf("static rates: %q: %w", code, ErrUnknownCurrency)
		}
		if !rate.IsPositive() {
			return fmt.Errorf("static rates: %s rate must be positive, got %s", code, rate)
		}
		next[code] = rate
	}
	next[base] = decimal.NewFromInt(1)

	s.mu.Lock()
	s.base = base
	s.rates = next
	s.mu.Unlock()
	return nil
}

// IsValidCurrency reports whether code is ISO 4217 and has a rate.
func (s *StaticRates) IsValidCurrency(code string) bool {
	code = NormalizeCode(code)
	if !IsISOCode(code) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rates[code]
	return ok
}

// Convert converts amount from one currency to another through the base,
// rounded to the target currency's minor unit.
func (s *StaticRates) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	from, to = NormalizeCode(from), NormalizeCode(to)

	s.mu.RLock()
	fromRate, okFrom := s.rates[from]
	toRate, okTo := s.rates[to]
	s.mu.RUnlock()

	return convertWith(amount, from, to, fromRate, okFrom, toRate, okTo)
}

func convertWith(amount decimal.Decimal, from, to string, fromRate decimal.Decimal, okFrom bool, toRate decimal.Decimal, okTo bool) (decimal.Decimal, error) {
	if from == to {
		if !okFrom && !IsISOCode(from) {
			return decimal.Zero, fmt.Errorf("convert %s: %w", from, ErrUnknownCurrency)
		}
		return amount, nil
	}
	if !okFrom {
		return decimal.Zero, fmt.Errorf("convert from %s: %w", from, ErrUnknownCurrency)
	}
	if !okTo {
		return decimal.Zero, fmt.Errorf("convert to %s: %w", to, ErrUnknownCurrency)
	}

	inBase := amount.DivRound(fromRate, 12)
	return Round(inBase.Mul(toRate), to), nil
}
