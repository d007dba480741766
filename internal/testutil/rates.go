package testutil

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/roach88/subathon/internal/currency"
)

// FakeRates is a currency.Normalizer over a static USD-based table with
// failure injection and call counting.
type FakeRates struct {
	inner *currency.StaticRates

	mu    sync.Mutex
	err   error
	calls int
}

// NewFakeRates creates a table with USD as base. rates maps codes to units
// per USD, for example {"CAD": "1.25"}.
func NewFakeRates(rates map[string]string) *FakeRates {
	parsed := make(map[string]decimal.Decimal, len(rates))
	for code, r := range rates {
		parsed[code] = decimal.RequireFromString(r)
	}
	inner, err := currency.NewStaticRates("USD", parsed)
	if err != nil {
		panic(err)
	}
	return &FakeRates{inner: inner}
}

// Fail makes every following Convert return err. Nil restores conversion.
func (f *FakeRates) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times Convert was called.
func (f *FakeRates) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Convert implements currency.Normalizer.
func (f *FakeRates) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()

	if err != nil {
		return decimal.Zero, err
	}
	return f.inner.Convert(ctx, amount, from, to)
}

// IsValidCurrency implements currency.Normalizer.
func (f *FakeRates) IsValidCurrency(code string) bool {
	return f.inner.IsValidCurrency(code)
}

var _ currency.Normalizer = (*FakeRates)(nil)
