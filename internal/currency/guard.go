package currency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrUnavailable wraps conversions refused because the breaker is open.
var ErrUnavailable = errors.New("currency conversion unavailable")

// GuardConfig configures a Guard.
type GuardConfig struct {
	// Timeout bounds a single conversion. Zero means 5s.
	Timeout time.Duration
	// FailureThreshold consecutive failures open the breaker. Zero means 5.
	FailureThreshold uint32
	// OpenFor is how long the breaker stays open before probing. Zero means 30s.
	OpenFor time.Duration
}

// Guard bounds a Normalizer with a per-call timeout and a circuit breaker.
// Unknown currencies are caller errors and do not count toward tripping.
type Guard struct {
	inner   Normalizer
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker[decimal.Decimal]
}

// NewGuard wraps inner.
func NewGuard(inner Normalizer, cfg GuardConfig) *Guard {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "currency",
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnknownCurrency)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit breaker state changed",
				"event", "breaker_state",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
		},
	}

	return &Guard{
		inner:   inner,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker[decimal.Decimal](settings),
	}
}

// State returns the breaker state for status output.
func (g *Guard) State() string {
	return g.cb.State().String()
}

// IsValidCurrency delegates to the wrapped normalizer.
func (g *Guard) IsValidCurrency(code string) bool {
	return g.inner.IsValidCurrency(code)
}

type convertResult struct {
	amount decimal.Decimal
	err    error
}

// Convert runs the wrapped conversion under the breaker. The call returns when
// the timeout fires even if the wrapped normalizer ignores its context.
func (g *Guard) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if NormalizeCode(from) == NormalizeCode(to) {
		return amount, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out, err := g.cb.Execute(func() (decimal.Decimal, error) {
		ch := make(chan convertResult, 1)
		go func() {
			v, err := g.inner.Convert(ctx, amount, from, to)
			ch <- convertResult{amount: v, err: err}
		}()

		select {
		case r := <-ch:
			return r.amount, r.err
		case <-ctx.Done():
			return decimal.Zero, fmt.Errorf("convert %s to %s: %w", from, to, ctx.Err())
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, err
}
