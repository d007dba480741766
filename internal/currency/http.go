package currency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrRefreshThrottled is returned when no table is cached and a refresh was
// attempted too recently.
var ErrRefreshThrottled = errors.New("rates refresh throttled")

// ratesDocument is the JSON shape served by a rates endpoint:
//
//	{"base": "USD", "rates": {"CAD": "1.36", "EUR": 0.92}}
type ratesDocument struct {
	Base  string                     `json:"base"`
	Rates map[string]decimal.Decimal `json:"rates"`
}

// HTTPRates fetches a rate table from an HTTP endpoint and caches it for TTL.
// Concurrent refreshes are collapsed into one request.
type HTTPRates struct {
	url    string
	client *http.Client
	ttl    time.Duration
	clock  clockwork.Clock

	group   singleflight.Group
	refresh *rate.Limiter

	mu        sync.RWMutex
	table     *StaticRates
	fetchedAt time.Time
}

// HTTPOption configures HTTPRates.
type HTTPOption func(*HTTPRates)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPRates) { h.client = c }
}

// WithTTL sets how long a fetched table is reused.
func WithTTL(ttl time.Duration) HTTPOption {
	return func(h *HTTPRates) { h.ttl = ttl }
}

// WithClock sets the clock used for cache expiry.
func WithClock(c clockwork.Clock) HTTPOption {
	return func(h *HTTPRates) { h.clock = c }
}

// WithRefreshInterval sets the minimum spacing between fetch attempts.
func WithRefreshInterval(d time.Duration) HTTPOption {
	return func(h *HTTPRates) { h.refresh = rate.NewLimiter(rate.Every(d), 1) }
}

// NewHTTPRates creates an HTTP-backed rate source. Nothing is fetched until
// the first conversion.
func NewHTTPRates(url string, opts ...HTTPOption) *HTTPRates {
	h := &HTTPRates{
		url:     url,
		client:  http.DefaultClient,
		ttl:     time.Hour,
		clock:   clockwork.NewRealClock(),
		refresh: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Convert converts through the cached table, refreshing it when stale.
func (h *HTTPRates) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	table, err := h.current(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return table.Convert(ctx, amount, from, to)
}

// IsValidCurrency checks the last fetched table. Before the first fetch only
// ISO validity is checked.
func (h *HTTPRates) IsValidCurrency(code string) bool {
	h.mu.RLock()
	table := h.table
	h.mu.RUnlock()
	if table == nil {
		return IsISOCode(code)
	}
	return table.IsValidCurrency(code)
}

func (h *HTTPRates) current(ctx context.Context) (*StaticRates, error) {
	h.mu.RLock()
	table, fetchedAt := h.table, h.fetchedAt
	h.mu.RUnlock()

	if table != nil && h.clock.Since(fetchedAt) < h.ttl {
		return table, nil
	}

	v, err, _ := h.group.Do(h.url, func() (any, error) {
		if !h.refresh.AllowN(h.clock.Now(), 1) {
			return nil, ErrRefreshThrottled
		}
		return h.fetch(ctx)
	})
	if err != nil {
		if table != nil && errors.Is(err, ErrRefreshThrottled) {
			return table, nil
		}
		if table != nil {
			slog.Warn("rate refresh failed, using stale table",
				"event", "rates_refresh_failed",
				"url", h.url,
				"age", h.clock.Since(fetchedAt).String(),
				"error", err)
			return table, nil
		}
		return nil, err
	}
	return v.(*StaticRates), nil
}

func (h *HTTPRates) fetch(ctx context.Context) (*StaticRates, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build rates request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch rates: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch rates: unexpected status %d", resp.StatusCode)
	}

	var doc ratesDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode rates: %w", err)
	}

	table, err := NewStaticRates(doc.Base, doc.Rates)
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}

	h.mu.Lock()
	h.table = table
	h.fetchedAt = h.clock.Now()
	h.mu.Unlock()

	slog.Debug("rates refreshed", "event", "rates_refreshed", "url", h.url, "base", doc.Base, "count", len(doc.Rates))
	return table, nil
}
