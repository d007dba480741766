// Package config loads the subathon configuration.
//
// Configuration is a CUE document unified with the embedded #Config schema
// (schema.cue), which supplies defaults and rejects unknown fields. The
// decoded document is then checked for the things CUE cannot express:
// duration syntax, ISO currency codes, known event kinds, and alias
// collisions between commands.
package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/subathon/internal/currency"
	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/values"
)

// Config is the decoded configuration document.
type Config struct {
	TriggerPrefix         string             `json:"trigger_prefix"`
	Currency              string             `json:"currency"`
	EngagementDedupWindow string             `json:"engagement_dedup_window"`
	ConversionTimeout     string             `json:"conversion_timeout"`
	Commands              map[string]Command `json:"commands"`
	Values                []ValueRow         `json:"values"`
	HypeTrain             HypeTrain          `json:"hype_train"`
	Rates                 Rates              `json:"rates"`

	// Parsed forms, filled by Validate.
	dedupWindow       time.Duration
	conversionTimeout time.Duration
}

// Command configures one command type.
type Command struct {
	Name          string            `json:"name,omitempty"`
	PlatformNames map[string]string `json:"platform_names,omitempty"`
	Permissions   Permissions       `json:"permissions"`
}

// Permissions lists who besides the broadcaster may run a command.
type Permissions struct {
	Mods      bool     `json:"mods"`
	VIPs      bool     `json:"vips"`
	Whitelist []string `json:"whitelist"`
}

// ValueRow is one Value Table row.
type ValueRow struct {
	Kind    string  `json:"kind"`
	Tier    string  `json:"tier"`
	Seconds float64 `json:"seconds"`
	Points  float64 `json:"points"`
}

// HypeTrain configures the multiplier a hype train grants.
type HypeTrain struct {
	StartFactor  float64 `json:"start_factor"`
	LevelStep    float64 `json:"level_step"`
	ApplyPoints  bool    `json:"apply_points"`
	ApplySeconds bool    `json:"apply_seconds"`
	Duration     string  `json:"duration,omitempty"`
}

// FactorAt returns the multiplier factor for a hype train level (1-based).
func (h HypeTrain) FactorAt(level int) float64 {
	if level < 1 {
		level = 1
	}
	return h.StartFactor + h.LevelStep*float64(level-1)
}

// DurationValue returns the parsed duration, or nil when the multiplier
// lasts until the train ends.
func (h HypeTrain) DurationValue() *time.Duration {
	if h.Duration == "" {
		return nil
	}
	d, err := time.ParseDuration(h.Duration)
	if err != nil || d <= 0 {
		return nil
	}
	return &d
}

// Rates configures currency conversion.
type Rates struct {
	Base            string            `json:"base,omitempty"`
	Static          map[string]string `json:"static,omitempty"`
	URL             string            `json:"url,omitempty"`
	TTL             string            `json:"ttl"`
	RefreshInterval string            `json:"refresh_interval"`
	BreakerFailures uint32            `json:"breaker_failures"`
	BreakerOpenFor  string            `json:"breaker_open_for"`
}

// DedupWindow is the engagement dedup window. Zero disables engagement dedup.
func (c *Config) DedupWindow() time.Duration {
	return c.dedupWindow
}

// ConversionTimeoutValue bounds a single currency conversion.
func (c *Config) ConversionTimeoutValue() time.Duration {
	return c.conversionTimeout
}

// CommandFor returns the settings for t with the default alias applied.
func (c *Config) CommandFor(t ir.CommandType) Command {
	cmd := c.Commands[string(t)]
	if cmd.Name == "" {
		cmd.Name = strings.ToLower(string(t))
	}
	return cmd
}

// Alias returns the alias for t on platform, preferring a platform override.
func (c *Config) Alias(t ir.CommandType, platform string) string {
	cmd := c.CommandFor(t)
	if name, ok := lookupFold(cmd.PlatformNames, platform); ok {
		return strings.ToLower(name)
	}
	return strings.ToLower(cmd.Name)
}

func lookupFold(m map[string]string, key string) (string, bool) {
	if v, ok := m[key]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

// Platforms returns every platform named in a command override, sorted.
func (c *Config) Platforms() []string {
	seen := make(map[string]bool)
	for _, cmd := range c.Commands {
		for p := range cmd.PlatformNames {
			seen[strings.ToLower(p)] = true
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// ValueTable builds a Value Table from the configured rows.
func (c *Config) ValueTable() *values.Table {
	rows := make([]values.Row, 0, len(c.Values))
	for _, r := range c.Values {
		rows = append(rows, values.Row{
			Key:   values.Key{Kind: ir.EventKind(strings.ToLower(r.Kind)), Tier: r.Tier},
			Value: values.Value{SecondsPerUnit: r.Seconds, PointsPerUnit: r.Points},
		})
	}
	return values.New(rows...)
}

// Normalizer builds the configured currency normalizer wrapped in a Guard.
// With a rates URL the table is fetched over HTTP; otherwise the static table
// is used, with the run currency as base when none is given.
func (c *Config) Normalizer() (*currency.Guard, error) {
	guardCfg := currency.GuardConfig{
		Timeout:          c.conversionTimeout,
		FailureThreshold: c.Rates.BreakerFailures,
	}
	if d, err := time.ParseDuration(c.Rates.BreakerOpenFor); err == nil {
		guardCfg.OpenFor = d
	}

	if c.Rates.URL != "" {
		ttl, err := time.ParseDuration(c.Rates.TTL)
		if err != nil {
			return nil, fmt.Errorf("parse rates ttl: %w", err)
		}
		every, err := time.ParseDuration(c.Rates.RefreshInterval)
		if err != nil {
			return nil, fmt.Errorf("parse rates refresh interval: %w", err)
		}
		src := currency.NewHTTPRates(c.Rates.URL, currency.WithTTL(ttl), currency.WithRefreshInterval(every))
		return currency.NewGuard(src, guardCfg), nil
	}

	base := c.Rates.Base
	if base == "" {
		base = c.Currency
	}
	rates := make(map[string]decimal.Decimal, len(c.Rates.Static))
	for code, s := range c.Rates.Static {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("parse rate %s: %w", code, err)
		}
		rates[code] = d
	}
	static, err := currency.NewStaticRates(base, rates)
	if err != nil {
		return nil, fmt.Errorf("build static rates: %w", err)
	}
	return currency.NewGuard(static, guardCfg), nil
}
