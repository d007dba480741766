package config

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/subathon/internal/currency"
	"github.com/roach88/subathon/internal/ir"
)

//go:embed schema.cue
var schemaSource string

// Validation error codes (E200-E299)
const (
	ErrCodeCUE              = "E200" // CUE parse or unification failure
	ErrCodeDuration         = "E201" // unparseable or negative duration
	ErrCodeCurrency         = "E202" // unknown ISO 4217 code
	ErrCodeUnknownKind      = "E203" // value row names an unknown or unpriced kind
	ErrCodeAliasCollision   = "E204" // two commands share an alias on a platform
	ErrCodeInvalidPrefix    = "E205" // trigger prefix contains whitespace
	ErrCodeInvalidRate      = "E206" // static rate is not a positive decimal
	ErrCodeDuplicateValue   = "E207" // two value rows share (kind, tier)
	ErrCodeInvalidHypeTrain = "E208" // hype train duration is not positive
)

// ValidationError is one problem found in a configuration document.
type ValidationError struct {
	Field   string    `json:"field"`
	Message string    `json:"message"`
	Code    string    `json:"code"`
	Pos     token.Pos `json:"-"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("[%s] %s:%d:%d: %s: %s",
			e.Code, e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every problem in a document.
type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	switch len(errs) {
	case 0:
		return "no errors"
	case 1:
		return errs[0].Error()
	}
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Sprintf("%d configuration errors:\n  %s", len(errs), strings.Join(msgs, "\n  "))
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data, path)
}

// Default returns the configuration an empty document produces.
func Default() *Config {
	cfg, err := Parse(nil, "default.cue")
	if err != nil {
		panic(fmt.Sprintf("config: embedded defaults invalid: %v", err))
	}
	return cfg
}

// Parse unifies data with the schema, decodes it and validates the result.
// Errors are returned as ValidationErrors.
func Parse(data []byte, filename string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	doc := ctx.CompileBytes(data, cue.Filename(filename))
	if err := doc.Err(); err != nil {
		return nil, cueErrors(err)
	}

	v := schema.LookupPath(cue.ParsePath("#Config")).Unify(doc)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return nil, cueErrors(err)
	}

	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return nil, cueErrors(err)
	}

	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// cueErrors converts CUE errors, keeping the position of each.
func cueErrors(err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Field:   "cue",
			Message: e.Error(),
			Code:    ErrCodeCUE,
		}
		if path := e.Path(); len(path) > 0 {
			ve.Field = strings.Join(path, ".")
		}
		if positions := errors.Positions(e); len(positions) > 0 {
			ve.Pos = positions[0]
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{Field: "cue", Message: err.Error(), Code: ErrCodeCUE})
	}
	return out
}

// Validate checks a decoded configuration and fills its parsed fields.
// Returns all errors found (does not fail-fast).
func Validate(cfg *Config) ValidationErrors {
	var errs ValidationErrors

	if strings.ContainsAny(cfg.TriggerPrefix, " \t\r\n") {
		errs = append(errs, ValidationError{
			Field:   "trigger_prefix",
			Message: fmt.Sprintf("must not contain whitespace: %q", cfg.TriggerPrefix),
			Code:    ErrCodeInvalidPrefix,
		})
	}

	cfg.Currency = currency.NormalizeCode(cfg.Currency)
	if !currency.IsISOCode(cfg.Currency) {
		errs = append(errs, ValidationError{
			Field:   "currency",
			Message: fmt.Sprintf("unknown ISO 4217 code %q", cfg.Currency),
			Code:    ErrCodeCurrency,
		})
	}

	var err *ValidationError
	if cfg.dedupWindow, err = parseDuration("engagement_dedup_window", cfg.EngagementDedupWindow); err != nil {
		errs = append(errs, *err)
	}
	if cfg.conversionTimeout, err = parseDuration("conversion_timeout", cfg.ConversionTimeout); err != nil {
		errs = append(errs, *err)
	}
	if _, err = parseDuration("rates.ttl", cfg.Rates.TTL); err != nil {
		errs = append(errs, *err)
	}
	if _, err = parseDuration("rates.breaker_open_for", cfg.Rates.BreakerOpenFor); err != nil {
		errs = append(errs, *err)
	}
	if d, err := parseDuration("rates.refresh_interval", cfg.Rates.RefreshInterval); err != nil {
		errs = append(errs, *err)
	} else if d == 0 {
		errs = append(errs, ValidationError{Field: "rates.refresh_interval", Message: "must be positive", Code: ErrCodeDuration})
	}

	if cfg.HypeTrain.Duration != "" {
		d, perr := time.ParseDuration(cfg.HypeTrain.Duration)
		if perr != nil || d <= 0 {
			errs = append(errs, ValidationError{
				Field:   "hype_train.duration",
				Message: fmt.Sprintf("must be a positive duration, got %q", cfg.HypeTrain.Duration),
				Code:    ErrCodeInvalidHypeTrain,
			})
		}
	}

	errs = append(errs, validateValues(cfg)...)
	errs = append(errs, validateRates(cfg)...)
	errs = append(errs, validateAliases(cfg)...)

	return errs
}

func parseDuration(field, s string) (time.Duration, *ValidationError) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, &ValidationError{Field: field, Message: err.Error(), Code: ErrCodeDuration}
	}
	if d < 0 {
		return 0, &ValidationError{Field: field, Message: "must not be negative", Code: ErrCodeDuration}
	}
	return d, nil
}

func validateValues(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	seen := make(map[string]int)
	for i, row := range cfg.Values {
		kind, ok := ir.ParseKind(row.Kind)
		info, _ := kind.Info()
		if !ok || !info.Valued {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("values[%d].kind", i),
				Message: fmt.Sprintf("%q is not a priced event kind", row.Kind),
				Code:    ErrCodeUnknownKind,
			})
			continue
		}
		key := string(kind) + "/" + strings.TrimSpace(row.Tier)
		if prev, dup := seen[key]; dup {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("values[%d]", i),
				Message: fmt.Sprintf("duplicate of values[%d] (%s tier %q)", prev, kind, row.Tier),
				Code:    ErrCodeDuplicateValue,
			})
			continue
		}
		seen[key] = i
	}
	return errs
}

func validateRates(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	if cfg.Rates.Base != "" && !currency.IsISOCode(cfg.Rates.Base) {
		errs = append(errs, ValidationError{
			Field:   "rates.base",
			Message: fmt.Sprintf("unknown ISO 4217 code %q", cfg.Rates.Base),
			Code:    ErrCodeCurrency,
		})
	}
	for code, s := range cfg.Rates.Static {
		if !currency.IsISOCode(code) {
			errs = append(errs, ValidationError{
				Field:   "rates.static." + code,
				Message: fmt.Sprintf("unknown ISO 4217 code %q", code),
				Code:    ErrCodeCurrency,
			})
			continue
		}
		if _, err := currency.ParseAmount(s); err != nil {
			errs = append(errs, ValidationError{
				Field:   "rates.static." + code,
				Message: err.Error(),
				Code:    ErrCodeInvalidRate,
			})
		}
	}
	return errs
}

// validateAliases rejects two command types resolving to the same alias on
// the same platform, including the platform-less default.
func validateAliases(cfg *Config) ValidationErrors {
	var errs ValidationErrors
	platforms := append([]string{""}, cfg.Platforms()...)
	for _, platform := range platforms {
		owner := make(map[string]ir.CommandType)
		for _, t := range ir.AllCommandTypes() {
			alias := cfg.Alias(t, platform)
			if other, taken := owner[alias]; taken {
				where := "default"
				if platform != "" {
					where = "platform " + platform
				}
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("commands.%s", t),
					Message: fmt.Sprintf("alias %q already used by %s (%s)", alias, other, where),
					Code:    ErrCodeAliasCollision,
				})
				continue
			}
			owner[alias] = t
		}
	}
	return errs
}
