package ir

import (
	"time"

	"github.com/shopspring/decimal"
)

// Multiplier is a temporary scaling factor applied to points and/or seconds
// contributed by subsequent events.
type Multiplier struct {
	Factor         float64        `json:"factor"`
	Duration       *time.Duration `json:"duration,omitempty"`   // nil = until stopped
	StartedAt      *time.Time     `json:"started_at,omitempty"` // nil when not running
	ApplyToPoints  bool           `json:"apply_to_points"`
	ApplyToSeconds bool           `json:"apply_to_seconds"`
	FromHypeTrain  bool           `json:"from_hype_train"`
	HypeTrainLevel int            `json:"hype_train_level"` // last seen level, 0 outside a train
}

// NoMultiplier returns the neutral multiplier.
func NoMultiplier() Multiplier {
	return Multiplier{Factor: 1}
}

// Running reports whether m scales anything at now.
// A multiplier whose duration has elapsed is expired and not running.
func (m Multiplier) Running(now time.Time) bool {
	if m.Factor == 1 {
		return false
	}
	return !m.Expired(now)
}

// Expired reports whether a time-bounded multiplier has elapsed at now.
func (m Multiplier) Expired(now time.Time) bool {
	if m.Duration == nil || m.StartedAt == nil {
		return false
	}
	return !now.Before(m.StartedAt.Add(*m.Duration))
}

// SubathonState is the single mutable row of a subathon run.
type SubathonState struct {
	ID                   string          `json:"id"`
	Active               bool            `json:"active"`
	IsPaused             bool            `json:"is_paused"`
	IsLocked             bool            `json:"is_locked"`
	IsReversed           bool            `json:"is_reversed"`
	MillisecondsBudget   int64           `json:"milliseconds_budget"`
	MillisecondsConsumed int64           `json:"milliseconds_consumed"`
	MillisecondsInitial  int64           `json:"milliseconds_initial"` // budget the run started with
	Points               int64           `json:"points"`
	CurrencyCode         string          `json:"currency_code"`
	MoneyTotal           decimal.Decimal `json:"money_total"`
	Multiplier           Multiplier      `json:"multiplier"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Remaining returns the time left on the timer, never negative.
func (s SubathonState) Remaining() time.Duration {
	ms := s.MillisecondsBudget - s.MillisecondsConsumed
	if ms < 0 {
		ms = 0
	}
	return time.Duration(ms) * time.Millisecond
}

// EventRecord is the immutable ledger entry for an event the engine applied.
//
// RawValue semantics depend on Kind: a tier code for sub-like kinds, a money
// amount for currency kinds, a duration or multiplier spec for commands, a
// phase for hype trains.
type EventRecord struct {
	ID           string      `json:"id"`
	RunID        string      `json:"run_id"`
	Seq          int64       `json:"seq"`
	Kind         EventKind   `json:"kind"`
	CommandType  CommandType `json:"command_type,omitempty"`
	Source       string      `json:"source"`
	User         string      `json:"user"`
	RawValue     string      `json:"raw_value"`
	CurrencyCode string      `json:"currency_code,omitempty"`
	UnitAmount   int64       `json:"unit_amount"`

	// Effect snapshot, exactly what was folded into state.
	MillisecondsApplied int64           `json:"milliseconds_applied"`
	PointsApplied       int64           `json:"points_applied"`
	MoneyApplied        decimal.Decimal `json:"money_applied"`
	WasReversed         bool            `json:"was_reversed"`
	MultiplierFactor    float64         `json:"multiplier_factor"`
	MultiplierPoints    bool            `json:"multiplier_points"`
	MultiplierSeconds   bool            `json:"multiplier_seconds"`

	AppliedToState bool      `json:"applied_to_state"`
	Simulated      bool      `json:"simulated"`
	EngagementKey  string    `json:"engagement_key,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	AppliedAt      time.Time `json:"applied_at"`
}

// Roles carries the chat role flags of a command issuer.
type Roles struct {
	Broadcaster bool `json:"broadcaster"`
	Mod         bool `json:"mod"`
	VIP         bool `json:"vip"`
}

// CommandRequest is a transient, parsed operator command.
type CommandRequest struct {
	CommandType  CommandType `json:"command_type"`
	Issuer       string      `json:"issuer"`
	Roles        Roles       `json:"roles"`
	ArgumentText string      `json:"argument_text"`
	Source       string      `json:"source"`
	Timestamp    time.Time   `json:"timestamp"`
}

// NormalizedEvent is what a platform adapter emits.
type NormalizedEvent struct {
	Kind         EventKind `json:"kind"`
	Source       string    `json:"source"`
	User         string    `json:"user"`
	RawValue     string    `json:"raw_value"`
	CurrencyCode string    `json:"currency_code,omitempty"`
	UnitAmount   int64     `json:"unit_amount,omitempty"`
	ExternalID   string    `json:"external_id,omitempty"`
	Simulated    bool      `json:"simulated,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Record converts the adapter event into an unapplied record.
// The engine assigns an ID when ExternalID is empty.
func (e NormalizedEvent) Record() EventRecord {
	return EventRecord{
		ID:           e.ExternalID,
		Kind:         e.Kind,
		Source:       e.Source,
		User:         e.User,
		RawValue:     e.RawValue,
		CurrencyCode: e.CurrencyCode,
		UnitAmount:   e.UnitAmount,
		Simulated:    e.Simulated,
		OccurredAt:   e.Timestamp,
	}
}
