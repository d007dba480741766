package harness

import (
	"strconv"

	"github.com/roach88/subathon/internal/engine"
	"github.com/roach88/subathon/internal/ir"
)

// TraceEvent is what one step did, plus the run totals after it.
type TraceEvent struct {
	Step int    `json:"step"`
	Op   string `json:"op"`

	// Outcome of event and command steps.
	ID        string `json:"id,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Command   string `json:"command,omitempty"`
	Value     string `json:"value,omitempty"`
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate"`
	Reason    string `json:"reason,omitempty"`
	Seq       int64  `json:"seq"`
	Ms        int64  `json:"ms"`
	Points    int64  `json:"points"`
	Money     string `json:"money,omitempty"`

	// Rejected is the interpreter rejection when a command never became
	// a record.
	Rejected string `json:"rejected,omitempty"`

	// Reversed lists record IDs undone by reverse steps.
	Reversed []string `json:"reversed,omitempty"`

	// Duration is the argument of tick and wait steps.
	Duration string `json:"duration,omitempty"`

	// Error is set when the step returned an error.
	Error string `json:"error,omitempty"`

	// Totals after the step.
	Remaining   string `json:"remaining"`
	TotalPoints int64  `json:"total_points"`
	TotalMoney  string `json:"total_money"`
	Multiplier  string `json:"multiplier"`
	Locked      bool   `json:"locked"`
}

func (e *TraceEvent) setOutcome(out engine.Outcome) {
	rec := out.Record
	e.ID = rec.ID
	e.Kind = string(rec.Kind)
	e.Command = string(rec.CommandType)
	e.Value = rec.RawValue
	e.Applied = out.Applied
	e.Duplicate = out.Duplicate
	e.Reason = string(out.Reason)
	if out.Applied {
		e.Seq = rec.Seq
		e.Ms = rec.MillisecondsApplied
		e.Points = rec.PointsApplied
		e.Money = rec.MoneyApplied.String()
	}
}

func (e *TraceEvent) setTotals(st ir.SubathonState) {
	e.Remaining = st.Remaining().String()
	e.TotalPoints = st.Points
	e.TotalMoney = st.MoneyTotal.String()
	e.Multiplier = formatFactor(st.Multiplier.Factor)
	e.Locked = st.IsLocked
}

// Fields returns the event as a map for canonical serialization and
// subset matching. Empty optional fields are omitted.
func (e TraceEvent) Fields() map[string]any {
	m := map[string]any{
		"step":         e.Step,
		"op":           e.Op,
		"remaining":    e.Remaining,
		"total_points": e.TotalPoints,
		"total_money":  e.TotalMoney,
		"multiplier":   e.Multiplier,
		"locked":       e.Locked,
	}
	switch e.Op {
	case OpEvent, OpCommand:
		if e.Rejected != "" {
			m["rejected"] = e.Rejected
			break
		}
		m["id"] = e.ID
		m["kind"] = e.Kind
		m["applied"] = e.Applied
		m["duplicate"] = e.Duplicate
		m["seq"] = e.Seq
		m["ms"] = e.Ms
		m["points"] = e.Points
		if e.Command != "" {
			m["command"] = e.Command
		}
		if e.Reason != "" {
			m["reason"] = e.Reason
		}
		if e.Money != "" {
			m["money"] = e.Money
		}
	case OpReverse, OpUndoSimulated:
		reversed := make([]any, len(e.Reversed))
		for i, id := range e.Reversed {
			reversed[i] = id
		}
		m["reversed"] = reversed
	case OpTick, OpWait:
		m["duration"] = e.Duration
	}
	if e.Error != "" {
		m["error"] = e.Error
	}
	return m
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	// Trace has one event per step, in order.
	Trace []TraceEvent `json:"trace"`

	// Errors lists failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`

	// State is the run after the last step.
	State ir.SubathonState `json:"state"`

	// Ledger is the run's event records after the last step.
	Ledger []ir.EventRecord `json:"ledger"`

	// Audit compares the ledger with the totals.
	Audit engine.AuditReport `json:"audit"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func formatFactor(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
