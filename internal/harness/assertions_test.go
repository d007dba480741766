package harness

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/subathon/internal/engine"
	"github.com/roach88/subathon/internal/ir"
)

func sampleTrace() []TraceEvent {
	return []TraceEvent{
		{Step: 0, Op: OpEvent, ID: "don-1", Kind: "donation", Applied: true, Seq: 1, Ms: 60000, Points: 5, Money: "5", Remaining: "1h1m0s", Multiplier: "1"},
		{Step: 1, Op: OpEvent, ID: "don-1", Kind: "donation", Duplicate: true, Reason: "duplicate_id", Remaining: "1h1m0s", Multiplier: "1"},
		{Step: 2, Op: OpCommand, Rejected: "not_permitted", Remaining: "1h1m0s", Multiplier: "1"},
		{Step: 3, Op: OpUndoSimulated, Reversed: []string{"sim-2", "sim-1"}, Remaining: "1h1m0s", Multiplier: "1"},
		{Step: 4, Op: OpTick, Duration: "1m0s", Remaining: "1h0m0s", Multiplier: "1"},
	}
}

func TestAssertTraceContains(t *testing.T) {
	tests := []struct {
		name  string
		match map[string]any
		found bool
	}{
		{"applied donation", map[string]any{"id": "don-1", "applied": true}, true},
		{"yaml int against int64", map[string]any{"points": 5}, true},
		{"duplicate reason", map[string]any{"reason": "duplicate_id"}, true},
		{"rejection", map[string]any{"op": "command", "rejected": "not_permitted"}, true},
		{"reversed list", map[string]any{"reversed": []any{"sim-2", "sim-1"}}, true},
		{"reversed list wrong order", map[string]any{"reversed": []any{"sim-1", "sim-2"}}, false},
		{"tick duration", map[string]any{"duration": "1m0s"}, true},
		{"wrong value", map[string]any{"id": "don-1", "points": 6}, false},
		{"field absent on op", map[string]any{"op": "tick", "id": "don-1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(sampleTrace(), Assertion{Type: AssertTraceContains, Match: tt.match})
			if tt.found {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestAssertTraceCount(t *testing.T) {
	trace := sampleTrace()

	assert.NoError(t, assertTraceCount(trace, Assertion{Match: map[string]any{"id": "don-1"}, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Match: map[string]any{"reason": "locked"}, Count: 0}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Count: 5}))

	err := assertTraceCount(trace, Assertion{Match: map[string]any{"applied": true}, Count: 2})
	require.Error(t, err)
	var aerr *AssertionError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, "1 events", aerr.Actual)
}

func TestAssertTraceOrder(t *testing.T) {
	ledger := []ir.EventRecord{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	assert.NoError(t, assertTraceOrder(ledger, Assertion{IDs: []string{"a", "c"}}))
	assert.NoError(t, assertTraceOrder(ledger, Assertion{IDs: []string{"a", "b", "c"}}))

	err := assertTraceOrder(ledger, Assertion{IDs: []string{"c", "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "c (pos 3) should be before a (pos 1)")

	err = assertTraceOrder(ledger, Assertion{IDs: []string{"a", "z"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing record: z")
}

func TestAssertFinalState(t *testing.T) {
	st := ir.SubathonState{
		MillisecondsBudget:   7_200_000,
		MillisecondsConsumed: 1_800_000,
		Points:               5,
		MoneyTotal:           decimal.RequireFromString("4.50"),
		CurrencyCode:         "USD",
		IsLocked:             true,
		Multiplier:           ir.Multiplier{Factor: 1.5, FromHypeTrain: true, HypeTrainLevel: 1},
	}

	tests := []struct {
		name    string
		expect  map[string]any
		wantErr string
	}{
		{name: "subset", expect: map[string]any{"points": 5, "locked": true}},
		{name: "remaining", expect: map[string]any{"remaining": "1h30m0s", "consumed": 1800000}},
		{name: "money trims zeros", expect: map[string]any{"money": "4.5", "currency": "USD"}},
		{name: "multiplier", expect: map[string]any{"multiplier": 1.5, "hype_level": 1}},
		{name: "mismatch", expect: map[string]any{"points": 6}, wantErr: `field "points" = 6`},
		{name: "unknown field", expect: map[string]any{"viewers": 3}, wantErr: `field "viewers" is not a state field`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertFinalState(st, Assertion{Type: AssertFinalState, Expect: tt.expect})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAssertLedgerCountAndAudit(t *testing.T) {
	r := NewResult()
	r.Ledger = []ir.EventRecord{{ID: "a"}}

	assert.NoError(t, assertLedgerCount(r.Ledger, Assertion{Count: 1}))
	assert.Error(t, assertLedgerCount(r.Ledger, Assertion{Count: 2}))

	assert.NoError(t, assertAuditClean(r))
	r.Audit = engine.AuditReport{Drift: []string{"points"}}
	err := assertAuditClean(r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drift in [points]")
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		name     string
		actual   any
		expected any
		want     bool
	}{
		{"same string", "a", "a", true},
		{"int64 and int", int64(5), 5, true},
		{"int64 and float", int64(5), 5.0, true},
		{"bool", true, true, true},
		{"bool and string", true, "true", true},
		{"different", int64(5), 6, false},
		{"both nil", nil, nil, true},
		{"one nil", nil, "x", false},
		{"lists", []any{"a", "b"}, []any{"a", "b"}, true},
		{"list length", []any{"a"}, []any{"a", "b"}, false},
		{"list against scalar", "a", []any{"a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, valuesEqual(tt.actual, tt.expected))
		})
	}
}

func TestEvaluateAssertions(t *testing.T) {
	r := NewResult()
	r.Trace = sampleTrace()
	r.Ledger = []ir.EventRecord{{ID: "don-1"}}

	errs := EvaluateAssertions(r, []Assertion{
		{Type: AssertTraceContains, Match: map[string]any{"id": "don-1"}},
		{Type: AssertLedgerCount, Count: 1},
		{Type: AssertAuditClean},
	})
	assert.Empty(t, errs)

	errs = EvaluateAssertions(r, []Assertion{
		{Type: AssertLedgerCount, Count: 3},
		{Type: "magic"},
	})
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0], "Assertion failed: ledger_count")
	assert.Contains(t, errs[1], `assertion[1]: unknown assertion type "magic"`)
}

func TestAssertionError_Format(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceContains,
		Expected: "event matching id=x",
		Actual:   "not found in trace",
		Trace:    sampleTrace(),
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_contains")
	assert.Contains(t, msg, "Expected: event matching id=x")
	assert.Contains(t, msg, "Full trace:")
	assert.Contains(t, msg, "[0] event don-1 donation applied")
	assert.Contains(t, msg, "[1] event don-1 donation duplicate (duplicate_id)")
	assert.Contains(t, msg, "[2] command rejected by interpreter: not_permitted")
	assert.Contains(t, msg, "[3] undo_simulated [sim-2 sim-1]")
	assert.Contains(t, msg, "[4] tick 1m0s")
}

func TestFormatFields(t *testing.T) {
	assert.Equal(t, "(any)", formatFields(nil))
	assert.Equal(t, "a=1 b=x", formatFields(map[string]any{"b": "x", "a": 1}))
}
