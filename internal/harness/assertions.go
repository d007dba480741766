package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/subathon/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, ev := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] %s\n", ev.Step, describe(ev))
		}
	}
	return buf.String()
}

func describe(ev TraceEvent) string {
	switch ev.Op {
	case OpEvent, OpCommand:
		if ev.Rejected != "" {
			return fmt.Sprintf("%s rejected by interpreter: %s", ev.Op, ev.Rejected)
		}
		status := "applied"
		switch {
		case ev.Duplicate:
			status = "duplicate"
		case !ev.Applied:
			status = "rejected"
		}
		if ev.Reason != "" {
			status += " (" + ev.Reason + ")"
		}
		name := ev.Kind
		if ev.Command != "" {
			name += "/" + ev.Command
		}
		return fmt.Sprintf("%s %s %s %s", ev.Op, ev.ID, name, status)
	case OpReverse, OpUndoSimulated:
		if ev.Error != "" {
			return fmt.Sprintf("%s failed: %s", ev.Op, ev.Error)
		}
		return fmt.Sprintf("%s %v", ev.Op, ev.Reversed)
	default:
		return fmt.Sprintf("%s %s", ev.Op, ev.Duration)
	}
}

// assertTraceContains checks that at least one trace event matches.
func assertTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if matchFields(ev.Fields(), a.Match) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("event matching %s", formatFields(a.Match)),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceCount checks that exactly Count trace events match.
func assertTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if matchFields(ev.Fields(), a.Match) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d events matching %s", a.Count, formatFields(a.Match)),
			Actual:   fmt.Sprintf("%d events", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceOrder checks that the ledger holds the given records in the
// given relative order. Intervening records are allowed.
func assertTraceOrder(ledger []ir.EventRecord, a Assertion) error {
	positions := make(map[string]int, len(ledger))
	for i, rec := range ledger {
		positions[rec.ID] = i + 1
	}

	for _, id := range a.IDs {
		if positions[id] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all records present: %v", a.IDs),
				Actual:   fmt.Sprintf("missing record: %s", id),
			}
		}
	}
	for i := 1; i < len(a.IDs); i++ {
		prev, curr := a.IDs[i-1], a.IDs[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("records in order: %v", a.IDs),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
			}
		}
	}
	return nil
}

// StateFields returns the final state as a map for final_state matching.
func StateFields(st ir.SubathonState) map[string]any {
	return map[string]any{
		"remaining":  st.Remaining().String(),
		"budget":     st.MillisecondsBudget,
		"consumed":   st.MillisecondsConsumed,
		"points":     st.Points,
		"money":      st.MoneyTotal.String(),
		"currency":   st.CurrencyCode,
		"paused":     st.IsPaused,
		"locked":     st.IsLocked,
		"reversed":   st.IsReversed,
		"multiplier": formatFactor(st.Multiplier.Factor),
		"hype_level": st.Multiplier.HypeTrainLevel,
	}
}

// assertFinalState checks the final run state with subset semantics.
func assertFinalState(st ir.SubathonState, a Assertion) error {
	actual := StateFields(st)

	keys := make([]string, 0, len(a.Expect))
	for k := range a.Expect {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		expected := a.Expect[key]
		value, exists := actual[key]
		if !exists {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q to exist", key),
				Actual:   fmt.Sprintf("field %q is not a state field", key),
			}
		}
		if !valuesEqual(value, expected) {
			return &AssertionError{
				Type:     AssertFinalState,
				Expected: fmt.Sprintf("field %q = %v", key, expected),
				Actual:   fmt.Sprintf("field %q = %v", key, value),
			}
		}
	}
	return nil
}

func assertLedgerCount(ledger []ir.EventRecord, a Assertion) error {
	if len(ledger) != a.Count {
		return &AssertionError{
			Type:     AssertLedgerCount,
			Expected: fmt.Sprintf("%d records", a.Count),
			Actual:   fmt.Sprintf("%d records", len(ledger)),
		}
	}
	return nil
}

func assertAuditClean(r *Result) error {
	if !r.Audit.OK() {
		return &AssertionError{
			Type:     AssertAuditClean,
			Expected: "ledger sums to the run totals",
			Actual:   fmt.Sprintf("drift in %v", r.Audit.Drift),
		}
	}
	return nil
}

// matchFields checks if actual contains all expected fields (subset match).
func matchFields(actual, expected map[string]any) bool {
	for key, want := range expected {
		got, exists := actual[key]
		if !exists {
			return false
		}
		if !valuesEqual(got, want) {
			return false
		}
	}
	return true
}

// valuesEqual compares a state or trace value with a YAML-decoded one.
// YAML decodes numbers as int or float64 and never as int64, so values of
// different types compare by their printed form.
func valuesEqual(actual, expected any) bool {
	if actual == nil || expected == nil {
		return actual == nil && expected == nil
	}
	if reflect.DeepEqual(actual, expected) {
		return true
	}
	if list, ok := expected.([]any); ok {
		got, ok := actual.([]any)
		if !ok || len(got) != len(list) {
			return false
		}
		for i := range list {
			if !valuesEqual(got[i], list[i]) {
				return false
			}
		}
		return true
	}
	return fmt.Sprint(actual) == fmt.Sprint(expected)
}

func formatFields(m map[string]any) string {
	if len(m) == 0 {
		return "(any)"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string

	for i, a := range assertions {
		var err error

		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, a)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, a)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Ledger, a)
		case AssertFinalState:
			err = assertFinalState(result.State, a)
		case AssertLedgerCount:
			err = assertLedgerCount(result.Ledger, a)
		case AssertAuditClean:
			err = assertAuditClean(result)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, a.Type)
		}

		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}
