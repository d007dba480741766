package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/subathon/internal/command"
	"github.com/roach88/subathon/internal/ir"
)

// Scenario is one executable subathon script: a run, a sequence of steps
// driven through the real engine, and assertions on the resulting trace
// and final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is an optional CUE document merged over the defaults.
	Config string `yaml:"config,omitempty"`

	// Run configures the run every step targets.
	Run RunSpec `yaml:"run"`

	// Rates are units of each currency per one USD.
	Rates map[string]string `yaml:"rates,omitempty"`

	// Values replaces the configured Value Table when present.
	Values []ValueRow `yaml:"values,omitempty"`

	// Steps execute in order against one engine.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// RunSpec configures the scenario's run.
type RunSpec struct {
	ID       string `yaml:"id,omitempty"`
	Currency string `yaml:"currency,omitempty"`
	Budget   string `yaml:"budget,omitempty"`
	Reversed bool   `yaml:"reversed,omitempty"`
}

// ValueRow is one Value Table row.
type ValueRow struct {
	Kind    string  `yaml:"kind"`
	Tier    string  `yaml:"tier,omitempty"`
	Seconds float64 `yaml:"seconds"`
	Points  float64 `yaml:"points"`
}

// Step is exactly one operation plus an optional expectation.
type Step struct {
	// Event processes a normalized adapter event.
	Event *EventStep `yaml:"event,omitempty"`

	// Command interprets chat text and processes the resulting record.
	Command *CommandStep `yaml:"command,omitempty"`

	// Reverse undoes the record with this ID.
	Reverse string `yaml:"reverse,omitempty"`

	// UndoSimulated reverses every simulated record of the run.
	UndoSimulated bool `yaml:"undo_simulated,omitempty"`

	// Tick advances the run timer by a duration.
	Tick string `yaml:"tick,omitempty"`

	// Wait moves the wall clock without consuming timer time.
	Wait string `yaml:"wait,omitempty"`

	// Expect validates the step outcome. Nil skips validation.
	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// EventStep is a normalized event as an adapter would emit it.
type EventStep struct {
	ID        string `yaml:"id,omitempty"`
	Kind      string `yaml:"kind"`
	User      string `yaml:"user,omitempty"`
	Value     string `yaml:"value,omitempty"`
	Currency  string `yaml:"currency,omitempty"`
	Amount    int64  `yaml:"amount,omitempty"`
	Source    string `yaml:"source,omitempty"`
	Simulated bool   `yaml:"simulated,omitempty"`
}

// CommandStep is a chat message from an operator.
type CommandStep struct {
	Text   string   `yaml:"text"`
	User   string   `yaml:"user,omitempty"`
	Roles  []string `yaml:"roles,omitempty"`
	Source string   `yaml:"source,omitempty"`
}

// ExpectClause is a subset match on a step outcome. Unset fields are not
// checked.
type ExpectClause struct {
	Applied   *bool  `yaml:"applied,omitempty"`
	Duplicate *bool  `yaml:"duplicate,omitempty"`
	Reason    string `yaml:"reason,omitempty"`
	Kind      string `yaml:"kind,omitempty"`
	Command   string `yaml:"command,omitempty"`
	Value     string `yaml:"value,omitempty"`
	Ms        *int64 `yaml:"ms,omitempty"`
	Points    *int64 `yaml:"points,omitempty"`
	Money     string `yaml:"money,omitempty"`

	// Rejected is the interpreter rejection reason for command steps.
	Rejected string `yaml:"rejected,omitempty"`

	// Error is a substring of the error a reverse step must return.
	Error string `yaml:"error,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of trace_contains, trace_count, trace_order,
	// final_state, ledger_count or audit_clean.
	Type string `yaml:"type"`

	// Match is a subset of trace event fields (trace_contains, trace_count).
	Match map[string]any `yaml:"match,omitempty"`

	// Count is the expected number of matches or ledger records.
	Count int `yaml:"count,omitempty"`

	// IDs is the expected relative order of applied records (trace_order).
	IDs []string `yaml:"ids,omitempty"`

	// Expect is a subset of final state fields (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`
}

// Assertion type constants.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceCount    = "trace_count"
	AssertTraceOrder    = "trace_order"
	AssertFinalState    = "final_state"
	AssertLedgerCount   = "ledger_count"
	AssertAuditClean    = "audit_clean"
)

// Step operation names, as they appear in the trace.
const (
	OpEvent         = "event"
	OpCommand       = "command"
	OpReverse       = "reverse"
	OpUndoSimulated = "undo_simulated"
	OpTick          = "tick"
	OpWait          = "wait"
)

// Op returns the operation a step performs, or "" when it names none.
func (s Step) Op() string {
	switch {
	case s.Event != nil:
		return OpEvent
	case s.Command != nil:
		return OpCommand
	case s.Reverse != "":
		return OpReverse
	case s.UndoSimulated:
		return OpUndoSimulated
	case s.Tick != "":
		return OpTick
	case s.Wait != "":
		return OpWait
	}
	return ""
}

func (s Step) opCount() int {
	n := 0
	for _, set := range []bool{
		s.Event != nil, s.Command != nil, s.Reverse != "",
		s.UndoSimulated, s.Tick != "", s.Wait != "",
	} {
		if set {
			n++
		}
	}
	return n
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// ScenarioFiles lists the *.yaml and *.yml files in dir, sorted.
func ScenarioFiles(dir string) ([]string, error) {
	var files []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, fmt.Errorf("list scenarios: %w", err)
		}
		files = append(files, matches...)
	}
	sort.Strings(files)
	return files, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps must contain at least one step")
	}
	if s.Run.Budget != "" {
		if _, err := time.ParseDuration(s.Run.Budget); err != nil {
			return fmt.Errorf("run.budget: %w", err)
		}
	}

	for i, row := range s.Values {
		if _, ok := ir.ParseKind(row.Kind); !ok {
			return fmt.Errorf("values[%d]: unknown kind %q", i, row.Kind)
		}
	}
	for i, step := range s.Steps {
		if err := validateStep(step, i); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, i); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s Step, index int) error {
	if n := s.opCount(); n != 1 {
		return fmt.Errorf("steps[%d]: exactly one operation is required, got %d", index, n)
	}

	switch s.Op() {
	case OpEvent:
		if _, ok := ir.ParseKind(s.Event.Kind); !ok {
			return fmt.Errorf("steps[%d]: unknown event kind %q", index, s.Event.Kind)
		}
	case OpCommand:
		if s.Command.Text == "" {
			return fmt.Errorf("steps[%d]: command text is required", index)
		}
		for _, role := range s.Command.Roles {
			if _, ok := roleSetters[role]; !ok {
				return fmt.Errorf("steps[%d]: unknown role %q", index, role)
			}
		}
	case OpTick:
		if _, err := command.ParseDuration(s.Tick); err != nil {
			return fmt.Errorf("steps[%d]: tick: %w", index, err)
		}
	case OpWait:
		if _, err := command.ParseDuration(s.Wait); err != nil {
			return fmt.Errorf("steps[%d]: wait: %w", index, err)
		}
	}
	return nil
}

func validateAssertion(a Assertion, index int) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if len(a.Match) == 0 {
			return fmt.Errorf("assertions[%d]: match is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertTraceOrder:
		if len(a.IDs) < 2 {
			return fmt.Errorf("assertions[%d]: at least two ids are required for trace_order", index)
		}
	case AssertFinalState:
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	case AssertLedgerCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for ledger_count", index)
		}
	case AssertAuditClean:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

var roleSetters = map[string]func(*ir.Roles){
	"broadcaster": func(r *ir.Roles) { r.Broadcaster = true },
	"mod":         func(r *ir.Roles) { r.Mod = true },
	"vip":         func(r *ir.Roles) { r.VIP = true },
}

func (c CommandStep) roles() ir.Roles {
	var r ir.Roles
	for _, role := range c.Roles {
		if set, ok := roleSetters[role]; ok {
			set(&r)
		}
	}
	return r
}
