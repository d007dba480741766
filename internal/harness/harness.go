package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/roach88/subathon/internal/command"
	"github.com/roach88/subathon/internal/config"
	"github.com/roach88/subathon/internal/engine"
	"github.com/roach88/subathon/internal/ir"
	"github.com/roach88/subathon/internal/store"
	"github.com/roach88/subathon/internal/testutil"
	"github.com/roach88/subathon/internal/values"
)

// Defaults applied when a scenario leaves them unset.
const (
	DefaultRunID         = "run-1"
	DefaultBudget        = time.Hour
	DefaultSource        = "test"
	DefaultCommandSource = "twitch"
	DefaultOperator      = "streamer"
)

// Harness drives one scenario through a real engine.
// The clock is fake and IDs are sequential, so traces are reproducible.
type Harness struct {
	store  *store.Store
	engine *engine.Engine
	interp *command.Interpreter
	clock  *clockwork.FakeClock
	runID  string
}

// Run executes a scenario against a fresh in-memory database.
//
// Execution flow:
// 1. Build configuration, Value Table and rates from the scenario
// 2. Start the run
// 3. Execute each step and check its expect clause
// 4. Read the final state, ledger and audit
// 5. Evaluate assertions
//
// Step outcomes that disagree with expectations are reported in the
// result; only infrastructure failures are returned as errors.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller-supplied context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}
	vt := cfg.ValueTable()
	if len(scenario.Values) > 0 {
		vt = scenarioValues(scenario.Values)
	}
	rates := testutil.NewFakeRates(scenario.Rates)
	clock := testutil.NewClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	eng := engine.New(st, cfg, vt, rates,
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("evt")),
		engine.WithLogger(logger),
	)
	h := &Harness{
		store:  st,
		engine: eng,
		interp: command.New(cfg, rates, command.WithLogger(logger)),
		clock:  clock,
		runID:  scenario.Run.ID,
	}
	if h.runID == "" {
		h.runID = DefaultRunID
	}

	budget := DefaultBudget
	if scenario.Run.Budget != "" {
		if budget, err = time.ParseDuration(scenario.Run.Budget); err != nil {
			return nil, fmt.Errorf("run budget: %w", err)
		}
	}
	cur := scenario.Run.Currency
	if cur == "" {
		cur = cfg.Currency
	}
	if _, err := h.engine.StartRun(ctx, engine.RunOptions{
		ID:       h.runID,
		Currency: cur,
		Budget:   budget,
		Reversed: scenario.Run.Reversed,
	}); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := h.execute(ctx, i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op(), err)
		}
		result.Trace = append(result.Trace, ev)
		if step.Expect != nil {
			for _, msg := range checkExpect(ev, *step.Expect) {
				result.AddError(msg)
			}
		}
	}

	if result.State, err = st.ReadState(ctx, h.runID); err != nil {
		return nil, fmt.Errorf("read final state: %w", err)
	}
	if result.Ledger, err = st.ReadRecords(ctx, h.runID); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if result.Audit, err = h.engine.Audit(ctx, h.runID); err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func scenarioConfig(scenario *Scenario) (*config.Config, error) {
	if strings.TrimSpace(scenario.Config) == "" {
		return config.Default(), nil
	}
	cfg, err := config.Parse([]byte(scenario.Config), scenario.Name+".cue")
	if err != nil {
		return nil, fmt.Errorf("scenario config: %w", err)
	}
	return cfg, nil
}

func scenarioValues(rows []ValueRow) *values.Table {
	out := make([]values.Row, 0, len(rows))
	for _, r := range rows {
		kind, _ := ir.ParseKind(r.Kind)
		out = append(out, values.Row{
			Key:   values.Key{Kind: kind, Tier: r.Tier},
			Value: values.Value{SecondsPerUnit: r.Seconds, PointsPerUnit: r.Points},
		})
	}
	return values.New(out...)
}

// execute runs one step and returns its trace event.
func (h *Harness) execute(ctx context.Context, index int, step Step) (TraceEvent, error) {
	ev := TraceEvent{Step: index, Op: step.Op()}

	switch ev.Op {
	case OpEvent:
		out, err := h.engine.Process(ctx, h.runID, h.eventRecord(*step.Event))
		if err != nil {
			return ev, err
		}
		ev.setOutcome(out)

	case OpCommand:
		c := *step.Command
		user := c.User
		if user == "" {
			user = DefaultOperator
		}
		source := c.Source
		if source == "" {
			source = DefaultCommandSource
		}
		rec, rej := h.interp.InterpretDetailed(c.Text, user, c.roles(), source, h.clock.Now())
		if rej != nil {
			ev.Rejected = string(rej.Reason)
			break
		}
		out, err := h.engine.Process(ctx, h.runID, rec)
		if err != nil {
			return ev, err
		}
		ev.setOutcome(out)

	case OpReverse:
		_, err := h.engine.Reverse(ctx, step.Reverse)
		switch {
		case err == nil:
			ev.Reversed = []string{step.Reverse}
		case engine.IsPersistenceError(err):
			return ev, err
		default:
			ev.Error = err.Error()
		}

	case OpUndoSimulated:
		res, err := h.engine.ReverseSimulated(ctx, h.runID)
		if err != nil {
			return ev, err
		}
		ev.Reversed = res.Reversed

	case OpTick:
		d, err := command.ParseDuration(step.Tick)
		if err != nil {
			return ev, err
		}
		if _, err := h.engine.Advance(ctx, h.runID, d); err != nil {
			return ev, err
		}
		ev.Duration = d.String()

	case OpWait:
		d, err := command.ParseDuration(step.Wait)
		if err != nil {
			return ev, err
		}
		h.clock.Advance(d)
		ev.Duration = d.String()

	default:
		return ev, fmt.Errorf("step names no operation")
	}

	st, err := h.store.ReadState(ctx, h.runID)
	if err != nil {
		return ev, fmt.Errorf("read state: %w", err)
	}
	ev.setTotals(st)
	return ev, nil
}

func (h *Harness) eventRecord(e EventStep) ir.EventRecord {
	kind, _ := ir.ParseKind(e.Kind)
	source := e.Source
	if source == "" {
		source = DefaultSource
	}
	return ir.NormalizedEvent{
		Kind:         kind,
		Source:       source,
		User:         e.User,
		RawValue:     e.Value,
		CurrencyCode: e.Currency,
		UnitAmount:   e.Amount,
		ExternalID:   e.ID,
		Simulated:    e.Simulated,
		Timestamp:    h.clock.Now(),
	}.Record()
}

// checkExpect compares a step's trace event with its expect clause.
func checkExpect(ev TraceEvent, want ExpectClause) []string {
	var errs []string
	mismatch := func(field string, expected, actual any) {
		errs = append(errs, fmt.Sprintf("step %d (%s): expected %s = %v, got %v",
			ev.Step, ev.Op, field, expected, actual))
	}

	if want.Applied != nil && *want.Applied != ev.Applied {
		mismatch("applied", *want.Applied, ev.Applied)
	}
	if want.Duplicate != nil && *want.Duplicate != ev.Duplicate {
		mismatch("duplicate", *want.Duplicate, ev.Duplicate)
	}
	if want.Reason != "" && want.Reason != ev.Reason {
		mismatch("reason", want.Reason, ev.Reason)
	}
	if want.Kind != "" && want.Kind != ev.Kind {
		mismatch("kind", want.Kind, ev.Kind)
	}
	if want.Command != "" && want.Command != ev.Command {
		mismatch("command", want.Command, ev.Command)
	}
	if want.Value != "" && want.Value != ev.Value {
		mismatch("value", want.Value, ev.Value)
	}
	if want.Ms != nil && *want.Ms != ev.Ms {
		mismatch("ms", *want.Ms, ev.Ms)
	}
	if want.Points != nil && *want.Points != ev.Points {
		mismatch("points", *want.Points, ev.Points)
	}
	if want.Money != "" && want.Money != ev.Money {
		mismatch("money", want.Money, ev.Money)
	}
	if want.Rejected != "" && want.Rejected != ev.Rejected {
		mismatch("rejected", want.Rejected, ev.Rejected)
	}
	if want.Error != "" && !strings.Contains(ev.Error, want.Error) {
		mismatch("error", want.Error, ev.Error)
	}
	return errs
}
