package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/subathon/internal/command"
	"github.com/roach88/subathon/internal/engine"
	"github.com/roach88/subathon/internal/ir"
)

// StartOptions holds flags for the start command.
type StartOptions struct {
	EngineOptions
	ID       string
	Currency string
	Hours    float64
	Reversed bool
}

// StateView is a run state with its remaining time spelled out.
type StateView struct {
	ir.SubathonState
	Remaining   string `json:"remaining"`
	RemainingMs int64  `json:"remaining_ms"`
}

func newStateView(st ir.SubathonState) StateView {
	rem := st.Remaining()
	return StateView{SubathonState: st, Remaining: rem.String(), RemainingMs: rem.Milliseconds()}
}

// NewStartCommand creates the start command.
func NewStartCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StartOptions{EngineOptions: EngineOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new run",
		Long: `Start a new subathon run and make it the active run.

A previously active run is kept in the database but no longer receives
events. The configured Value Table is saved with the database so later
commands price events the same way.

Examples:
  subathon start --db ./subathon.db --hours 8
  subathon start --db ./subathon.db --config ./subathon.cue --currency EUR
  subathon start --db ./subathon.db --reversed --hours 24`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.EngineOptions)
	addConfigFlag(cmd, &opts.EngineOptions)
	cmd.Flags().StringVar(&opts.ID, "id", "", "run ID (generated when empty)")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "ISO 4217 currency for money totals (default: config currency)")
	cmd.Flags().Float64Var(&opts.Hours, "hours", 1, "initial timer, in hours")
	cmd.Flags().BoolVar(&opts.Reversed, "reversed", false, "engagement removes time instead of adding it")

	return cmd
}

func runStart(opts *StartOptions, cmd *cobra.Command) error {
	if opts.Hours < 0 {
		return NewExitError(ExitCommandError, fmt.Sprintf("--hours must not be negative, got %v", opts.Hours))
	}

	a, err := openApp(cmd, &opts.EngineOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	cur := opts.Currency
	if cur == "" {
		cur = a.cfg.Currency
	}
	st, err := a.engine.StartRun(ctx, engine.RunOptions{
		ID:       opts.ID,
		Currency: cur,
		Budget:   time.Duration(opts.Hours * float64(time.Hour)),
		Reversed: opts.Reversed,
	})
	if err != nil {
		if engine.IsPersistenceError(err) {
			return WrapExitError(ExitCommandError, "failed to start run", err)
		}
		return WrapExitError(ExitCommandError, "invalid run options", err)
	}

	if err := a.store.SaveValues(ctx, a.values.Rows()); err != nil {
		return WrapExitError(ExitCommandError, "failed to save value table", err)
	}
	a.out.VerboseLog("Saved %d value table row(s)", a.values.Len())

	return a.out.Print(newStateView(st), func(w io.Writer) {
		fmt.Fprintf(w, "Started run %s\n", st.ID)
		writeState(w, st)
	})
}

// NewStateCommand creates the state command.
func NewStateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EngineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the active run",
		Long: `Show the active run's timer, totals, flags and multiplier.

Examples:
  subathon state --db ./subathon.db
  subathon state --db ./subathon.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := commandContext(cmd)

			runID, err := a.activeRun(ctx)
			if err != nil {
				return err
			}
			st, err := a.store.ReadState(ctx, runID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read state", err)
			}
			return a.out.Print(newStateView(st), func(w io.Writer) { writeState(w, st) })
		},
	}

	addDatabaseFlag(cmd, opts)
	return cmd
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EngineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List every run in the database",
		Long: `List every run in the database, newest first. The active run is
marked with an asterisk.

Examples:
  subathon runs --db ./subathon.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			runs, err := a.store.ListRuns(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list runs", err)
			}
			views := make([]StateView, 0, len(runs))
			for _, st := range runs {
				views = append(views, newStateView(st))
			}
			return a.out.Print(views, func(w io.Writer) {
				if len(runs) == 0 {
					fmt.Fprintln(w, "No runs found.")
					return
				}
				for _, st := range runs {
					mark := " "
					if st.Active {
						mark = "*"
					}
					fmt.Fprintf(w, "%s %-36s  %s  remaining %-12s  %6d pt  %s %s\n",
						mark, st.ID, st.CreatedAt.Format(time.RFC3339), st.Remaining(),
						st.Points, st.MoneyTotal.String(), st.CurrencyCode)
				}
			})
		},
	}

	addDatabaseFlag(cmd, opts)
	return cmd
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EngineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "tick <duration>",
		Short: "Advance the run clock",
		Long: `Advance the active run's clock by the given duration.

A paused run does not consume time. When the timer reaches zero the run
locks itself and stops accepting engagement events until unlocked.

Durations accept bare seconds (90), compound units (1h30m) or clock
notation (1:30:00).

Examples:
  subathon tick --db ./subathon.db 1s
  subathon tick --db ./subathon.db 5m`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := command.ParseDuration(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid duration", err)
			}

			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := commandContext(cmd)

			runID, err := a.activeRun(ctx)
			if err != nil {
				return err
			}
			st, err := a.engine.Advance(ctx, runID, d)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to advance clock", err)
			}
			return a.out.Print(newStateView(st), func(w io.Writer) { writeState(w, st) })
		},
	}

	addDatabaseFlag(cmd, opts)
	addConfigFlag(cmd, opts)
	return cmd
}

// writeState renders a run state as aligned text.
func writeState(w io.Writer, st ir.SubathonState) {
	fmt.Fprintf(w, "Run:        %s\n", st.ID)
	fmt.Fprintf(w, "Remaining:  %s\n", st.Remaining())
	fmt.Fprintf(w, "Points:     %d\n", st.Points)
	fmt.Fprintf(w, "Money:      %s %s\n", st.MoneyTotal.String(), st.CurrencyCode)
	fmt.Fprintf(w, "Multiplier: %s\n", describeMultiplier(st.Multiplier))
	fmt.Fprintf(w, "Flags:      %s\n", describeFlags(st))
}

func describeMultiplier(m ir.Multiplier) string {
	if m.Factor == 1 || m.StartedAt == nil {
		return "none"
	}

	var targets []string
	if m.ApplyToPoints {
		targets = append(targets, "points")
	}
	if m.ApplyToSeconds {
		targets = append(targets, "time")
	}
	s := fmt.Sprintf("%sx (%s)", strconv.FormatFloat(m.Factor, 'f', -1, 64), strings.Join(targets, ", "))
	if m.Duration != nil {
		s += " until " + m.StartedAt.Add(*m.Duration).Format(time.RFC3339)
	}
	if m.FromHypeTrain {
		s += fmt.Sprintf(" [hype train level %d]", m.HypeTrainLevel)
	}
	return s
}

func describeFlags(st ir.SubathonState) string {
	var flags []string
	if st.IsPaused {
		flags = append(flags, "paused")
	}
	if st.IsLocked {
		flags = append(flags, "locked")
	}
	if st.IsReversed {
		flags = append(flags, "reversed")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ", ")
}
