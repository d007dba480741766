package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/subathon/internal/engine"
	"github.com/roach88/subathon/internal/ir"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	EngineOptions
	RunID string
	Kind  string
}

// EventsResult is the event log of one run.
type EventsResult struct {
	RunID   string           `json:"run_id"`
	Records []ir.EventRecord `json:"records"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{EngineOptions: EngineOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the event log of a run",
		Long: `List the applied events of a run in application order, with the time,
points and money each one added.

Examples:
  subathon events --db ./subathon.db
  subathon events --db ./subathon.db --kind donation
  subathon events --db ./subathon.db --run 0190c5d2-... --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.EngineOptions)
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID (default: active run)")
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "only events of this kind")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	a, err := openApp(cmd, &opts.EngineOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	runID := opts.RunID
	if runID == "" {
		if runID, err = a.activeRun(ctx); err != nil {
			return err
		}
	}

	records, err := a.store.ReadRecords(ctx, runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read event log", err)
	}
	if opts.Kind != "" {
		filtered := records[:0]
		for _, rec := range records {
			if strings.EqualFold(string(rec.Kind), opts.Kind) {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}

	result := EventsResult{RunID: runID, Records: records}
	return a.out.Print(result, func(w io.Writer) {
		if len(records) == 0 {
			fmt.Fprintf(w, "No events found for run: %s\n", runID)
			return
		}
		fmt.Fprintf(w, "Run %s: %d event(s)\n", runID, len(records))
		for _, rec := range records {
			writeRecord(w, rec, opts.Verbose)
		}
	})
}

func writeRecord(w io.Writer, rec ir.EventRecord, verbose bool) {
	name := string(rec.Kind)
	if rec.CommandType != "" {
		name = string(rec.CommandType)
	}
	fmt.Fprintf(w, "  [seq=%d] %-16s %-24s %-12s %+10dms %+6dpt",
		rec.Seq, name, rec.ID, rec.User, rec.MillisecondsApplied, rec.PointsApplied)
	if !rec.MoneyApplied.IsZero() {
		fmt.Fprintf(w, " %s", rec.MoneyApplied.String())
	}
	var marks []string
	if rec.MultiplierFactor != 1 && rec.MultiplierFactor != 0 {
		marks = append(marks, fmt.Sprintf("x%g", rec.MultiplierFactor))
	}
	if rec.WasReversed {
		marks = append(marks, "reversed")
	}
	if rec.Simulated {
		marks = append(marks, "simulated")
	}
	if len(marks) > 0 {
		fmt.Fprintf(w, " (%s)", strings.Join(marks, ", "))
	}
	fmt.Fprintln(w)

	if verbose {
		fmt.Fprintf(w, "      source=%s value=%q at=%s\n",
			rec.Source, rec.RawValue, rec.AppliedAt.Format("2006-01-02T15:04:05.000Z07:00"))
	}
}

// AuditOptions holds flags for the audit command.
type AuditOptions struct {
	EngineOptions
	RunID string
}

// NewAuditCommand creates the audit command.
func NewAuditCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuditOptions{EngineOptions: EngineOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Check a run's totals against its event log",
		Long: `Recompute a run's time budget, points and money from its event log and
compare them with the stored totals.

Drift appears when a reversal had to clamp a total at zero, or when the
database was edited by hand.

Exit codes:
  0 - Totals match the event log
  1 - Drift detected
  2 - Command error

Examples:
  subathon audit --db ./subathon.db
  subathon audit --db ./subathon.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, &opts.EngineOptions)
			if err != nil {
				return err
			}
			defer a.Close()
			ctx := commandContext(cmd)

			runID := opts.RunID
			if runID == "" {
				if runID, err = a.activeRun(ctx); err != nil {
					return err
				}
			}
			report, err := a.engine.Audit(ctx, runID)
			if err != nil {
				return WrapExitError(ExitCommandError, "audit failed", err)
			}
			return reportAudit(a.out, report)
		},
	}

	addDatabaseFlag(cmd, &opts.EngineOptions)
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID (default: active run)")
	return cmd
}

func reportAudit(f *OutputFormatter, r engine.AuditReport) error {
	text := func(w io.Writer) {
		fmt.Fprintf(w, "Audit of run %s (%d record(s))\n", r.RunID, r.Records)
		fmt.Fprintf(w, "  budget ms  expected %d, actual %d\n", r.ExpectedBudget, r.ActualBudget)
		fmt.Fprintf(w, "  points     expected %d, actual %d\n", r.ExpectedPoints, r.ActualPoints)
		fmt.Fprintf(w, "  money      expected %s, actual %s\n", r.ExpectedMoney.String(), r.ActualMoney.String())
		if r.OK() {
			fmt.Fprintln(w, "✓ Ledger matches totals")
		} else {
			fmt.Fprintf(w, "✗ Drift in %s\n", strings.Join(r.Drift, ", "))
		}
	}
	if !r.OK() {
		return f.Fail(ExitFailure, ErrCodeDrift,
			fmt.Sprintf("drift in %s", strings.Join(r.Drift, ", ")), r, text)
	}
	return f.Print(r, text)
}
