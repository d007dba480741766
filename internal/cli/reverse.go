package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/subathon/internal/engine"
)

// NewReverseCommand creates the reverse command.
func NewReverseCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EngineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reverse <id>...",
		Short: "Reverse applied events",
		Long: `Reverse applied events by record ID, in the order given.

Each reversal subtracts exactly the time, points and money the record
added when it was applied, then deletes the record. Totals never go
below zero. Flag and multiplier changes made by commands are not undone.

Exit codes:
  0 - All records reversed
  1 - One or more IDs were not found
  2 - Command error

Examples:
  subathon reverse --db ./subathon.db tw-123
  subathon reverse --db ./subathon.db don-1 don-2 don-3`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.engine.ReverseBatch(commandContext(cmd), args)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to reverse events", err)
			}
			return reportBatch(a.out, res)
		},
	}

	addDatabaseFlag(cmd, opts)
	addConfigFlag(cmd, opts)
	return cmd
}

// NewUndoSimulatedCommand creates the undo-simulated command.
func NewUndoSimulatedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EngineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "undo-simulated",
		Short: "Reverse every simulated event of the active run",
		Long: `Reverse every event of the active run that was marked simulated,
newest first. Use it to clean up after testing alerts on a live run.

Examples:
  subathon undo-simulated --db ./subathon.db`,
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
			res, err := a.engine.ReverseSimulated(ctx, runID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to undo simulated events", err)
			}
			return reportBatch(a.out, res)
		},
	}

	addDatabaseFlag(cmd, opts)
	addConfigFlag(cmd, opts)
	return cmd
}

func reportBatch(f *OutputFormatter, res engine.BatchResult) error {
	text := func(w io.Writer) {
		if len(res.Reversed) == 0 {
			fmt.Fprintln(w, "Nothing reversed.")
		} else {
			fmt.Fprintf(w, "Reversed %d event(s): %s\n", len(res.Reversed), strings.Join(res.Reversed, ", "))
		}
		if len(res.Missing) > 0 {
			fmt.Fprintf(w, "Not found: %s\n", strings.Join(res.Missing, ", "))
		}
	}
	if len(res.Missing) > 0 {
		return f.Fail(ExitFailure, ErrCodeNotFound,
			fmt.Sprintf("%d record(s) not found", len(res.Missing)), res, text)
	}
	return f.Print(res, text)
}
