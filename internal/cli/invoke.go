package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/subathon/internal/engine"
	"github.com/roach88/subathon/internal/ir"
)

// DefaultSource is the platform recorded for events entered on the CLI.
const DefaultSource = "cli"

// EventOptions holds flags for the event command.
type EventOptions struct {
	EngineOptions
	Kind      string
	User      string
	Value     string
	Currency  string
	Amount    int64
	ID        string
	Source    string
	Simulated bool
}

// NewEventCommand creates the event command.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventOptions{EngineOptions: EngineOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "event",
		Short: "Process one event against the active run",
		Long: `Process one normalized event against the active run.

--value is the tier for subscriptions and memberships, the amount for
donations and orders, and the phase (start, progress, end) for hype
trains. --amount is the unit count: bits, gifted subs, raiders, or the
hype train level.

Exit codes:
  0 - Applied, or skipped as a duplicate
  1 - Rejected (locked run, no value configured, conversion failure, ...)
  2 - Command error

Examples:
  subathon event --db ./subathon.db --kind donation --user alice --value 5 --currency EUR
  subathon event --db ./subathon.db --kind subscription --user bob --value 1000 --id tw-123
  subathon event --db ./subathon.db --kind cheer --user carol --amount 500
  subathon event --db ./subathon.db --kind hype_train --value start --amount 1`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvent(opts, cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.EngineOptions)
	addConfigFlag(cmd, &opts.EngineOptions)
	cmd.Flags().StringVar(&opts.Kind, "kind", "", "event kind (required)")
	_ = cmd.MarkFlagRequired("kind")
	cmd.Flags().StringVar(&opts.User, "user", "", "user the event came from")
	cmd.Flags().StringVar(&opts.Value, "value", "", "tier, money amount, or hype train phase")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency of a money amount (default: run currency)")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 0, "unit count")
	cmd.Flags().StringVar(&opts.ID, "id", "", "platform event ID, used for idempotency")
	cmd.Flags().StringVar(&opts.Source, "source", DefaultSource, "platform the event came from")
	cmd.Flags().BoolVar(&opts.Simulated, "simulated", false, "mark as a test event (see undo-simulated)")

	return cmd
}

func runEvent(opts *EventOptions, cmd *cobra.Command) error {
	kind, ok := ir.ParseKind(opts.Kind)
	if !ok {
		return NewExitError(ExitCommandError, fmt.Sprintf("unknown event kind %q", opts.Kind))
	}

	a, err := openApp(cmd, &opts.EngineOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	rec := ir.NormalizedEvent{
		Kind:         kind,
		Source:       opts.Source,
		User:         opts.User,
		RawValue:     opts.Value,
		CurrencyCode: opts.Currency,
		UnitAmount:   opts.Amount,
		ExternalID:   opts.ID,
		Simulated:    opts.Simulated,
	}.Record()

	out, err := a.engine.ProcessActive(ctx, rec)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to process event", err)
	}
	return reportOutcome(a.out, out)
}

// CommandOptions holds flags for the command command.
type CommandOptions struct {
	EngineOptions
	User        string
	Broadcaster bool
	Mod         bool
	VIP         bool
	Source      string
}

// NewCommandCommand creates the command command.
func NewCommandCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CommandOptions{EngineOptions: EngineOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "command <text>",
		Short: "Interpret and apply an operator chat command",
		Long: `Interpret a chat message as an operator command and apply it to the
active run.

The trigger prefix, command aliases and permissions come from the
configuration. The broadcaster may run every command; moderators, VIPs
and whitelisted users only the commands configured for them.

Exit codes:
  0 - Applied
  1 - Not a command, unknown, not permitted, invalid argument, or rejected
  2 - Command error

Examples:
  subathon command --db ./subathon.db --user streamer --broadcaster "!addtime 5m"
  subathon command --db ./subathon.db --user somemod --mod "!setmultiplier 2pt 1h"
  subathon command --db ./subathon.db --user streamer --broadcaster --source youtube "!pause"`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCommand(opts, args[0], cmd)
		},
	}

	addDatabaseFlag(cmd, &opts.EngineOptions)
	addConfigFlag(cmd, &opts.EngineOptions)
	cmd.Flags().StringVar(&opts.User, "user", "", "issuer of the command (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().BoolVar(&opts.Broadcaster, "broadcaster", false, "issuer is the broadcaster")
	cmd.Flags().BoolVar(&opts.Mod, "mod", false, "issuer is a moderator")
	cmd.Flags().BoolVar(&opts.VIP, "vip", false, "issuer is a VIP")
	cmd.Flags().StringVar(&opts.Source, "source", DefaultSource, "platform, selects per-platform aliases")

	return cmd
}

func runCommand(opts *CommandOptions, text string, cmd *cobra.Command) error {
	a, err := openApp(cmd, &opts.EngineOptions)
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := commandContext(cmd)

	roles := ir.Roles{Broadcaster: opts.Broadcaster, Mod: opts.Mod, VIP: opts.VIP}
	rec, rej := a.interp.InterpretDetailed(text, opts.User, roles, opts.Source, time.Now().UTC())
	if rej != nil {
		return a.out.Fail(ExitFailure, ErrCodeRejected,
			fmt.Sprintf("command rejected: %s", rej.Reason), rej,
			func(w io.Writer) { fmt.Fprintf(w, "✗ %s\n", rej.Error()) })
	}

	out, err := a.engine.ProcessActive(ctx, rec)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to process command", err)
	}
	return reportOutcome(a.out, out)
}

// reportOutcome prints a Process outcome. Rejections fail the command;
// duplicates do not.
func reportOutcome(f *OutputFormatter, out engine.Outcome) error {
	text := func(w io.Writer) { writeOutcome(w, out) }
	if out.Rejected() {
		return f.Fail(ExitFailure, ErrCodeRejected,
			fmt.Sprintf("event %s rejected: %s", out.Record.ID, out.Reason), out, text)
	}
	return f.Print(out, text)
}

func writeOutcome(w io.Writer, out engine.Outcome) {
	rec := out.Record
	name := string(rec.Kind)
	if rec.CommandType != "" {
		name += "/" + string(rec.CommandType)
	}

	switch {
	case out.Applied:
		fmt.Fprintf(w, "✓ %s %s applied (seq %d)\n", name, rec.ID, rec.Seq)
		fmt.Fprintf(w, "  time %+dms, points %+d, money %s\n",
			rec.MillisecondsApplied, rec.PointsApplied, rec.MoneyApplied.String())
		writeState(w, out.State)
	case out.Duplicate:
		fmt.Fprintf(w, "= %s %s skipped: %s\n", name, rec.ID, out.Reason)
	default:
		fmt.Fprintf(w, "✗ %s %s rejected: %s\n", name, rec.ID, out.Reason)
	}
}
