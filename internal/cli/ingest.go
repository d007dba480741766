package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/subathon/internal/engine"
	"github.com/roach88/subathon/internal/ir"
)

// IngestResult summarizes an ingest.
type IngestResult struct {
	Submitted int `json:"submitted"`
	Applied   int `json:"applied"`
	Rejected  int `json:"rejected"`

	// Skipped counts duplicates and submissions that failed to commit.
	// Neither is notified.
	Skipped int `json:"skipped"`
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EngineOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest [file]",
		Short: "Process a stream of normalized events",
		Long: `Read newline-delimited JSON events from a file (or stdin) and process
them through the engine's intake queue against the active run.

Each line is one normalized event:

  {"kind":"donation","source":"streamlabs","user":"alice","raw_value":"5","currency_code":"EUR","external_id":"sl-1"}
  {"kind":"subscription","source":"twitch","user":"bob","raw_value":"1000","external_id":"tw-9"}
  {"kind":"cheer","source":"twitch","user":"carol","raw_value":"","unit_amount":500}

Redelivering a stream is safe: records already applied are skipped.

Examples:
  subathon ingest --db ./subathon.db events.ndjson
  tail -f alerts.ndjson | subathon ingest --db ./subathon.db`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return WrapExitError(ExitCommandError, "failed to open input", err)
				}
				defer f.Close()
				in = f
			}
			return runIngest(opts, in, cmd)
		},
	}

	addDatabaseFlag(cmd, opts)
	addConfigFlag(cmd, opts)
	return cmd
}

func runIngest(opts *EngineOptions, in io.Reader, cmd *cobra.Command) error {
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

	var result IngestResult

	// Notifications are counted while the engine runs; the channel closes
	// when the subscription is cancelled after the run loop returns.
	notes, unsubscribe := a.engine.Hub().Subscribe(1024)
	counted := make(chan struct{})
	go func() {
		defer close(counted)
		for n := range notes {
			switch n.Type {
			case engine.NotifyEventApplied:
				result.Applied++
			case engine.NotifyEventRejected:
				result.Rejected++
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.engine.Run(gctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer a.engine.Stop()
		n, err := enqueueStream(gctx, in, a.engine, runID)
		result.Submitted = n
		return err
	})
	err = g.Wait()
	unsubscribe()
	<-counted

	if err != nil {
		return WrapExitError(ExitCommandError, "ingest failed", err)
	}
	if dropped := a.engine.Hub().Dropped(); dropped > 0 {
		a.logger.Warn("ingest counts incomplete", "event", "notifications_dropped", "dropped", dropped)
	}

	result.Skipped = max(result.Submitted-result.Applied-result.Rejected, 0)

	return a.out.Print(result, func(w io.Writer) {
		fmt.Fprintf(w, "Ingested %d event(s): %d applied, %d rejected, %d skipped\n",
			result.Submitted, result.Applied, result.Rejected, result.Skipped)
	})
}

// enqueueStream decodes NDJSON events from r and submits each one.
// It returns the number submitted.
func enqueueStream(ctx context.Context, r io.Reader, eng *engine.Engine, runID string) (int, error) {
	dec := json.NewDecoder(r)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}

		var ev ir.NormalizedEvent
		err := dec.Decode(&ev)
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("decode event %d: %w", n+1, err)
		}

		if !eng.Enqueue(engine.Submission{RunID: runID, Record: ev.Record()}) {
			return n, fmt.Errorf("engine stopped before event %d", n+1)
		}
		n++
	}
}
