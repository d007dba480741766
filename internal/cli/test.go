package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/subathon/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario filter (glob pattern)
	GoldenDir string // golden trace directory
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run scenario files against the engine",
		Long: `Run YAML scenarios through a fresh in-memory engine with a fake clock.

Each scenario's step expectations and assertions are checked, and its
trace is compared with a golden file when one exists. Golden files are
looked up in --golden, or in a "golden" directory next to the scenarios.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  subathon test ./scenarios
  subathon test ./scenarios --filter "hype_*"
  subathon test ./scenarios --update
  subathon test ./scenarios --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden", "", "golden trace directory (default: <scenarios-dir>/../golden)")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts.RootOptions)

	info, err := os.Stat(scenariosDir)
	if err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}

	goldenDir := resolveGoldenDir(opts, scenariosDir)
	if goldenDir != "" {
		f.VerboseLog("Using golden directory %s", goldenDir)
	}

	suite, err := harness.RunSuite(commandContext(cmd), scenariosDir, harness.SuiteOptions{
		Filter:    opts.Filter,
		GoldenDir: goldenDir,
		Update:    opts.Update,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to run scenarios", err)
	}

	text := func(w io.Writer) {
		if suite.Total == 0 {
			fmt.Fprintln(w, "No scenarios found.")
			return
		}
		for _, s := range suite.Scenarios {
			name := s.Name
			if name == "" {
				name = filepath.Base(s.Path)
			}
			if s.Pass {
				if opts.Update && goldenDir != "" {
					fmt.Fprintf(w, "✓ %s (golden updated)\n", name)
				} else {
					fmt.Fprintf(w, "✓ %s\n", name)
				}
				continue
			}
			fmt.Fprintf(w, "✗ %s\n", name)
			for _, e := range s.Errors {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n",
			suite.Passed, suite.Failed, suite.Total)
	}

	if suite.Failed > 0 {
		return f.Fail(ExitFailure, ErrCodeTestFailed,
			fmt.Sprintf("%d of %d scenario(s) failed", suite.Failed, suite.Total), suite, text)
	}
	return f.Print(suite, text)
}

// resolveGoldenDir picks the golden directory: the flag when set,
// otherwise a "golden" sibling of the scenarios directory when it exists
// or is about to be written.
func resolveGoldenDir(opts *TestOptions, scenariosDir string) string {
	if opts.GoldenDir != "" {
		return opts.GoldenDir
	}
	dir := filepath.Join(filepath.Dir(filepath.Clean(scenariosDir)), "golden")
	if opts.Update {
		return dir
	}
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir
	}
	return ""
}
