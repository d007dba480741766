package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/roach88/subathon/internal/config"
)

// ConfigProblem is one validation error as reported by the CLI.
type ConfigProblem struct {
	Code    string `json:"code"`
	Field   string `json:"field"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	File     string          `json:"file"`
	Currency string          `json:"currency,omitempty"`
	Commands []string        `json:"commands,omitempty"`
	Values   int             `json:"values,omitempty"`
	Errors   []ConfigProblem `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <config>",
		Short: "Validate a configuration file",
		Long: `Validate a CUE configuration file without starting the engine.

Checks the document against the schema, then checks durations, currency
codes, value rows, command aliases and static rates. Every problem found
is reported, not just the first.

Exit codes:
  0 - Configuration is valid
  1 - Configuration has errors
  2 - Command error (file not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	f := newFormatter(cmd, opts)

	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, fmt.Sprintf("config file not found: %s", path), err)
	}
	f.VerboseLog("Validating %s", path)

	cfg, err := config.Load(path)
	if err != nil {
		var verrs config.ValidationErrors
		if !errors.As(err, &verrs) {
			return WrapExitError(ExitCommandError, "failed to load config", err)
		}
		result := ValidationResult{File: path, Errors: problems(verrs)}
		return f.Fail(ExitFailure, ErrCodeInvalidConf,
			fmt.Sprintf("%d validation error(s)", len(verrs)), result,
			func(w io.Writer) {
				fmt.Fprintf(w, "✗ %s: %d error(s)\n", path, len(verrs))
				for _, p := range result.Errors {
					if p.Line > 0 {
						fmt.Fprintf(w, "  [%s] line %d: %s: %s\n", p.Code, p.Line, p.Field, p.Message)
					} else {
						fmt.Fprintf(w, "  [%s] %s: %s\n", p.Code, p.Field, p.Message)
					}
				}
			})
	}

	commands := make([]string, 0, len(cfg.Commands))
	for name := range cfg.Commands {
		commands = append(commands, name)
	}
	sort.Strings(commands)

	result := ValidationResult{
		Valid:    true,
		File:     path,
		Currency: cfg.Currency,
		Commands: commands,
		Values:   cfg.ValueTable().Len(),
	}
	return f.Print(result, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s is valid\n", path)
		fmt.Fprintf(w, "  currency: %s\n", result.Currency)
		fmt.Fprintf(w, "  commands: %d configured\n", len(result.Commands))
		fmt.Fprintf(w, "  values:   %d row(s)\n", result.Values)
	})
}

func problems(verrs config.ValidationErrors) []ConfigProblem {
	out := make([]ConfigProblem, 0, len(verrs))
	for _, e := range verrs {
		p := ConfigProblem{Code: e.Code, Field: e.Field, Message: e.Message}
		if e.Pos.IsValid() {
			p.Line = e.Pos.Line()
		}
		out = append(out, p)
	}
	return out
}
