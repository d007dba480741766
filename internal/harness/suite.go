package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SuiteOptions configures RunSuite.
type SuiteOptions struct {
	// Filter is a glob matched against scenario file names without extension.
	Filter string

	// GoldenDir holds golden traces. Empty disables golden comparison.
	GoldenDir string

	// Update rewrites golden files instead of comparing them.
	Update bool
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name        string   `json:"name"`
	Path        string   `json:"path"`
	Pass        bool     `json:"pass"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// SuiteResult summarizes a directory of scenarios.
type SuiteResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// RunSuite loads and runs every scenario in dir.
//
// For each scenario file:
// 1. Load and validate the YAML
// 2. Run it through the engine
// 3. Compare (or rewrite) its golden trace, when one exists
// 4. Collect the result
//
// Load and execution failures count as failed scenarios; only an
// unreadable directory or a bad filter is returned as an error.
func RunSuite(ctx context.Context, dir string, opts SuiteOptions) (*SuiteResult, error) {
	files, err := ScenarioFiles(dir)
	if err != nil {
		return nil, err
	}

	suite := &SuiteResult{Scenarios: []ScenarioResult{}}
	for _, path := range files {
		name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		if opts.Filter != "" {
			matched, err := filepath.Match(opts.Filter, name)
			if err != nil {
				return nil, fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				continue
			}
		}

		res := runFile(ctx, path, opts)
		suite.Scenarios = append(suite.Scenarios, res)
		suite.Total++
		if res.Pass {
			suite.Passed++
		} else {
			suite.Failed++
		}
	}
	return suite, nil
}

func runFile(ctx context.Context, path string, opts SuiteOptions) ScenarioResult {
	res := ScenarioResult{Path: path}
	fail := func(format string, args ...any) ScenarioResult {
		res.Pass = false
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
		return res
	}

	scenario, err := LoadScenario(path)
	if err != nil {
		return fail("failed to load scenario: %v", err)
	}
	res.Name = scenario.Name

	run, err := RunContext(ctx, scenario)
	if err != nil {
		return fail("scenario execution failed: %v", err)
	}
	res.Pass = run.Pass
	res.Errors = append(res.Errors, run.Errors...)
	if res.Fingerprint, err = Fingerprint(run.Trace); err != nil {
		return fail("fingerprint: %v", err)
	}

	if opts.GoldenDir == "" {
		return res
	}
	if opts.Update {
		if err := WriteGolden(opts.GoldenDir, scenario.Name, run); err != nil {
			return fail("%v", err)
		}
		return res
	}
	match, err := CompareGolden(opts.GoldenDir, scenario.Name, run)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No golden file: assertions only.
		return res
	case err != nil:
		return fail("%v", err)
	case !match:
		return fail("trace differs from %s (run with --update to regenerate)", GoldenPath(opts.GoldenDir, scenario.Name))
	}
	return res
}
