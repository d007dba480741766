package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/subathon/internal/ir"
)

// GoldenDir is where golden traces live, relative to the test's package.
const GoldenDir = "testdata/golden"

const goldenSuffix = ".golden"

// Snapshot renders a trace for golden comparison: one canonical JSON
// object per step, newline terminated. Timestamps and wall-clock values
// are not part of the trace, so snapshots are stable across runs.
func Snapshot(trace []TraceEvent) ([]byte, error) {
	var buf bytes.Buffer
	for _, ev := range trace {
		line, err := ir.MarshalCanonical(ev.Fields())
		if err != nil {
			return nil, fmt.Errorf("snapshot step %d: %w", ev.Step, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Fingerprint returns the content hash of a trace snapshot.
func Fingerprint(trace []TraceEvent) (string, error) {
	snap, err := Snapshot(trace)
	if err != nil {
		return "", err
	}
	return ir.TraceHash(snap), nil
}

// RunWithGolden executes a scenario and compares its trace against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result's trace against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	snap, err := Snapshot(result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(goldenSuffix),
	)
	g.Assert(t, name, snap)
	return nil
}

// GoldenPath returns the golden file for a scenario under dir.
func GoldenPath(dir, name string) string {
	return filepath.Join(dir, name+goldenSuffix)
}

// CompareGolden reports whether the golden file under dir matches the
// result's trace. A missing golden file is reported as os.ErrNotExist.
func CompareGolden(dir, name string, result *Result) (bool, error) {
	snap, err := Snapshot(result.Trace)
	if err != nil {
		return false, err
	}
	want, err := os.ReadFile(GoldenPath(dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("golden %s: %w", name, os.ErrNotExist)
	}
	if err != nil {
		return false, fmt.Errorf("read golden %s: %w", name, err)
	}
	return bytes.Equal(want, snap), nil
}

// WriteGolden writes the result's trace as the golden file under dir.
func WriteGolden(dir, name string, result *Result) error {
	snap, err := Snapshot(result.Trace)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create golden dir: %w", err)
	}
	if err := os.WriteFile(GoldenPath(dir, name), snap, 0o644); err != nil {
		return fmt.Errorf("write golden %s: %w", name, err)
	}
	return nil
}
