package harness

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Scenarios whose traces are pinned in testdata/golden.
var goldenScenarios = []string{
	"addmoney_cad",
	"duplicate_sub",
	"locked_replay",
	"multiplier_without_target",
	"setpoints",
}

func TestRunWithGolden(t *testing.T) {
	for _, name := range goldenScenarios {
		t.Run(name, func(t *testing.T) {
			result, err := RunWithGolden(t, loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, strings.Join(result.Errors, "\n"))
		})
	}
}

func TestSnapshot_OneCanonicalLinePerStep(t *testing.T) {
	trace := []TraceEvent{
		{Step: 0, Op: OpTick, Duration: "1m0s", Remaining: "59m0s", TotalMoney: "0", Multiplier: "1"},
		{Step: 1, Op: OpReverse, Reversed: []string{"don-1"}, Remaining: "58m0s", TotalPoints: 2, TotalMoney: "3.5", Multiplier: "1.5", Locked: true},
	}

	snap, err := Snapshot(trace)
	require.NoError(t, err)

	want := `{"duration":"1m0s","locked":false,"multiplier":"1","op":"tick","remaining":"59m0s","step":0,"total_money":"0","total_points":0}` + "\n" +
		`{"locked":true,"multiplier":"1.5","op":"reverse","remaining":"58m0s","reversed":["don-1"],"step":1,"total_money":"3.5","total_points":2}` + "\n"
	assert.Equal(t, want, string(snap))
}

func TestSnapshot_Empty(t *testing.T) {
	snap, err := Snapshot(nil)
	require.NoError(t, err)
	assert.Empty(t, snap)
}

func TestFingerprint_ChangesWithTrace(t *testing.T) {
	a, err := Fingerprint([]TraceEvent{{Step: 0, Op: OpTick, Duration: "1m0s"}})
	require.NoError(t, err)
	b, err := Fingerprint([]TraceEvent{{Step: 0, Op: OpTick, Duration: "2m0s"}})
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b)
}

func TestWriteAndCompareGolden(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "golden")
	result, err := Run(loadTestScenario(t, "setpoints"))
	require.NoError(t, err)

	_, err = CompareGolden(dir, "setpoints", result)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, WriteGolden(dir, "setpoints", result))
	match, err := CompareGolden(dir, "setpoints", result)
	require.NoError(t, err)
	assert.True(t, match)

	require.NoError(t, os.WriteFile(GoldenPath(dir, "setpoints"), []byte("{}\n"), 0o644))
	match, err = CompareGolden(dir, "setpoints", result)
	require.NoError(t, err)
	assert.False(t, match)
}
