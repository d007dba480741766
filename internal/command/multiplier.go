package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var factorToken = regexp.MustCompile(`^(\d+(?:\.\d+)?|\.\d+)([a-z]*)$`)

// MultiplierSpec is a parsed SetMultiplier argument.
type MultiplierSpec struct {
	Factor         float64
	Duration       *time.Duration
	ApplyToPoints  bool
	ApplyToSeconds bool
}

// Targets reports whether the spec scales anything.
func (m MultiplierSpec) Targets() bool {
	return m.ApplyToPoints || m.ApplyToSeconds
}

// Encode renders the record RawValue: factor|seconds|points|time, with "x"
// standing in for the seconds of an open-ended multiplier.
func (m MultiplierSpec) Encode() string {
	secs := "x"
	if m.Duration != nil {
		secs = strconv.FormatInt(int64(*m.Duration/time.Second), 10)
	}
	return fmt.Sprintf("%s|%ss|%t|%t",
		strconv.FormatFloat(m.Factor, 'f', -1, 64), secs, m.ApplyToPoints, m.ApplyToSeconds)
}

// ParseMultiplier parses "<factor><suffix> [<duration>]", for example
// "2pt 1h" or "1.5p". The suffix letters p and t select points and time;
// other letters are ignored.
func ParseMultiplier(arg string) (MultiplierSpec, error) {
	fields := strings.Fields(strings.ToLower(arg))
	if len(fields) == 0 {
		return MultiplierSpec{}, fmt.Errorf("missing multiplier factor")
	}

	m := factorToken.FindStringSubmatch(fields[0])
	if m == nil {
		return MultiplierSpec{}, fmt.Errorf("invalid multiplier %q", fields[0])
	}
	factor, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return MultiplierSpec{}, fmt.Errorf("invalid multiplier factor %q: %w", m[1], err)
	}
	if factor <= 0 {
		return MultiplierSpec{}, fmt.Errorf("multiplier factor must be positive, got %s", m[1])
	}

	spec := MultiplierSpec{
		Factor:         factor,
		ApplyToPoints:  strings.Contains(m[2], "p"),
		ApplyToSeconds: strings.Contains(m[2], "t"),
	}

	if len(fields) > 1 {
		d, err := ParseDuration(strings.Join(fields[1:], " "))
		if err != nil {
			return MultiplierSpec{}, fmt.Errorf("invalid multiplier duration: %w", err)
		}
		spec.Duration = &d
	}
	return spec, nil
}

// DecodeMultiplier parses a RawValue produced by Encode.
func DecodeMultiplier(raw string) (MultiplierSpec, error) {
	parts := strings.Split(raw, "|")
	if len(parts) != 4 {
		return MultiplierSpec{}, fmt.Errorf("invalid multiplier value %q", raw)
	}

	factor, err := strconv.ParseFloat(parts[0], 64)
	if err != nil || factor <= 0 {
		return MultiplierSpec{}, fmt.Errorf("invalid multiplier factor %q", parts[0])
	}
	spec := MultiplierSpec{Factor: factor}

	secs := strings.TrimSuffix(parts[1], "s")
	if secs != "x" {
		n, err := strconv.ParseInt(secs, 10, 64)
		if err != nil || n <= 0 {
			return MultiplierSpec{}, fmt.Errorf("invalid multiplier duration %q", parts[1])
		}
		d := time.Duration(n) * time.Second
		spec.Duration = &d
	}

	if spec.ApplyToPoints, err = strconv.ParseBool(parts[2]); err != nil {
		return MultiplierSpec{}, fmt.Errorf("invalid multiplier points flag %q", parts[2])
	}
	if spec.ApplyToSeconds, err = strconv.ParseBool(parts[3]); err != nil {
		return MultiplierSpec{}, fmt.Errorf("invalid multiplier time flag %q", parts[3])
	}
	return spec, nil
}
