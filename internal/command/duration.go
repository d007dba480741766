package command

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	errEmptyDuration = errors.New("empty duration")
	errZeroDuration  = errors.New("duration must be greater than zero")
)

var (
	compoundPattern = regexp.MustCompile(`^(?:\d+[dhms])+$`)
	unitGroup       = regexp.MustCompile(`(\d+)([dhms])`)
	clockPattern    = regexp.MustCompile(`^\d+(?::\d+){1,2}$`)
)

var unitDurations = map[string]time.Duration{
	"d": 24 * time.Hour,
	"h": time.Hour,
	"m": time.Minute,
	"s": time.Second,
}

// ParseDuration parses an operator time argument.
//
// Accepted forms:
//
//	50          bare seconds
//	5h5m, 1d 2h compound d/h/m/s groups, whitespace allowed between groups
//	1:30:00     h:mm:ss
//	90:00       mm:ss
//
// Each unit may appear once. The result must be positive.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0, errEmptyDuration
	}

	var (
		d   time.Duration
		err error
	)
	switch {
	case isDigits(s):
		d, err = scale(s, time.Second)
	case clockPattern.MatchString(s):
		d, err = parseClock(s)
	default:
		d, err = parseCompound(s)
	}
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errZeroDuration
	}
	return d, nil
}

func parseCompound(s string) (time.Duration, error) {
	compact := strings.Join(strings.Fields(s), "")
	if !compoundPattern.MatchString(compact) {
		return 0, fmt.Errorf("invalid duration %q", s)
	}

	var total time.Duration
	seen := make(map[string]bool, 4)
	for _, m := range unitGroup.FindAllStringSubmatch(compact, -1) {
		unit := m[2]
		if seen[unit] {
			return 0, fmt.Errorf("invalid duration %q: unit %q repeated", s, unit)
		}
		seen[unit] = true

		part, err := scale(m[1], unitDurations[unit])
		if err != nil {
			return 0, err
		}
		if total > math.MaxInt64-part {
			return 0, fmt.Errorf("duration %q out of range", s)
		}
		total += part
	}
	return total, nil
}

func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	units := []time.Duration{time.Minute, time.Second}
	if len(parts) == 3 {
		units = []time.Duration{time.Hour, time.Minute, time.Second}
	}

	var total time.Duration
	for i, p := range parts {
		part, err := scale(p, units[i])
		if err != nil {
			return 0, err
		}
		// Only the leading field may exceed its natural range.
		if i > 0 && part >= 60*units[i] {
			return 0, fmt.Errorf("invalid clock duration %q", s)
		}
		total += part
	}
	return total, nil
}

// scale multiplies a decimal digit string by unit, rejecting overflow.
func scale(digits string, unit time.Duration) (time.Duration, error) {
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration number %q: %w", digits, err)
	}
	if n > int64(math.MaxInt64/unit) {
		return 0, fmt.Errorf("duration %s%s out of range", digits, unitSuffix(unit))
	}
	return time.Duration(n) * unit, nil
}

func unitSuffix(unit time.Duration) string {
	for k, v := range unitDurations {
		if v == unit {
			return k
		}
	}
	return ""
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
