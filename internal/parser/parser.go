// Package parser provides value parsing for gateway responses: unit-bearing numbers,
// hex or decimal integers, and a tagged XML tree with Name/Value lookups.
package parser

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// ErrParse is returned when no numeric value can be extracted from a field.
var ErrParse = errors.New("parse error")

// unitPattern matches a number followed by a trailing unit token, e.g. "0.070000 kW",
// "14.329000 kWh", "96%" or "0.12 USD/kWh".
var unitPattern = regexp.MustCompile(`^([-+]?(?:\d+(?:\.\d*)?|\.\d+)(?:[eE][-+]?\d+)?)\s*([^\d\s.+-][^\d]*)$`)

// Measure is a parsed numeric value together with the unit it was reported in.
type Measure struct {
	Value float64
	Unit  string
}

// HasUnit reports whether the value carried a unit suffix.
func (m Measure) HasUnit() bool {
	return m.Unit != ""
}

// ParseMeasure extracts a number from a bare numeric string or a "<number> <unit>" string.
// NaN and infinities are rejected so a firmware sentinel such as "nan" fails the field.
func ParseMeasure(s string) (Measure, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Measure{}, fmt.Errorf("%w: empty value", ErrParse)
	}

	if v, err := strconv.ParseFloat(s, 64); err == nil {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Measure{}, fmt.Errorf("%w: non-finite value %q", ErrParse, s)
		}
		return Measure{Value: v}, nil
	}

	match := unitPattern.FindStringSubmatch(s)
	if match == nil {
		return Measure{}, fmt.Errorf("%w: no numeric prefix in %q", ErrParse, s)
	}

	v, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return Measure{}, fmt.Errorf("%w: %q: %v", ErrParse, s, err)
	}

	return Measure{Value: v, Unit: strings.TrimSpace(match[2])}, nil
}

// ParseUnit returns only the numeric part of ParseMeasure.
func ParseUnit(s string) (float64, error) {
	m, err := ParseMeasure(s)
	if err != nil {
		return 0, err
	}
	return m.Value, nil
}

// ParseHexOrDecimal parses a device-reported unsigned integer. A "0x" prefix selects
// base 16, anything else is base 10. Empty input yields 0 without an error.
func ParseHexOrDecimal(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: hex value %q: %v", ErrParse, s, err)
		}
		return v, nil
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: decimal value %q: %v", ErrParse, s, err)
	}
	return v, nil
}

// FormatHex renders a value the way the gateway reports addresses and timestamps.
func FormatHex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
