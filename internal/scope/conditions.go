package scope

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// unitPattern matches the value/unit tokens the instrument prints in its
// condition record, e.g. "1ms", "500us", "0.5V". Integer values run three
// digits at most; fractional values take the 0.xx form.
var unitPattern = regexp.MustCompile(`([0-9]{1,3}|0.[0-9]{1,2})(mV|V|uV|s|ms|us)`)

// Field positions within the comma-separated condition record.
const (
	conditionTimeField    = 3
	conditionVoltageField = 7
	conditionMinFields    = 12
)

// ParseUnit extracts the first value/unit token from a condition field. The
// multiplier converts the printed value to base units: s and V scale by 1,
// ms and mV by 1e3, us and uV by 1e6.
func ParseUnit(field string) (ValueUnitPair, error) {
	m := unitPattern.FindStringSubmatch(field)
	if m == nil {
		return ValueUnitPair{}, fmt.Errorf("os3000: no unit token in %q: %w", field, ErrConditionFrame)
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return ValueUnitPair{}, fmt.Errorf("os3000: unit value %q: %w: %w", m[1], ErrConditionFrame, err)
	}
	pair := ValueUnitPair{Value: value, UnitName: m[2]}
	switch m[2] {
	case "s", "V":
		pair.UnitMult = 1
	case "ms", "mV":
		pair.UnitMult = 1e3
	case "us", "uV":
		pair.UnitMult = 1e6
	}
	return pair, nil
}

// ParseScaleUnits decodes the time-per-division and volts-per-division
// tokens from a raw condition record.
func ParseScaleUnits(record string) (timePerDiv, voltsPerDiv ValueUnitPair, err error) {
	fields := strings.Split(record, ",")
	if len(fields) < conditionMinFields {
		return ValueUnitPair{}, ValueUnitPair{}, fmt.Errorf("os3000: condition record has %d fields, want %d: %w",
			len(fields), conditionMinFields, ErrConditionFrame)
	}
	timePerDiv, err = ParseUnit(fields[conditionTimeField])
	if err != nil {
		return ValueUnitPair{}, ValueUnitPair{}, err
	}
	voltsPerDiv, err = ParseUnit(fields[conditionVoltageField])
	if err != nil {
		return ValueUnitPair{}, ValueUnitPair{}, err
	}
	return timePerDiv, voltsPerDiv, nil
}

// ScaleWaveform converts raw sample bytes to voltages. A byte of 128 is the
// zero line and each count is voltsPerDiv/25; the display runs positive-up,
// so raw values above the zero line come out negative.
func ScaleWaveform(raw []byte, voltsPerDiv, scaleFactor float64) []float64 {
	out := make([]float64, len(raw))
	for i, b := range raw {
		out[i] = -(float64(b) - 128.0) * (voltsPerDiv / 25.0) * scaleFactor
	}
	return out
}

// UnitScale applies a pair's unit multiplier to samples in place.
func UnitScale(samples []float64, unit ValueUnitPair) {
	for i := range samples {
		samples[i] *= unit.UnitMult
	}
}

// ScaleTime maps a sample index to its time offset for the given sweep.
func ScaleTime(index int, timePerDiv, scaleFactor float64) float64 {
	return (timePerDiv / 100.0) * float64(index) * scaleFactor
}
