// Package report turns sampling-utility output into run records and
// persists them as append-only CSV tables.
package report

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
)

// ErrNoMeasurement is returned when a report does not contain an energy
// summary line.
var ErrNoMeasurement = errors.New("no energy measurement in report")

// summaryPattern matches the energy summary sentence, e.g.
// "Energy consumption in joules: 12.5 for 3.2 sec of execution.".
var summaryPattern = regexp.MustCompile(
	`Energy consumption in joules:\s*((?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][-+]?[0-9]+)?)\s*for\s*((?:[0-9]+\.?[0-9]*|\.[0-9]+)(?:[eE][-+]?[0-9]+)?)\s*sec`,
)

// Measurement is one (energy, duration) pair taken from a report.
type Measurement struct {
	EnergyJoules    float64
	DurationSeconds float64
}

// AveragePowerWatts returns energy divided by duration, or 0 for a zero
// duration.
func (m Measurement) AveragePowerWatts() float64 {
	if m.DurationSeconds == 0 {
		return 0
	}

	return m.EnergyJoules / m.DurationSeconds
}

// Extract returns the first summary in text, scanning forward. Matches
// whose numbers do not parse are skipped.
func Extract(text string) (Measurement, bool) {
	for _, m := range summaryPattern.FindAllStringSubmatch(text, -1) {
		if meas, ok := parseMatch(m); ok {
			return meas, true
		}
	}

	return Measurement{}, false
}

// MustExtract is Extract returning ErrNoMeasurement instead of a bool.
func MustExtract(text string) (Measurement, error) {
	m, ok := Extract(text)
	if !ok {
		return Measurement{}, ErrNoMeasurement
	}

	return m, nil
}

// ExtractAll scans an accumulated multi-run log and returns one measurement
// per line that carries a summary, in file order.
func ExtractAll(r io.Reader) ([]Measurement, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var out []Measurement

	for scanner.Scan() {
		if m, ok := Extract(scanner.Text()); ok {
			out = append(out, m)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning log: %w", err)
	}

	return out, nil
}

// Render formats a measurement as the summary sentence Extract accepts.
func Render(m Measurement) string {
	return fmt.Sprintf(
		"Energy consumption in joules: %s for %s sec of execution.",
		formatFloat(m.EnergyJoules), formatFloat(m.DurationSeconds),
	)
}

func parseMatch(m []string) (Measurement, bool) {
	energy, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Measurement{}, false
	}

	duration, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Measurement{}, false
	}

	return Measurement{EnergyJoules: energy, DurationSeconds: duration}, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
