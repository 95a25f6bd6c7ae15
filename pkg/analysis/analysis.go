// Package analysis computes descriptive statistics over run-record tables
// and compares measurement variants.
package analysis

import (
	"math"
	"path/filepath"
	"slices"
	"strings"

	"github.com/ethpandaops/energyoor/pkg/report"
)

// Variant is a labelled set of records, usually one table.
type Variant struct {
	Name    string
	Records []report.Record
}

// Stats contains descriptive statistics for one metric.
type Stats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
	Max    float64 `json:"max"`
}

// VariantStats summarizes one variant.
type VariantStats struct {
	Name       string  `json:"name"`
	Energy     Stats   `json:"energy_joules"`
	Duration   Stats   `json:"duration_seconds"`
	MeanPowerW float64 `json:"mean_power_watts"`
}

// Comparison compares the mean energy of two variants. PercentChange is
// relative to A and is nil when A's mean is zero.
type Comparison struct {
	A             string   `json:"a"`
	B             string   `json:"b"`
	MeanDiff      float64  `json:"mean_diff_joules"`
	PercentChange *float64 `json:"percent_change,omitempty"`
	CliffsDelta   float64  `json:"cliffs_delta"`
}

// Summary is the result of Summarize.
type Summary struct {
	Variants    []VariantStats `json:"variants"`
	Comparisons []Comparison   `json:"comparisons"`
}

// Summarize describes every variant and compares every pair in input order.
func Summarize(variants []Variant) *Summary {
	summary := &Summary{
		Variants:    make([]VariantStats, 0, len(variants)),
		Comparisons: make([]Comparison, 0),
	}

	for _, v := range variants {
		summary.Variants = append(summary.Variants, DescribeVariant(v))
	}

	for i := 0; i < len(variants); i++ {
		for j := i + 1; j < len(variants); j++ {
			summary.Comparisons = append(summary.Comparisons,
				Compare(variants[i], variants[j]))
		}
	}

	return summary
}

// DescribeVariant computes energy, duration and power statistics.
func DescribeVariant(v Variant) VariantStats {
	energy := make([]float64, 0, len(v.Records))
	duration := make([]float64, 0, len(v.Records))
	power := make([]float64, 0, len(v.Records))

	for _, r := range v.Records {
		energy = append(energy, r.EnergyJoules)
		duration = append(duration, r.DurationSeconds)

		if r.DurationSeconds > 0 {
			power = append(power, r.EnergyJoules/r.DurationSeconds)
		}
	}

	return VariantStats{
		Name:       v.Name,
		Energy:     Describe(energy),
		Duration:   Describe(duration),
		MeanPowerW: mean(power),
	}
}

// Describe computes descriptive statistics. The standard deviation is the
// sample standard deviation and is zero for fewer than two values.
func Describe(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}

	sorted := slices.Clone(values)
	slices.Sort(sorted)

	m := mean(sorted)

	var stddev float64

	if len(sorted) > 1 {
		var sq float64
		for _, v := range sorted {
			sq += (v - m) * (v - m)
		}

		stddev = math.Sqrt(sq / float64(len(sorted)-1))
	}

	return Stats{
		Count:  len(sorted),
		Mean:   m,
		StdDev: stddev,
		Min:    sorted[0],
		Median: median(sorted),
		P95:    percentile(sorted, 95),
		Max:    sorted[len(sorted)-1],
	}
}

// Compare compares the energy of two variants.
func Compare(a, b Variant) Comparison {
	ea := energies(a.Records)
	eb := energies(b.Records)
	ma, mb := mean(ea), mean(eb)

	c := Comparison{
		A:           a.Name,
		B:           b.Name,
		MeanDiff:    math.Abs(ma - mb),
		CliffsDelta: CliffsDelta(ea, eb),
	}

	if ma != 0 {
		pct := (mb - ma) / ma * 100
		c.PercentChange = &pct
	}

	return c
}

// CliffsDelta returns the effect size of b relative to a in [-1, 1].
// Positive values mean b tends to be larger.
func CliffsDelta(a, b []float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	var gt, lt int

	for _, x := range a {
		for _, y := range b {
			switch {
			case y > x:
				gt++
			case y < x:
				lt++
			}
		}
	}

	return float64(gt-lt) / float64(len(a)*len(b))
}

// VariantName derives a variant label from a table path. Tables named
// energy_measurements_<name>.csv yield <name>.
func VariantName(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	if trimmed, ok := strings.CutPrefix(name, "energy_measurements_"); ok && trimmed != "" {
		return trimmed
	}

	return name
}

func energies(records []report.Record) []float64 {
	out := make([]float64, 0, len(records))
	for _, r := range records {
		out = append(out, r.EnergyJoules)
	}

	return out
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}

	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}

	idx := (p * len(sorted)) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}

	return sorted[idx]
}
