package analysis

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/energyoor/pkg/report"
)

func records(pairs ...[2]float64) []report.Record {
	out := make([]report.Record, 0, len(pairs))
	for i, p := range pairs {
		out = append(out, report.Record{Run: i, EnergyJoules: p[0], DurationSeconds: p[1]})
	}

	return out
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		want   Stats
	}{
		{
			name:   "empty",
			values: nil,
			want:   Stats{},
		},
		{
			name:   "single",
			values: []float64{4},
			want:   Stats{Count: 1, Mean: 4, Min: 4, Median: 4, P95: 4, Max: 4},
		},
		{
			name:   "even count",
			values: []float64{4, 1, 3, 2},
			want: Stats{
				Count: 4, Mean: 2.5, StdDev: 1.2909944487358056,
				Min: 1, Median: 2.5, P95: 4, Max: 4,
			},
		},
		{
			name:   "odd count",
			values: []float64{10, 30, 20},
			want:   Stats{Count: 3, Mean: 20, StdDev: 10, Min: 10, Median: 20, P95: 30, Max: 30},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Describe(tt.values)
			assert.Equal(t, tt.want.Count, got.Count)
			assert.InDelta(t, tt.want.Mean, got.Mean, 1e-9)
			assert.InDelta(t, tt.want.StdDev, got.StdDev, 1e-9)
			assert.InDelta(t, tt.want.Min, got.Min, 1e-9)
			assert.InDelta(t, tt.want.Median, got.Median, 1e-9)
			assert.InDelta(t, tt.want.P95, got.P95, 1e-9)
			assert.InDelta(t, tt.want.Max, got.Max, 1e-9)
		})
	}
}

func TestDescribe_DoesNotReorderInput(t *testing.T) {
	values := []float64{3, 1, 2}
	Describe(values)
	assert.Equal(t, []float64{3, 1, 2}, values)
}

func TestDescribeVariant_MeanPower(t *testing.T) {
	v := Variant{Name: "ubuntu", Records: records(
		[2]float64{100, 10},
		[2]float64{60, 2},
		[2]float64{5, 0},
	)}

	got := DescribeVariant(v)
	assert.Equal(t, "ubuntu", got.Name)
	assert.Equal(t, 3, got.Energy.Count)
	assert.InDelta(t, 20.0, got.MeanPowerW, 1e-9, "zero-duration runs are excluded from power")
}

func TestCompare(t *testing.T) {
	a := Variant{Name: "ubuntu", Records: records([2]float64{100, 1}, [2]float64{100, 1})}
	b := Variant{Name: "cuda-base", Records: records([2]float64{150, 1}, [2]float64{130, 1})}

	c := Compare(a, b)
	assert.Equal(t, "ubuntu", c.A)
	assert.Equal(t, "cuda-base", c.B)
	assert.InDelta(t, 40.0, c.MeanDiff, 1e-9)
	require.NotNil(t, c.PercentChange)
	assert.InDelta(t, 40.0, *c.PercentChange, 1e-9)
	assert.InDelta(t, 1.0, c.CliffsDelta, 1e-9)

	reversed := Compare(b, a)
	assert.InDelta(t, 40.0, reversed.MeanDiff, 1e-9, "mean difference is absolute")
	require.NotNil(t, reversed.PercentChange)
	assert.InDelta(t, -28.571428571, *reversed.PercentChange, 1e-6)
	assert.InDelta(t, -1.0, reversed.CliffsDelta, 1e-9)
}

func TestCompare_ZeroBaseline(t *testing.T) {
	a := Variant{Name: "idle", Records: records([2]float64{0, 1})}
	b := Variant{Name: "busy", Records: records([2]float64{5, 1})}

	c := Compare(a, b)
	assert.Nil(t, c.PercentChange)
	assert.InDelta(t, 5.0, c.MeanDiff, 1e-9)
}

func TestCliffsDelta(t *testing.T) {
	tests := []struct {
		name string
		a, b []float64
		want float64
	}{
		{name: "empty", a: nil, b: []float64{1}, want: 0},
		{name: "identical", a: []float64{1, 2}, b: []float64{1, 2}, want: 0},
		{name: "all greater", a: []float64{1, 2}, b: []float64{3, 4}, want: 1},
		{name: "mixed", a: []float64{1, 3}, b: []float64{2}, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CliffsDelta(tt.a, tt.b), 1e-9)
		})
	}
}

func TestSummarize_PairsInInputOrder(t *testing.T) {
	s := Summarize([]Variant{
		{Name: "a", Records: records([2]float64{1, 1})},
		{Name: "b", Records: records([2]float64{2, 1})},
		{Name: "c", Records: records([2]float64{3, 1})},
	})

	require.Len(t, s.Variants, 3)
	require.Len(t, s.Comparisons, 3)

	pairs := make([]string, 0, len(s.Comparisons))
	for _, c := range s.Comparisons {
		pairs = append(pairs, c.A+"-"+c.B)
	}

	assert.Equal(t, []string{"a-b", "a-c", "b-c"}, pairs)
}

func TestVariantName(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{path: "results/energy_measurements_ubuntu.csv", want: "ubuntu"},
		{path: "/tmp/energy_measurements_python-base.csv", want: "python-base"},
		{path: "baseline.csv", want: "baseline"},
		{path: "energy_measurements_.csv", want: "energy_measurements_"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, VariantName(tt.path))
		})
	}
}

func TestWrite(t *testing.T) {
	s := Summarize([]Variant{
		{Name: "idle", Records: records([2]float64{0, 1})},
		{Name: "ubuntu", Records: records([2]float64{10, 2}, [2]float64{12, 2})},
	})

	t.Run("markdown", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, s, FormatMarkdown))

		out := buf.String()
		assert.Contains(t, out, "# Energy Summary")
		assert.Contains(t, out, "| ubuntu | 2 | 11.000 |")
		assert.Contains(t, out, "| idle | ubuntu | 11.000 | n/a |")
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, s, FormatJSON))

		var decoded Summary
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		require.Len(t, decoded.Variants, 2)
		assert.Equal(t, "ubuntu", decoded.Variants[1].Name)
		assert.Nil(t, decoded.Comparisons[0].PercentChange)
	})

	t.Run("unsupported", func(t *testing.T) {
		require.Error(t, Write(&bytes.Buffer{}, s, "xml"))
	})
}
