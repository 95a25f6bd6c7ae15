package analysis

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Output formats.
const (
	FormatMarkdown = "markdown"
	FormatJSON     = "json"
)

// Write renders the summary in the given format.
func Write(w io.Writer, s *Summary, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("encoding summary: %w", err)
		}

		return nil
	case FormatMarkdown, "":
		if _, err := io.WriteString(w, Markdown(s)); err != nil {
			return fmt.Errorf("writing summary: %w", err)
		}

		return nil
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}

// Markdown renders the summary as markdown tables.
func Markdown(s *Summary) string {
	var sb strings.Builder

	sb.WriteString("# Energy Summary\n\n")

	writeVariants(&sb, s.Variants)
	writeComparisons(&sb, s.Comparisons)

	return sb.String()
}

func writeVariants(sb *strings.Builder, variants []VariantStats) {
	sb.WriteString("## Variants\n\n")

	if len(variants) == 0 {
		sb.WriteString("*No variants.*\n\n")

		return
	}

	sb.WriteString("| Variant | Runs | Mean (J) | Std Dev (J) | Min (J) " +
		"| Median (J) | P95 (J) | Max (J) | Mean Time (sec) | Mean Power (W) |\n")
	sb.WriteString("|---|---|---|---|---|---|---|---|---|---|\n")

	for _, v := range variants {
		fmt.Fprintf(sb, "| %s | %d | %s | %s | %s | %s | %s | %s | %s | %s |\n",
			v.Name,
			v.Energy.Count,
			formatNumber(v.Energy.Mean),
			formatNumber(v.Energy.StdDev),
			formatNumber(v.Energy.Min),
			formatNumber(v.Energy.Median),
			formatNumber(v.Energy.P95),
			formatNumber(v.Energy.Max),
			formatNumber(v.Duration.Mean),
			formatNumber(v.MeanPowerW),
		)
	}

	sb.WriteByte('\n')
}

func writeComparisons(sb *strings.Builder, comparisons []Comparison) {
	if len(comparisons) == 0 {
		return
	}

	sb.WriteString("## Comparisons\n\n")
	sb.WriteString("| A | B | Mean Diff (J) | Change (%) | Cliff's Delta |\n")
	sb.WriteString("|---|---|---|---|---|\n")

	for _, c := range comparisons {
		change := "n/a"
		if c.PercentChange != nil {
			change = formatNumber(*c.PercentChange)
		}

		fmt.Fprintf(sb, "| %s | %s | %s | %s | %s |\n",
			c.A, c.B, formatNumber(c.MeanDiff), change, formatNumber(c.CliffsDelta))
	}

	sb.WriteByte('\n')
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
