package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/ethpandaops/energyoor/pkg/analysis"
	"github.com/ethpandaops/energyoor/pkg/report"
	"github.com/ethpandaops/energyoor/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	summarizeFormat    string
	summarizeFromStore bool
	summarizeWorkloads []string
	summarizeOutput    string
)

var summarizeCmd = &cobra.Command{
	Use:   "summarize [table.csv]...",
	Short: "Summarize and compare measurement tables",
	Long: `Load measurement tables, one per variant, and print descriptive statistics
for each variant plus pairwise comparisons. Variant names are derived from
the table file names (energy_measurements_<name>.csv).

With --from-store the records are read from the configured database instead,
one variant per workload.`,
	RunE: runSummarize,
}

func init() {
	rootCmd.AddCommand(summarizeCmd)
	summarizeCmd.Flags().StringVar(&summarizeFormat, "format", analysis.FormatMarkdown,
		"Output format (markdown, json)")
	summarizeCmd.Flags().BoolVar(&summarizeFromStore, "from-store", false,
		"Read records from the configured database")
	summarizeCmd.Flags().StringSliceVar(&summarizeWorkloads, "workload", nil,
		"Workloads to include with --from-store (defaults to all)")
	summarizeCmd.Flags().StringVarP(&summarizeOutput, "output", "o", "",
		"Write the summary to a file instead of stdout")
}

func runSummarize(cmd *cobra.Command, args []string) error {
	var (
		variants []analysis.Variant
		err      error
	)

	if summarizeFromStore {
		variants, err = variantsFromStore(cmd)
	} else {
		if len(args) == 0 {
			return errors.New("at least one table is required")
		}

		variants, err = loadVariants(cmd, args)
	}

	if err != nil {
		return err
	}

	summary := analysis.Summarize(variants)

	var out io.Writer = os.Stdout

	if summarizeOutput != "" {
		f, err := os.Create(summarizeOutput)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer func() { _ = f.Close() }()

		out = f
	}

	if err := analysis.Write(out, summary, summarizeFormat); err != nil {
		return fmt.Errorf("writing summary: %w", err)
	}

	if summarizeOutput != "" {
		log.WithFields(logrus.Fields{
			"path":     summarizeOutput,
			"variants": len(variants),
		}).Info("Wrote summary")
	}

	return nil
}

// loadVariants reads the tables concurrently. Variant order follows the
// argument order.
func loadVariants(cmd *cobra.Command, paths []string) ([]analysis.Variant, error) {
	variants := make([]analysis.Variant, len(paths))

	g, _ := errgroup.WithContext(cmd.Context())
	g.SetLimit(runtime.NumCPU())

	for i, path := range paths {
		g.Go(func() error {
			records, err := report.ReadTable(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}

			variants[i] = analysis.Variant{
				Name:    analysis.VariantName(path),
				Records: records,
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return variants, nil
}

func variantsFromStore(cmd *cobra.Command) ([]analysis.Variant, error) {
	cfg, err := loadConfig(true)
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()

	st := store.NewStore(log, &cfg.Store.Database)
	if err := st.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	workloads := summarizeWorkloads
	if len(workloads) == 0 {
		workloads, err = st.ListWorkloads(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing workloads: %w", err)
		}
	}

	variants := make([]analysis.Variant, 0, len(workloads))

	for _, w := range workloads {
		runs, err := st.ListRunsByWorkload(ctx, w)
		if err != nil {
			return nil, fmt.Errorf("listing runs for %s: %w", w, err)
		}

		variants = append(variants, analysis.Variant{
			Name:    w,
			Records: store.Records(runs),
		})
	}

	return variants, nil
}
