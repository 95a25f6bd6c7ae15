package main

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/ethpandaops/energyoor/pkg/fsutil"
	"github.com/ethpandaops/energyoor/pkg/report"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var extractOutputDir string

var extractCmd = &cobra.Command{
	Use:   "extract <log-file>...",
	Short: "Extract measurements from accumulated sampler logs",
	Long: `Parse one or more accumulated session logs into measurement tables. Every
line carrying an energy summary becomes a row, numbered in order from 0.
energy_logs_<name>.txt is written to energy_measurements_<name>.csv.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExtract,
}

func init() {
	rootCmd.AddCommand(extractCmd)
	extractCmd.Flags().StringVar(&extractOutputDir, "output-dir", "",
		"Directory for the tables (defaults to each log file's directory)")
}

func runExtract(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	owner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	if extractOutputDir != "" {
		if err := os.MkdirAll(extractOutputDir, 0o755); err != nil {
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	g, _ := errgroup.WithContext(cmd.Context())
	g.SetLimit(runtime.NumCPU())

	for _, path := range args {
		g.Go(func() error {
			out := extractOutputPath(path, extractOutputDir)

			n, err := extractFile(path, out, owner)
			if err != nil {
				return fmt.Errorf("extracting %s: %w", path, err)
			}

			log.WithFields(logrus.Fields{
				"log":     path,
				"table":   out,
				"records": n,
			}).Info("Extracted measurements")

			return nil
		})
	}

	return g.Wait()
}

func extractFile(path, out string, owner *fsutil.OwnerConfig) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()

	measurements, err := report.ExtractAll(f)
	if err != nil {
		return 0, err
	}

	records := make([]report.Record, 0, len(measurements))

	for i, m := range measurements {
		rec, err := report.NewRecord(i, m)
		if err != nil {
			return 0, fmt.Errorf("measurement %d: %w", i, err)
		}

		records = append(records, rec)
	}

	if err := report.WriteTable(out, records, owner); err != nil {
		return 0, err
	}

	return len(records), nil
}

// extractOutputPath maps energy_logs_<name>.txt to
// energy_measurements_<name>.csv.
func extractOutputPath(logPath, outDir string) string {
	base := strings.TrimSuffix(filepath.Base(logPath), filepath.Ext(logPath))
	name := strings.TrimPrefix(base, "energy_logs_")

	if outDir == "" {
		outDir = filepath.Dir(logPath)
	}

	return filepath.Join(outDir, "energy_measurements_"+name+".csv")
}
