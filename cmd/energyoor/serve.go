package main

import (
	"fmt"

	"github.com/ethpandaops/energyoor/pkg/api"
	"github.com/ethpandaops/energyoor/pkg/store"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only results API",
	Long: `Start an HTTP server exposing sessions, run records and summaries from the
configured database, plus the files of each session directory.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	st := store.NewStore(log, &cfg.Store.Database)
	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	defer func() {
		if err := st.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop store")
		}
	}()

	srv := api.NewServer(log, &cfg.API, st, cfg.Global.ResultsDir)
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	log.WithField("addr", srv.Addr()).Info("API server running, press Ctrl+C to stop")

	<-ctx.Done()

	log.Info("Shutting down")

	if err := srv.Stop(); err != nil {
		return fmt.Errorf("stopping API server: %w", err)
	}

	return nil
}
