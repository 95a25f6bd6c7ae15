package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/ethpandaops/energyoor/pkg/config"
	"github.com/ethpandaops/energyoor/pkg/cpufreq"
	"github.com/ethpandaops/energyoor/pkg/credential"
	"github.com/ethpandaops/energyoor/pkg/docker"
	"github.com/ethpandaops/energyoor/pkg/fsutil"
	"github.com/ethpandaops/energyoor/pkg/podman"
	"github.com/ethpandaops/energyoor/pkg/runner"
	"github.com/ethpandaops/energyoor/pkg/sampler"
	"github.com/ethpandaops/energyoor/pkg/store"
	"github.com/ethpandaops/energyoor/pkg/upload"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	limitWorkloads []string
	logsToStdout   bool
)

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Measure the configured workloads",
	Long: `Run every configured workload sequentially. Each workload gets a session:
a warm-up, then the configured number of sampled runs with a pause between
them. Results are written to <results_dir>/<workload>/<timestamp>_<id>/.`,
	RunE: runMeasure,
}

func init() {
	rootCmd.AddCommand(measureCmd)
	measureCmd.Flags().StringSliceVar(&limitWorkloads, "limit-workload", nil,
		"Limit to workloads with these names (comma-separated or repeated flag)")
	measureCmd.Flags().BoolVar(&logsToStdout, "logs-to-stdout", false,
		"Mirror the sampling utility output to stdout")
}

func runMeasure(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	workloads := filterWorkloads(cfg.Workloads, limitWorkloads)
	if len(workloads) == 0 {
		return fmt.Errorf("no workloads match the specified filters")
	}

	if len(workloads) != len(cfg.Workloads) {
		log.WithFields(logrus.Fields{
			"total":    len(cfg.Workloads),
			"filtered": len(workloads),
		}).Info("Measuring filtered workloads")
	}

	resultsOwner, err := fsutil.ParseOwner(cfg.Global.ResultsOwner)
	if err != nil {
		return fmt.Errorf("parsing results_owner: %w", err)
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	deps := runner.Dependencies{
		Sampler: buildSampler(cfg),
	}

	if needsContainers(workloads) || cfg.Global.CleanupOnStart {
		containerMgr, err := newContainerManager(cfg.Global.ContainerRuntime)
		if err != nil {
			return fmt.Errorf("creating container manager: %w", err)
		}

		if err := containerMgr.Start(ctx); err != nil {
			return fmt.Errorf("starting container manager: %w", err)
		}

		defer func() {
			if err := containerMgr.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop container manager")
			}
		}()

		if cfg.Global.CleanupOnStart {
			log.Info("Performing cleanup before start")

			if err := performCleanup(ctx, []docker.ContainerManager{containerMgr}, cfg.Global.StateDir, true); err != nil {
				log.WithError(err).Warn("Cleanup failed")
			}
		}

		deps.Containers = containerMgr
	}

	var cpuCfg *cpufreq.Config

	if cfg.CPU.Enabled() {
		if err := cpufreq.HasWriteAccess(cfg.CPU.SysfsPath); err != nil {
			return fmt.Errorf("cpu settings need write access: %w", err)
		}

		cpuMgr := cpufreq.NewManager(log, cfg.Global.StateDir, cfg.CPU.SysfsPath)
		if err := cpuMgr.Start(ctx); err != nil {
			return fmt.Errorf("starting cpufreq manager: %w", err)
		}

		defer func() {
			if err := cpuMgr.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop cpufreq manager")
			}
		}()

		deps.CPUFreq = cpuMgr
		cpuCfg = &cpufreq.Config{
			Frequency:  cfg.CPU.Frequency,
			TurboBoost: cfg.CPU.TurboBoost,
			Governor:   cfg.CPU.Governor,
		}
	}

	if cfg.Store.Enabled {
		st := store.NewStore(log, &cfg.Store.Database)
		if err := st.Start(ctx); err != nil {
			return fmt.Errorf("starting store: %w", err)
		}

		defer func() {
			if err := st.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop store")
			}
		}()

		deps.Store = st
	}

	if cfg.Upload.S3.Enabled {
		uploader, err := upload.NewS3Uploader(log, &cfg.Upload.S3)
		if err != nil {
			return fmt.Errorf("creating S3 uploader: %w", err)
		}

		if err := uploader.Preflight(ctx); err != nil {
			return fmt.Errorf("upload preflight: %w", err)
		}

		deps.Uploader = uploader
	}

	snapshot, err := cfg.YAML()
	if err != nil {
		return fmt.Errorf("rendering config snapshot: %w", err)
	}

	r := runner.NewRunner(log, &runner.Config{
		ResultsDir:     cfg.Global.ResultsDir,
		ResultsOwner:   resultsOwner,
		WorkloadPause:  cfg.Session.WorkloadPause,
		LogsToStdout:   logsToStdout,
		CPU:            cpuCfg,
		CPUs:           cfg.CPU.CPUs,
		ConfigSnapshot: snapshot,
	}, deps)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("starting runner: %w", err)
	}

	defer func() {
		if err := r.Stop(); err != nil {
			log.WithError(err).Warn("Failed to stop runner")
		}
	}()

	return r.RunAll(ctx, workloads)
}

// buildSampler creates the configured sampling backend. The sudo password
// comes from the credential environment variable, then optionally from an
// interactive prompt.
func buildSampler(cfg *config.Config) sampler.Sampler {
	var creds credential.Provider

	if cfg.Sampler.Sudo {
		providers := []credential.Provider{credential.NewEnv(cfg.Sampler.CredentialEnv)}
		if cfg.Sampler.CredentialPrompt {
			providers = append(providers, credential.NewPrompt(os.Stdin, os.Stderr))
		}

		creds = credential.NewChain(log, providers...)
	}

	switch cfg.Sampler.Type {
	case config.SamplerPowermetrics:
		return sampler.NewPowermetrics(log, &sampler.PowermetricsConfig{
			Path:           cfg.Sampler.Powermetrics.Path,
			Interval:       cfg.Sampler.Powermetrics.Interval,
			Duration:       cfg.Sampler.Powermetrics.Duration,
			Sudo:           cfg.Sampler.Sudo,
			SudoPath:       cfg.Sampler.SudoPath,
			Credentials:    creds,
			TerminateGrace: cfg.Sampler.TerminateGrace,
		})
	default:
		return sampler.NewEnergibridge(log, &sampler.EnergibridgeConfig{
			Path:           cfg.Sampler.Path,
			Interval:       cfg.Sampler.Interval,
			GPU:            cfg.Sampler.GPU,
			Sudo:           cfg.Sampler.Sudo,
			SudoPath:       cfg.Sampler.SudoPath,
			Credentials:    creds,
			RunTimeout:     cfg.Sampler.RunTimeout,
			TerminateGrace: cfg.Sampler.TerminateGrace,
		})
	}
}

func newContainerManager(runtime string) (docker.ContainerManager, error) {
	if runtime == "podman" {
		return podman.NewManager(log)
	}

	return docker.NewManager(log)
}

func needsContainers(workloads []config.Workload) bool {
	return slices.ContainsFunc(workloads, func(w config.Workload) bool {
		return w.IsContainer()
	})
}

// filterWorkloads keeps the named workloads, preserving config order.
func filterWorkloads(workloads []config.Workload, names []string) []config.Workload {
	if len(names) == 0 {
		return workloads
	}

	filtered := make([]config.Workload, 0, len(names))

	for _, w := range workloads {
		if slices.Contains(names, w.Name) {
			filtered = append(filtered, w)
		}
	}

	return filtered
}
