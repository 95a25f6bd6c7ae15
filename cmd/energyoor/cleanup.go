package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethpandaops/energyoor/pkg/cpufreq"
	"github.com/ethpandaops/energyoor/pkg/docker"
	"github.com/ethpandaops/energyoor/pkg/podman"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var forceCleanup bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove leftover measurement containers and restore CPU settings",
	Long: `Remove containers labelled as managed by energyoor and restore the CPU
settings saved in orphaned state files. Use this after a measure run was
killed before it could clean up after itself.`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVarP(&forceCleanup, "force", "f", false, "Skip confirmation prompt")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	managers := buildCleanupManagers(ctx)

	defer func() {
		for _, mgr := range managers {
			if err := mgr.Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop container manager")
			}
		}
	}()

	return performCleanup(ctx, managers, cfg.Global.StateDir, forceCleanup)
}

// leftover is a managed container together with the runtime that owns it.
type leftover struct {
	docker.ContainerInfo
	runtime docker.ContainerManager
}

// cleanupPlan lists everything a crashed session may have left behind.
type cleanupPlan struct {
	containers []leftover
	stateFiles []cpufreq.StateFile
}

func (p *cleanupPlan) empty() bool {
	return len(p.containers) == 0 && len(p.stateFiles) == 0
}

func (p *cleanupPlan) print(w io.Writer) {
	if len(p.containers) > 0 {
		fmt.Fprintf(w, "\nContainers (%d):\n", len(p.containers))

		for _, c := range p.containers {
			fmt.Fprintf(w, "  - %s %s (%s)\n", c.runtime.RuntimeBinary(), c.Name, c.ID)
		}
	}

	if len(p.stateFiles) > 0 {
		fmt.Fprintf(w, "\nCPU settings to restore (%d):\n", len(p.stateFiles))

		for _, sf := range p.stateFiles {
			fmt.Fprintf(w, "  - %s (saved %s)\n", sf.Path, sf.Timestamp.Format("2006-01-02 15:04:05"))
		}
	}

	fmt.Fprintln(w)
}

func collectCleanupPlan(ctx context.Context, managers []docker.ContainerManager, stateDir string) *cleanupPlan {
	plan := &cleanupPlan{}

	for _, mgr := range managers {
		containers, err := mgr.ListContainers(ctx)
		if err != nil {
			log.WithError(err).WithField("runtime", mgr.RuntimeBinary()).Warn("Failed to list containers")

			continue
		}

		for _, c := range containers {
			plan.containers = append(plan.containers, leftover{ContainerInfo: c, runtime: mgr})
		}
	}

	files, err := cpufreq.ListOrphanedStateFiles(stateDir)
	if err != nil {
		log.WithError(err).Warn("Failed to list CPU frequency state files")
	}

	plan.stateFiles = files

	return plan
}

// performCleanup removes leftover containers across managers and restores
// CPU settings from orphaned state files in stateDir. Without force the
// user confirms on stdin first.
func performCleanup(
	ctx context.Context,
	managers []docker.ContainerManager,
	stateDir string,
	force bool,
) error {
	plan := collectCleanupPlan(ctx, managers, stateDir)
	if plan.empty() {
		log.Info("Nothing to clean up")

		return nil
	}

	plan.print(os.Stdout)

	if !force {
		ok, err := confirm(os.Stdin, os.Stdout, "Remove these resources?")
		if err != nil {
			return err
		}

		if !ok {
			log.Info("Cleanup cancelled")

			return nil
		}
	}

	var failed int

	for _, c := range plan.containers {
		l := log.WithFields(logrus.Fields{"container": c.Name, "runtime": c.runtime.RuntimeBinary()})
		l.Info("Removing container")

		if err := c.runtime.RemoveContainer(ctx, c.ID); err != nil {
			l.WithError(err).Warn("Failed to remove container")

			failed++
		}
	}

	if len(plan.stateFiles) > 0 {
		cpufreq.CleanupOrphanedState(log, plan.stateFiles)
	}

	log.WithFields(logrus.Fields{
		"containers":  len(plan.containers) - failed,
		"failed":      failed,
		"state_files": len(plan.stateFiles),
	}).Info("Cleanup completed")

	return nil
}

// confirm asks a yes/no question. Anything but y or yes means no.
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N] ", question)

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("reading response: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// buildCleanupManagers starts a manager for each reachable runtime. Callers
// stop the returned managers.
func buildCleanupManagers(ctx context.Context) []docker.ContainerManager {
	constructors := []struct {
		name   string
		create func(logrus.FieldLogger) (docker.ContainerManager, error)
	}{
		{name: "docker", create: docker.NewManager},
		{name: "podman", create: podman.NewManager},
	}

	managers := make([]docker.ContainerManager, 0, len(constructors))

	for _, c := range constructors {
		mgr, err := c.create(log)
		if err != nil {
			log.WithError(err).WithField("runtime", c.name).Debug("Runtime not available")

			continue
		}

		if err := mgr.Start(ctx); err != nil {
			log.WithError(err).WithField("runtime", c.name).Debug("Runtime not reachable")

			continue
		}

		managers = append(managers, mgr)
	}

	return managers
}
