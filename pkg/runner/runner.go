// Package runner drives measurement sessions: warm-up, sequential sampled
// runs, persistence and the session directory lifecycle.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/energyoor/pkg/analysis"
	"github.com/ethpandaops/energyoor/pkg/config"
	"github.com/ethpandaops/energyoor/pkg/cpufreq"
	"github.com/ethpandaops/energyoor/pkg/docker"
	"github.com/ethpandaops/energyoor/pkg/fsutil"
	"github.com/ethpandaops/energyoor/pkg/report"
	"github.com/ethpandaops/energyoor/pkg/sampler"
	"github.com/ethpandaops/energyoor/pkg/store"
	"github.com/ethpandaops/energyoor/pkg/upload"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session file names.
const (
	SessionFile  = upload.MarkerFile
	SummaryFile  = "summary.json"
	ConfigFile   = "config.yaml"
	RunOutputDir = "results"
)

// Runner orchestrates measurement sessions.
type Runner interface {
	Start(ctx context.Context) error
	Stop() error

	// RunWorkload runs one session for the workload.
	RunWorkload(ctx context.Context, w *config.Workload) (*Result, error)

	// RunAll runs the workloads sequentially with a pause between them.
	RunAll(ctx context.Context, workloads []config.Workload) error
}

// Config for the runner.
type Config struct {
	ResultsDir    string
	ResultsOwner  *fsutil.OwnerConfig
	WorkloadPause time.Duration
	LogsToStdout  bool

	// CPU settings applied for the duration of each session. Nil leaves
	// the CPU untouched.
	CPU  *cpufreq.Config
	CPUs []int

	// ConfigSnapshot is written to every session directory.
	ConfigSnapshot []byte
}

// Dependencies are the collaborators of a runner. Only Sampler is required.
type Dependencies struct {
	Sampler    sampler.Sampler
	Containers docker.ContainerManager
	CPUFreq    cpufreq.Manager
	Store      store.Store
	Uploader   upload.Uploader
}

// Result is the outcome of one session.
type Result struct {
	SessionID string
	Dir       string
	Status    string
	Records   []report.Record
	Failed    int
	Summary   analysis.VariantStats
}

// NewRunner creates a new runner instance.
func NewRunner(log logrus.FieldLogger, cfg *Config, deps Dependencies) Runner {
	return &runner{
		log:     log.WithField("component", "runner"),
		cfg:     cfg,
		deps:    deps,
		warmUp:  sampler.WarmUp,
		sysInfo: collectSystemInfo,
		stdout:  os.Stdout,
		newID:   uuid.NewString,
		now:     time.Now,

		newTable: func(path string, owner *fsutil.OwnerConfig) (recordTable, error) {
			return report.CreateTable(path, owner)
		},
	}
}

// recordTable is the per-session CSV of recorded runs.
type recordTable interface {
	report.Appender
	Close() error
}

type runner struct {
	log  logrus.FieldLogger
	cfg  *Config
	deps Dependencies

	warmUp  func(ctx context.Context, d time.Duration) (int, error)
	sysInfo func(ctx context.Context) *SystemInfo
	stdout  io.Writer
	newID   func() string
	now     func() time.Time

	newTable func(path string, owner *fsutil.OwnerConfig) (recordTable, error)
}

// Ensure interface compliance.
var _ Runner = (*runner)(nil)

// Start verifies the sampling utility and the results directory.
func (r *runner) Start(ctx context.Context) error {
	if r.deps.Sampler == nil {
		return errors.New("no sampler configured")
	}

	if err := r.deps.Sampler.Check(ctx); err != nil {
		return err
	}

	if err := fsutil.MkdirAll(r.cfg.ResultsDir, 0o755, r.cfg.ResultsOwner); err != nil {
		return fmt.Errorf("creating results directory: %w", err)
	}

	if err := fsutil.CheckWritable(r.cfg.ResultsDir); err != nil {
		return fmt.Errorf("results directory not writable: %w", err)
	}

	r.log.Debug("Runner started")

	return nil
}

// Stop cleans up the runner.
func (r *runner) Stop() error {
	r.log.Debug("Runner stopped")

	return nil
}

// RunAll runs every workload in order. A missing sampling utility, an
// unresolvable sudo credential or a cancelled context stops the loop; other session failures are collected
// and the next workload runs.
func (r *runner) RunAll(ctx context.Context, workloads []config.Workload) error {
	var errs []error

	for i := range workloads {
		w := &workloads[i]

		if _, err := r.RunWorkload(ctx, w); err != nil {
			if sampler.IsFatal(err) || ctx.Err() != nil {
				return err
			}

			r.log.WithError(err).WithField("workload", w.Name).Error("Session failed")
			errs = append(errs, fmt.Errorf("workload %s: %w", w.Name, err))
		}

		if i < len(workloads)-1 && r.cfg.WorkloadPause > 0 {
			r.log.WithField("pause", r.cfg.WorkloadPause).Info("Pausing before next workload")

			if err := sleep(ctx, r.cfg.WorkloadPause); err != nil {
				return err
			}
		}
	}

	return errors.Join(errs...)
}

// RunWorkload runs warm-up followed by the configured number of sampled
// runs. Failed runs are skipped; persistence errors abort the session.
func (r *runner) RunWorkload(ctx context.Context, w *config.Workload) (result *Result, err error) {
	if err := r.deps.Sampler.Check(ctx); err != nil {
		return nil, err
	}

	sessionID := r.newID()
	started := r.now().UTC()

	log := r.log.WithFields(logrus.Fields{
		"workload":   w.Name,
		"session_id": sessionID,
	})

	// Pull before the session so the pull is never measured.
	var digest string

	if w.IsContainer() {
		if r.deps.Containers == nil {
			return nil, fmt.Errorf("workload %s needs a container runtime", w.Name)
		}

		if err := r.deps.Containers.PullImage(ctx, w.Image, w.PullPolicy); err != nil {
			return nil, fmt.Errorf("pulling image: %w", err)
		}

		digest, err = r.deps.Containers.GetImageDigest(ctx, w.Image)
		if err != nil {
			log.WithError(err).Warn("Failed to get image digest")
		}

		fields := logrus.Fields{"image": w.Image, "digest": digest}
		if w.Memory != "" {
			fields["memory"] = docker.HumanMemory(w.Memory)
		}

		log.WithFields(fields).Info("Image ready")
	}

	sessionDir := filepath.Join(r.cfg.ResultsDir, w.Name,
		fmt.Sprintf("%s_%s", started.Format("20060102T150405Z"), shortID(sessionID)))

	if err := fsutil.MkdirAll(filepath.Join(sessionDir, RunOutputDir), 0o755, r.cfg.ResultsOwner); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	logFile, err := fsutil.OpenAppend(
		filepath.Join(sessionDir, fmt.Sprintf("energy_logs_%s.txt", w.Name)), r.cfg.ResultsOwner)
	if err != nil {
		return nil, fmt.Errorf("opening session log: %w", err)
	}

	defer func() {
		if cerr := logFile.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close session log")
		}
	}()

	var auditLog io.Writer = logFile
	if r.cfg.LogsToStdout {
		mirror := &prefixedWriter{
			prefix: fmt.Sprintf("[%s] ", w.Name),
			writer: r.stdout,
		}

		defer func() {
			if ferr := mirror.Flush(); ferr != nil {
				log.WithError(ferr).Debug("Failed to flush log mirror")
			}
		}()

		auditLog = io.MultiWriter(logFile, mirror)
	}

	table, err := r.newTable(
		filepath.Join(sessionDir, fmt.Sprintf("energy_measurements_%s.csv", w.Name)), r.cfg.ResultsOwner)
	if err != nil {
		return nil, fmt.Errorf("creating measurement table: %w", err)
	}

	defer func() {
		if cerr := table.Close(); cerr != nil {
			log.WithError(cerr).Warn("Failed to close measurement table")
		}
	}()

	if len(r.cfg.ConfigSnapshot) > 0 {
		if err := fsutil.WriteFile(filepath.Join(sessionDir, ConfigFile),
			r.cfg.ConfigSnapshot, 0o644, r.cfg.ResultsOwner); err != nil {
			return nil, fmt.Errorf("writing config snapshot: %w", err)
		}
	}

	meta := &Metadata{
		SessionID:   sessionID,
		Workload:    w.Name,
		Sampler:     r.deps.Sampler.Name(),
		Image:       w.Image,
		ImageDigest: digest,
		Command:     describeCommand(w),
		EnvKeys:     sortedKeys(w.Env),
		Runs:        w.RunCount(),
		Warmup:      w.WarmupDuration().String(),
		Pause:       w.PauseDuration().String(),
		Status:      store.StatusRunning,
		StartedAt:   started,
		System:      r.sysInfo(ctx),
	}

	result = &Result{SessionID: sessionID, Dir: sessionDir}

	if err := r.writeMetadata(sessionDir, meta); err != nil {
		return nil, err
	}

	r.persistSession(ctx, log, meta, sessionDir)

	if r.deps.CPUFreq != nil && r.cfg.CPU != nil {
		if err := r.deps.CPUFreq.Apply(ctx, r.cfg.CPU, r.cfg.CPUs); err != nil {
			r.finish(ctx, log, meta, result, err)

			return result, fmt.Errorf("applying CPU settings: %w", err)
		}

		defer func() {
			if rerr := r.deps.CPUFreq.Restore(context.Background()); rerr != nil {
				log.WithError(rerr).Warn("Failed to restore CPU settings")
			}
		}()

		if info, ierr := r.deps.CPUFreq.GetCPUInfo(); ierr == nil {
			meta.CPU = info
		} else {
			log.WithError(ierr).Warn("Failed to read CPU frequency info")
		}
	}

	defer func() {
		r.finish(ctx, log, meta, result, err)

		if r.deps.Uploader != nil {
			remote := filepath.ToSlash(filepath.Join(w.Name, filepath.Base(sessionDir)))
			if uerr := r.deps.Uploader.Upload(ctx, sessionDir, remote); uerr != nil {
				log.WithError(uerr).Warn("Failed to upload session")
			}
		}
	}()

	if d := w.WarmupDuration(); d > 0 {
		log.WithField("duration", d).Info("Warming up")

		iterations, werr := r.warmUp(ctx, d)
		if werr != nil {
			return result, fmt.Errorf("warm-up: %w", werr)
		}

		log.WithField("iterations", iterations).Debug("Warm-up completed")
	}

	runs := w.RunCount()

	for run := 0; run < runs; run++ {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}

		rec, ok, rerr := r.runOnce(ctx, log, w, sessionID, sessionDir, run, auditLog)
		if rerr != nil {
			return result, rerr
		}

		if ok {
			if aerr := table.Append(rec); aerr != nil {
				return result, fmt.Errorf("persisting run %d: %w", run, aerr)
			}

			result.Records = append(result.Records, rec)
			r.persistRun(ctx, log, sessionID, w.Name, rec)
		} else {
			result.Failed++
		}

		meta.RunsRecorded = len(result.Records)
		meta.RunsFailed = result.Failed

		if run < runs-1 && w.PauseDuration() > 0 {
			log.WithField("pause", w.PauseDuration()).Debug("Pausing between runs")

			if serr := sleep(ctx, w.PauseDuration()); serr != nil {
				return result, serr
			}
		}
	}

	return result, nil
}

// runOnce measures a single run. ok is false when the run was skipped; err
// is set only for failures that abort the session.
func (r *runner) runOnce(
	ctx context.Context,
	log logrus.FieldLogger,
	w *config.Workload,
	sessionID, sessionDir string,
	run int,
	auditLog io.Writer,
) (report.Record, bool, error) {
	log = log.WithField("run", run)

	argv, containerName, err := r.buildCommand(w, sessionID, run)
	if err != nil {
		return report.Record{}, false, err
	}

	rep, err := r.deps.Sampler.RunOnce(ctx, &sampler.Request{
		Command:    argv,
		RunIndex:   run,
		Dir:        w.Dir,
		OutputFile: filepath.Join(sessionDir, RunOutputDir, fmt.Sprintf("energy_results_%s_%d.csv", w.Name, run)),
		Env:        w.Env,
		Log:        auditLog,
	})
	if err != nil {
		if sampler.IsExecutionError(err) {
			log.WithError(err).Warn("Run failed, skipping")
			r.removeContainer(log, containerName)

			return report.Record{}, false, nil
		}

		return report.Record{}, false, err
	}

	m, ok := report.Extract(rep.Text)
	if !ok {
		log.WithError(report.ErrNoMeasurement).Warn("Run produced no measurement, skipping")

		return report.Record{}, false, nil
	}

	rec, err := report.NewRecord(run, m)
	if err != nil {
		log.WithError(err).Warn("Run produced an invalid measurement, skipping")

		return report.Record{}, false, nil
	}

	log.WithFields(logrus.Fields{
		"energy_j":   rec.EnergyJoules,
		"duration_s": rec.DurationSeconds,
	}).Info("Run recorded")

	return rec, true, nil
}

// buildCommand returns the argv for one run and, for container workloads,
// the container name.
func (r *runner) buildCommand(w *config.Workload, sessionID string, run int) ([]string, string, error) {
	switch {
	case w.IsContainer():
		name := fmt.Sprintf("energyoor-%s-%s-%d", shortID(sessionID), w.Name, run)

		argv, err := r.deps.Containers.RunCommand(&docker.RunSpec{
			Name:    name,
			Image:   w.Image,
			Args:    w.ImageArgs,
			GPUs:    w.GPUs,
			Memory:  w.Memory,
			ShmSize: w.ShmSize,
			Env:     w.ContainerEnv,
			Labels: map[string]string{
				docker.WorkloadLabel:  w.Name,
				docker.SessionIDLabel: sessionID,
				docker.RunLabel:       strconv.Itoa(run),
			},
		})
		if err != nil {
			return nil, "", fmt.Errorf("building container command: %w", err)
		}

		return argv, name, nil
	case w.Shell != "":
		return []string{"sh", "-c", w.Shell}, "", nil
	default:
		return w.Command, "", nil
	}
}

// removeContainer removes a measured container left behind by a failed run.
func (r *runner) removeContainer(log logrus.FieldLogger, name string) {
	if name == "" || r.deps.Containers == nil {
		return
	}

	if err := r.deps.Containers.RemoveContainer(context.Background(), name); err != nil {
		log.WithError(err).WithField("container", name).Warn("Failed to remove container")
	}
}

// finish records the final session state in session.json, summary.json and
// the store.
func (r *runner) finish(
	ctx context.Context,
	log logrus.FieldLogger,
	meta *Metadata,
	result *Result,
	err error,
) {
	finished := r.now().UTC()
	meta.FinishedAt = &finished
	meta.RunsRecorded = len(result.Records)
	meta.RunsFailed = result.Failed

	switch {
	case err == nil:
		meta.Status = store.StatusCompleted
	case errors.Is(err, context.Canceled):
		meta.Status = store.StatusCancelled
	default:
		meta.Status = store.StatusFailed
		meta.Error = err.Error()
	}

	result.Status = meta.Status
	result.Summary = analysis.DescribeVariant(analysis.Variant{
		Name:    meta.Workload,
		Records: result.Records,
	})

	if werr := r.writeJSON(filepath.Join(result.Dir, SummaryFile), result.Summary); werr != nil {
		log.WithError(werr).Warn("Failed to write session summary")
	}

	if werr := r.writeMetadata(result.Dir, meta); werr != nil {
		log.WithError(werr).Warn("Failed to write session metadata")
	}

	// The session context may already be cancelled.
	r.persistSession(context.WithoutCancel(ctx), log, meta, result.Dir)

	log.WithFields(logrus.Fields{
		"status":   meta.Status,
		"recorded": meta.RunsRecorded,
		"failed":   meta.RunsFailed,
		"mean_j":   result.Summary.Energy.Mean,
	}).Info("Session finished")
}

func (r *runner) persistSession(ctx context.Context, log logrus.FieldLogger, meta *Metadata, dir string) {
	if r.deps.Store == nil {
		return
	}

	if err := r.deps.Store.UpsertSession(ctx, &store.Session{
		SessionID:      meta.SessionID,
		Workload:       meta.Workload,
		Image:          meta.Image,
		ImageDigest:    meta.ImageDigest,
		Command:        strings.Join(meta.Command, " "),
		Sampler:        meta.Sampler,
		RunsConfigured: meta.Runs,
		RunsRecorded:   meta.RunsRecorded,
		RunsFailed:     meta.RunsFailed,
		Status:         meta.Status,
		Dir:            dir,
		StartedAt:      meta.StartedAt,
		FinishedAt:     meta.FinishedAt,
	}); err != nil {
		log.WithError(err).Warn("Failed to store session")
	}
}

func (r *runner) persistRun(ctx context.Context, log logrus.FieldLogger, sessionID, workload string, rec report.Record) {
	if r.deps.Store == nil {
		return
	}

	if err := r.deps.Store.AppendRun(ctx, &store.RunRecord{
		SessionID:       sessionID,
		Workload:        workload,
		Run:             rec.Run,
		EnergyJoules:    rec.EnergyJoules,
		DurationSeconds: rec.DurationSeconds,
		RecordedAt:      r.now().UTC(),
	}); err != nil {
		log.WithError(err).Warn("Failed to store run record")
	}
}

func describeCommand(w *config.Workload) []string {
	switch {
	case w.IsContainer():
		return append([]string{w.Image}, w.ImageArgs...)
	case w.Shell != "":
		return []string{"sh", "-c", w.Shell}
	default:
		return w.Command
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}

	return id
}
