package sampler

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/energyoor/pkg/credential"
	"github.com/ethpandaops/energyoor/pkg/process"
	"github.com/ethpandaops/energyoor/pkg/report"
	"github.com/sirupsen/logrus"
)

// PowerReader samples the package CPU power in watts.
type PowerReader interface {
	CPUPowerWatts(ctx context.Context) (float64, error)
}

// ShareReader returns the fraction in [0, 1] of the machine's CPU time
// used by the process tree rooted at pid.
type ShareReader interface {
	CPUShare(ctx context.Context, pid int) (float64, error)
}

// PowermetricsConfig configures the macOS powermetrics backend.
type PowermetricsConfig struct {
	Path string
	// Interval between power samples.
	Interval time.Duration
	// Duration stops the workload after this long. Zero lets it finish.
	Duration time.Duration

	Sudo        bool
	SudoPath    string
	Credentials credential.Provider

	TerminateGrace time.Duration

	// Power and Share override the default readers.
	Power PowerReader
	Share ShareReader
}

type powermetrics struct {
	log logrus.FieldLogger
	cfg *PowermetricsConfig
}

var _ Sampler = (*powermetrics)(nil)

// NewPowermetrics creates a sampler that integrates powermetrics CPU power
// readings, attributed to the workload by its CPU share.
func NewPowermetrics(log logrus.FieldLogger, cfg *PowermetricsConfig) Sampler {
	c := *cfg

	if c.Path == "" {
		c.Path = "powermetrics"
	}

	if c.SudoPath == "" {
		c.SudoPath = "sudo"
	}

	if c.Interval <= 0 {
		c.Interval = time.Second
	}

	if c.TerminateGrace <= 0 {
		c.TerminateGrace = process.DefaultGrace
	}

	l := log.WithField("component", "sampler").WithField("sampler", "powermetrics")

	if c.Power == nil {
		c.Power = &powermetricsReader{log: l, cfg: &c}
	}

	if c.Share == nil {
		c.Share = NewProcessShareReader()
	}

	return &powermetrics{log: l, cfg: &c}
}

func (p *powermetrics) Name() string {
	return "powermetrics"
}

func (p *powermetrics) Check(ctx context.Context) error {
	if _, ok := p.cfg.Power.(*powermetricsReader); !ok {
		return nil
	}

	if _, err := checkBinary(p.cfg.Path); err != nil {
		return err
	}

	if p.cfg.Sudo {
		return checkSudo(ctx, p.cfg.SudoPath, p.cfg.Credentials)
	}

	return nil
}

func (p *powermetrics) RunOnce(ctx context.Context, req *Request) (*Report, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("empty command")
	}

	log := p.log.WithField("run", req.RunIndex)
	sink := newOutputSink(req.Log)

	writeRunHeader(req.Log, req.RunIndex, req.Command)

	started := time.Now()

	h, err := process.Start(log, &process.Spec{
		Path:   req.Command[0],
		Args:   req.Command[1:],
		Dir:    req.Dir,
		Env:    mergeEnv(req.Env),
		Stdout: sink,
		Stderr: sink,
	})
	if err != nil {
		return nil, &ExecutionError{Run: req.RunIndex, ExitCode: -1, Err: err}
	}

	defer h.Release()

	res, err := p.integrate(ctx, log, h)
	if err != nil {
		_ = h.Terminate(p.cfg.TerminateGrace)

		return nil, err
	}

	elapsed := time.Since(started)

	if !res.stopped {
		if werr := h.WaitWithTimeout(0); werr != nil {
			return nil, &ExecutionError{Run: req.RunIndex, ExitCode: process.ExitCode(werr), Err: werr}
		}
	}

	if res.samples == 0 {
		return nil, &ExecutionError{Run: req.RunIndex, ExitCode: -1, Err: ErrNoPowerSamples}
	}

	summary := report.Render(report.Measurement{
		EnergyJoules:    res.energy,
		DurationSeconds: elapsed.Seconds(),
	})

	_, _ = sink.Write([]byte(summary + "\n"))

	return &Report{
		RunIndex: req.RunIndex,
		Text:     sink.String(),
		Started:  started,
		Duration: elapsed,
	}, nil
}

// integration is the outcome of sampling one run.
type integration struct {
	energy float64
	// samples counts readings attributed to the workload.
	samples int
	// stopped is set when the workload was terminated after Duration.
	stopped bool
}

// integrate samples power until the workload exits or the configured
// duration elapses. A final sample is taken on exit so workloads shorter
// than one interval still get a reading.
func (p *powermetrics) integrate(
	ctx context.Context,
	log logrus.FieldLogger,
	h *process.Handle,
) (integration, error) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	var limit <-chan time.Time

	if p.cfg.Duration > 0 {
		timer := time.NewTimer(p.cfg.Duration)
		defer timer.Stop()

		limit = timer.C
	}

	var (
		res       integration
		lastShare = -1.0
	)

	last := time.Now()

	// sample attributes power over [last, now). The share of an exited
	// workload can no longer be read, so the previous share is reused.
	sample := func(now time.Time, final bool) {
		defer func() { last = now }()

		watts, err := p.cfg.Power.CPUPowerWatts(ctx)
		if err != nil {
			log.WithError(err).Warn("Failed to read CPU power")

			return
		}

		share, err := p.cfg.Share.CPUShare(ctx, h.PID())
		if err != nil {
			if !final || lastShare < 0 {
				log.WithError(err).Debug("Failed to read CPU share")

				return
			}

			share = lastShare
		}

		lastShare = share
		res.energy += watts * share * now.Sub(last).Seconds()
		res.samples++

		log.WithFields(logrus.Fields{
			"watts": watts,
			"share": share,
		}).Debug("Power sample")
	}

	for {
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-h.Done():
			sample(time.Now(), true)

			return res, nil
		case <-limit:
			log.WithField("duration", p.cfg.Duration).Debug("Run duration reached, stopping workload")

			sample(time.Now(), true)

			res.stopped = true

			if err := h.Terminate(p.cfg.TerminateGrace); err != nil {
				return res, err
			}

			return res, nil
		case now := <-ticker.C:
			sample(now, false)
		}
	}
}

var cpuPowerPattern = regexp.MustCompile(`CPU Power:\s*([0-9]*\.?[0-9]+)\s*mW`)

// parseCPUPowerWatts extracts "CPU Power: <mW>" from powermetrics output.
func parseCPUPowerWatts(out string) (float64, error) {
	m := cpuPowerPattern.FindStringSubmatch(out)
	if m == nil {
		return 0, errors.New("no CPU Power line in powermetrics output")
	}

	mw, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing CPU power %q: %w", m[1], err)
	}

	return mw / 1000, nil
}

// powermetricsReader shells out to powermetrics for a single sample.
type powermetricsReader struct {
	log logrus.FieldLogger
	cfg *PowermetricsConfig
}

var _ PowerReader = (*powermetricsReader)(nil)

const powermetricsSampleTimeout = 10 * time.Second

func (r *powermetricsReader) CPUPowerWatts(ctx context.Context) (float64, error) {
	argv := []string{r.cfg.Path, "--samplers", "cpu_power", "-i", "1", "-n", "1"}

	spec := &process.Spec{}

	if r.cfg.Sudo {
		pw, err := sudoPassword(ctx, r.cfg.Credentials)
		if err != nil {
			return 0, err
		}

		argv = append([]string{r.cfg.SudoPath, "-S", "-p", ""}, argv...)
		spec.Stdin = strings.NewReader(pw + "\n")
	}

	sink := newOutputSink(nil)
	spec.Path = argv[0]
	spec.Args = argv[1:]
	spec.Stdout = sink

	h, err := process.Start(r.log, spec)
	if err != nil {
		return 0, err
	}

	defer h.Release()

	if err := h.WaitWithTimeout(powermetricsSampleTimeout); err != nil {
		return 0, fmt.Errorf("running powermetrics: %w", err)
	}

	return parseCPUPowerWatts(sink.String())
}
