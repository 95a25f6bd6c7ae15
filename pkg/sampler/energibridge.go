package sampler

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/energyoor/pkg/credential"
	"github.com/ethpandaops/energyoor/pkg/process"
	"github.com/sirupsen/logrus"
)

// EnergibridgeConfig configures the energibridge backend.
type EnergibridgeConfig struct {
	Path     string
	Interval time.Duration
	GPU      bool

	// Sudo runs energibridge through "sudo -S" with the password from
	// Credentials written to stdin.
	Sudo        bool
	SudoPath    string
	Credentials credential.Provider

	// RunTimeout bounds one run. Zero means no timeout.
	RunTimeout     time.Duration
	TerminateGrace time.Duration
}

type energibridge struct {
	log logrus.FieldLogger
	cfg *EnergibridgeConfig
}

var _ Sampler = (*energibridge)(nil)

// NewEnergibridge creates a sampler backed by the energibridge utility.
func NewEnergibridge(log logrus.FieldLogger, cfg *EnergibridgeConfig) Sampler {
	c := *cfg

	if c.Path == "" {
		c.Path = "energibridge"
	}

	if c.SudoPath == "" {
		c.SudoPath = "sudo"
	}

	if c.Interval <= 0 {
		c.Interval = 10 * time.Millisecond
	}

	if c.TerminateGrace <= 0 {
		c.TerminateGrace = process.DefaultGrace
	}

	return &energibridge{
		log: log.WithField("component", "sampler").WithField("sampler", "energibridge"),
		cfg: &c,
	}
}

func (e *energibridge) Name() string {
	return "energibridge"
}

func (e *energibridge) Check(ctx context.Context) error {
	if _, err := checkBinary(e.cfg.Path); err != nil {
		return err
	}

	if e.cfg.Sudo {
		return checkSudo(ctx, e.cfg.SudoPath, e.cfg.Credentials)
	}

	return nil
}

// Argv builds the full invocation for req, without any credential.
func (e *energibridge) Argv(req *Request) []string {
	argv := make([]string, 0, 12+len(req.Command))

	if e.cfg.Sudo {
		argv = append(argv, e.cfg.SudoPath, "-S", "-p", "")

		if len(req.Env) > 0 {
			argv = append(argv, "--preserve-env="+strings.Join(sortedKeys(req.Env), ","))
		}
	}

	argv = append(argv, e.cfg.Path)

	if req.OutputFile != "" {
		argv = append(argv, "-o", req.OutputFile)
	}

	if e.cfg.GPU {
		argv = append(argv, "-g")
	}

	argv = append(argv,
		"-i", strconv.FormatInt(e.cfg.Interval.Microseconds(), 10),
		"--summary",
	)

	return append(argv, req.Command...)
}

func (e *energibridge) RunOnce(ctx context.Context, req *Request) (*Report, error) {
	if len(req.Command) == 0 {
		return nil, errors.New("empty command")
	}

	log := e.log.WithField("run", req.RunIndex)
	argv := e.Argv(req)

	spec := &process.Spec{
		Path: argv[0],
		Args: argv[1:],
		Dir:  req.Dir,
		Env:  mergeEnv(req.Env),
	}

	if e.cfg.Sudo {
		pw, err := sudoPassword(ctx, e.cfg.Credentials)
		if err != nil {
			return nil, err
		}

		spec.Stdin = strings.NewReader(pw + "\n")
	}

	sink := newOutputSink(req.Log)
	spec.Stdout = sink
	spec.Stderr = sink

	writeRunHeader(req.Log, req.RunIndex, argv)

	started := time.Now()

	h, err := process.Start(log, spec)
	if err != nil {
		return nil, &ExecutionError{Run: req.RunIndex, ExitCode: -1, Err: err}
	}

	defer h.Release()

	log.Debug("Sampling run started")

	if err := e.wait(ctx, h, req.RunIndex); err != nil {
		return nil, err
	}

	return &Report{
		RunIndex: req.RunIndex,
		Text:     sink.String(),
		Started:  started,
		Duration: time.Since(started),
	}, nil
}

func (e *energibridge) wait(ctx context.Context, h *process.Handle, run int) error {
	waitCtx := ctx

	if e.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc

		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.RunTimeout)
		defer cancel()
	}

	err := h.Wait(waitCtx)

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		_ = h.Terminate(e.cfg.TerminateGrace)

		return ctx.Err()
	case waitCtx.Err() != nil:
		_ = h.Terminate(e.cfg.TerminateGrace)

		return &ExecutionError{Run: run, ExitCode: -1, Err: ErrRunTimeout}
	default:
		return &ExecutionError{Run: run, ExitCode: process.ExitCode(err), Err: err}
	}
}
