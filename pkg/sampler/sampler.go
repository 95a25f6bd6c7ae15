// Package sampler runs a workload command under an external energy
// sampling utility and returns the utility's report text.
package sampler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethpandaops/energyoor/pkg/credential"
)

var (
	// ErrToolMissing means the sampling utility binary is not installed.
	// It is fatal for the whole session and never retried.
	ErrToolMissing = errors.New("sampling utility not found")

	// ErrCredentialUnavailable means sudo is enabled but no password could
	// be resolved. Like ErrToolMissing it aborts before the first run.
	ErrCredentialUnavailable = errors.New("sudo credential unavailable")

	// ErrRunTimeout marks a run that exceeded the configured run timeout.
	ErrRunTimeout = errors.New("run exceeded timeout")

	// ErrNoPowerSamples marks a run during which no power reading could be
	// attributed to the workload.
	ErrNoPowerSamples = errors.New("no power samples collected")
)

// State is the lifecycle state of a single run.
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Sampler measures the energy of one command invocation.
type Sampler interface {
	// Name returns the backend name used in logs and session metadata.
	Name() string
	// Check verifies the sampling utility is installed and, with sudo,
	// that a password can be resolved.
	Check(ctx context.Context) error
	// RunOnce wraps the command with the sampling utility and blocks until
	// both exit.
	RunOnce(ctx context.Context, req *Request) (*Report, error)
}

// Request describes one measured run.
type Request struct {
	Command  []string
	RunIndex int
	Dir      string
	// OutputFile is where the utility writes its per-run sample CSV.
	OutputFile string
	// Env is passed through to the workload without interpretation.
	Env map[string]string
	// Log receives the combined output for audit. May be nil.
	Log io.Writer
}

// Report is the raw text produced by one run.
type Report struct {
	RunIndex int
	Text     string
	Started  time.Time
	Duration time.Duration
}

// ExecutionError is a failed run: the process could not be launched, exited
// non-zero or timed out. Sessions skip the run and continue.
type ExecutionError struct {
	Run      int
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.ExitCode > 0 {
		return fmt.Sprintf("run %d failed with exit code %d: %v", e.Run, e.ExitCode, e.Err)
	}

	return fmt.Sprintf("run %d failed: %v", e.Run, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsExecutionError reports whether err is a skippable run failure.
func IsExecutionError(err error) bool {
	var execErr *ExecutionError

	return errors.As(err, &execErr)
}

// IsFatal reports whether err must stop every remaining session rather
// than just the current one.
func IsFatal(err error) bool {
	return errors.Is(err, ErrToolMissing) || errors.Is(err, ErrCredentialUnavailable)
}

// checkSudo verifies the sudo binary and resolves the password once.
func checkSudo(ctx context.Context, sudoPath string, creds credential.Provider) error {
	if _, err := checkBinary(sudoPath); err != nil {
		return fmt.Errorf("sudo enabled but unavailable: %w", err)
	}

	if creds == nil {
		return fmt.Errorf("%w: no credential provider configured", ErrCredentialUnavailable)
	}

	if _, err := creds.Password(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}

	return nil
}

// sudoPassword resolves the password for one sudo invocation.
func sudoPassword(ctx context.Context, creds credential.Provider) (string, error) {
	if creds == nil {
		return "", fmt.Errorf("%w: no credential provider configured", ErrCredentialUnavailable)
	}

	pw, err := creds.Password(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}

	return pw, nil
}

// checkBinary resolves path the way exec does, returning ErrToolMissing
// when it cannot be run.
func checkBinary(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: empty path", ErrToolMissing)
	}

	if strings.ContainsRune(path, filepath.Separator) {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrToolMissing, path, err)
		}

		if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
			return "", fmt.Errorf("%w: %s is not executable", ErrToolMissing, path)
		}

		return path, nil
	}

	resolved, err := exec.LookPath(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToolMissing, path, err)
	}

	return resolved, nil
}

// mergeEnv appends overrides to the current environment in a stable order.
func mergeEnv(overrides map[string]string) []string {
	env := os.Environ()

	for _, k := range sortedKeys(overrides) {
		env = append(env, k+"="+overrides[k])
	}

	return env
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// outputSink collects combined output in memory and mirrors it to the
// audit log.
type outputSink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	log io.Writer
}

func newOutputSink(log io.Writer) *outputSink {
	return &outputSink{log: log}
}

func (s *outputSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Write(p)

	if s.log != nil {
		if _, err := s.log.Write(p); err != nil {
			return 0, err
		}
	}

	return len(p), nil
}

func (s *outputSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.buf.String()
}

func writeRunHeader(w io.Writer, run int, argv []string) {
	if w == nil {
		return
	}

	_, _ = fmt.Fprintf(w, "=== run %d at %s: %s\n",
		run, time.Now().UTC().Format(time.RFC3339), strings.Join(argv, " "))
}
