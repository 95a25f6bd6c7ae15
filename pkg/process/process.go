// Package process wraps os/exec with a handle that guarantees the child
// process tree is released on every exit path.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultGrace is the time between SIGTERM and SIGKILL used by Release.
const DefaultGrace = 5 * time.Second

// ErrTimeout is returned by WaitWithTimeout when the process outlives the
// timeout. The process is still running when this is returned.
var ErrTimeout = errors.New("process did not exit before timeout")

// Spec describes the process to start.
type Spec struct {
	Path   string
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// WaitDelay bounds how long Wait keeps copying output after the process
	// exits while a grandchild still holds the pipes.
	WaitDelay time.Duration
}

// Handle is a started process running in its own process group.
type Handle struct {
	log  logrus.FieldLogger
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	terminateOnce sync.Once
	terminateErr  error
}

// Start launches the process described by spec.
func Start(log logrus.FieldLogger, spec *Spec) (*Handle, error) {
	if spec.Path == "" {
		return nil, errors.New("process path is required")
	}

	cmd := exec.Command(spec.Path, spec.Args...) //nolint:gosec // argv comes from config
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env
	cmd.Stdin = spec.Stdin
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr

	cmd.WaitDelay = spec.WaitDelay
	if cmd.WaitDelay == 0 {
		cmd.WaitDelay = 2 * time.Second
	}

	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", spec.Path, err)
	}

	h := &Handle{
		log:  log.WithField("component", "process").WithField("pid", cmd.Process.Pid),
		cmd:  cmd,
		done: make(chan struct{}),
	}

	go func() {
		h.err = cmd.Wait()
		close(h.done)
	}()

	h.log.WithField("path", spec.Path).Debug("Process started")

	return h, nil
}

// PID returns the process id, which is also the process group id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and its output is drained.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the process exits or ctx is done. On ctx cancellation
// the process keeps running; callers release it with Terminate or Release.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitWithTimeout blocks until the process exits or timeout elapses.
// A non-positive timeout waits forever.
func (h *Handle) WaitWithTimeout(timeout time.Duration) error {
	if timeout <= 0 {
		<-h.done

		return h.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-h.done:
		return h.err
	case <-timer.C:
		return ErrTimeout
	}
}

// Terminate sends SIGTERM to the process group, then SIGKILL once grace
// expires, and waits for the process to be reaped. It is safe to call more
// than once and after the process has exited.
func (h *Handle) Terminate(grace time.Duration) error {
	h.terminateOnce.Do(func() {
		h.terminateErr = h.terminate(grace)
	})

	return h.terminateErr
}

func (h *Handle) terminate(grace time.Duration) error {
	if h.Exited() {
		return nil
	}

	h.log.WithField("grace", grace).Debug("Terminating process group")

	if err := terminateGroup(h.PID()); err != nil {
		h.log.WithError(err).Warn("Failed to send SIGTERM")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-h.done:
		return nil
	case <-timer.C:
	}

	h.log.Warn("Process ignored SIGTERM, sending SIGKILL")

	if err := killGroup(h.PID()); err != nil {
		return fmt.Errorf("killing process group %d: %w", h.PID(), err)
	}

	<-h.done

	return nil
}

// Release terminates the process with DefaultGrace if it is still running.
// Intended for defer.
func (h *Handle) Release() {
	if err := h.Terminate(DefaultGrace); err != nil {
		h.log.WithError(err).Warn("Failed to release process")
	}
}

// ExitCode extracts the exit status from a Wait error. It returns 0 for a
// nil error and -1 when the error does not carry an exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return -1
}
