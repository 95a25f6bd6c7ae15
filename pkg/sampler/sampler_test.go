//go:build unix

package sampler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethpandaops/energyoor/pkg/credential"
	"github.com/ethpandaops/energyoor/pkg/report"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeEnergibridge = `#!/bin/sh
out=""
while [ "$#" -gt 0 ]; do
  case "$1" in
    -o) out="$2"; shift 2 ;;
    -i) shift 2 ;;
    -g) shift ;;
    --summary) shift; break ;;
    *) break ;;
  esac
done
"$@"
status=$?
if [ -n "$out" ]; then echo "Time,CPU_ENERGY" > "$out"; fi
echo "Energy consumption in joules: 12.5 for 1.5 sec of execution."
exit $status
`

const fakeSudo = `#!/bin/sh
read -r pw
if [ "$pw" != "test-password" ]; then echo "sudo: incorrect password" >&2; exit 1; fi
while [ "$#" -gt 0 ]; do
  case "$1" in
    -S) shift ;;
    -p) shift 2 ;;
    --preserve-env=*) shift ;;
    *) break ;;
  esac
done
exec "$@"
`

func newTestLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)

	return log
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o755))

	return path
}

func TestEnergibridge_CheckMissingTool(t *testing.T) {
	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
		Path: filepath.Join(t.TempDir(), "energibridge"),
	})

	require.ErrorIs(t, s.Check(context.Background()), ErrToolMissing)
}

func TestEnergibridge_CheckNotExecutable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "energibridge")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o644))

	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{Path: path})
	require.ErrorIs(t, s.Check(context.Background()), ErrToolMissing)
}

func TestEnergibridge_CheckSudoWithoutCredentials(t *testing.T) {
	dir := t.TempDir()
	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
		Path:     writeScript(t, dir, "energibridge", fakeEnergibridge),
		Sudo:     true,
		SudoPath: writeScript(t, dir, "sudo", fakeSudo),
	})

	err := s.Check(context.Background())
	require.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.NotErrorIs(t, err, ErrToolMissing)
	assert.True(t, IsFatal(err))
}

func TestEnergibridge_CheckResolvesCredential(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("ENERGYOOR_TEST_SUDO_PASSWORD", "")

	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
		Path:        writeScript(t, dir, "energibridge", fakeEnergibridge),
		Sudo:        true,
		SudoPath:    writeScript(t, dir, "sudo", fakeSudo),
		Credentials: credential.NewEnv("ENERGYOOR_TEST_SUDO_PASSWORD"),
	})

	err := s.Check(context.Background())
	require.ErrorIs(t, err, ErrCredentialUnavailable)
	require.ErrorIs(t, err, credential.ErrNoCredential)
	assert.True(t, IsFatal(err))

	_, err = s.RunOnce(context.Background(), &Request{Command: []string{"true"}})
	require.ErrorIs(t, err, ErrCredentialUnavailable)
	assert.False(t, IsExecutionError(err))

	t.Setenv("ENERGYOOR_TEST_SUDO_PASSWORD", "test-password")
	require.NoError(t, s.Check(context.Background()))
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "tool missing", err: fmt.Errorf("checking: %w", ErrToolMissing), want: true},
		{name: "credential", err: fmt.Errorf("%w: unset", ErrCredentialUnavailable), want: true},
		{name: "execution error", err: &ExecutionError{Run: 1, Err: errors.New("exit")}, want: false},
		{name: "other", err: errors.New("disk full"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestEnergibridge_Argv(t *testing.T) {
	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
		Path:     "/opt/energibridge",
		Interval: 10 * time.Millisecond,
		GPU:      true,
		Sudo:     true,
	}).(*energibridge)

	argv := s.Argv(&Request{
		Command:    []string{"python3", "train.py"},
		OutputFile: "results/run_0.csv",
		Env:        map[string]string{"PYTORCH_CUDA_ALLOC_CONF": "x", "CUDA_VISIBLE_DEVICES": "0"},
	})

	assert.Equal(t, []string{
		"sudo", "-S", "-p", "",
		"--preserve-env=CUDA_VISIBLE_DEVICES,PYTORCH_CUDA_ALLOC_CONF",
		"/opt/energibridge", "-o", "results/run_0.csv", "-g",
		"-i", "10000", "--summary",
		"python3", "train.py",
	}, argv)
}

func TestEnergibridge_RunOnce(t *testing.T) {
	dir := t.TempDir()
	outFile := filepath.Join(dir, "energy_results_0.csv")

	var auditLog bytes.Buffer

	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
		Path: writeScript(t, dir, "energibridge", fakeEnergibridge),
	})
	require.NoError(t, s.Check(context.Background()))

	rep, err := s.RunOnce(context.Background(), &Request{
		Command:    []string{"/bin/sh", "-c", "echo device=$CUDA_VISIBLE_DEVICES"},
		RunIndex:   4,
		OutputFile: outFile,
		Env:        map[string]string{"CUDA_VISIBLE_DEVICES": "1"},
		Log:        &auditLog,
	})
	require.NoError(t, err)

	assert.Equal(t, 4, rep.RunIndex)
	assert.Contains(t, rep.Text, "device=1")
	assert.Contains(t, auditLog.String(), "=== run 4")
	assert.Contains(t, auditLog.String(), "Energy consumption in joules: 12.5")
	assert.FileExists(t, outFile)

	m, ok := report.Extract(rep.Text)
	require.True(t, ok)
	assert.InDelta(t, 12.5, m.EnergyJoules, 1e-9)
}

func TestEnergibridge_RunOnceNonZeroExit(t *testing.T) {
	dir := t.TempDir()

	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
		Path: writeScript(t, dir, "energibridge", fakeEnergibridge),
	})

	_, err := s.RunOnce(context.Background(), &Request{
		Command:  []string{"/bin/sh", "-c", "exit 3"},
		RunIndex: 1,
	})
	require.Error(t, err)

	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 1, execErr.Run)
	assert.Equal(t, 3, execErr.ExitCode)
	assert.True(t, IsExecutionError(err))
}

func TestEnergibridge_RunOnceTimeout(t *testing.T) {
	dir := t.TempDir()

	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
		Path:           writeScript(t, dir, "energibridge", fakeEnergibridge),
		RunTimeout:     100 * time.Millisecond,
		TerminateGrace: time.Second,
	})

	start := time.Now()
	_, err := s.RunOnce(context.Background(), &Request{
		Command: []string{"sleep", "10"},
	})

	require.ErrorIs(t, err, ErrRunTimeout)
	assert.True(t, IsExecutionError(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEnergibridge_RunOnceCancelled(t *testing.T) {
	dir := t.TempDir()

	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
		Path:           writeScript(t, dir, "energibridge", fakeEnergibridge),
		TerminateGrace: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.RunOnce(ctx, &Request{Command: []string{"sleep", "10"}})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsExecutionError(err))
}

func TestEnergibridge_RunOnceWithSudo(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name     string
		password string
		wantErr  bool
	}{
		{name: "correct password", password: "test-password"},
		{name: "wrong password", password: "nope", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var auditLog bytes.Buffer

			s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{
				Path:        writeScript(t, dir, "energibridge", fakeEnergibridge),
				Sudo:        true,
				SudoPath:    writeScript(t, dir, "sudo", fakeSudo),
				Credentials: credential.Static(tt.password),
			})
			require.NoError(t, s.Check(context.Background()))

			rep, err := s.RunOnce(context.Background(), &Request{
				Command: []string{"true"},
				Log:     &auditLog,
			})

			assert.NotContains(t, auditLog.String(), tt.password)

			if tt.wantErr {
				require.True(t, IsExecutionError(err))

				return
			}

			require.NoError(t, err)
			assert.Contains(t, rep.Text, "Energy consumption in joules")
		})
	}
}

func TestEnergibridge_RunOnceEmptyCommand(t *testing.T) {
	s := NewEnergibridge(newTestLogger(), &EnergibridgeConfig{Path: "/bin/true"})

	_, err := s.RunOnce(context.Background(), &Request{})
	require.Error(t, err)
}

func TestExecutionError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&ExecutionError{Run: 2, ExitCode: 1, Err: cause})

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "run 2")
	assert.Contains(t, err.Error(), "exit code 1")
	assert.False(t, IsExecutionError(cause))
}
