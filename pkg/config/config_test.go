package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
  results_dir: ./original-results
  cleanup_on_start: false
sampler:
  type: energibridge
  interval: 10ms
  gpu: false
session:
  runs: 30
upload:
  s3:
    bucket: original-bucket
workloads:
  - name: ubuntu
    image: ubuntu:22.04
    image_args: ["python3", "fib.py"]
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "./original-results", cfg.Global.ResultsDir)
				assert.Equal(t, 10*time.Millisecond, cfg.Sampler.Interval)
				assert.Equal(t, "original-bucket", cfg.Upload.S3.Bucket)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"ENERGYOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "boolean override - cleanup_on_start",
			envVars: map[string]string{
				"ENERGYOOR_GLOBAL_CLEANUP_ON_START": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Global.CleanupOnStart)
			},
		},
		{
			name: "duration override - sampler.interval",
			envVars: map[string]string{
				"ENERGYOOR_SAMPLER_INTERVAL": "200us",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 200*time.Microsecond, cfg.Sampler.Interval)
			},
		},
		{
			name: "int override - session.runs applies to workloads without runs",
			envVars: map[string]string{
				"ENERGYOOR_SESSION_RUNS": "5",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 5, cfg.Session.Runs)
				assert.Equal(t, 5, cfg.Workloads[0].RunCount())
			},
		},
		{
			name: "nested override - upload.s3.secret_access_key",
			envVars: map[string]string{
				"ENERGYOOR_UPLOAD_S3_SECRET_ACCESS_KEY": "from-env",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "from-env", cfg.Upload.S3.SecretAccessKey)
			},
		},
		{
			name: "deeply nested override - sampler.powermetrics.duration",
			envVars: map[string]string{
				"ENERGYOOR_SAMPLER_POWERMETRICS_DURATION": "90s",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90*time.Second, cfg.Sampler.Powermetrics.Duration)
			},
		},
		{
			name: "pointer override - cpu.turbo_boost",
			envVars: map[string]string{
				"ENERGYOOR_CPU_TURBO_BOOST": "false",
			},
			validate: func(t *testing.T, cfg *Config) {
				require.NotNil(t, cfg.CPU.TurboBoost)
				assert.False(t, *cfg.CPU.TurboBoost)
				assert.True(t, cfg.CPU.Enabled())
			},
		},
		{
			name: "slice override - api.server.cors_origins",
			envVars: map[string]string{
				"ENERGYOOR_API_SERVER_CORS_ORIGINS": "https://a.example,https://b.example",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.API.Server.CORSOrigins)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, `
workloads:
  - name: python-base
    image: python:3.12
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultResultsDir, cfg.Global.ResultsDir)
	assert.Equal(t, DefaultContainerRuntime, cfg.Global.ContainerRuntime)
	assert.Equal(t, SamplerEnergibridge, cfg.Sampler.Type)
	assert.Equal(t, "energibridge", cfg.Sampler.Path)
	assert.Equal(t, DefaultInterval, cfg.Sampler.Interval)
	assert.Equal(t, DefaultCredentialEnv, cfg.Sampler.CredentialEnv)
	assert.Zero(t, cfg.Sampler.RunTimeout)
	assert.Equal(t, DefaultRuns, cfg.Session.Runs)
	assert.Equal(t, DefaultSysfsPath, cfg.CPU.SysfsPath)
	assert.False(t, cfg.CPU.Enabled())

	w := cfg.Workloads[0]
	assert.Equal(t, DefaultPullPolicy, w.PullPolicy)
	assert.Equal(t, DefaultRuns, w.RunCount())
	assert.Equal(t, DefaultWarmup, w.WarmupDuration())
	assert.Equal(t, DefaultPause, w.PauseDuration())
}

func TestLoad_WorkloadOverridesSessionDefaults(t *testing.T) {
	configPath := writeConfig(t, `
session:
  runs: 10
  warmup: 30s
workloads:
  - name: quick
    command: ["python3", "bench.py"]
    runs: 3
    warmup: 0s
    pause: 2s
    env:
      CUDA_VISIBLE_DEVICES: "0"
      PYTORCH_CUDA_ALLOC_CONF: expandable_segments:True
`)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	w := cfg.Workloads[0]
	assert.Equal(t, 3, w.RunCount())
	assert.Equal(t, time.Duration(0), w.WarmupDuration())
	assert.Equal(t, 2*time.Second, w.PauseDuration())
	assert.Equal(t, "0", w.Env["CUDA_VISIBLE_DEVICES"])
	assert.Equal(t, "expandable_segments:True", w.Env["PYTORCH_CUDA_ALLOC_CONF"])
}

func TestLoad_MergesFilesInOrder(t *testing.T) {
	base := writeConfig(t, `
global:
  log_level: info
  results_dir: ./base
workloads:
  - name: a
    shell: "echo a"
`)
	override := writeConfig(t, `
global:
  log_level: debug
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Global.LogLevel)
	assert.Equal(t, "./base", cfg.Global.ResultsDir)
	require.Len(t, cfg.Workloads, 1)
}

func TestLoad_NoFiles(t *testing.T) {
	t.Setenv("ENERGYOOR_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Global.LogLevel)
	assert.Empty(t, cfg.Workloads)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading config file")
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: yaml: content:"))
	require.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		runs := 3
		warmup := time.Second
		pause := time.Second

		return &Config{
			Global:  GlobalConfig{ResultsDir: "./results", ContainerRuntime: "docker"},
			Sampler: SamplerConfig{Type: SamplerEnergibridge, Interval: DefaultInterval},
			Workloads: []Workload{{
				Name:       "ubuntu",
				Image:      "ubuntu:22.04",
				PullPolicy: "never",
				Runs:       &runs,
				Warmup:     &warmup,
				Pause:      &pause,
			}},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(_ *Config) {}},
		{
			name:    "unknown sampler",
			mutate:  func(c *Config) { c.Sampler.Type = "rapl" },
			wantErr: "unknown type",
		},
		{
			name:    "zero interval",
			mutate:  func(c *Config) { c.Sampler.Interval = 0 },
			wantErr: "interval",
		},
		{
			name:    "unknown runtime",
			mutate:  func(c *Config) { c.Global.ContainerRuntime = "lxc" },
			wantErr: "container_runtime",
		},
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.Workloads[0].Name = "" },
			wantErr: "name is required",
		},
		{
			name:    "name with path separator",
			mutate:  func(c *Config) { c.Workloads[0].Name = "../etc" },
			wantErr: "name must match",
		},
		{
			name: "duplicate name",
			mutate: func(c *Config) {
				c.Workloads = append(c.Workloads, c.Workloads[0])
			},
			wantErr: "duplicate name",
		},
		{
			name:    "command and image",
			mutate:  func(c *Config) { c.Workloads[0].Command = []string{"true"} },
			wantErr: "exactly one of",
		},
		{
			name: "nothing to run",
			mutate: func(c *Config) {
				c.Workloads[0].Image = ""
			},
			wantErr: "exactly one of",
		},
		{
			name:    "bad pull policy",
			mutate:  func(c *Config) { c.Workloads[0].PullPolicy = "sometimes" },
			wantErr: "pull_policy",
		},
		{
			name: "zero runs",
			mutate: func(c *Config) {
				zero := 0
				c.Workloads[0].Runs = &zero
			},
			wantErr: "runs must be at least 1",
		},
		{
			name:    "bad memory",
			mutate:  func(c *Config) { c.Workloads[0].Memory = "lots" },
			wantErr: "invalid size",
		},
		{
			name: "memory without image",
			mutate: func(c *Config) {
				c.Workloads[0].Image = ""
				c.Workloads[0].Shell = "echo hi"
				c.Workloads[0].Memory = "1g"
			},
			wantErr: "require image",
		},
		{
			name: "store with unknown driver",
			mutate: func(c *Config) {
				c.Store.Enabled = true
				c.Store.Database.Driver = "mysql"
			},
			wantErr: "unknown driver",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(c *Config) { c.Upload.S3.Enabled = true },
			wantErr: "bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_Redacted(t *testing.T) {
	cfg := &Config{
		Store: StoreConfig{Database: DatabaseConfig{Postgres: PostgresConfig{Password: "pgpass"}}},
		Upload: UploadConfig{S3: S3UploadConfig{
			AccessKeyID:     "AKIA",
			SecretAccessKey: "s3cr3t-value",
		}},
		API: APIConfig{Auth: APIAuthConfig{Basic: BasicAuthConfig{
			Users: []BasicAuthUser{{Username: "admin", PasswordHash: "$2a$10$hash"}},
		}}},
	}

	data, err := cfg.YAML()
	require.NoError(t, err)

	out := string(data)
	assert.NotContains(t, out, "pgpass")
	assert.NotContains(t, out, "s3cr3t-value")
	assert.NotContains(t, out, "$2a$10$hash")
	assert.Contains(t, out, "admin")

	// The original is untouched.
	assert.Equal(t, "$2a$10$hash", cfg.API.Auth.Basic.Users[0].PasswordHash)
}

func TestConfig_Workload(t *testing.T) {
	cfg := &Config{Workloads: []Workload{{Name: "a"}, {Name: "b"}}}

	w, ok := cfg.Workload("b")
	require.True(t, ok)
	assert.Equal(t, "b", w.Name)

	_, ok = cfg.Workload("c")
	assert.False(t, ok)
}
