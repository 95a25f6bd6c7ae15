package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "ENERGYOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultResultsDir is the default directory for measurement results.
	DefaultResultsDir = "./results"

	// DefaultPullPolicy is the default image pull policy.
	DefaultPullPolicy = "if-not-present"

	// DefaultContainerRuntime is the default container runtime.
	DefaultContainerRuntime = "docker"

	// DefaultCredentialEnv holds the sudo password when sampler.sudo is set.
	DefaultCredentialEnv = "ENERGYOOR_SUDO_PASSWORD"

	// DefaultSysfsPath is the CPU sysfs base path.
	DefaultSysfsPath = "/sys/devices/system/cpu"

	DefaultRuns          = 30
	DefaultWarmup        = 60 * time.Second
	DefaultPause         = 60 * time.Second
	DefaultWorkloadPause = 60 * time.Second
	DefaultInterval      = 10 * time.Millisecond
)

// Sampler types.
const (
	SamplerEnergibridge = "energibridge"
	SamplerPowermetrics = "powermetrics"
)

// Config is the root configuration for energyoor.
type Config struct {
	Global    GlobalConfig  `yaml:"global" mapstructure:"global"`
	Sampler   SamplerConfig `yaml:"sampler" mapstructure:"sampler"`
	Session   SessionConfig `yaml:"session" mapstructure:"session"`
	CPU       CPUConfig     `yaml:"cpu" mapstructure:"cpu"`
	Workloads []Workload    `yaml:"workloads" mapstructure:"workloads"`
	Store     StoreConfig   `yaml:"store" mapstructure:"store"`
	Upload    UploadConfig  `yaml:"upload" mapstructure:"upload"`
	API       APIConfig     `yaml:"api" mapstructure:"api"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel         string `yaml:"log_level" mapstructure:"log_level"`
	ResultsDir       string `yaml:"results_dir" mapstructure:"results_dir"`
	ResultsOwner     string `yaml:"results_owner,omitempty" mapstructure:"results_owner"`
	ContainerRuntime string `yaml:"container_runtime" mapstructure:"container_runtime"`
	CleanupOnStart   bool   `yaml:"cleanup_on_start" mapstructure:"cleanup_on_start"`
	// StateDir holds crash-recovery state such as original CPU settings.
	StateDir string `yaml:"state_dir" mapstructure:"state_dir"`
}

// SamplerConfig selects and configures the energy sampling utility.
type SamplerConfig struct {
	Type     string        `yaml:"type" mapstructure:"type"`
	Path     string        `yaml:"path" mapstructure:"path"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	GPU      bool          `yaml:"gpu" mapstructure:"gpu"`

	Sudo     bool   `yaml:"sudo" mapstructure:"sudo"`
	SudoPath string `yaml:"sudo_path,omitempty" mapstructure:"sudo_path"`
	// CredentialEnv names the environment variable holding the sudo password.
	CredentialEnv string `yaml:"credential_env" mapstructure:"credential_env"`
	// CredentialPrompt falls back to an interactive prompt when the
	// environment variable is unset.
	CredentialPrompt bool `yaml:"credential_prompt" mapstructure:"credential_prompt"`

	RunTimeout     time.Duration `yaml:"run_timeout,omitempty" mapstructure:"run_timeout"`
	TerminateGrace time.Duration `yaml:"terminate_grace,omitempty" mapstructure:"terminate_grace"`

	Powermetrics PowermetricsConfig `yaml:"powermetrics,omitempty" mapstructure:"powermetrics"`
}

// PowermetricsConfig configures the macOS powermetrics backend.
type PowermetricsConfig struct {
	Path     string        `yaml:"path" mapstructure:"path"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Duration time.Duration `yaml:"duration,omitempty" mapstructure:"duration"`
}

// SessionConfig holds defaults applied to every workload.
type SessionConfig struct {
	Runs          int           `yaml:"runs" mapstructure:"runs"`
	Warmup        time.Duration `yaml:"warmup" mapstructure:"warmup"`
	Pause         time.Duration `yaml:"pause" mapstructure:"pause"`
	WorkloadPause time.Duration `yaml:"workload_pause" mapstructure:"workload_pause"`
}

// CPUConfig pins CPU frequency settings for the duration of a session.
type CPUConfig struct {
	Frequency  string `yaml:"frequency,omitempty" mapstructure:"frequency"`
	TurboBoost *bool  `yaml:"turbo_boost,omitempty" mapstructure:"turbo_boost"`
	Governor   string `yaml:"governor,omitempty" mapstructure:"governor"`
	SysfsPath  string `yaml:"sysfs_path,omitempty" mapstructure:"sysfs_path"`
	CPUs       []int  `yaml:"cpus,omitempty" mapstructure:"cpus"`
}

// Enabled reports whether any CPU setting should be changed.
func (c *CPUConfig) Enabled() bool {
	return c.Frequency != "" || c.TurboBoost != nil || c.Governor != ""
}

// Workload is one variant to measure. Exactly one of Command, Shell or
// Image is set.
type Workload struct {
	Name    string   `yaml:"name" mapstructure:"name"`
	Command []string `yaml:"command,omitempty" mapstructure:"command"`
	Shell   string   `yaml:"shell,omitempty" mapstructure:"shell"`
	Dir     string   `yaml:"dir,omitempty" mapstructure:"dir"`

	Image        string            `yaml:"image,omitempty" mapstructure:"image"`
	ImageArgs    []string          `yaml:"image_args,omitempty" mapstructure:"image_args"`
	GPUs         string            `yaml:"gpus,omitempty" mapstructure:"gpus"`
	Memory       string            `yaml:"memory,omitempty" mapstructure:"memory"`
	ShmSize      string            `yaml:"shm_size,omitempty" mapstructure:"shm_size"`
	ContainerEnv map[string]string `yaml:"container_env,omitempty" mapstructure:"container_env"`
	PullPolicy   string            `yaml:"pull_policy,omitempty" mapstructure:"pull_policy"`

	// Env is passed through to the sampler process untouched.
	Env map[string]string `yaml:"env,omitempty" mapstructure:"env"`

	Runs   *int           `yaml:"runs,omitempty" mapstructure:"runs"`
	Warmup *time.Duration `yaml:"warmup,omitempty" mapstructure:"warmup"`
	Pause  *time.Duration `yaml:"pause,omitempty" mapstructure:"pause"`
}

// IsContainer reports whether the workload runs a container image.
func (w *Workload) IsContainer() bool {
	return w.Image != ""
}

// RunCount returns the configured number of runs.
func (w *Workload) RunCount() int {
	if w.Runs == nil {
		return 0
	}

	return *w.Runs
}

// WarmupDuration returns the configured warm-up duration.
func (w *Workload) WarmupDuration() time.Duration {
	if w.Warmup == nil {
		return 0
	}

	return *w.Warmup
}

// PauseDuration returns the configured pause between runs.
func (w *Workload) PauseDuration() time.Duration {
	if w.Pause == nil {
		return 0
	}

	return *w.Pause
}

// StoreConfig configures the run-record database.
type StoreConfig struct {
	Enabled  bool           `yaml:"enabled" mapstructure:"enabled"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// UploadConfig configures uploading session directories.
type UploadConfig struct {
	S3 S3UploadConfig `yaml:"s3" mapstructure:"s3"`
}

// S3UploadConfig contains S3-compatible storage settings.
type S3UploadConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// APIConfig contains the results API server configuration.
type APIConfig struct {
	Server APIServerConfig `yaml:"server" mapstructure:"server"`
	Auth   APIAuthConfig   `yaml:"auth" mapstructure:"auth"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// APIAuthConfig contains authentication settings.
type APIAuthConfig struct {
	Basic BasicAuthConfig `yaml:"basic,omitempty" mapstructure:"basic"`
}

// BasicAuthConfig configures username/password authentication.
type BasicAuthConfig struct {
	Enabled bool            `yaml:"enabled" mapstructure:"enabled"`
	Users   []BasicAuthUser `yaml:"users,omitempty" mapstructure:"users"`
}

// BasicAuthUser is an API user. Only the bcrypt hash is configured.
type BasicAuthUser struct {
	Username     string `yaml:"username" mapstructure:"username"`
	PasswordHash string `yaml:"password_hash" mapstructure:"password_hash"`
}

// Load reads and merges the configuration files in order, applies
// ENERGYOOR_* environment overrides and fills defaults. With no paths only
// defaults and environment overrides apply.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		if i == 0 {
			err = v.ReadConfig(bytes.NewReader(data))
		} else {
			err = v.MergeConfig(bytes.NewReader(data))
		}

		if err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range envKeys(reflect.TypeOf(Config{}), "") {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("binding env for %s: %w", key, err)
		}
	}

	var cfg Config

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &cfg,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("creating config decoder: %w", err)
	}

	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// envKeys lists the dotted keys of every scalar field reachable through
// nested structs. Slices of structs and maps are not env-overridable.
func envKeys(t reflect.Type, prefix string) []string {
	var keys []string

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)

		tag := strings.Split(f.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}

		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}

		ft := f.Type
		if ft.Kind() == reflect.Ptr {
			ft = ft.Elem()
		}

		switch {
		case ft.Kind() == reflect.Struct:
			keys = append(keys, envKeys(ft, key)...)
		case ft.Kind() == reflect.Map:
			continue
		case ft.Kind() == reflect.Slice && ft.Elem().Kind() == reflect.Struct:
			continue
		default:
			keys = append(keys, key)
		}
	}

	return keys
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Global.ResultsDir == "" {
		c.Global.ResultsDir = DefaultResultsDir
	}

	if c.Global.ContainerRuntime == "" {
		c.Global.ContainerRuntime = DefaultContainerRuntime
	}

	if c.Global.StateDir == "" {
		c.Global.StateDir = filepath.Join(os.TempDir(), "energyoor")
	}

	if c.Sampler.Type == "" {
		c.Sampler.Type = SamplerEnergibridge
	}

	if c.Sampler.Path == "" {
		c.Sampler.Path = c.Sampler.Type
	}

	if c.Sampler.Interval == 0 {
		c.Sampler.Interval = DefaultInterval
	}

	if c.Sampler.SudoPath == "" {
		c.Sampler.SudoPath = "sudo"
	}

	if c.Sampler.CredentialEnv == "" {
		c.Sampler.CredentialEnv = DefaultCredentialEnv
	}

	if c.Sampler.TerminateGrace == 0 {
		c.Sampler.TerminateGrace = 5 * time.Second
	}

	if c.Sampler.Powermetrics.Path == "" {
		c.Sampler.Powermetrics.Path = "powermetrics"
	}

	if c.Sampler.Powermetrics.Interval == 0 {
		c.Sampler.Powermetrics.Interval = time.Second
	}

	if c.Session.Runs == 0 {
		c.Session.Runs = DefaultRuns
	}

	if c.Session.Warmup == 0 {
		c.Session.Warmup = DefaultWarmup
	}

	if c.Session.Pause == 0 {
		c.Session.Pause = DefaultPause
	}

	if c.Session.WorkloadPause == 0 {
		c.Session.WorkloadPause = DefaultWorkloadPause
	}

	if c.CPU.SysfsPath == "" {
		c.CPU.SysfsPath = DefaultSysfsPath
	}

	if c.Store.Database.Driver == "" {
		c.Store.Database.Driver = "sqlite"
	}

	if c.Store.Database.SQLite.Path == "" {
		c.Store.Database.SQLite.Path = filepath.Join(c.Global.ResultsDir, "energyoor.db")
	}

	if c.Store.Database.Postgres.Port == 0 {
		c.Store.Database.Postgres.Port = 5432
	}

	if c.API.Server.Listen == "" {
		c.API.Server.Listen = ":9090"
	}

	if c.API.Server.RateLimit.RequestsPerMinute == 0 {
		c.API.Server.RateLimit.RequestsPerMinute = 120
	}

	for i := range c.Workloads {
		w := &c.Workloads[i]

		if w.PullPolicy == "" {
			w.PullPolicy = DefaultPullPolicy
		}

		if w.Runs == nil {
			runs := c.Session.Runs
			w.Runs = &runs
		}

		if w.Warmup == nil {
			warmup := c.Session.Warmup
			w.Warmup = &warmup
		}

		if w.Pause == nil {
			pause := c.Session.Pause
			w.Pause = &pause
		}

		w.Env = upperKeys(w.Env)
		w.ContainerEnv = upperKeys(w.ContainerEnv)
	}
}

// upperKeys restores the conventional case of environment variable names,
// which viper lowercases.
func upperKeys(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}

	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToUpper(k)] = v
	}

	return out
}

var workloadNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Sampler.Type {
	case SamplerEnergibridge, SamplerPowermetrics:
	default:
		return fmt.Errorf("sampler: unknown type %q", c.Sampler.Type)
	}

	if c.Sampler.Interval < time.Microsecond {
		return fmt.Errorf("sampler: interval must be at least 1µs, got %s", c.Sampler.Interval)
	}

	if c.Sampler.RunTimeout < 0 {
		return fmt.Errorf("sampler: run_timeout must not be negative")
	}

	switch c.Global.ContainerRuntime {
	case "docker", "podman":
	default:
		return fmt.Errorf("global: unknown container_runtime %q", c.Global.ContainerRuntime)
	}

	if c.Session.WorkloadPause < 0 {
		return fmt.Errorf("session: workload_pause must not be negative")
	}

	seen := make(map[string]struct{}, len(c.Workloads))

	for i := range c.Workloads {
		w := &c.Workloads[i]

		if err := w.validate(); err != nil {
			if w.Name == "" {
				return fmt.Errorf("workload %d: %w", i, err)
			}

			return fmt.Errorf("workload %q: %w", w.Name, err)
		}

		if _, exists := seen[w.Name]; exists {
			return fmt.Errorf("workload %d: duplicate name %q", i, w.Name)
		}

		seen[w.Name] = struct{}{}
	}

	if c.Store.Enabled {
		switch c.Store.Database.Driver {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("store: unknown driver %q", c.Store.Database.Driver)
		}
	}

	if c.Upload.S3.Enabled && c.Upload.S3.Bucket == "" {
		return fmt.Errorf("upload.s3: bucket is required")
	}

	if c.Global.ResultsDir != "" {
		dir := filepath.Dir(filepath.Clean(c.Global.ResultsDir))
		if dir != "." && dir != ".." {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				return fmt.Errorf("results directory parent %q does not exist", dir)
			}
		}
	}

	return nil
}

func (w *Workload) validate() error {
	if w.Name == "" {
		return fmt.Errorf("name is required")
	}

	if !workloadNamePattern.MatchString(w.Name) {
		return fmt.Errorf("name must match %s", workloadNamePattern)
	}

	set := 0

	for _, ok := range []bool{len(w.Command) > 0, w.Shell != "", w.Image != ""} {
		if ok {
			set++
		}
	}

	if set != 1 {
		return fmt.Errorf("exactly one of command, shell or image must be set")
	}

	switch w.PullPolicy {
	case "always", "if-not-present", "never":
	default:
		return fmt.Errorf("unknown pull_policy %q", w.PullPolicy)
	}

	if w.RunCount() < 1 {
		return fmt.Errorf("runs must be at least 1")
	}

	if w.WarmupDuration() < 0 || w.PauseDuration() < 0 {
		return fmt.Errorf("warmup and pause must not be negative")
	}

	for _, size := range []string{w.Memory, w.ShmSize} {
		if size == "" {
			continue
		}

		if _, err := units.RAMInBytes(size); err != nil {
			return fmt.Errorf("invalid size %q: %w", size, err)
		}
	}

	if !w.IsContainer() && (w.GPUs != "" || w.Memory != "" || len(w.ContainerEnv) > 0) {
		return fmt.Errorf("gpus, memory and container_env require image")
	}

	return nil
}

// Workload returns the workload with the given name.
func (c *Config) Workload(name string) (*Workload, bool) {
	for i := range c.Workloads {
		if c.Workloads[i].Name == name {
			return &c.Workloads[i], true
		}
	}

	return nil, false
}

// Redacted returns a copy with secrets removed, suitable for writing into
// a results directory.
func (c *Config) Redacted() *Config {
	cp := *c

	cp.Store.Database.Postgres.Password = redact(cp.Store.Database.Postgres.Password)
	cp.Upload.S3.AccessKeyID = redact(cp.Upload.S3.AccessKeyID)
	cp.Upload.S3.SecretAccessKey = redact(cp.Upload.S3.SecretAccessKey)

	users := make([]BasicAuthUser, len(c.API.Auth.Basic.Users))
	for i, u := range c.API.Auth.Basic.Users {
		users[i] = BasicAuthUser{Username: u.Username, PasswordHash: redact(u.PasswordHash)}
	}

	cp.API.Auth.Basic.Users = users

	return &cp
}

// YAML renders the redacted configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c.Redacted())
}

func redact(s string) string {
	if s == "" {
		return ""
	}

	return "<redacted>"
}
