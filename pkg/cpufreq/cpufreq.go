// Package cpufreq pins CPU frequency, governor and turbo boost for the
// duration of a measurement session and restores them afterwards.
package cpufreq

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Manager controls CPU frequency settings during sessions.
type Manager interface {
	Start(ctx context.Context) error
	// Stop restores any settings still applied.
	Stop() error
	// Apply applies settings to cpus, or to all online CPUs when empty.
	// Original settings are captured on first use and persisted for
	// crash recovery.
	Apply(ctx context.Context, cfg *Config, cpus []int) error
	// Restore restores original CPU frequency settings.
	Restore(ctx context.Context) error
	// GetCPUInfo returns CPU frequency info for all online CPUs.
	GetCPUInfo() ([]CPUInfo, error)
}

// Config holds CPU frequency configuration.
type Config struct {
	Frequency  string // "2000MHz", "2.4GHz", "MAX", or empty (unchanged)
	TurboBoost *bool  // nil=unchanged
	Governor   string // defaults to "performance" when Frequency is set
}

// CPUInfo contains frequency information for a single CPU.
type CPUInfo struct {
	ID             int    `json:"id"`
	MinFreqKHz     uint64 `json:"min_freq_khz"`
	MaxFreqKHz     uint64 `json:"max_freq_khz"`
	CurrentFreqKHz uint64 `json:"current_freq_khz"`
	Governor       string `json:"governor"`
	ScalingMinKHz  uint64 `json:"scaling_min_khz"`
	ScalingMaxKHz  uint64 `json:"scaling_max_khz"`
}

// OriginalSettings stores the CPU settings in place before Apply.
type OriginalSettings struct {
	SysfsPath  string               `json:"sysfs_path"`
	CPUs       map[int]*CPUSettings `json:"cpus"`
	TurboBoost *TurboBoostSettings  `json:"turbo_boost,omitempty"`
}

// CPUSettings stores settings for a single CPU.
type CPUSettings struct {
	ScalingMaxKHz uint64 `json:"scaling_max_khz"`
	ScalingMinKHz uint64 `json:"scaling_min_khz"`
	Governor      string `json:"governor"`
}

// TurboBoostSettings stores turbo boost settings.
type TurboBoostSettings struct {
	Type  string `json:"type"`  // "intel" or "amd"
	Value int    `json:"value"` // Original sysfs value
}

// NewManager creates a new CPU frequency manager. stateDir receives the
// crash-recovery state file; sysfsBasePath is e.g. /sys/devices/system/cpu.
func NewManager(log logrus.FieldLogger, stateDir, sysfsBasePath string) Manager {
	return &manager{
		log:      log.WithField("component", "cpufreq"),
		stateDir: stateDir,
		fs:       sysfs{base: sysfsBasePath},
	}
}

type manager struct {
	log      logrus.FieldLogger
	stateDir string
	fs       sysfs

	mu        sync.Mutex
	original  *OriginalSettings
	stateFile string
}

// Ensure interface compliance.
var _ Manager = (*manager)(nil)

func (m *manager) Start(_ context.Context) error {
	m.log.Debug("CPU frequency manager started")

	return nil
}

func (m *manager) Stop() error {
	return m.Restore(context.Background())
}

func (m *manager) Apply(_ context.Context, cfg *Config, cpus []int) error {
	if cfg == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(cpus) == 0 {
		var err error

		cpus, err = m.fs.onlineCPUs()
		if err != nil {
			return fmt.Errorf("getting online CPUs: %w", err)
		}
	}

	if m.original == nil {
		m.original = m.capture(cpus)

		path, err := SaveState(m.stateDir, m.original)
		if err != nil {
			m.log.WithError(err).Warn("Failed to save CPU frequency state file")
		} else {
			m.stateFile = path
		}
	}

	governor := cfg.Governor
	if governor == "" && cfg.Frequency != "" {
		governor = "performance"
	}

	// Governor first, some drivers reset the scaling range on change.
	if governor != "" {
		for _, id := range cpus {
			if err := m.fs.writeString(id, scalingGovernorFile, governor); err != nil {
				return fmt.Errorf("setting governor for CPU %d: %w", id, err)
			}
		}

		m.log.WithField("governor", governor).Info("Set CPU governor")
	}

	if cfg.Frequency != "" {
		if err := m.pinFrequency(cfg.Frequency, cpus); err != nil {
			return err
		}
	}

	if cfg.TurboBoost != nil {
		if err := m.fs.setTurboBoost(*cfg.TurboBoost); err != nil {
			m.log.WithError(err).Warn("Failed to set turbo boost")
		} else {
			m.log.WithField("enabled", *cfg.TurboBoost).Info("Set turbo boost")
		}
	}

	return nil
}

// pinFrequency sets min and max scaling frequency to the same value.
func (m *manager) pinFrequency(freq string, cpus []int) error {
	target, err := ParseFrequency(freq)
	if err != nil {
		return fmt.Errorf("parsing frequency %q: %w", freq, err)
	}

	for _, id := range cpus {
		hwMax, err := m.fs.readUint(id, cpuinfoMaxFreqFile)
		if err != nil {
			return fmt.Errorf("getting max frequency for CPU %d: %w", id, err)
		}

		hwMin, err := m.fs.readUint(id, cpuinfoMinFreqFile)
		if err != nil {
			return fmt.Errorf("getting min frequency for CPU %d: %w", id, err)
		}

		kHz := target
		if kHz == 0 {
			kHz = hwMax
		}

		if kHz < hwMin || kHz > hwMax {
			return fmt.Errorf("frequency %d kHz out of range for CPU %d (min: %d, max: %d)", kHz, id, hwMin, hwMax)
		}

		// Lowering needs min first, raising needs max first.
		order := []string{scalingMinFreqFile, scalingMaxFreqFile}
		if cur, err := m.fs.readUint(id, scalingMaxFreqFile); err == nil && kHz > cur {
			order = []string{scalingMaxFreqFile, scalingMinFreqFile}
		}

		for _, f := range order {
			if err := m.fs.writeUint(id, f, kHz); err != nil {
				return fmt.Errorf("setting frequency for CPU %d: %w", id, err)
			}
		}
	}

	m.log.WithFields(logrus.Fields{
		"frequency": freq,
		"cpus":      len(cpus),
	}).Info("Pinned CPU frequency")

	return nil
}

func (m *manager) Restore(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.original == nil {
		return nil
	}

	restoreSettings(m.log, m.original)

	if m.stateFile != "" {
		if err := RemoveStateFile(m.stateFile); err != nil {
			m.log.WithError(err).Warn("Failed to remove state file")
		}

		m.stateFile = ""
	}

	m.original = nil

	return nil
}

func (m *manager) GetCPUInfo() ([]CPUInfo, error) {
	cpus, err := m.fs.onlineCPUs()
	if err != nil {
		return nil, fmt.Errorf("getting online CPUs: %w", err)
	}

	infos := make([]CPUInfo, 0, len(cpus))

	for _, id := range cpus {
		info := CPUInfo{ID: id}
		info.MinFreqKHz, _ = m.fs.readUint(id, cpuinfoMinFreqFile)
		info.MaxFreqKHz, _ = m.fs.readUint(id, cpuinfoMaxFreqFile)
		info.CurrentFreqKHz, _ = m.fs.readUint(id, scalingCurFreqFile)
		info.ScalingMinKHz, _ = m.fs.readUint(id, scalingMinFreqFile)
		info.ScalingMaxKHz, _ = m.fs.readUint(id, scalingMaxFreqFile)
		info.Governor, _ = m.fs.readString(id, scalingGovernorFile)

		infos = append(infos, info)
	}

	return infos, nil
}

func (m *manager) capture(cpus []int) *OriginalSettings {
	original := &OriginalSettings{
		SysfsPath: m.fs.base,
		CPUs:      make(map[int]*CPUSettings, len(cpus)),
	}

	for _, id := range cpus {
		s := &CPUSettings{}

		var err error

		if s.Governor, err = m.fs.readString(id, scalingGovernorFile); err != nil {
			m.log.WithField("cpu", id).WithError(err).Warn("Failed to get governor")
		}

		if s.ScalingMinKHz, err = m.fs.readUint(id, scalingMinFreqFile); err != nil {
			m.log.WithField("cpu", id).WithError(err).Warn("Failed to get scaling min freq")
		}

		if s.ScalingMaxKHz, err = m.fs.readUint(id, scalingMaxFreqFile); err != nil {
			m.log.WithField("cpu", id).WithError(err).Warn("Failed to get scaling max freq")
		}

		original.CPUs[id] = s
	}

	turbo, err := m.fs.captureTurboBoost()
	if err != nil {
		m.log.WithError(err).Debug("Turbo boost settings not available")
	} else {
		original.TurboBoost = turbo
	}

	return original
}

// restoreSettings writes back original settings, logging failures.
func restoreSettings(log logrus.FieldLogger, original *OriginalSettings) {
	fs := sysfs{base: original.SysfsPath}

	if original.TurboBoost != nil {
		if err := fs.restoreTurboBoost(original.TurboBoost); err != nil {
			log.WithError(err).Warn("Failed to restore turbo boost")
		}
	}

	ids := make([]int, 0, len(original.CPUs))
	for id := range original.CPUs {
		ids = append(ids, id)
	}

	sort.Ints(ids)

	for _, id := range ids {
		s := original.CPUs[id]
		l := log.WithField("cpu", id)

		if s.Governor != "" {
			if err := fs.writeString(id, scalingGovernorFile, s.Governor); err != nil {
				l.WithError(err).Warn("Failed to restore governor")
			}
		}

		// Max first so min never exceeds max.
		if s.ScalingMaxKHz > 0 {
			if err := fs.writeUint(id, scalingMaxFreqFile, s.ScalingMaxKHz); err != nil {
				l.WithError(err).Warn("Failed to restore max frequency")
			}
		}

		if s.ScalingMinKHz > 0 {
			if err := fs.writeUint(id, scalingMinFreqFile, s.ScalingMinKHz); err != nil {
				l.WithError(err).Warn("Failed to restore min frequency")
			}
		}
	}

	log.Info("CPU frequency settings restored")
}

var frequencyPattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(mhz|ghz|khz)?$`)

// ParseFrequency parses a frequency string and returns the value in kHz.
// Supported formats: "2000MHz", "2.4GHz", "2400000KHz", "2400000", "MAX".
// "MAX" returns 0, meaning the hardware maximum.
func ParseFrequency(freq string) (uint64, error) {
	freq = strings.TrimSpace(freq)
	if freq == "" {
		return 0, fmt.Errorf("empty frequency string")
	}

	if strings.EqualFold(freq, "MAX") {
		return 0, nil
	}

	matches := frequencyPattern.FindStringSubmatch(freq)
	if matches == nil {
		return 0, fmt.Errorf("invalid frequency format: %s", freq)
	}

	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing frequency value: %w", err)
	}

	var kHz uint64

	switch strings.ToLower(matches[2]) {
	case "ghz":
		kHz = uint64(value * 1_000_000)
	case "mhz":
		kHz = uint64(value * 1_000)
	default:
		kHz = uint64(value)
	}

	if kHz == 0 {
		return 0, fmt.Errorf("frequency must be greater than 0")
	}

	return kHz, nil
}

// FormatFrequency formats a frequency in kHz to a human-readable string.
func FormatFrequency(kHz uint64) string {
	switch {
	case kHz >= 1_000_000:
		return fmt.Sprintf("%.2f GHz", float64(kHz)/1_000_000)
	case kHz >= 1_000:
		return fmt.Sprintf("%.0f MHz", float64(kHz)/1_000)
	default:
		return fmt.Sprintf("%d kHz", kHz)
	}
}
