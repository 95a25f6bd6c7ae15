package cpufreq

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// cpufreq sysfs files.
const (
	scalingMinFreqFile   = "scaling_min_freq"
	scalingMaxFreqFile   = "scaling_max_freq"
	scalingCurFreqFile   = "scaling_cur_freq"
	scalingGovernorFile  = "scaling_governor"
	scalingAvailGovsFile = "scaling_available_governors"
	cpuinfoMinFreqFile   = "cpuinfo_min_freq"
	cpuinfoMaxFreqFile   = "cpuinfo_max_freq"
)

// sysfs is a CPU sysfs tree rooted at base, e.g. /sys/devices/system/cpu.
type sysfs struct {
	base string
}

func (s sysfs) cpuFile(cpuID int, name string) string {
	return filepath.Join(s.base, fmt.Sprintf("cpu%d", cpuID), "cpufreq", name)
}

func (s sysfs) intelNoTurbo() string {
	return filepath.Join(s.base, "intel_pstate", "no_turbo")
}

func (s sysfs) amdBoost() string {
	return filepath.Join(s.base, "cpufreq", "boost")
}

// onlineCPUs returns the online CPU IDs, falling back to present CPUs.
func (s sysfs) onlineCPUs() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(s.base, "online"))
	if err != nil {
		data, err = os.ReadFile(filepath.Join(s.base, "present"))
		if err != nil {
			return nil, fmt.Errorf("reading CPU online/present: %w", err)
		}
	}

	return parseCPURange(strings.TrimSpace(string(data)))
}

func (s sysfs) readUint(cpuID int, name string) (uint64, error) {
	return readUint(s.cpuFile(cpuID, name))
}

func (s sysfs) writeUint(cpuID int, name string, v uint64) error {
	return writeString(s.cpuFile(cpuID, name), strconv.FormatUint(v, 10))
}

func (s sysfs) readString(cpuID int, name string) (string, error) {
	return readString(s.cpuFile(cpuID, name))
}

func (s sysfs) writeString(cpuID int, name, v string) error {
	return writeString(s.cpuFile(cpuID, name), v)
}

// parseCPURange parses CPU lists like "0-7" or "0,2,4-6".
func parseCPURange(rangeStr string) ([]int, error) {
	if rangeStr == "" {
		return nil, nil
	}

	var cpus []int

	for _, part := range strings.Split(rangeStr, ",") {
		part = strings.TrimSpace(part)

		lo, hi, isRange := strings.Cut(part, "-")
		if !isRange {
			hi = lo
		}

		start, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("parsing CPU range %q: %w", part, err)
		}

		end, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, fmt.Errorf("parsing CPU range %q: %w", part, err)
		}

		if end < start {
			return nil, fmt.Errorf("invalid CPU range: %s", part)
		}

		for i := start; i <= end; i++ {
			cpus = append(cpus, i)
		}
	}

	return cpus, nil
}

func readUint(path string) (uint64, error) {
	s, err := readString(path)
	if err != nil {
		return 0, err
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", path, err)
	}

	return v, nil
}

func readString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}

	return strings.TrimSpace(string(data)), nil
}

func writeString(path, value string) error {
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}

// TurboBoostType represents the type of turbo boost control available.
type TurboBoostType string

const (
	TurboBoostIntel TurboBoostType = "intel"
	TurboBoostAMD   TurboBoostType = "amd"
	TurboBoostNone  TurboBoostType = "none"
)

func (s sysfs) turboType() TurboBoostType {
	if _, err := os.Stat(s.intelNoTurbo()); err == nil {
		return TurboBoostIntel
	}

	if _, err := os.Stat(s.amdBoost()); err == nil {
		return TurboBoostAMD
	}

	return TurboBoostNone
}

// setTurboBoost enables or disables turbo boost. Intel exposes an inverted
// no_turbo flag, AMD a boost flag.
func (s sysfs) setTurboBoost(enabled bool) error {
	switch s.turboType() {
	case TurboBoostIntel:
		if enabled {
			return writeString(s.intelNoTurbo(), "0")
		}

		return writeString(s.intelNoTurbo(), "1")
	case TurboBoostAMD:
		if enabled {
			return writeString(s.amdBoost(), "1")
		}

		return writeString(s.amdBoost(), "0")
	default:
		return fmt.Errorf("turbo boost control not available")
	}
}

func (s sysfs) captureTurboBoost() (*TurboBoostSettings, error) {
	var path string

	t := s.turboType()

	switch t {
	case TurboBoostIntel:
		path = s.intelNoTurbo()
	case TurboBoostAMD:
		path = s.amdBoost()
	default:
		return nil, fmt.Errorf("turbo boost control not available")
	}

	v, err := readUint(path)
	if err != nil {
		return nil, err
	}

	return &TurboBoostSettings{Type: string(t), Value: int(v)}, nil //nolint:gosec // 0 or 1
}

func (s sysfs) restoreTurboBoost(settings *TurboBoostSettings) error {
	if settings == nil {
		return nil
	}

	value := strconv.Itoa(settings.Value)

	switch TurboBoostType(settings.Type) {
	case TurboBoostIntel:
		return writeString(s.intelNoTurbo(), value)
	case TurboBoostAMD:
		return writeString(s.amdBoost(), value)
	default:
		return fmt.Errorf("unknown turbo boost type: %s", settings.Type)
	}
}

// HasWriteAccess checks if we have write access to CPU frequency sysfs files.
func HasWriteAccess(basePath string) error {
	s := sysfs{base: basePath}

	cpus, err := s.onlineCPUs()
	if err != nil {
		return fmt.Errorf("getting online CPUs: %w", err)
	}

	if len(cpus) == 0 {
		return fmt.Errorf("no online CPUs found")
	}

	path := s.cpuFile(cpus[0], scalingMaxFreqFile)

	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return fmt.Errorf("no write permission to %s (requires root)", path)
		}

		return fmt.Errorf("accessing %s: %w", path, err)
	}

	_ = file.Close()

	return nil
}
