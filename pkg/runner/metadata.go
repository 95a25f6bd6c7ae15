package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"time"

	"github.com/ethpandaops/energyoor/pkg/cpufreq"
	"github.com/ethpandaops/energyoor/pkg/fsutil"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Metadata is written to session.json at the start and end of a session.
type Metadata struct {
	SessionID    string     `json:"session_id"`
	Workload     string     `json:"workload"`
	Sampler      string     `json:"sampler"`
	Image        string     `json:"image,omitempty"`
	ImageDigest  string     `json:"image_digest,omitempty"`
	Command      []string   `json:"command"`
	EnvKeys      []string   `json:"env_keys,omitempty"`
	Runs         int        `json:"runs"`
	Warmup       string     `json:"warmup"`
	Pause        string     `json:"pause"`
	Status       string     `json:"status"`
	Error        string     `json:"error,omitempty"`
	RunsRecorded int        `json:"runs_recorded"`
	RunsFailed   int        `json:"runs_failed"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`

	System *SystemInfo       `json:"system,omitempty"`
	CPU    []cpufreq.CPUInfo `json:"cpu_frequency,omitempty"`
}

// SystemInfo describes the measuring host.
type SystemInfo struct {
	Hostname           string  `json:"hostname"`
	OS                 string  `json:"os"`
	Platform           string  `json:"platform"`
	PlatformVersion    string  `json:"platform_version"`
	KernelVersion      string  `json:"kernel_version"`
	Arch               string  `json:"arch"`
	Virtualization     string  `json:"virtualization,omitempty"`
	VirtualizationRole string  `json:"virtualization_role,omitempty"`
	CPUVendor          string  `json:"cpu_vendor"`
	CPUModel           string  `json:"cpu_model"`
	CPUCores           int     `json:"cpu_cores"`
	CPUMhz             float64 `json:"cpu_mhz"`
	CPUCacheKB         int     `json:"cpu_cache_kb"`
	MemoryTotalGB      float64 `json:"memory_total_gb"`
}

// collectSystemInfo gathers host details. Fields that cannot be read are
// left empty.
func collectSystemInfo(ctx context.Context) *SystemInfo {
	info := &SystemInfo{Arch: runtime.GOARCH}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.OS = h.OS
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		info.Virtualization = h.VirtualizationSystem
		info.VirtualizationRole = h.VirtualizationRole

		if h.KernelArch != "" {
			info.Arch = h.KernelArch
		}
	}

	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info.CPUVendor = cpus[0].VendorID
		info.CPUModel = cpus[0].ModelName
		info.CPUMhz = cpus[0].Mhz
		info.CPUCacheKB = int(cpus[0].CacheSize)
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUCores = n
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotalGB = float64(vm.Total) / (1 << 30)
	}

	return info
}

func (r *runner) writeMetadata(dir string, meta *Metadata) error {
	return r.writeJSON(filepath.Join(dir, SessionFile), meta)
}

func (r *runner) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}

	if err := fsutil.WriteFile(path, data, 0o644, r.cfg.ResultsOwner); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}

	return nil
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
