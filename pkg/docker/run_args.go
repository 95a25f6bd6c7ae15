package docker

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/docker/go-units"
)

// GPUFlag renders the flags requesting GPUs for a runtime.
type GPUFlag func(gpus string) []string

// GPUFlagDocker requests GPUs through the NVIDIA container runtime hook.
func GPUFlagDocker(gpus string) []string {
	return []string{"--gpus", gpus}
}

// GPUFlagCDI requests GPUs as CDI devices, as podman expects.
func GPUFlagCDI(gpus string) []string {
	if gpus == "all" {
		return []string{"--device", "nvidia.com/gpu=all"}
	}

	return []string{"--device", "nvidia.com/gpu=" + gpus}
}

// RunSpec describes a measured container run.
type RunSpec struct {
	Name    string
	Image   string
	Args    []string
	GPUs    string
	Memory  string
	ShmSize string
	Env     map[string]string
	Labels  map[string]string
}

// BuildRunCommand returns the argv of a foreground "run --rm" invocation.
// Sizes are normalised to bytes.
func BuildRunCommand(binary string, spec *RunSpec, gpuFlag GPUFlag) ([]string, error) {
	if spec.Image == "" {
		return nil, errors.New("image is required")
	}

	argv := []string{binary, "run", "--rm"}

	if spec.Name != "" {
		argv = append(argv, "--name", spec.Name)
	}

	labels := map[string]string{ManagedByLabel: ManagedByValue}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	for _, k := range sortedKeys(labels) {
		argv = append(argv, "--label", k+"="+labels[k])
	}

	if spec.GPUs != "" {
		argv = append(argv, gpuFlag(spec.GPUs)...)
	}

	if spec.Memory != "" {
		bytes, err := units.RAMInBytes(spec.Memory)
		if err != nil {
			return nil, fmt.Errorf("parsing memory %q: %w", spec.Memory, err)
		}

		argv = append(argv, "--memory", strconv.FormatInt(bytes, 10))
	}

	if spec.ShmSize != "" {
		bytes, err := units.RAMInBytes(spec.ShmSize)
		if err != nil {
			return nil, fmt.Errorf("parsing shm size %q: %w", spec.ShmSize, err)
		}

		argv = append(argv, "--shm-size", strconv.FormatInt(bytes, 10))
	}

	for _, k := range sortedKeys(spec.Env) {
		argv = append(argv, "-e", k+"="+spec.Env[k])
	}

	argv = append(argv, spec.Image)

	return append(argv, spec.Args...), nil
}

// HumanMemory formats a memory string for logs, e.g. "1GiB" -> "1.074GB".
func HumanMemory(memory string) string {
	bytes, err := units.RAMInBytes(memory)
	if err != nil {
		return memory
	}

	return units.HumanSize(float64(bytes))
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}
