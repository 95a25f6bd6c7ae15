package docker

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/sirupsen/logrus"
)

const (
	// ManagedByLabel marks containers launched by energyoor.
	ManagedByLabel = "energyoor.managed-by"
	// ManagedByValue is the value of ManagedByLabel.
	ManagedByValue = "energyoor"

	WorkloadLabel  = "energyoor.workload"
	SessionIDLabel = "energyoor.session-id"
	RunLabel       = "energyoor.run"
)

// ContainerManager prepares images for measured workloads and cleans up
// the containers they leave behind. The measured container itself is
// launched through the runtime CLI so that the sampling utility wraps the
// whole process.
type ContainerManager interface {
	Start(ctx context.Context) error
	Stop() error

	// RuntimeBinary returns the CLI used to run measured containers.
	RuntimeBinary() string
	// RunCommand builds the argv that runs spec in the foreground.
	RunCommand(spec *RunSpec) ([]string, error)

	// Image operations.
	PullImage(ctx context.Context, imageName string, policy string) error
	GetImageDigest(ctx context.Context, imageName string) (string, error)

	// Cleanup operations.
	ListContainers(ctx context.Context) ([]ContainerInfo, error)
	RemoveContainer(ctx context.Context, containerID string) error
}

// ContainerInfo contains information about a container for cleanup.
type ContainerInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// NewManager creates a new Docker manager.
func NewManager(log logrus.FieldLogger) (ContainerManager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	return &manager{
		log:    log.WithField("component", "docker"),
		client: cli,
		binary: "docker",
	}, nil
}

type manager struct {
	log    logrus.FieldLogger
	client *client.Client
	binary string
}

// Ensure interface compliance.
var _ ContainerManager = (*manager)(nil)

// Start verifies the Docker daemon is reachable.
func (m *manager) Start(ctx context.Context) error {
	if _, err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("connecting to docker daemon: %w", err)
	}

	m.log.Debug("Connected to Docker daemon")

	return nil
}

// Stop closes the Docker client.
func (m *manager) Stop() error {
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("closing docker client: %w", err)
	}

	return nil
}

func (m *manager) RuntimeBinary() string {
	return m.binary
}

func (m *manager) RunCommand(spec *RunSpec) ([]string, error) {
	return BuildRunCommand(m.binary, spec, GPUFlagDocker)
}

// PullImage pulls an image according to policy.
func (m *manager) PullImage(ctx context.Context, imageName string, policy string) error {
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		images, err := m.client.ImageList(ctx, image.ListOptions{
			Filters: filters.NewArgs(filters.Arg("reference", imageName)),
		})
		if err != nil {
			return fmt.Errorf("listing images: %w", err)
		}

		if len(images) > 0 {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	reader, err := m.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer func() { _ = reader.Close() }()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("reading pull response: %w", err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// GetImageDigest returns the "sha256:..." digest of an image.
func (m *manager) GetImageDigest(ctx context.Context, imageName string) (string, error) {
	inspect, _, err := m.client.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		return "", fmt.Errorf("inspecting image: %w", err)
	}

	return DigestFrom(inspect.RepoDigests, inspect.ID), nil
}

// ListContainers returns all containers carrying the managed-by label.
func (m *manager) ListContainers(ctx context.Context) ([]ContainerInfo, error) {
	containers, err := m.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", ManagedByLabel+"="+ManagedByValue),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		result = append(result, ContainerInfo{
			ID:     c.ID,
			Name:   ContainerName(c.Names),
			Labels: c.Labels,
		})
	}

	return result, nil
}

// RemoveContainer force-removes a container by id or name. A container
// that no longer exists is not an error.
func (m *manager) RemoveContainer(ctx context.Context, containerID string) error {
	err := m.client.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}

		return fmt.Errorf("removing container %s: %w", shortID(containerID), err)
	}

	m.log.WithField("id", shortID(containerID)).Debug("Removed container")

	return nil
}

// DigestFrom extracts the "sha256:..." part of the first repo digest,
// falling back to the image ID.
func DigestFrom(repoDigests []string, id string) string {
	if len(repoDigests) > 0 {
		digest := repoDigests[0]
		if idx := strings.Index(digest, "sha256:"); idx != -1 {
			return digest[idx:]
		}

		return digest
	}

	return id
}

// ContainerName returns the first name without the leading slash.
func ContainerName(names []string) string {
	if len(names) == 0 {
		return ""
	}

	return strings.TrimPrefix(names[0], "/")
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}

	return id
}
