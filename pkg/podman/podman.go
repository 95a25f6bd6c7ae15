package podman

import (
	"context"
	"fmt"
	"strings"

	"github.com/containers/podman/v5/pkg/bindings"
	"github.com/containers/podman/v5/pkg/bindings/containers"
	"github.com/containers/podman/v5/pkg/bindings/images"
	"github.com/containers/podman/v5/pkg/bindings/system"
	"github.com/ethpandaops/energyoor/pkg/docker"
	"github.com/sirupsen/logrus"
)

// DefaultSocket is the default rootful Podman socket path.
const DefaultSocket = "unix:///run/podman/podman.sock"

// qualifyImageName ensures the image name is fully qualified for Podman.
// Docker defaults short names like "pytorch/pytorch:latest" to
// "docker.io/pytorch/pytorch:latest", but Podman requires fully-qualified
// names unless unqualified-search registries are configured.
func qualifyImageName(name string) string {
	parts := strings.SplitN(name, "/", 2)
	if len(parts) == 2 && (strings.Contains(parts[0], ".") || strings.Contains(parts[0], ":") ||
		parts[0] == "localhost") {
		return name
	}

	if len(parts) == 1 {
		return "docker.io/library/" + name
	}

	return "docker.io/" + name
}

// manager implements docker.ContainerManager using Podman Go bindings.
type manager struct {
	log    logrus.FieldLogger
	socket string
	conn   context.Context // Podman connection context.
}

// Ensure interface compliance.
var _ docker.ContainerManager = (*manager)(nil)

// NewManager creates a new Podman container manager.
func NewManager(log logrus.FieldLogger) (docker.ContainerManager, error) {
	return &manager{
		log:    log.WithField("component", "podman"),
		socket: DefaultSocket,
	}, nil
}

// Start opens the Podman connection.
func (m *manager) Start(ctx context.Context) error {
	conn, err := bindings.NewConnection(ctx, m.socket)
	if err != nil {
		return fmt.Errorf(
			"connecting to podman socket (%s): %w\n"+
				"Ensure the Podman service is running: systemctl start podman.socket",
			m.socket, err,
		)
	}

	m.conn = conn

	info, err := system.Info(m.conn, nil)
	if err != nil {
		return fmt.Errorf("querying podman info: %w", err)
	}

	if info.Host.Security.Rootless {
		m.log.Warn("Podman is running rootless, GPU devices may be unavailable to workloads")
	}

	m.log.WithFields(logrus.Fields{
		"version": info.Version.Version,
		"runtime": info.Host.OCIRuntime.Name,
	}).Debug("Connected to Podman daemon")

	return nil
}

// Stop is a no-op; the bindings connection has no explicit close.
func (m *manager) Stop() error {
	return nil
}

func (m *manager) RuntimeBinary() string {
	return "podman"
}

func (m *manager) RunCommand(spec *docker.RunSpec) ([]string, error) {
	qualified := *spec
	qualified.Image = qualifyImageName(spec.Image)

	return docker.BuildRunCommand("podman", &qualified, docker.GPUFlagCDI)
}

// PullImage pulls a container image according to policy.
func (m *manager) PullImage(_ context.Context, imageName string, policy string) error {
	imageName = qualifyImageName(imageName)
	log := m.log.WithField("image", imageName)

	if policy == "never" {
		log.Debug("Skipping image pull (policy: never)")

		return nil
	}

	if policy == "if-not-present" {
		if _, err := images.GetImage(m.conn, imageName, nil); err == nil {
			log.Debug("Image already exists (policy: if-not-present)")

			return nil
		}
	}

	log.Info("Pulling image")

	if _, err := images.Pull(m.conn, imageName, nil); err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}

	log.Info("Image pulled successfully")

	return nil
}

// GetImageDigest returns the SHA256 digest of an image.
func (m *manager) GetImageDigest(_ context.Context, imageName string) (string, error) {
	inspect, err := images.GetImage(m.conn, qualifyImageName(imageName), nil)
	if err != nil {
		return "", fmt.Errorf("inspecting image: %w", err)
	}

	return docker.DigestFrom(inspect.RepoDigests, inspect.ID), nil
}

// ListContainers returns all containers managed by energyoor.
func (m *manager) ListContainers(_ context.Context) ([]docker.ContainerInfo, error) {
	all := true

	podmanContainers, err := containers.List(m.conn, &containers.ListOptions{
		All: &all,
		Filters: map[string][]string{
			"label": {docker.ManagedByLabel + "=" + docker.ManagedByValue},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	result := make([]docker.ContainerInfo, 0, len(podmanContainers))

	for _, c := range podmanContainers {
		result = append(result, docker.ContainerInfo{
			ID:     c.ID,
			Name:   docker.ContainerName(c.Names),
			Labels: c.Labels,
		})
	}

	return result, nil
}

// RemoveContainer force-removes a container by id or name.
func (m *manager) RemoveContainer(_ context.Context, containerID string) error {
	force := true
	ignore := true
	vols := true
	timeout := uint(0) // SIGKILL immediately, skip SIGTERM grace period.

	if _, err := containers.Remove(m.conn, containerID, &containers.RemoveOptions{
		Force:   &force,
		Ignore:  &ignore,
		Volumes: &vols,
		Timeout: &timeout,
	}); err != nil {
		return fmt.Errorf("removing container %s: %w", containerID, err)
	}

	m.log.WithField("id", containerID).Debug("Removed container")

	return nil
}
