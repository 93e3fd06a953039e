package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	coredeployment "github.com/artpar/shipyard/internal/core/deployment"
	"github.com/artpar/shipyard/internal/core/monitoring"
)

// =============================================================================
// Engine - Container Lifecycle for Instances
// =============================================================================

// Engine runs container plans on a Docker daemon.
type Engine struct {
	docker      Client
	logger      *slog.Logger
	stopTimeout time.Duration
}

// NewEngine creates a new engine.
func NewEngine(docker Client, logger *slog.Logger, stopTimeout time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Engine{
		docker:      docker,
		logger:      logger.With("component", "engine"),
		stopTimeout: stopTimeout,
	}
}

// =============================================================================
// Create and Start
// =============================================================================

// CreateAndStart creates the plan's network and named volumes if missing,
// pulls the image when it is not present, then creates and starts the
// container. A container that was created but failed to start is removed.
func (e *Engine) CreateAndStart(ctx context.Context, plan coredeployment.ContainerPlan) (string, error) {
	e.logger.Info("starting container", "name", plan.Name, "image", plan.Image)

	if plan.Network != "" {
		if err := e.ensureNetwork(ctx, plan.Network); err != nil {
			return "", err
		}
	}

	for _, v := range plan.Volumes {
		if v.Bind {
			continue
		}
		if err := e.ensureVolume(ctx, v.Source, plan.Labels); err != nil {
			return "", err
		}
	}

	if err := e.ensureImage(ctx, plan.Image); err != nil {
		return "", err
	}

	spec := containerSpecFromPlan(plan)
	containerID, err := e.docker.CreateContainer(ctx, spec)
	if errors.Is(err, ErrContainerAlreadyExists) {
		// A leftover from an interrupted transition holds the name.
		e.logger.Warn("removing stale container", "name", plan.Name)
		if rmErr := e.docker.RemoveContainer(ctx, plan.Name, RemoveOptions{Force: true}); rmErr != nil {
			return "", rmErr
		}
		containerID, err = e.docker.CreateContainer(ctx, spec)
	}
	if err != nil {
		return "", err
	}
	e.logger.Debug("created container", "name", plan.Name, "container_id", shortID(containerID))

	if err := e.docker.StartContainer(ctx, containerID); err != nil && !errors.Is(err, ErrContainerAlreadyRunning) {
		if rmErr := e.docker.RemoveContainer(context.WithoutCancel(ctx), containerID, RemoveOptions{Force: true}); rmErr != nil {
			e.logger.Warn("failed to remove container after start failure", "container_id", shortID(containerID), "error", rmErr)
		}
		return "", err
	}

	e.logger.Info("container started", "name", plan.Name, "container_id", shortID(containerID))
	return containerID, nil
}

func (e *Engine) ensureNetwork(ctx context.Context, name string) error {
	_, err := e.docker.CreateNetwork(ctx, NetworkSpec{
		Name:   name,
		Driver: "bridge",
		Labels: map[string]string{coredeployment.LabelManaged: "true"},
	})
	if err != nil && !errors.Is(err, ErrNetworkAlreadyExists) {
		return fmt.Errorf("create network %s: %w", name, err)
	}
	return nil
}

func (e *Engine) ensureVolume(ctx context.Context, name string, labels map[string]string) error {
	_, err := e.docker.CreateVolume(ctx, VolumeSpec{
		Name: name,
		Labels: map[string]string{
			coredeployment.LabelManaged:  "true",
			coredeployment.LabelInstance: labels[coredeployment.LabelInstance],
		},
	})
	if err != nil && !errors.Is(err, ErrVolumeAlreadyExists) {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

func (e *Engine) ensureImage(ctx context.Context, image string) error {
	exists, err := e.docker.ImageExists(ctx, image)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	e.logger.Info("pulling image", "image", image)
	return e.docker.PullImage(ctx, image)
}

func containerSpecFromPlan(plan coredeployment.ContainerPlan) ContainerSpec {
	spec := ContainerSpec{
		Name:           plan.Name,
		Image:          plan.Image,
		Command:        plan.Command,
		Env:            plan.Env,
		Labels:         plan.Labels,
		Network:        plan.Network,
		NetworkAliases: plan.Aliases,
		RestartPolicy: RestartPolicy{
			Name:              plan.RestartPolicy.Name,
			MaximumRetryCount: plan.RestartPolicy.MaximumRetryCount,
		},
	}
	for _, p := range plan.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}
	for _, v := range plan.Volumes {
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
			Bind:     v.Bind,
		})
	}
	if hc := plan.HealthCheck; hc != nil {
		spec.HealthCheck = &HealthCheck{
			Test:        hc.Test,
			Interval:    hc.Interval,
			Timeout:     hc.Timeout,
			Retries:     hc.Retries,
			StartPeriod: hc.StartPeriod,
		}
	}
	return spec
}

// =============================================================================
// Stop, Start, Remove
// =============================================================================

// Stop stops a container. Stopping a container that is gone or not running
// succeeds.
func (e *Engine) Stop(ctx context.Context, containerID string) error {
	timeout := e.stopTimeout
	err := e.docker.StopContainer(ctx, containerID, &timeout)
	if err != nil && !errors.Is(err, ErrContainerNotRunning) && !errors.Is(err, ErrContainerNotFound) {
		return err
	}
	e.logger.Debug("stopped container", "container_id", shortID(containerID))
	return nil
}

// Start starts a stopped container.
func (e *Engine) Start(ctx context.Context, containerID string) error {
	err := e.docker.StartContainer(ctx, containerID)
	if err != nil && !errors.Is(err, ErrContainerAlreadyRunning) {
		return err
	}
	return nil
}

// Remove force-removes a container. Volumes are always kept.
func (e *Engine) Remove(ctx context.Context, containerID string) error {
	err := e.docker.RemoveContainer(ctx, containerID, RemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil && !errors.Is(err, ErrContainerNotFound) {
		return err
	}
	e.logger.Debug("removed container", "container_id", shortID(containerID))
	return nil
}

// =============================================================================
// Health
// =============================================================================

// Healthcheck reports whether a container is ready. A container with a
// healthcheck must report healthy; one without must be running. An
// unhealthy or exited container is an error.
func (e *Engine) Healthcheck(ctx context.Context, containerID string) (bool, error) {
	info, err := e.docker.InspectContainer(ctx, containerID)
	if err != nil {
		return false, err
	}

	switch info.Status {
	case ContainerStatusExited, ContainerStatusDead:
		return false, NewDockerError("Healthcheck", "container", containerID,
			fmt.Sprintf("exited with code %d", info.ExitCode), ErrContainerExited)
	}

	if info.Health != "" {
		switch info.Health {
		case HealthHealthy:
			return true, nil
		case HealthUnhealthy:
			return false, NewDockerError("Healthcheck", "container", containerID, "reported unhealthy", ErrContainerUnhealthy)
		default:
			return false, nil
		}
	}

	return info.Status == ContainerStatusRunning, nil
}

// HealthState maps the result of Healthcheck to a monitoring state.
func HealthState(healthy bool, err error) monitoring.State {
	switch {
	case errors.Is(err, ErrContainerExited), errors.Is(err, ErrContainerNotFound):
		return monitoring.Dead
	case err != nil:
		return monitoring.Unhealthy
	case healthy:
		return monitoring.Healthy
	default:
		return monitoring.Starting
	}
}

// ManagedContainers lists every container carrying the managed label.
func (e *Engine) ManagedContainers(ctx context.Context) ([]ContainerInfo, error) {
	return e.docker.ListContainers(ctx, ListOptions{
		All: true,
		Filters: map[string]string{
			"label": coredeployment.LabelManaged + "=true",
		},
	})
}

// =============================================================================
// Images, Exec, Copy
// =============================================================================

// ImageVolumes returns the volume targets declared by an image, pulling it
// first when it is not present.
func (e *Engine) ImageVolumes(ctx context.Context, image string) ([]string, error) {
	if err := e.ensureImage(ctx, image); err != nil {
		return nil, err
	}
	return e.docker.ImageVolumes(ctx, image)
}

// Exec runs cmd in the container, streaming stdin to it and its stdout to
// stdout. A non-zero exit status is an error carrying stderr.
func (e *Engine) Exec(ctx context.Context, containerID string, cmd []string, stdin io.Reader, stdout io.Writer) error {
	result, err := e.docker.Exec(ctx, containerID, cmd, stdin, stdout)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return NewDockerError("Exec", "container", containerID,
			fmt.Sprintf("exit code %d: %s", result.ExitCode, result.Stderr), ErrExecFailed)
	}
	return nil
}

// CopyFrom returns a tar stream of path inside the container.
func (e *Engine) CopyFrom(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	return e.docker.CopyFromContainer(ctx, containerID, path)
}

// CopyTo extracts a tar stream into path inside the container.
func (e *Engine) CopyTo(ctx context.Context, containerID, path string, content io.Reader) error {
	return e.docker.CopyToContainer(ctx, containerID, path, content)
}

// Ping checks that the daemon is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return e.docker.Ping(ctx)
}
