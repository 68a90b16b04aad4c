// Package docker implements the platform.Platform interface using the Docker
// API. Each execution unit is one labeled container on the host daemon; the
// container doubles as the unit's single process instance since the daemon
// does not retry failed containers.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	"arena/internal/apperrors"
	"arena/internal/platform"
)

// Container labels scoping this deployment's units.
const (
	labelManagedBy = "managed-by"
	labelWorkload  = "workload"
	labelJobID     = "job.id"
	labelUnitName  = "unit.name"
	labelDeadline  = "deadline-seconds"

	managedByValue = "arena-controller"
)

// containerArtifactDir is where the shared artifact volume is mounted inside
// solver containers. Solvers write their output under this directory keyed by
// job ID.
const containerArtifactDir = "/shared/submissions"

// Platform implements platform.Platform using Docker.
type Platform struct {
	client *client.Client

	workload        string
	artifactRoot    string
	limitMultiplier float64
	defaultCPU      string
	defaultMemory   string
}

// Config holds configuration for the Docker platform.
type Config struct {
	Workload        string  // Label value isolating this deployment's containers (default "arena-solvers")
	ArtifactRoot    string  // Host directory bind-mounted into solver containers (required)
	LimitMultiplier float64 // Limits = requests * multiplier (default 2)
	DefaultCPULimit string  // Fallback CPU limit when a request fails to parse (default "2")
	DefaultMemLimit string  // Fallback memory limit when a request fails to parse (default "4Gi")
}

// NewPlatform creates a Docker-backed platform from the environment's Docker
// connection settings.
func NewPlatform(cfg Config) (*Platform, error) {
	if cfg.ArtifactRoot == "" {
		return nil, fmt.Errorf("artifact root is required")
	}

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	workload := cfg.Workload
	if workload == "" {
		workload = "arena-solvers"
	}
	multiplier := cfg.LimitMultiplier
	if multiplier <= 0 {
		multiplier = 2
	}
	defaultCPU := cfg.DefaultCPULimit
	if defaultCPU == "" {
		defaultCPU = "2"
	}
	defaultMemory := cfg.DefaultMemLimit
	if defaultMemory == "" {
		defaultMemory = "4Gi"
	}

	return &Platform{
		client:          dockerClient,
		workload:        workload,
		artifactRoot:    cfg.ArtifactRoot,
		limitMultiplier: multiplier,
		defaultCPU:      defaultCPU,
		defaultMemory:   defaultMemory,
	}, nil
}

// UnitExists probes for a unit's container by name.
func (p *Platform) UnitExists(ctx context.Context, name string) (bool, error) {
	_, err := p.client.ContainerInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, apperrors.Unavailable("platform.unitExists", err)
}

// CreateUnit creates and starts a solver container for the given spec.
func (p *Platform) CreateUnit(ctx context.Context, spec platform.UnitSpec) error {
	if err := p.pullImageIfNeeded(ctx, spec.Image); err != nil {
		return apperrors.Unavailable("platform.pullImage", err)
	}

	cpuLimit := p.deriveLimit("cpu", spec.JobID, spec.Resources.CPU, p.defaultCPU, scaleCPU)
	memLimit := p.deriveLimit("memory", spec.JobID, spec.Resources.Memory, p.defaultMemory, scaleMemory)

	nanos, err := cpuNanos(cpuLimit)
	if err != nil {
		return apperrors.Internal("platform.createUnit", err)
	}
	memBytes, err := memoryBytes(memLimit)
	if err != nil {
		return apperrors.Internal("platform.createUnit", err)
	}

	containerConfig := &container.Config{
		Image: spec.Image,
		Env: []string{
			fmt.Sprintf("JOB_ID=%s", spec.JobID),
			fmt.Sprintf("COMPETITION_URL=%s", spec.CompetitionURL),
			fmt.Sprintf("OUTPUT_DIR=%s/%s", containerArtifactDir, spec.JobID),
		},
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelWorkload:  p.workload,
			labelJobID:     spec.JobID,
			labelUnitName:  spec.Name,
			labelDeadline:  strconv.Itoa(spec.DeadlineSeconds),
		},
	}

	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: p.artifactRoot,
				Target: containerArtifactDir,
			},
		},
		Resources: container.Resources{
			NanoCPUs: nanos,
			Memory:   memBytes,
		},
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		if errdefs.IsConflict(err) {
			return apperrors.Conflict("unit", spec.Name, fmt.Sprintf("unit %s already exists", spec.Name))
		}
		return apperrors.Unavailable("platform.createUnit", err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Leave the created container in place: the next reconciliation pass
		// sees the unit exists and does not recreate it.
		return apperrors.Unavailable("platform.startUnit", err)
	}
	return nil
}

// deriveLimit scales a resource request into a limit, falling back to the
// configured default when the request does not parse. The fallback is logged
// because it silently changes what the job asked for.
func (p *Platform) deriveLimit(kind, jobID, request, fallback string, scale func(string, float64) (string, error)) string {
	if request == "" {
		return fallback
	}
	limit, err := scale(request, p.limitMultiplier)
	if err != nil {
		slog.Warn("Unparseable resource request, using default limit",
			"jobId", jobID, "resource", kind, "request", request, "default", fallback)
		return fallback
	}
	return limit
}

// ListUnits returns the observed state of every unit container in this
// workload. Running containers past their deadline are stopped here; the
// daemon has no native deadline, so enforcement happens during observation
// and the resulting nonzero exit is classified as a deadline overrun on a
// later pass.
func (p *Platform) ListUnits(ctx context.Context) ([]platform.Unit, error) {
	summaries, err := p.listContainers(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("platform.listUnits", err)
	}

	now := time.Now()
	units := make([]platform.Unit, 0, len(summaries))
	for _, summary := range summaries {
		inspect, err := p.client.ContainerInspect(ctx, summary.ID)
		if err != nil {
			// Removed between list and inspect.
			continue
		}

		unit := platform.Unit{
			Name:  summary.Labels[labelUnitName],
			JobID: summary.Labels[labelJobID],
		}
		deadline := deadlineFromLabels(summary.Labels)
		startedAt := parseDockerTime(inspect.State.StartedAt)
		finishedAt := parseDockerTime(inspect.State.FinishedAt)

		switch {
		case inspect.State.Running:
			unit.Active = 1
			if pastDeadline(startedAt, deadline, now) {
				p.stopForDeadline(ctx, summary.ID, unit.JobID)
			}

		case inspect.State.Status == "created":
			// Not started yet, no attempt counts.

		case inspect.State.ExitCode == 0:
			unit.Succeeded = 1
			if !finishedAt.IsZero() {
				unit.CompletedAt = &finishedAt
			}

		default:
			unit.Failed = 1
			unit.FailureReason = failureReason(
				inspect.State.OOMKilled, runDuration(startedAt, finishedAt), deadline, inspect.State.Error)
			if !finishedAt.IsZero() {
				unit.CompletedAt = &finishedAt
			}
		}

		units = append(units, unit)
	}
	return units, nil
}

// ListInstances returns every unit container viewed as a process instance.
func (p *Platform) ListInstances(ctx context.Context) ([]platform.Instance, error) {
	summaries, err := p.listContainers(ctx)
	if err != nil {
		return nil, apperrors.Unavailable("platform.listInstances", err)
	}

	instances := make([]platform.Instance, 0, len(summaries))
	for _, summary := range summaries {
		inspect, err := p.client.ContainerInspect(ctx, summary.ID)
		if err != nil {
			continue
		}

		inst := platform.Instance{
			Name:  containerName(summary.Names),
			JobID: summary.Labels[labelJobID],
			Phase: instancePhase(inspect.State.Running, inspect.State.Status, inspect.State.ExitCode),
		}
		if inst.Phase == platform.PhaseFailed || inst.Phase == platform.PhaseSucceeded {
			inst.ExitCode = inspect.State.ExitCode
			startedAt := parseDockerTime(inspect.State.StartedAt)
			finishedAt := parseDockerTime(inspect.State.FinishedAt)
			if inst.Phase == platform.PhaseFailed {
				inst.Reason = failureReason(
					inspect.State.OOMKilled, runDuration(startedAt, finishedAt),
					deadlineFromLabels(summary.Labels), inspect.State.Error)
			}
			if !finishedAt.IsZero() {
				inst.FinishedAt = &finishedAt
			}
		}
		instances = append(instances, inst)
	}
	return instances, nil
}

// ReadLog returns up to tailLines of a container's combined output.
func (p *Platform) ReadLog(ctx context.Context, instanceName string, tailLines int) (string, error) {
	tail := "all"
	if tailLines > 0 {
		tail = strconv.Itoa(tailLines)
	}

	logs, err := p.client.ContainerLogs(ctx, instanceName, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
	})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", apperrors.NotFound("instance", instanceName)
		}
		return "", apperrors.Unavailable("platform.readLog", err)
	}
	defer logs.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, logs); err != nil && err != io.EOF {
		return "", apperrors.Unavailable("platform.readLog", err)
	}
	return buf.String(), nil
}

// DeleteUnit stops and removes a unit's container.
func (p *Platform) DeleteUnit(ctx context.Context, name string) error {
	stopTimeout := 10
	if err := p.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		if errdefs.IsNotFound(err) {
			return apperrors.NotFound("unit", name)
		}
		// Stop failures are not fatal; removal below is forced.
	}
	if err := p.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return apperrors.NotFound("unit", name)
		}
		return apperrors.Unavailable("platform.deleteUnit", err)
	}
	return nil
}

// Ready checks if the Docker daemon is reachable and responsive.
func (p *Platform) Ready(ctx context.Context) error {
	_, err := p.client.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (p *Platform) Close() error {
	return p.client.Close()
}

func (p *Platform) listContainers(ctx context.Context) ([]container.Summary, error) {
	return p.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
			filters.Arg("label", labelWorkload+"="+p.workload),
		),
	})
}

func (p *Platform) stopForDeadline(ctx context.Context, containerID, jobID string) {
	timeout := 0
	if err := p.client.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		slog.Warn("Failed to stop unit past deadline", "jobId", jobID, "error", err)
		return
	}
	slog.Info("Stopped unit past deadline", "jobId", jobID)
}

func (p *Platform) pullImageIfNeeded(ctx context.Context, imageName string) error {
	_, err := p.client.ImageInspect(ctx, imageName)
	if err == nil {
		return nil
	}

	reader, err := p.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

func deadlineFromLabels(labels map[string]string) time.Duration {
	seconds, err := strconv.Atoi(labels[labelDeadline])
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func parseDockerTime(value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// Verify Platform implements platform.Platform
var _ platform.Platform = (*Platform)(nil)
