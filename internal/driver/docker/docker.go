// Package docker is the reference Sandbox Driver backend: each
// sandbox is a Docker container running a self-hosted-runner image,
// pre-seeded with a one-shot registration credential via environment
// variables, which registers itself with the CI service, runs exactly
// one job, and exits.
//
// Adapted from the teacher repo's interactive agent-exec driver: this
// backend never Connects into a running sandbox, never injects files,
// and never streams output; the runner image is a complete,
// self-contained process. The managed-label convention and
// pull-if-missing are kept from the original; orphan garbage
// collection is not done here (see New).
package docker

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog/log"

	"github.com/nixci/runner-controller/internal/driver"
)

const (
	// ManagedLabel marks every container this driver created, so List
	// and CountActive never see unrelated containers on the host.
	ManagedLabel = "xyz.runner-controller.managed"

	// JobIDLabel records the originating job id on the container,
	// purely for operator debugging (the name already encodes it).
	JobIDLabel = "xyz.runner-controller.job-id"
)

// Driver implements driver.Driver using the Docker engine: one
// container per sandbox, named deterministically from the job id.
type Driver struct {
	cli   *client.Client
	image string
}

// New creates a Driver that launches containers from image. Orphaned
// containers left behind by a crashed previous instance are handled
// by the Scheduler's startup reconciliation (List + IsComplete), not
// here.
func New(image string) (*Driver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Driver{cli: cli, image: image}, nil
}

func (d *Driver) Close() error {
	return d.cli.Close()
}

// Healthy pings the Docker daemon. Not part of driver.Driver; called
// directly by main at startup, mirroring the teacher's health check
// before serving.
func (d *Driver) Healthy(ctx context.Context) error {
	_, err := d.cli.Ping(ctx)
	return err
}

func (d *Driver) managedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", ManagedLabel+"=true"))
}

func (d *Driver) List(ctx context.Context) ([]string, error) {
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{
		All:     true,
		Filters: d.managedFilter(),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	names := make([]string, 0, len(containers))
	for _, c := range containers {
		for _, n := range c.Names {
			// Docker prefixes container names with "/".
			names = append(names, trimLeadingSlash(n))
			break
		}
	}
	return names, nil
}

func trimLeadingSlash(s string) string {
	if len(s) > 0 && s[0] == '/' {
		return s[1:]
	}
	return s
}

func (d *Driver) CountActive(ctx context.Context) (int, error) {
	names, err := d.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

func (d *Driver) IsComplete(ctx context.Context, name string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, driver.ErrNotFound
		}
		return false, fmt.Errorf("inspect container %s: %w", name, err)
	}
	return !info.State.Running, nil
}

func (d *Driver) JobIDToName(jobID uint64) string {
	return driver.JobIDToName(jobID)
}

// Launch creates and starts a container named JobIDToName(jobID),
// running d.image with the registration credential injected as
// RUNNER_TOKEN. The runner entrypoint is expected to register, run one
// job, and exit on its own; this driver never sends it a command.
func (d *Driver) Launch(ctx context.Context, jobID uint64, credential string) (string, error) {
	name := d.JobIDToName(jobID)

	if err := d.ensureImage(ctx); err != nil {
		return "", err
	}

	labels := map[string]string{
		ManagedLabel: "true",
		JobIDLabel:   fmt.Sprintf("%d", jobID),
	}

	env := []string{
		"RUNNER_TOKEN=" + credential,
		"RUNNER_NAME=" + name,
		"RUNNER_EPHEMERAL=true",
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  d.image,
			Env:    env,
			Labels: labels,
		},
		&container.HostConfig{
			AutoRemove: false, // Destroy() removes explicitly, so is_complete can still inspect exit state
		},
		nil,
		nil,
		name,
	)
	if err != nil {
		if containsConflict(err.Error()) {
			return "", fmt.Errorf("%w: %s", driver.ErrAlreadyExists, name)
		}
		return "", fmt.Errorf("create container %s: %w", name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", name, err)
	}

	return name, nil
}

func containsConflict(msg string) bool {
	return strings.Contains(msg, "already in use") || strings.Contains(msg, "Conflict")
}

func (d *Driver) Destroy(ctx context.Context, name string) error {
	err := d.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

func (d *Driver) ensureImage(ctx context.Context) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, d.image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", d.image, err)
	}

	log.Info().Str("image", d.image).Msg("image not found locally, pulling")
	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	reader, err := d.cli.ImagePull(pullCtx, d.image, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	defer reader.Close()

	io.Copy(io.Discard, reader)
	return nil
}
