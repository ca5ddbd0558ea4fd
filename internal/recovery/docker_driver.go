package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerDriver restarts containers through the Engine API instead of the
// CLI. Useful where the monitor runs with a mounted docker socket but no
// docker binary.
type DockerDriver struct {
	cli *client.Client
}

// NewDockerDriver connects to the Engine API using the standard DOCKER_*
// environment.
func NewDockerDriver() (*DockerDriver, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect docker engine: %w", err)
	}
	return &DockerDriver{cli: cli}, nil
}

// Close releases the Engine API connection.
func (d *DockerDriver) Close() error {
	return d.cli.Close()
}

// Restart stops and starts the container, giving it timeout to exit
// cleanly before the kill.
func (d *DockerDriver) Restart(ctx context.Context, container string, timeout time.Duration) error {
	stopSeconds := int(timeout.Seconds())
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	opts := containertypes.StopOptions{Timeout: &stopSeconds}
	if err := d.cli.ContainerRestart(ctx, container, opts); err != nil {
		return fmt.Errorf("engine restart %s: %w", container, err)
	}
	return nil
}

// ContainerStatus is a snapshot of a container's runtime state, used to
// diagnose failed restarts.
type ContainerStatus struct {
	Name    string   `json:"name"`
	State   string   `json:"state"`
	Running bool     `json:"running"`
	Health  string   `json:"health,omitempty"`
	Ports   []string `json:"ports,omitempty"`
}

// Inspect reports the container's current state and published ports.
func (d *DockerDriver) Inspect(ctx context.Context, container string) (*ContainerStatus, error) {
	info, err := d.cli.ContainerInspect(ctx, container)
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", container, err)
	}

	status := &ContainerStatus{
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		status.State = info.State.Status
		status.Running = info.State.Running
		if info.State.Health != nil {
			status.Health = info.State.Health.Status
		}
	}
	if info.NetworkSettings != nil {
		for port, bindings := range info.NetworkSettings.Ports {
			status.Ports = append(status.Ports, formatPort(port, bindings))
		}
	}
	return status, nil
}

func formatPort(port nat.Port, bindings []nat.PortBinding) string {
	if len(bindings) == 0 {
		return string(port)
	}
	return fmt.Sprintf("%s:%s->%s", bindings[0].HostIP, bindings[0].HostPort, port)
}
