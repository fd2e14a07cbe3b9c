package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
)

const (
	agentLabel      = "dev.flotilla.agent"
	capabilityLabel = "dev.flotilla.capability"
	containerPrefix = "flotilla-agent-"
)

func init() {
	Register("docker", func() (Runtime, error) { return NewDocker() })
}

// Docker runs each agent in its own container, with the agent's resource
// requirements mapped onto cgroup limits.
type Docker struct {
	cli *client.Client
}

func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func containerName(agentID string) string { return containerPrefix + agentID }

func (d *Docker) StartAgent(ctx context.Context, spec AgentSpec) error {
	reader, err := d.cli.ImagePull(ctx, spec.Endpoint, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", spec.Endpoint, err)
	}
	// The pull completes only once the stream is drained.
	io.Copy(io.Discard, reader)
	reader.Close()

	cfg := &container.Config{
		Image: spec.Endpoint,
		Cmd:   spec.Args,
		Env:   spec.Env,
		Labels: map[string]string{
			agentLabel:      spec.AgentID,
			capabilityLabel: spec.Capability,
		},
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: spec.Requirements.MilliCPU * 1_000_000,
			Memory:   spec.Requirements.MemoryBytes,
		},
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(spec.AgentID))
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(ctx, created.ID, types.ContainerRemoveOptions{Force: true})
		return fmt.Errorf("start container: %w", err)
	}
	return nil
}

func (d *Docker) StopAgent(ctx context.Context, agentID string) error {
	timeout := 10
	name := containerName(agentID)
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	if err := d.cli.ContainerRemove(ctx, name, types.ContainerRemoveOptions{}); err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (d *Docker) Status(ctx context.Context, agentID string) (*Status, error) {
	inspect, err := d.cli.ContainerInspect(ctx, containerName(agentID))
	if err != nil {
		if client.IsErrNotFound(err) {
			return &Status{Running: false, Error: "container not found"}, nil
		}
		return nil, err
	}
	st := &Status{Running: inspect.State.Running, ExitCode: inspect.State.ExitCode}
	if inspect.State.Error != "" {
		st.Error = inspect.State.Error
	}
	return st, nil
}

func (d *Docker) List(ctx context.Context) (map[string]*Status, error) {
	args := filters.NewArgs(filters.Arg("label", agentLabel))
	containers, err := d.cli.ContainerList(ctx, types.ContainerListOptions{All: true, Filters: args})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*Status, len(containers))
	for _, c := range containers {
		agentID := c.Labels[agentLabel]
		if agentID == "" {
			continue
		}
		st := &Status{Running: strings.EqualFold(c.State, "running")}
		if !st.Running {
			// ContainerList does not expose exit codes; inspect for them.
			if full, err := d.cli.ContainerInspect(ctx, c.ID); err == nil {
				st.ExitCode = full.State.ExitCode
			}
		}
		out[agentID] = st
	}
	return out, nil
}

func (d *Docker) Close() error { return d.cli.Close() }

var _ Runtime = (*Docker)(nil)
