package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/dyluth/paddock/pkg/wire"
)

// Docker labels applied to every container the launcher creates, so
// containers can be found and cleaned up by instance.
const (
	// LabelProject marks a container as paddock-managed. Value: "true".
	LabelProject = "paddock.project"

	// LabelInstanceName carries the owning instance's name.
	LabelInstanceName = "paddock.instance.name"

	// LabelProcessName carries the process descriptor's name.
	LabelProcessName = "paddock.process.name"
)

// DockerLauncher launches process descriptors as containers. Used when a
// robot driver ships as an image rather than a host executable.
type DockerLauncher struct {
	cli *client.Client

	// NetworkMode for launched containers, e.g. "host" so drivers can reach
	// Redis and robot hardware on the host network. Empty uses the default.
	NetworkMode string

	// RedisAddr is passed to containers as PADDOCK_REDIS_ADDR.
	RedisAddr string
}

// NewDockerLauncher creates a Docker client and validates the daemon is
// accessible.
func NewDockerLauncher(ctx context.Context) (*DockerLauncher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("Docker daemon not accessible: %w", err)
	}

	return &DockerLauncher{cli: cli}, nil
}

// Close releases the Docker client.
func (l *DockerLauncher) Close() error {
	return l.cli.Close()
}

// Start creates and starts a container for the descriptor.
func (l *DockerLauncher) Start(ctx context.Context, instanceName string, spec wire.ProcessSpec) (Process, error) {
	if spec.Image == "" {
		return nil, fmt.Errorf("process %q: docker launcher requires an image", spec.Name)
	}

	containerName := fmt.Sprintf("paddock-%s-%s", instanceName, spec.Name)

	env := append([]string{
		fmt.Sprintf("PADDOCK_INSTANCE=%s", instanceName),
		fmt.Sprintf("PADDOCK_PROCESS=%s", spec.Name),
		fmt.Sprintf("PADDOCK_REDIS_ADDR=%s", l.RedisAddr),
	}, spec.Env...)

	containerConfig := &container.Config{
		Image: spec.Image,
		Env:   env,
		Labels: map[string]string{
			LabelProject:      "true",
			LabelInstanceName: instanceName,
			LabelProcessName:  spec.Name,
		},
	}

	hostConfig := &container.HostConfig{
		AutoRemove: false, // cleanup is managed explicitly for better tracking
	}
	if l.NetworkMode != "" {
		hostConfig.NetworkMode = container.NetworkMode(l.NetworkMode)
	}

	resp, err := l.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container for process %q: %w", spec.Name, err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		l.cli.ContainerRemove(ctx, resp.ID, types.ContainerRemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container for process %q: %w", spec.Name, err)
	}

	p := &dockerProcess{
		cli:  l.cli,
		id:   resp.ID,
		done: make(chan struct{}),
	}

	go func() {
		statusCh, errCh := l.cli.ContainerWait(context.Background(), resp.ID, container.WaitConditionNotRunning)
		select {
		case <-errCh:
		case <-statusCh:
		}
		close(p.done)
	}()

	return p, nil
}

type dockerProcess struct {
	cli *client.Client
	id  string

	done chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (p *dockerProcess) Done() <-chan struct{} {
	return p.done
}

// Stop asks the daemon for a graceful stop with the grace timeout, then
// force-removes the container.
func (p *dockerProcess) Stop(ctx context.Context, grace time.Duration) error {
	p.stopOnce.Do(func() {
		graceSecs := int(grace.Seconds())
		if err := p.cli.ContainerStop(ctx, p.id, container.StopOptions{Timeout: &graceSecs}); err != nil {
			p.stopErr = fmt.Errorf("failed to stop container: %w", err)
		}
		if err := p.cli.ContainerRemove(ctx, p.id, types.ContainerRemoveOptions{Force: true}); err != nil && p.stopErr == nil {
			p.stopErr = fmt.Errorf("failed to remove container: %w", err)
		}
	})
	return p.stopErr
}
