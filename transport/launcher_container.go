package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
)

const (
	LabelManagedBy  = "spikenet.managed-by"
	LabelHandle     = "spikenet.handle"
	containerPrefix = "spikenet-"
	managedByValue  = "spikenet"
)

// ContainerLauncher starts workers as Docker containers. The image must
// contain the worker binary at the path passed as the program.
type ContainerLauncher struct {
	client      *client.Client
	image       string
	networkName string
	mounts      []mount.Mount
	mu          sync.Mutex
}

// ContainerOption configures a ContainerLauncher.
type ContainerOption func(*ContainerLauncher)

// WithContainerNetwork attaches workers to a named bridge network instead of
// the host network. The hub address must be reachable from that network.
func WithContainerNetwork(name string) ContainerOption {
	return func(l *ContainerLauncher) {
		l.networkName = name
	}
}

// WithContainerMount bind-mounts a host path into every worker container,
// typically the directory holding the simulation database.
func WithContainerMount(source, target string) ContainerOption {
	return func(l *ContainerLauncher) {
		l.mounts = append(l.mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: source,
			Target: target,
		})
	}
}

// NewContainerLauncher connects to the Docker daemon and makes sure the
// image and network are present.
func NewContainerLauncher(ctx context.Context, img string, opts ...ContainerOption) (*ContainerLauncher, error) {
	l := &ContainerLauncher{image: img}
	for _, opt := range opts {
		opt(l)
	}

	cli, err := createDockerClient()
	if err != nil {
		return nil, err
	}
	l.client = cli

	if err := l.ensureImage(ctx, img); err != nil {
		cli.Close()
		return nil, fmt.Errorf("pull image %s: %w", img, err)
	}
	if err := l.ensureNetwork(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("create network: %w", err)
	}
	return l, nil
}

// createDockerClient tries the environment first, then common socket paths.
func createDockerClient() (*client.Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := cli.Ping(ctx); err == nil {
			return cli, nil
		}
		cli.Close()
	}

	socketPaths := []string{
		"unix://" + os.Getenv("HOME") + "/.docker/run/docker.sock",
		"unix:///var/run/docker.sock",
		"unix://" + os.Getenv("HOME") + "/.colima/docker.sock",
	}

	for _, socketPath := range socketPaths {
		cli, err := client.NewClientWithOpts(
			client.WithHost(socketPath),
			client.WithAPIVersionNegotiation(),
		)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_, err = cli.Ping(ctx)
		cancel()

		if err == nil {
			return cli, nil
		}
		cli.Close()
	}

	return nil, fmt.Errorf("could not connect to Docker daemon")
}

func (l *ContainerLauncher) ensureNetwork(ctx context.Context) error {
	if l.networkName == "" {
		return nil
	}

	networks, err := l.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", l.networkName)),
	})
	if err != nil {
		return err
	}
	if len(networks) > 0 {
		return nil
	}

	_, err = l.client.NetworkCreate(ctx, l.networkName, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: managedByValue},
	})
	return err
}

func (l *ContainerLauncher) ensureImage(ctx context.Context, imageName string) error {
	if _, _, err := l.client.ImageInspectWithRaw(ctx, imageName); err == nil {
		return nil
	}

	reader, err := l.client.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()

	_, err = io.Copy(io.Discard, reader)
	return err
}

// Launch creates and starts a container running spec.Program.
func (l *ContainerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := &container.Config{
		Image: l.image,
		Cmd:   append([]string{spec.Program}, spec.Args...),
		Env:   spec.Env,
		Labels: map[string]string{
			LabelManagedBy: managedByValue,
			LabelHandle:    spec.Name,
		},
	}

	hostCfg := &container.HostConfig{
		Mounts:      l.mounts,
		NetworkMode: "host",
	}
	if l.networkName != "" {
		hostCfg.NetworkMode = container.NetworkMode(l.networkName)
	}

	resp, err := l.client.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerPrefix+spec.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := l.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = l.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	return &containerProcess{client: l.client, id: resp.ID}, nil
}

// RemoveStale force-removes every container this launcher family created,
// for example after a crash left workers behind.
func (l *ContainerLauncher) RemoveStale(ctx context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	containers, err := l.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+managedByValue)),
	})
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, c := range containers {
		if err := l.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			if client.IsErrNotFound(err) {
				continue
			}
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Close closes the Docker client.
func (l *ContainerLauncher) Close() error {
	if l.client != nil {
		return l.client.Close()
	}
	return nil
}

type containerProcess struct {
	client *client.Client
	id     string
}

func (p *containerProcess) Kill() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.client.ContainerRemove(ctx, p.id, container.RemoveOptions{Force: true})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (p *containerProcess) Wait() error {
	statusCh, errCh := p.client.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if client.IsErrNotFound(err) {
			return nil
		}
		return err
	case st := <-statusCh:
		if st.StatusCode != 0 {
			return fmt.Errorf("container exited with status %d", st.StatusCode)
		}
		return nil
	}
}
