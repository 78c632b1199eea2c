// Package docker implements platform.Client on top of a local Docker daemon.
// Instances are containers, snapshots are committed images, and tunnels are
// published host ports.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containerTypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/openportal-dev/openportal/internal/platform"
)

const (
	// labelManaged marks containers owned by this control plane.
	labelManaged = "openportal.managed"

	// labelDeadline carries the hard lifetime expiry for an external reaper.
	// Docker does not enforce wall-clock timeouts itself.
	labelDeadline = "openportal.deadline"
)

// Client is a Docker-backed execution platform client.
type Client struct {
	docker   *client.Client
	snapRepo string
	logger   *zap.Logger
}

// NewClient connects to the Docker daemon using the standard environment
// configuration (DOCKER_HOST etc.). snapshotRepository names the image
// repository that committed snapshots are tagged into.
func NewClient(snapshotRepository string, logger *zap.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{
		docker:   cli,
		snapRepo: snapshotRepository,
		logger:   logger,
	}, nil
}

// Close releases the underlying Docker client connection.
func (c *Client) Close() error {
	return c.docker.Close()
}

// Create provisions and starts a container and returns its ID as the
// handle. A container that fails to start is removed before the
// error is returned, so no half-created instance is left behind.
func (c *Client) Create(ctx context.Context, spec platform.CreateSpec) (platform.Handle, error) {
	labels := map[string]string{labelManaged: "true"}
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if spec.Timeout > 0 {
		labels[labelDeadline] = time.Now().Add(spec.Timeout).UTC().Format(time.RFC3339)
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	containerConfig := &containerTypes.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkDir,
		Env:        env,
		Labels:     labels,
	}

	hostConfig := &containerTypes.HostConfig{
		Resources: containerTypes.Resources{
			NanoCPUs: int64(spec.Resources.CPU * 1e9),
			Memory:   int64(spec.Resources.MemoryMB) << 20,
		},
	}

	if spec.Resources.GPUAttached() {
		hostConfig.Resources.DeviceRequests = []containerTypes.DeviceRequest{{
			Driver:       "nvidia",
			Count:        spec.Resources.GPUCount,
			Capabilities: [][]string{{"gpu"}},
		}}
	}

	for _, bind := range spec.VolumeBinds {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: bind.Source,
			Target: bind.Target,
		})
	}

	if spec.ServicePort > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.ServicePort))
		if err != nil {
			return "", fmt.Errorf("invalid service port %d: %w", spec.ServicePort, err)
		}
		containerConfig.ExposedPorts = nat.PortSet{port: struct{}{}}
		hostConfig.PortBindings = nat.PortMap{
			// Random host port; Tunnels reports the assignment.
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: ""}},
		}
	}

	resp, err := c.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", platform.ErrCreateFailed, err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, containerTypes.StartOptions{}); err != nil {
		if removeErr := c.docker.ContainerRemove(ctx, resp.ID, containerTypes.RemoveOptions{Force: true}); removeErr != nil {
			c.logger.Warn("failed to remove container after start failure",
				zap.String("container", resp.ID),
				zap.Error(removeErr))
		}
		return "", fmt.Errorf("%w: %v", platform.ErrCreateFailed, err)
	}

	c.logger.Info("container started",
		zap.String("container", resp.ID),
		zap.String("name", spec.Name),
		zap.String("image", spec.Image))
	return platform.Handle(resp.ID), nil
}

// Poll inspects the container behind the handle. A missing container is
// confirmed Dead; any other daemon error leaves the status Unknown.
func (c *Client) Poll(ctx context.Context, handle platform.Handle) (platform.Liveness, error) {
	info, err := c.docker.ContainerInspect(ctx, string(handle))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return platform.Dead, nil
		}
		return platform.Unknown, fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.State != nil && info.State.Running {
		return platform.Live, nil
	}
	return platform.Dead, nil
}

// Terminate force-removes the container. Removing an already-gone container
// is not an error.
func (c *Client) Terminate(ctx context.Context, handle platform.Handle) error {
	err := c.docker.ContainerRemove(ctx, string(handle), containerTypes.RemoveOptions{Force: true})
	if err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Snapshot commits the container's filesystem to a tagged image and returns
// the image reference.
func (c *Client) Snapshot(ctx context.Context, handle platform.Handle) (string, error) {
	short := string(handle)
	if len(short) > 12 {
		short = short[:12]
	}
	ref := fmt.Sprintf("%s:%s-%d", c.snapRepo, short, time.Now().Unix())

	resp, err := c.docker.ContainerCommit(ctx, string(handle), containerTypes.CommitOptions{
		Reference: ref,
		Pause:     true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return "", platform.ErrNotFound
		}
		return "", fmt.Errorf("%w: %v", platform.ErrSnapshotFailed, err)
	}

	c.logger.Info("filesystem snapshot committed",
		zap.String("container", string(handle)),
		zap.String("image", ref),
		zap.String("image_id", resp.ID))
	return ref, nil
}

// Exec runs a command in the container and returns its demuxed output and
// exit code.
func (c *Client) Exec(ctx context.Context, handle platform.Handle, argv []string) (*platform.ExecResult, error) {
	execResp, err := c.docker.ContainerExecCreate(ctx, string(handle), containerTypes.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, platform.ErrNotFound
		}
		return nil, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := c.docker.ContainerExecAttach(ctx, execResp.ID, containerTypes.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		return nil, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return &platform.ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
	}, nil
}

// Tunnels reports the published host endpoint per exposed container port.
func (c *Client) Tunnels(ctx context.Context, handle platform.Handle) (map[int]string, error) {
	info, err := c.docker.ContainerInspect(ctx, string(handle))
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil, platform.ErrNotFound
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return nil, platform.ErrNotRunning
	}

	tunnels := make(map[int]string)
	if info.NetworkSettings == nil {
		return tunnels, nil
	}
	for port, bindings := range info.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		host := bindings[0].HostIP
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		tunnels[port.Int()] = fmt.Sprintf("http://%s:%s", host, bindings[0].HostPort)
	}
	return tunnels, nil
}
