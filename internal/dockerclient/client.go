// Package dockerclient wraps the Docker SDK with the container lifecycle
// operations the container supervisor needs: create, start, attach, wait,
// stop, kill, inspect, list.
package dockerclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/agentdock/hostd/internal/config"
	"github.com/agentdock/hostd/internal/logging"
)

// Mount describes a single bind mount passed into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec holds everything needed to create and start an agent container.
type RunSpec struct {
	Name        string
	Image       string
	Cmd         []string
	Env         []string
	WorkingDir  string
	Mounts      []Mount
	NetworkMode string
	Memory      int64
	CPUQuota    int64
	PidsLimit   int64
	Labels      map[string]string
	CapDropAll  bool
	NoNewPrivs  bool
	// ExtraHosts entries are "host:ip" pairs added to the container's
	// /etc/hosts, used to override the cloud metadata-service address.
	ExtraHosts []string
	// User forces a non-root UID (e.g. "1000:1000") when the host's own
	// UID isn't already one Docker treats as safe to run as.
	User string
}

// Info is the subset of container inspect state callers care about.
type Info struct {
	ID         string
	Name       string
	State      string
	ExitCode   int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Client wraps the Docker SDK client with this daemon's defaults.
type Client struct {
	cli    *client.Client
	logger *logging.Logger
	config config.DockerConfig
}

// New negotiates an API version against the configured Docker host.
func New(cfg config.DockerConfig, log *logging.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	log.Info("docker client created", zap.String("host", cfg.Host))
	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close releases the underlying Docker connection.
func (c *Client) Close() error { return c.cli.Close() }

// Ping verifies the daemon is reachable. hostd does not call it at startup:
// an unreachable Docker host surfaces as errors from the startup orphan reap
// and from container runs.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Create builds the container config/host config pair and creates the container
// with stdin attached (no TTY, so Docker's stream multiplexing framing applies).
func (c *Client) Create(ctx context.Context, spec RunSpec) (string, error) {
	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly})
	}

	containerCfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		WorkingDir:   spec.WorkingDir,
		Labels:       spec.Labels,
		User:         spec.User,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}

	var capDrop []string
	if spec.CapDropAll {
		capDrop = []string{"ALL"}
	}
	var securityOpt []string
	if spec.NoNewPrivs {
		securityOpt = append(securityOpt, "no-new-privileges")
	}

	hostCfg := &container.HostConfig{
		Mounts:      mounts,
		NetworkMode: container.NetworkMode(spec.NetworkMode),
		AutoRemove:  false,
		CapDrop:     capDrop,
		SecurityOpt: securityOpt,
		PidsLimit:   &spec.PidsLimit,
		ExtraHosts:  spec.ExtraHosts,
		Resources: container.Resources{
			Memory:   spec.Memory,
			CPUQuota: spec.CPUQuota,
		},
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return resp.ID, nil
}

// AttachResult carries the demultiplexed streams for a started container.
type AttachResult struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
}

// Attach connects to the container's stdio before Start so no output is missed.
func (c *Client) Attach(ctx context.Context, containerID string) (*AttachResult, error) {
	resp, err := c.cli.ContainerAttach(ctx, containerID, container.AttachOptions{
		Stream: true, Stdin: true, Stdout: true, Stderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", containerID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	go func() {
		defer stdoutW.Close()
		demultiplex(resp.Reader, stdoutW)
	}()

	return &AttachResult{Stdin: resp.Conn, Stdout: stdoutR}, nil
}

// demultiplex strips Docker's 8-byte stream-frame headers, folding stdout and
// stderr into a single reader (both carry agent-visible diagnostics).
func demultiplex(reader io.Reader, writer io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		if streamType == 1 || streamType == 2 {
			_, _ = writer.Write(data)
		}
	}
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", containerID, err)
	}
	return nil
}

// Stop asks the container to exit gracefully within timeout.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds}); err != nil {
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

// Kill sends SIGKILL immediately.
func (c *Client) Kill(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerKill(ctx, containerID, "SIGKILL"); err != nil {
		return fmt.Errorf("kill container %s: %w", containerID, err)
	}
	return nil
}

// Remove deletes a stopped container and its anonymous volumes.
func (c *Client) Remove(ctx context.Context, containerID string, force bool) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: force, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

// Wait blocks until the container stops and returns its exit code.
func (c *Client) Wait(ctx context.Context, containerID string) (int64, error) {
	statusCh, errCh := c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return -1, fmt.Errorf("wait container %s: %w", containerID, err)
		}
		return -1, nil
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Inspect returns lifecycle state for a container.
func (c *Client) Inspect(ctx context.Context, containerID string) (*Info, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	info := &Info{ID: inspect.ID, Name: inspect.Name, State: inspect.State.Status, ExitCode: inspect.State.ExitCode}
	if inspect.State.StartedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
			info.StartedAt = t
		}
	}
	if inspect.State.FinishedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.State.FinishedAt); err == nil {
			info.FinishedAt = t
		}
	}
	return info, nil
}

// ListByLabel finds containers (running or not) carrying the given labels, used
// to reap orphans left behind by a detached shutdown.
func (c *Client) ListByLabel(ctx context.Context, labels map[string]string) ([]Info, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}
	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, Info{ID: ctr.ID, Name: name, State: ctr.State})
	}
	return infos, nil
}
