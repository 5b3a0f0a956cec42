package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const containerCleanupTimeout = 10 * time.Second

// DockerExecutor runs hook commands in ephemeral containers.
type DockerExecutor struct {
	client      *client.Client
	image       string
	memoryBytes int64
	networkMode string
}

// NewDockerExecutor creates an executor using the docker environment
// configuration (DOCKER_HOST and friends).
func NewDockerExecutor(image string, memoryMB int64, networkMode string) (*DockerExecutor, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}

	if image == "" {
		image = "alpine:3.20"
	}
	if memoryMB <= 0 {
		memoryMB = 512
	}
	if networkMode == "" {
		networkMode = "none"
	}

	return &DockerExecutor{
		client:      cli,
		image:       image,
		memoryBytes: memoryMB * 1024 * 1024,
		networkMode: networkMode,
	}, nil
}

// Exec runs argv in a fresh container. workDir, when set, is mounted at
// /workspace. Cancelling ctx kills the container.
func (d *DockerExecutor) Exec(ctx context.Context, argv, env []string, workDir string) (stdout, stderr string, exitCode int, err error) {
	if len(argv) == 0 {
		return "", "", -1, errors.New("empty command")
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory: d.memoryBytes,
		},
		NetworkMode: container.NetworkMode(d.networkMode),
	}
	if workDir != "" {
		hostCfg.Binds = []string{fmt.Sprintf("%s:/workspace", workDir)}
	}

	resp, err := d.client.ContainerCreate(ctx, &container.Config{
		Image:      d.image,
		Cmd:        argv,
		Env:        env,
		WorkingDir: "/workspace",
		Tty:        false,
	}, hostCfg, nil, nil, "")
	if err != nil {
		return "", "", -1, fmt.Errorf("create container: %w", err)
	}
	containerID := resp.ID
	defer d.remove(containerID)

	if err := d.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return "", "", -1, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := d.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			d.kill(containerID)
			return "", "", -1, ctx.Err()
		}
		return "", "", -1, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		d.kill(containerID)
		return "", "", -1, ctx.Err()
	}

	out, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return "", "", exitCode, fmt.Errorf("get logs: %w", err)
	}
	defer out.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// kill and remove use their own context: the caller's is usually cancelled.
func (d *DockerExecutor) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerCleanupTimeout)
	defer cancel()
	_ = d.client.ContainerKill(ctx, containerID, "SIGKILL")
}

func (d *DockerExecutor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerCleanupTimeout)
	defer cancel()
	_ = d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Ping checks that the docker daemon is reachable.
func (d *DockerExecutor) Ping(ctx context.Context) error {
	_, err := d.client.Ping(ctx)
	return err
}

// Close closes the docker client.
func (d *DockerExecutor) Close() error {
	return d.client.Close()
}
