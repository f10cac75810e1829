package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"
)

// containerSeq disambiguates container names within one process.
var containerSeq int64

// DockerRunner runs commands in throwaway containers on the local daemon.
// Containers are created without auto-remove so the post-mortem OOM inspect
// works, then force-removed.
type DockerRunner struct{}

// NewDockerRunner returns a runner backed by the local Docker socket.
func NewDockerRunner() *DockerRunner {
	return &DockerRunner{}
}

func (d *DockerRunner) Available(ctx context.Context) bool {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return false
	}
	defer cli.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	_, err = cli.Ping(pingCtx)
	return err == nil
}

func (d *DockerRunner) Run(ctx context.Context, command, workspaceDir string, cfg Config) (*Result, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("sandbox: docker client: %w", err)
	}
	defer cli.Close()

	cleanupWorkspace := false
	if workspaceDir == "" {
		workspaceDir, err = os.MkdirTemp("", "blastbox_")
		if err != nil {
			return nil, fmt.Errorf("sandbox: temp workspace: %w", err)
		}
		cleanupWorkspace = true
		defer func() {
			if cleanupWorkspace {
				os.RemoveAll(workspaceDir)
			}
		}()
	}
	absWorkspace, err := filepath.Abs(workspaceDir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve workspace: %w", err)
	}

	before, err := HashWorkspace(absWorkspace)
	if err != nil {
		return nil, fmt.Errorf("sandbox: snapshot before: %w", err)
	}

	memory, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("sandbox: memory limit %q: %w", cfg.MemoryLimit, err)
	}

	name := fmt.Sprintf("blastbox-%d-%d", os.Getpid(), atomic.AddInt64(&containerSeq, 1))
	created, err := cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Cmd:        []string{"sh", "-c", command},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		NetworkMode:    container.NetworkMode(cfg.NetworkMode),
		ReadonlyRootfs: true,
		Binds:          []string{absWorkspace + ":/workspace"},
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid"},
		Resources: container.Resources{
			Memory:   memory,
			NanoCPUs: int64(cfg.CPULimit * 1e9),
		},
	}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("sandbox: create container: %w", err)
	}
	defer d.teardown(cli, created.ID)

	start := time.Now()
	if err := cli.ContainerStart(ctx, created.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("sandbox: start container: %w", err)
	}

	exitCode, timedOut, waitErr := d.wait(ctx, cli, created.ID, cfg.TimeoutSeconds)
	if waitErr != nil {
		return nil, waitErr
	}
	durationMS := time.Since(start).Milliseconds()

	stdout, stderr := d.collectLogs(cli, created.ID)

	oomKilled := false
	if exitCode == 137 {
		inspectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		inspect, err := cli.ContainerInspect(inspectCtx, created.ID)
		cancel()
		if err == nil && inspect.State != nil {
			oomKilled = inspect.State.OOMKilled
		}
	}

	after, err := HashWorkspace(absWorkspace)
	if err != nil {
		return nil, fmt.Errorf("sandbox: snapshot after: %w", err)
	}

	return &Result{
		ExitCode:   exitCode,
		Stdout:     stdout,
		Stderr:     stderr,
		DurationMS: durationMS,
		Diff:       ComputeDiff(before, after),
		TimedOut:   timedOut,
		OOMKilled:  oomKilled,
	}, nil
}

// wait blocks until the container exits or the run budget lapses. On timeout
// the container is killed and exit code -1 is reported.
func (d *DockerRunner) wait(ctx context.Context, cli *client.Client, containerID string, timeoutSeconds int) (exitCode int, timedOut bool, err error) {
	waitCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	statusCh, errCh := cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		return int(status.StatusCode), false, nil
	case waitErr := <-errCh:
		if waitCtx.Err() != nil {
			killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
			_ = cli.ContainerKill(killCtx, containerID, "KILL")
			killCancel()
			return -1, true, nil
		}
		return 0, false, fmt.Errorf("sandbox: wait container: %w", waitErr)
	}
}

// collectLogs demultiplexes the container's output streams, capping each at
// 64 KiB and replacing invalid UTF-8.
func (d *DockerRunner) collectLogs(cli *client.Client, containerID string) (string, string) {
	logCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reader, err := cli.ContainerLogs(logCtx, containerID, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", ""
	}
	defer reader.Close()

	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, reader)
	return truncateStream(stdout.Bytes()), truncateStream(stderr.Bytes())
}

func truncateStream(raw []byte) string {
	if len(raw) > maxOutputBytes {
		raw = raw[:maxOutputBytes]
	}
	return strings.ToValidUTF8(string(raw), "�")
}

func (d *DockerRunner) teardown(cli *client.Client, containerID string) {
	rmCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = cli.ContainerRemove(rmCtx, containerID, types.ContainerRemoveOptions{Force: true})
}
