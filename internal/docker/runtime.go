package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

const defaultMemoryLimit = 256 * 1024 * 1024

type Runtime struct {
	client *client.Client
}

func (r *Runtime) Close() error {
	return r.client.Close()
}

func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Runtime{client: cli}, nil
}

// WaitReady pings the daemon until it answers, retrying with exponential
// backoff for at most maxWait.
func (r *Runtime) WaitReady(ctx context.Context, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = maxWait
	return backoff.Retry(func() error {
		_, err := r.client.Ping(ctx)
		return err
	}, backoff.WithContext(b, ctx))
}

// HasImage reports whether the image is present locally.
func (r *Runtime) HasImage(ctx context.Context, image string) (bool, error) {
	_, _, err := r.client.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return true, nil
	}
	if client.IsErrNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspect image: %w", err)
}

type RunResult struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}

// RunContainer runs one isolated container to completion. The container is
// removed on every path, including cancellation of ctx.
func (r *Runtime) RunContainer(ctx context.Context, image string, command []string, env map[string]string, timeout time.Duration) (*RunResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	containerConfig := &container.Config{
		Image: image,
		Cmd:   command,
		Env:   envList(env),
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			Memory:     defaultMemoryLimit,
			MemorySwap: -1,
		},
		AutoRemove:     false,
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
	}

	createResp, err := r.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	containerID := createResp.ID
	defer r.remove(ctx, containerID)

	if err := r.client.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := r.client.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)

	var exitCode int
	select {
	case err := <-errCh:
		return nil, fmt.Errorf("wait container: %w", err)
	case status := <-statusCh:
		exitCode = int(status.StatusCode)
	case <-ctx.Done():
		timeoutSeconds := 2
		_ = r.client.ContainerStop(context.WithoutCancel(ctx), containerID, container.StopOptions{Timeout: &timeoutSeconds})
		return nil, fmt.Errorf("run container: %w", ctx.Err())
	}

	var output string
	logs, err := r.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err == nil {
		logBytes, _ := io.ReadAll(logs)
		output = string(logBytes)
		logs.Close()
	}

	res := &RunResult{Output: output, ExitCode: exitCode}
	if exitCode != 0 {
		res.Error = fmt.Sprintf("container exited with code %d", exitCode)
	}
	return res, nil
}

func (r *Runtime) remove(ctx context.Context, containerID string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	_ = r.client.ContainerRemove(rctx, containerID, container.RemoveOptions{Force: true})
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// tail returns at most the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
