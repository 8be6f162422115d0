package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
)

var errNotFound = errors.New("container not found")

// containerRuntime is the narrow surface this daemon needs from the
// container engine. The Docker implementation lives below; tests use
// fakeRuntime. Every method takes a context and the implementation applies
// its own per-call timeout on non-streaming operations.
type containerRuntime interface {
	createContainer(ctx context.Context, spec launchSpec) (string, error)
	startContainer(ctx context.Context, id string) error
	stopContainer(ctx context.Context, id string, grace time.Duration) error
	restartContainer(ctx context.Context, id string, grace time.Duration) error
	removeContainer(ctx context.Context, id string, force bool) error
	listContainers(ctx context.Context) ([]runtimeContainer, error)
	inspectContainer(ctx context.Context, id string) (inspectResult, error)
	containerStats(ctx context.Context, id string) (statsSample, error)
	containerLogs(ctx context.Context, id string, tail int, timestamps bool) (string, error)
	followLogs(ctx context.Context, id string) (io.ReadCloser, error)
	execCapture(ctx context.Context, id string, cmd []string, timeout time.Duration) (string, error)
	exportContainer(ctx context.Context, id string) (io.ReadCloser, error)
	pullImage(ctx context.Context, ref string) error
	imageDigest(ctx context.Context, ref string) (string, error)
	info(ctx context.Context) (hostInfo, error)
}

type dockerRuntime struct {
	cli     *client.Client
	timeout time.Duration
}

func newDockerRuntime(timeout time.Duration) (*dockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client init failed: %w", err)
	}
	return &dockerRuntime{cli: cli, timeout: timeout}, nil
}

func (d *dockerRuntime) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.timeout)
}

func mapRuntimeErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrNotFound(err) {
		return errNotFound
	}
	return err
}

func (d *dockerRuntime) createContainer(ctx context.Context, spec launchSpec) (string, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return "", err
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(hostPort)}}
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
		OpenStdin:    spec.OpenStdin,
		Tty:          spec.Tty,
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.RestartAlways {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyUnlessStopped}
	}

	created, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		// Pull once on a missing image, then retry the create.
		if !client.IsErrNotFound(err) {
			return "", err
		}
		if pullErr := d.pullImage(ctx, spec.Image); pullErr != nil {
			return "", fmt.Errorf("image pull for %s failed: %w", spec.Image, pullErr)
		}
		created, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
		if err != nil {
			return "", err
		}
	}
	return created.ID, nil
}

func (d *dockerRuntime) startContainer(ctx context.Context, id string) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return mapRuntimeErr(d.cli.ContainerStart(ctx, id, container.StartOptions{}))
}

func (d *dockerRuntime) stopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, grace+d.timeout)
	defer cancel()
	seconds := int(grace.Seconds())
	return mapRuntimeErr(d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}))
}

func (d *dockerRuntime) restartContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, grace+d.timeout)
	defer cancel()
	seconds := int(grace.Seconds())
	return mapRuntimeErr(d.cli.ContainerRestart(ctx, id, container.StopOptions{Timeout: &seconds}))
}

func (d *dockerRuntime) removeContainer(ctx context.Context, id string, force bool) error {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	return mapRuntimeErr(d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: force}))
}

func (d *dockerRuntime) listContainers(ctx context.Context) ([]runtimeContainer, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	list, err := d.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}
	out := make([]runtimeContainer, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = normalizeContainerName(c.Names[0])
		}
		ports := make([]int, 0, len(c.Ports))
		for _, p := range c.Ports {
			if p.PublicPort > 0 {
				ports = append(ports, int(p.PublicPort))
			}
		}
		out = append(out, runtimeContainer{
			ID:        c.ID,
			Name:      name,
			Image:     c.Image,
			State:     c.State,
			Labels:    c.Labels,
			HostPorts: ports,
		})
	}
	return out, nil
}

func (d *dockerRuntime) inspectContainer(ctx context.Context, id string) (inspectResult, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	info, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return inspectResult{}, mapRuntimeErr(err)
	}
	res := inspectResult{
		ID:      info.ID,
		Name:    normalizeContainerName(info.Name),
		Created: parseDockerTime(info.Created),
		Ports:   map[int]int{},
	}
	if info.Config != nil {
		res.Image = info.Config.Image
		res.Labels = info.Config.Labels
		res.Tty = info.Config.Tty
	}
	if info.State != nil {
		res.State = info.State.Status
		res.Running = info.State.Running
		res.ExitCode = info.State.ExitCode
		res.StartedAt = parseDockerTime(info.State.StartedAt)
		res.FinishedAt = parseDockerTime(info.State.FinishedAt)
	}
	if info.HostConfig != nil {
		res.MemoryLimit = info.HostConfig.Memory
		res.NanoCPUs = info.HostConfig.NanoCPUs
		for port, bindings := range info.HostConfig.PortBindings {
			for _, b := range bindings {
				hostPort, err := strconv.Atoi(b.HostPort)
				if err != nil || hostPort <= 0 {
					continue
				}
				res.Ports[port.Int()] = hostPort
			}
		}
	}
	return res, nil
}

func (d *dockerRuntime) containerStats(ctx context.Context, id string) (statsSample, error) {
	inspect, err := d.inspectContainer(ctx, id)
	if err != nil {
		return statsSample{}, err
	}
	if !inspect.Running {
		return statsSample{Running: false}, nil
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	resp, err := d.cli.ContainerStats(ctx, id, false)
	if err != nil {
		return statsSample{}, mapRuntimeErr(err)
	}
	defer resp.Body.Close()
	var raw container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return statsSample{}, fmt.Errorf("stats decode failed: %w", err)
	}

	// CPU percent from the delta of two cumulative usage samples over the
	// delta of total system time, scaled by online CPUs.
	cpuPercent := 0.0
	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		online := float64(raw.CPUStats.OnlineCPUs)
		if online == 0 {
			online = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
		}
		if online == 0 {
			online = 1
		}
		cpuPercent = cpuDelta / sysDelta * online * 100.0
	}

	return statsSample{
		Running:     true,
		CPUPercent:  cpuPercent,
		MemoryUsed:  int64(raw.MemoryStats.Usage),
		MemoryLimit: int64(raw.MemoryStats.Limit),
		StartedAt:   inspect.StartedAt,
	}, nil
}

func (d *dockerRuntime) containerLogs(ctx context.Context, id string, tail int, timestamps bool) (string, error) {
	inspect, err := d.inspectContainer(ctx, id)
	if err != nil {
		return "", err
	}
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Timestamps: timestamps,
	}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.cli.ContainerLogs(ctx, id, opts)
	if err != nil {
		return "", mapRuntimeErr(err)
	}
	defer rc.Close()
	return readLogStream(rc, dockerTTYFromInspect(inspect))
}

// followLogs opens a following combined log read. The returned reader ends
// when the caller's context is cancelled; closing it tears down the
// runtime-side stream.
func (d *dockerRuntime) followLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	inspect, err := d.inspectContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "50",
	})
	if err != nil {
		return nil, mapRuntimeErr(err)
	}
	if dockerTTYFromInspect(inspect) {
		return rc, nil
	}
	// Multiplexed stream: demux stdout and stderr into one pipe.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, rc)
		_ = pw.CloseWithError(err)
	}()
	return &demuxedLogReader{pr: pr, underlying: rc}, nil
}

type demuxedLogReader struct {
	pr         *io.PipeReader
	underlying io.ReadCloser
}

func (r *demuxedLogReader) Read(p []byte) (int, error) { return r.pr.Read(p) }

func (r *demuxedLogReader) Close() error {
	_ = r.underlying.Close()
	return r.pr.Close()
}

// dockerTTYFromInspect: TTY containers emit a raw stream, everything else
// is multiplexed with stdcopy framing.
func dockerTTYFromInspect(res inspectResult) bool {
	return res.Tty
}

func readLogStream(rc io.Reader, tty bool) (string, error) {
	if tty {
		data, err := io.ReadAll(rc)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, rc); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (d *dockerRuntime) execCapture(ctx context.Context, id string, cmd []string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = d.timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	created, err := d.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", mapRuntimeErr(err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", mapRuntimeErr(err)
	}
	defer attach.Close()

	var buf bytes.Buffer
	done := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(&buf, &buf, attach.Reader)
		done <- copyErr
	}()
	select {
	case <-ctx.Done():
		return buf.String(), ctx.Err()
	case copyErr := <-done:
		if copyErr != nil && !errors.Is(copyErr, io.EOF) {
			return buf.String(), copyErr
		}
	}

	state, err := d.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return buf.String(), nil
	}
	if state.ExitCode != 0 {
		return buf.String(), fmt.Errorf("command exited with status %d", state.ExitCode)
	}
	return buf.String(), nil
}

func (d *dockerRuntime) exportContainer(ctx context.Context, id string) (io.ReadCloser, error) {
	rc, err := d.cli.ContainerExport(ctx, id)
	if err != nil {
		return nil, mapRuntimeErr(err)
	}
	return rc, nil
}

func (d *dockerRuntime) pullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	_, err = io.Copy(io.Discard, rc)
	return err
}

// imageDigest returns the locally known repo digest for an image
// reference, empty when the image has never been pulled by digest.
func (d *dockerRuntime) imageDigest(ctx context.Context, ref string) (string, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	info, _, err := d.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", nil
		}
		return "", err
	}
	for _, repoDigest := range info.RepoDigests {
		if i := strings.Index(repoDigest, "@"); i >= 0 {
			return repoDigest[i+1:], nil
		}
	}
	return "", nil
}

func (d *dockerRuntime) info(ctx context.Context) (hostInfo, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()
	raw, err := d.cli.Info(ctx)
	if err != nil {
		return hostInfo{}, err
	}
	return hostInfo{
		Containers:        raw.Containers,
		ContainersRunning: raw.ContainersRunning,
		MemTotal:          raw.MemTotal,
		NCPU:              raw.NCPU,
		ServerVersion:     raw.ServerVersion,
	}, nil
}

func parseDockerTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}
	}
	return t
}
