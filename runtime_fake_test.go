package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type fakeContainer struct {
	id       string
	name     string
	image    string
	labels   map[string]string
	ports    map[int]int
	running  bool
	exitCode int
	logs     string
	created  time.Time
	started  time.Time
}

// fakeRuntime is the in-memory containerRuntime used across the handler
// and provisioner tests.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[string]*fakeContainer
	nextID     int

	createErr error
	startErr  error
	followFn  func(id string) (io.ReadCloser, error)
	execFn    func(id string, cmd []string) (string, error)
	execCalls [][]string
	exportTar []byte
	pulled    []string
	digests   map[string]string
	removed   []string
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[string]*fakeContainer),
		digests:    make(map[string]string),
	}
}

func (f *fakeRuntime) createContainer(ctx context.Context, spec launchSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("fake%08d", f.nextID)
	ports := make(map[int]int, len(spec.Ports))
	for k, v := range spec.Ports {
		ports[k] = v
	}
	f.containers[id] = &fakeContainer{
		id:      id,
		name:    spec.Name,
		image:   spec.Image,
		labels:  spec.Labels,
		ports:   ports,
		created: time.Now().UTC(),
	}
	return id, nil
}

func (f *fakeRuntime) get(id string) (*fakeContainer, error) {
	c, ok := f.containers[id]
	if !ok {
		return nil, errNotFound
	}
	return c, nil
}

func (f *fakeRuntime) startContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running = true
	c.started = time.Now().UTC()
	return nil
}

func (f *fakeRuntime) stopContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running = false
	return nil
}

func (f *fakeRuntime) restartContainer(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return err
	}
	c.running = true
	return nil
}

func (f *fakeRuntime) removeContainer(ctx context.Context, id string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return err
	}
	delete(f.containers, id)
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeRuntime) listContainers(ctx context.Context) ([]runtimeContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtimeContainer, 0, len(f.containers))
	for _, c := range f.containers {
		ports := make([]int, 0, len(c.ports))
		for _, hostPort := range c.ports {
			ports = append(ports, hostPort)
		}
		state := "exited"
		if c.running {
			state = "running"
		}
		out = append(out, runtimeContainer{
			ID:        c.id,
			Name:      c.name,
			Image:     c.image,
			State:     state,
			Labels:    c.labels,
			HostPorts: ports,
		})
	}
	return out, nil
}

func (f *fakeRuntime) inspectContainer(ctx context.Context, id string) (inspectResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return inspectResult{}, err
	}
	state := "exited"
	if c.running {
		state = "running"
	}
	ports := make(map[int]int, len(c.ports))
	for k, v := range c.ports {
		ports[k] = v
	}
	return inspectResult{
		ID:        c.id,
		Name:      c.name,
		Image:     c.image,
		State:     state,
		Running:   c.running,
		ExitCode:  c.exitCode,
		Created:   c.created,
		StartedAt: c.started,
		Labels:    c.labels,
		Ports:     ports,
	}, nil
}

func (f *fakeRuntime) containerStats(ctx context.Context, id string) (statsSample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return statsSample{}, err
	}
	if !c.running {
		return statsSample{Running: false}, nil
	}
	return statsSample{
		Running:     true,
		CPUPercent:  12.5,
		MemoryUsed:  256 << 20,
		MemoryLimit: 2048 << 20,
		StartedAt:   c.started,
	}, nil
}

func (f *fakeRuntime) containerLogs(ctx context.Context, id string, tail int, timestamps bool) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.get(id)
	if err != nil {
		return "", err
	}
	return lastLines(c.logs, tail), nil
}

func (f *fakeRuntime) followLogs(ctx context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	fn := f.followFn
	c, err := f.get(id)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(id)
	}
	return io.NopCloser(strings.NewReader(c.logs)), nil
}

func (f *fakeRuntime) execCapture(ctx context.Context, id string, cmd []string, timeout time.Duration) (string, error) {
	f.mu.Lock()
	f.execCalls = append(f.execCalls, cmd)
	fn := f.execFn
	f.mu.Unlock()
	if fn != nil {
		return fn(id, cmd)
	}
	return "", fmt.Errorf("exec not supported")
}

func (f *fakeRuntime) exportContainer(ctx context.Context, id string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.get(id); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(f.exportTar)), nil
}

func (f *fakeRuntime) pullImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	f.pulled = append(f.pulled, ref)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) imageDigest(ctx context.Context, ref string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.digests[ref], nil
}

func (f *fakeRuntime) info(ctx context.Context) (hostInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running := 0
	for _, c := range f.containers {
		if c.running {
			running++
		}
	}
	return hostInfo{
		Containers:        len(f.containers),
		ContainersRunning: running,
		MemTotal:          8 << 30,
		NCPU:              4,
		ServerVersion:     "fake",
	}, nil
}

func (f *fakeRuntime) setLogs(id, logs string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.logs = logs
	}
}

func (f *fakeRuntime) markExited(id string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		c.running = false
		c.exitCode = code
	}
}
