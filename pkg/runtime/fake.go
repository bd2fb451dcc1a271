package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// FakeRuntime is an in-memory ContainerRuntime for tests. Error fields
// inject failures at the corresponding step; the zero value succeeds.
type FakeRuntime struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer

	CreateErr error
	StartErr  error
	StopErr   error

	// Logs returned by ContainerLogs, keyed by container id.
	Logs map[string]string
}

type fakeContainer struct {
	spec    ContainerSpec
	state   ContainerState
	stopped bool
}

// NewFakeRuntime creates an empty fake.
func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		containers: make(map[string]*fakeContainer),
		Logs:       make(map[string]string),
	}
}

func (f *FakeRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.seq++
	id := fmt.Sprintf("fake-%d", f.seq)
	f.containers[id] = &fakeContainer{spec: spec, state: StateCreated}
	return id, nil
}

func (f *FakeRuntime) StartContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StartErr != nil {
		return f.StartErr
	}
	c, ok := f.containers[containerID]
	if !ok {
		return fmt.Errorf("container %s not found", containerID)
	}
	c.state = StateRunning
	return nil
}

func (f *FakeRuntime) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StopErr != nil {
		return f.StopErr
	}
	if c, ok := f.containers[containerID]; ok {
		c.state = StateStopped
		c.stopped = true
	}
	return nil
}

func (f *FakeRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerID)
	return nil
}

func (f *FakeRuntime) ContainerLogs(ctx context.Context, containerID string, tailLines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return tail(f.Logs[containerID], tailLines), nil
}

func (f *FakeRuntime) InspectContainer(ctx context.Context, containerID string) (*ContainerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return &ContainerStatus{State: StateUnknown}, nil
	}
	return &ContainerStatus{State: c.state}, nil
}

func (f *FakeRuntime) Close() error { return nil }

// Spec returns the spec a container was created with.
func (f *FakeRuntime) Spec(containerID string) (ContainerSpec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	if !ok {
		return ContainerSpec{}, false
	}
	return c.spec, true
}

// Stopped reports whether StopContainer was called for the container.
func (f *FakeRuntime) Stopped(containerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerID]
	return ok && c.stopped
}

// Count returns the number of live (not removed) containers.
func (f *FakeRuntime) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}
