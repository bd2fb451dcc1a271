package runtime

import (
	"context"
	"time"
)

// ContainerSpec describes a worker container to create.
type ContainerSpec struct {
	Name  string
	Image string
	Env   []string
	// Network names the network workers attach to. "host" shares the
	// host's network namespace; any other value is recorded as a
	// container label for external CNI tooling to act on.
	Network     string
	MemoryBytes int64
	CPUCores    float64
	PidsLimit   int64
}

// ContainerState is the coarse lifecycle state of a container.
type ContainerState string

const (
	StateCreated ContainerState = "created"
	StateRunning ContainerState = "running"
	StateStopped ContainerState = "stopped"
	StateUnknown ContainerState = "unknown"
)

// ContainerStatus is the result of inspecting a container.
type ContainerStatus struct {
	State    ContainerState
	ExitCode uint32
}

// ContainerRuntime abstracts the container engine so the supervisor can
// be tested without one. Stop, remove, logs, and inspect tolerate
// already-gone containers.
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	ContainerLogs(ctx context.Context, containerID string, tailLines int) (string, error)
	InspectContainer(ctx context.Context, containerID string) (*ContainerStatus, error)
	Close() error
}
