package sandbox

import (
	"context"
	"errors"
	"io"
	"strconv"
	"time"
)

// Labels stamped on every container the orchestrator creates. The reaper
// finds orphans by these alone, so they must survive a process restart.
const (
	LabelManaged   = "sandboxd.managed"
	LabelSandboxID = "sandboxd.sandbox-id"
	LabelSessionID = "sandboxd.session-id"
	LabelTimeoutMS = "sandboxd.timeout-ms"
	LabelCreatedAt = "sandboxd.created-at"
)

// WorkDir is where the code bundle is unpacked inside the sandbox.
const WorkDir = "/workdir"

// ErrNotFound is returned when the runtime has no such container.
var ErrNotFound = errors.New("sandbox: container not found")

// Mount is a host path exposed inside the sandbox.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

// ContainerSpec describes one isolated execution environment.
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	WorkDir     string
	Env         map[string]string
	Labels      map[string]string
	User        string
	MemoryBytes int64
	NanoCPUs    int64
	CPUShares   int64
	PidsLimit   int64
	Network     bool
	Mounts      []Mount
}

// ContainerInfo is a runtime's view of a container it hosts.
type ContainerInfo struct {
	ID        string
	Name      string
	Labels    map[string]string
	CreatedAt time.Time
	Running   bool
}

// SandboxID returns the orchestrator's id for the container, if labelled.
func (c ContainerInfo) SandboxID() string {
	return c.Labels[LabelSandboxID]
}

// Timeout returns the wall-clock limit recorded on the container, or def.
func (c ContainerInfo) Timeout(def time.Duration) time.Duration {
	ms, err := strconv.ParseInt(c.Labels[LabelTimeoutMS], 10, 64)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Created returns the creation time, preferring the orchestrator's label.
func (c ContainerInfo) Created() time.Time {
	if ts, err := time.Parse(time.RFC3339Nano, c.Labels[LabelCreatedAt]); err == nil {
		return ts
	}
	return c.CreatedAt
}

// Runtime is the container runtime capability the provisioner is built on.
// Implementations must treat Kill and Remove of a missing container as success.
type Runtime interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// Ping checks that the runtime's control interface is reachable.
	Ping(ctx context.Context) error
	// Create allocates a stopped container and returns its runtime id.
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	// CopyTo unpacks a tar archive into dir inside the container.
	CopyTo(ctx context.Context, id, dir string, archive []byte) error
	// Run starts the container and streams its output until it exits.
	// When ctx ends first it returns ctx.Err() and the container may still be
	// running; callers Kill it.
	Run(ctx context.Context, id string, stdout, stderr io.Writer) (int, error)
	// Kill forcibly stops the container.
	Kill(ctx context.Context, id string) error
	// Remove deletes the container and everything it holds.
	Remove(ctx context.Context, id string) error
	// List returns the containers carrying all of the given labels.
	List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
}

func matchLabels(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
