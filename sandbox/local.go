package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const localStateFile = "sandbox.json"

// LocalRuntime runs each sandbox as a host subprocess in its own directory.
// It enforces no resource, network or user isolation and is meant for
// development only.
type LocalRuntime struct {
	logger *zap.Logger
	root   string
	fs     FileSystem

	mu      sync.Mutex
	running map[string]*exec.Cmd
}

type localState struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Command   []string          `json:"command"`
	WorkDir   string            `json:"work_dir"`
	Env       map[string]string `json:"env,omitempty"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"created_at"`
}

// LocalRuntimeOption defines a functional option for LocalRuntime
type LocalRuntimeOption func(*LocalRuntime)

// WithLocalFileSystem sets the FileSystem for LocalRuntime
func WithLocalFileSystem(fs FileSystem) LocalRuntimeOption {
	return func(l *LocalRuntime) {
		l.fs = fs
	}
}

// NewLocalRuntime creates a LocalRuntime keeping sandboxes under root, or
// under the system temp directory when root is empty.
func NewLocalRuntime(logger *zap.Logger, root string, opts ...LocalRuntimeOption) *LocalRuntime {
	if root == "" {
		root = filepath.Join(os.TempDir(), "sandboxd-local")
	}
	l := &LocalRuntime{
		logger:  logger,
		root:    root,
		fs:      &RealFileSystem{}, // Default implementation
		running: make(map[string]*exec.Cmd),
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Name implements Runtime
func (*LocalRuntime) Name() string {
	return "local"
}

// Ping implements Runtime
func (l *LocalRuntime) Ping(context.Context) error {
	if err := l.fs.MkdirAll(l.root, DirPermission); err != nil {
		return fmt.Errorf("local root unavailable: %w", err)
	}
	return nil
}

// Create implements Runtime. The container name doubles as its id.
func (l *LocalRuntime) Create(_ context.Context, spec ContainerSpec) (string, error) {
	if spec.Name == "" || strings.ContainsAny(spec.Name, `/\`) || spec.Name == "." || spec.Name == ".." {
		return "", fmt.Errorf("invalid sandbox name %q", spec.Name)
	}
	if len(spec.Mounts) > 0 || spec.Network {
		l.logger.Warn("local runtime ignores mounts and network settings", zap.String("name", spec.Name))
	}

	dir := filepath.Join(l.root, spec.Name)
	if exists, err := l.fs.FileExists(dir); err != nil {
		return "", fmt.Errorf("failed to stat sandbox dir: %w", err)
	} else if exists {
		return "", fmt.Errorf("sandbox %s already exists", spec.Name)
	}
	if err := l.fs.MkdirAll(filepath.Join(dir, "rootfs"), DirPermission); err != nil {
		return "", fmt.Errorf("failed to create sandbox dir: %w", err)
	}

	state := localState{
		ID:        spec.Name,
		Name:      spec.Name,
		Command:   spec.Command,
		WorkDir:   spec.WorkDir,
		Env:       spec.Env,
		Labels:    spec.Labels,
		CreatedAt: time.Now().UTC(),
	}
	data, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to encode sandbox state: %w", err)
	}
	if err := l.fs.WriteFile(filepath.Join(dir, localStateFile), data, FilePermission); err != nil {
		if rmErr := l.fs.RemoveAll(dir); rmErr != nil {
			l.logger.Error("failed to remove sandbox directory", zap.String("path", dir), zap.Error(rmErr))
		}
		return "", fmt.Errorf("failed to write sandbox state: %w", err)
	}
	return spec.Name, nil
}

// CopyTo implements Runtime
func (l *LocalRuntime) CopyTo(_ context.Context, id, dir string, archive []byte) error {
	if _, err := l.load(id); err != nil {
		return err
	}
	dest := filepath.Join(l.root, id, "rootfs", filepath.Clean("/"+dir))
	return extractArchive(l.fs, archive, dest)
}

// Run implements Runtime
func (l *LocalRuntime) Run(ctx context.Context, id string, stdout, stderr io.Writer) (int, error) {
	state, err := l.load(id)
	if err != nil {
		return 0, err
	}
	if len(state.Command) == 0 {
		return 0, fmt.Errorf("sandbox %s has no command", id)
	}

	cmd := exec.CommandContext(ctx, state.Command[0], state.Command[1:]...) //nolint:gosec // Running user code is intended functionality
	cmd.Dir = filepath.Join(l.root, id, "rootfs", filepath.Clean("/"+state.WorkDir))
	cmd.Env = os.Environ()
	for _, k := range sortedKeys(state.Env) {
		cmd.Env = append(cmd.Env, k+"="+state.Env[k])
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		return killProcessGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = time.Second

	l.mu.Lock()
	if _, busy := l.running[id]; busy {
		l.mu.Unlock()
		return 0, fmt.Errorf("sandbox %s is already running", id)
	}
	if err := cmd.Start(); err != nil {
		l.mu.Unlock()
		return 0, fmt.Errorf("failed to start process: %w", err)
	}
	l.running[id] = cmd
	l.mu.Unlock()

	err = cmd.Wait()

	// Nothing the script started outlives it, as in a container whose init exits.
	if killErr := killProcessGroup(cmd.Process.Pid); killErr != nil {
		l.logger.Warn("failed to kill sandbox process group", zap.String("id", id), zap.Error(killErr))
	}

	l.mu.Lock()
	delete(l.running, id)
	l.mu.Unlock()

	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("failed to execute command: %w", err)
}

// Kill implements Runtime
func (l *LocalRuntime) Kill(_ context.Context, id string) error {
	l.mu.Lock()
	cmd, ok := l.running[id]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := killProcessGroup(cmd.Process.Pid); err != nil {
		return fmt.Errorf("failed to kill process: %w", err)
	}
	return nil
}

// Remove implements Runtime
func (l *LocalRuntime) Remove(ctx context.Context, id string) error {
	if err := l.Kill(ctx, id); err != nil {
		return err
	}
	if err := l.fs.RemoveAll(filepath.Join(l.root, id)); err != nil {
		return fmt.Errorf("failed to remove sandbox dir: %w", err)
	}
	return nil
}

// List implements Runtime
func (l *LocalRuntime) List(_ context.Context, labels map[string]string) ([]ContainerInfo, error) {
	entries, err := l.fs.ReadDir(l.root)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read local root: %w", err)
	}

	var infos []ContainerInfo
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		state, err := l.load(entry.Name())
		if err != nil {
			l.logger.Debug("skipping unreadable sandbox dir", zap.String("name", entry.Name()), zap.Error(err))
			continue
		}
		if !matchLabels(state.Labels, labels) {
			continue
		}
		l.mu.Lock()
		_, running := l.running[state.ID]
		l.mu.Unlock()
		infos = append(infos, ContainerInfo{
			ID:        state.ID,
			Name:      state.Name,
			Labels:    state.Labels,
			CreatedAt: state.CreatedAt,
			Running:   running,
		})
	}
	return infos, nil
}

func (l *LocalRuntime) load(id string) (localState, error) {
	data, err := l.fs.ReadFile(filepath.Join(l.root, id, localStateFile))
	if errors.Is(err, os.ErrNotExist) {
		return localState{}, ErrNotFound
	}
	if err != nil {
		return localState{}, fmt.Errorf("failed to read sandbox state: %w", err)
	}
	var state localState
	if err := json.Unmarshal(data, &state); err != nil {
		return localState{}, fmt.Errorf("failed to decode sandbox state: %w", err)
	}
	return state, nil
}
