package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// APIRuntime talks to the Docker Engine API directly instead of shelling out.
type APIRuntime struct {
	logger *zap.Logger
	cli    *client.Client
}

// NewAPIRuntime connects using DOCKER_HOST and friends, or host when set.
func NewAPIRuntime(logger *zap.Logger, host string) (*APIRuntime, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client init failed: %w", err)
	}
	return &APIRuntime{logger: logger, cli: cli}, nil
}

// Name implements Runtime
func (*APIRuntime) Name() string {
	return "docker-api"
}

// Ping implements Runtime
func (r *APIRuntime) Ping(ctx context.Context) error {
	ping, err := r.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	r.logger.Debug("runtime reachable", zap.String("api_version", ping.APIVersion))
	return nil
}

// Create implements Runtime
func (r *APIRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	cfg, hostCfg := containerConfigs(spec)
	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("docker container create failed: %w", err)
	}
	if resp.ID == "" {
		return "", errors.New("docker container create returned empty id")
	}
	for _, w := range resp.Warnings {
		r.logger.Warn("container create warning", zap.String("container_id", resp.ID), zap.String("warning", w))
	}
	return resp.ID, nil
}

func containerConfigs(spec ContainerSpec) (*container.Config, *container.HostConfig) {
	env := make([]string, 0, len(spec.Env))
	for _, k := range sortedKeys(spec.Env) {
		env = append(env, k+"="+spec.Env[k])
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        spec.Command,
		WorkingDir: spec.WorkDir,
		User:       spec.User,
		Env:        env,
		Labels:     spec.Labels,
	}

	networkMode := container.NetworkMode("none")
	if spec.Network {
		networkMode = "bridge"
	}
	hostCfg := &container.HostConfig{
		NetworkMode: networkMode,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
	}
	hostCfg.Memory = spec.MemoryBytes
	hostCfg.MemorySwap = spec.MemoryBytes
	hostCfg.NanoCPUs = spec.NanoCPUs
	hostCfg.CPUShares = spec.CPUShares
	if spec.PidsLimit > 0 {
		p := spec.PidsLimit
		hostCfg.PidsLimit = &p
	}
	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return cfg, hostCfg
}

// CopyTo implements Runtime
func (r *APIRuntime) CopyTo(ctx context.Context, id, dir string, archive []byte) error {
	err := r.cli.CopyToContainer(ctx, id, dir, bytes.NewReader(archive), container.CopyToContainerOptions{})
	if errdefs.IsNotFound(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("docker copy to container failed: %w", err)
	}
	return nil
}

// Run implements Runtime. The attach happens before start so no early output
// is lost.
func (r *APIRuntime) Run(ctx context.Context, id string, stdout, stderr io.Writer) (int, error) {
	attach, err := r.cli.ContainerAttach(ctx, id, container.AttachOptions{Stream: true, Stdout: true, Stderr: true})
	if errdefs.IsNotFound(err) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("docker attach failed: %w", err)
	}
	defer attach.Close()

	waitCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNextExit)

	if err := r.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return 0, fmt.Errorf("docker container start failed: %w", err)
	}

	copied := make(chan error, 1)
	go func() {
		_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copied <- copyErr
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, fmt.Errorf("docker wait failed: %w", err)
	case status := <-waitCh:
		// Drain what the daemon already sent before reporting the exit.
		select {
		case copyErr := <-copied:
			if copyErr != nil && !errors.Is(copyErr, io.EOF) {
				r.logger.Debug("output stream ended with error", zap.String("container_id", id), zap.Error(copyErr))
			}
		case <-ctx.Done():
			return 0, ctx.Err()
		}
		if status.Error != nil && status.Error.Message != "" {
			return 0, fmt.Errorf("docker wait: %s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

// Kill implements Runtime
func (r *APIRuntime) Kill(ctx context.Context, id string) error {
	err := r.cli.ContainerKill(ctx, id, "SIGKILL")
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("docker kill failed: %w", err)
}

// Remove implements Runtime
func (r *APIRuntime) Remove(ctx context.Context, id string) error {
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) {
		return nil
	}
	return fmt.Errorf("docker remove failed: %w", err)
}

// List implements Runtime
func (r *APIRuntime) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for _, k := range sortedKeys(labels) {
		args.Add("label", k+"="+labels[k])
	}
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("docker list failed: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
			if name != "" && name[0] == '/' {
				name = name[1:]
			}
		}
		infos = append(infos, ContainerInfo{
			ID:        c.ID,
			Name:      name,
			Labels:    c.Labels,
			CreatedAt: unixTime(c.Created),
			Running:   c.State == "running",
		})
	}
	return infos, nil
}

// Close releases the client's connections.
func (r *APIRuntime) Close() error {
	return r.cli.Close()
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}
