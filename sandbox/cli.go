package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIRuntime drives a Docker-compatible command line client. The docker and
// podman backends share it and differ only in binary and error wording.
type CLIRuntime struct {
	logger    *zap.Logger
	name      string
	binary    string
	cmdRunner CommandRunner
}

// CLIRuntimeOption defines a functional option for CLIRuntime
type CLIRuntimeOption func(*CLIRuntime)

// WithCommandRunner sets the CommandRunner used to invoke the client binary
func WithCommandRunner(cmdRunner CommandRunner) CLIRuntimeOption {
	return func(r *CLIRuntime) {
		r.cmdRunner = cmdRunner
	}
}

// WithBinary overrides the client binary, e.g. an absolute path
func WithBinary(binary string) CLIRuntimeOption {
	return func(r *CLIRuntime) {
		r.binary = binary
	}
}

func newCLIRuntime(logger *zap.Logger, name string, opts ...CLIRuntimeOption) *CLIRuntime {
	r := &CLIRuntime{
		logger:    logger,
		name:      name,
		binary:    name,
		cmdRunner: &RealCommandRunner{}, // Default implementation
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Name implements Runtime
func (r *CLIRuntime) Name() string {
	return r.name
}

// Ping implements Runtime
func (r *CLIRuntime) Ping(ctx context.Context) error {
	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, r.args("version", "--format", "{{.Server.Version}}"))
	if err != nil {
		return fmt.Errorf("%s version: %w", r.name, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%s daemon unreachable: %s", r.name, strings.TrimSpace(stderr))
	}
	r.logger.Debug("runtime reachable", zap.String("server_version", strings.TrimSpace(stdout)))
	return nil
}

// Create implements Runtime
func (r *CLIRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, r.createArgs(spec))
	if err != nil {
		return "", fmt.Errorf("%s create: %w", r.name, err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("%s create failed (exit %d): %s", r.name, exitCode, strings.TrimSpace(stderr))
	}
	id := strings.TrimSpace(stdout)
	if id == "" {
		return "", fmt.Errorf("%s create returned empty id", r.name)
	}
	return id, nil
}

func (r *CLIRuntime) createArgs(spec ContainerSpec) []string {
	args := r.args("create", "--name", spec.Name)

	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	if spec.MemoryBytes > 0 {
		mem := strconv.FormatInt(spec.MemoryBytes, 10)
		// Equal swap disables swapping past the memory limit.
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if spec.CPUShares > 0 {
		args = append(args, "--cpu-shares", strconv.FormatInt(spec.CPUShares, 10))
	}
	if spec.NanoCPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(float64(spec.NanoCPUs)/1e9, 'f', -1, 64))
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(spec.PidsLimit, 10))
	}

	network := "none"
	if spec.Network {
		network = "bridge"
	}
	args = append(args,
		"--network", network,
		"--security-opt", "no-new-privileges:true",
		"--cap-drop", "ALL",
	)
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}

	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "-e", k+"="+spec.Env[k])
	}
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

// CopyTo implements Runtime
func (r *CLIRuntime) CopyTo(ctx context.Context, id, dir string, archive []byte) error {
	var stderr bytes.Buffer
	exitCode, err := r.cmdRunner.StreamCommand(ctx, r.args("cp", "-", id+":"+dir), bytes.NewReader(archive), io.Discard, &stderr)
	if err != nil {
		return fmt.Errorf("%s cp: %w", r.name, err)
	}
	if exitCode != 0 {
		if r.isNotFound(stderr.String()) {
			return ErrNotFound
		}
		return fmt.Errorf("%s cp failed (exit %d): %s", r.name, exitCode, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// Run implements Runtime. Output is attached with `start -a`; the exit status
// is read back with `wait` so client-side failures are not mistaken for it.
func (r *CLIRuntime) Run(ctx context.Context, id string, stdout, stderr io.Writer) (int, error) {
	if _, err := r.cmdRunner.StreamCommand(ctx, r.args("start", "-a", id), nil, stdout, stderr); err != nil {
		return 0, err
	}

	out, errOut, exitCode, err := r.cmdRunner.RunCommand(ctx, r.args("wait", id))
	if err != nil {
		return 0, err
	}
	if exitCode != 0 {
		if r.isNotFound(errOut) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("%s wait failed (exit %d): %s", r.name, exitCode, strings.TrimSpace(errOut))
	}
	code, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("%s wait: unexpected output %q", r.name, out)
	}
	return code, nil
}

// Kill implements Runtime
func (r *CLIRuntime) Kill(ctx context.Context, id string) error {
	return r.forgiving(ctx, "kill", r.args("kill", id))
}

// Remove implements Runtime
func (r *CLIRuntime) Remove(ctx context.Context, id string) error {
	return r.forgiving(ctx, "rm", r.args("rm", "-f", id))
}

// forgiving runs a command that treats a missing container as done. A kill of
// a container that already exited is reported as "is not running" and is
// likewise fine.
func (r *CLIRuntime) forgiving(ctx context.Context, op string, args []string) error {
	_, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.name, op, err)
	}
	if exitCode == 0 || r.isNotFound(stderr) || strings.Contains(strings.ToLower(stderr), "is not running") {
		return nil
	}
	return fmt.Errorf("%s %s failed (exit %d): %s", r.name, op, exitCode, strings.TrimSpace(stderr))
}

// psRow is one line of `ps --format '{{json .}}'`. Docker renders Labels as
// "k=v,k=v" and Names as a string; podman uses a map and a list.
type psRow struct {
	ID        string          `json:"ID"`
	Names     json.RawMessage `json:"Names"`
	Labels    json.RawMessage `json:"Labels"`
	State     string          `json:"State"`
	CreatedAt string          `json:"CreatedAt"`
}

// List implements Runtime
func (r *CLIRuntime) List(ctx context.Context, labels map[string]string) ([]ContainerInfo, error) {
	args := r.args("ps", "-a", "--no-trunc")
	for _, k := range sortedKeys(labels) {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}
	args = append(args, "--format", "{{json .}}")

	stdout, stderr, exitCode, err := r.cmdRunner.RunCommand(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%s ps: %w", r.name, err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("%s ps failed (exit %d): %s", r.name, exitCode, strings.TrimSpace(stderr))
	}

	var infos []ContainerInfo
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var row psRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			r.logger.Warn("skipping unparsable ps line", zap.String("line", line), zap.Error(err))
			continue
		}
		info := ContainerInfo{
			ID:        row.ID,
			Name:      decodeNames(row.Names),
			Labels:    decodeLabels(row.Labels),
			CreatedAt: parseCreatedAt(row.CreatedAt),
			Running:   strings.EqualFold(row.State, "running"),
		}
		// The daemon filter already applied; this guards clients that ignore it.
		if !matchLabels(info.Labels, labels) {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func (r *CLIRuntime) args(args ...string) []string {
	return append([]string{r.binary}, args...)
}

func (*CLIRuntime) isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no container with name or id")
}

func decodeNames(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return strings.TrimPrefix(name, "/")
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err == nil && len(names) > 0 {
		return strings.TrimPrefix(names[0], "/")
	}
	return ""
}

func decodeLabels(raw json.RawMessage) map[string]string {
	labels := map[string]string{}
	if err := json.Unmarshal(raw, &labels); err == nil {
		return labels
	}
	var flat string
	if err := json.Unmarshal(raw, &flat); err != nil {
		return labels
	}
	for _, pair := range strings.Split(flat, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && k != "" {
			labels[k] = v
		}
	}
	return labels
}

// parseCreatedAt understands docker's "2006-01-02 15:04:05 -0700 MST" and
// RFC 3339. Anything else yields the zero time; Created prefers the label.
func parseCreatedAt(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05 -0700 MST", time.RFC3339Nano} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts
		}
	}
	return time.Time{}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
