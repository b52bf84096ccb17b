package sandbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	commandResults map[string]mockResult
	defaultResult  mockResult
	calls          [][]string
	stdin          map[string][]byte
}

func (m *MockCommandRunner) lookup(args []string) mockResult {
	m.calls = append(m.calls, args)
	cmdKey := strings.Join(args, " ")
	if result, exists := m.commandResults[cmdKey]; exists {
		return result
	}
	return m.defaultResult
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	result := m.lookup(args)
	return result.stdout, result.stderr, result.exitCode, result.err
}

func (m *MockCommandRunner) StreamCommand(_ context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	result := m.lookup(args)
	if stdin != nil {
		data, _ := io.ReadAll(stdin)
		if m.stdin == nil {
			m.stdin = map[string][]byte{}
		}
		m.stdin[strings.Join(args, " ")] = data
	}
	_, _ = io.WriteString(stdout, result.stdout)
	_, _ = io.WriteString(stderr, result.stderr)
	return result.exitCode, result.err
}

func TestCLIRuntimeConstructors(t *testing.T) {
	logger := zaptest.NewLogger(t)

	t.Run("Docker", func(t *testing.T) {
		rt := NewDockerRuntime(logger)
		assert.Equal(t, "docker", rt.Name())
		assert.Equal(t, "docker", rt.binary)
		assert.IsType(t, &RealCommandRunner{}, rt.cmdRunner)
	})

	t.Run("PodmanWithOptions", func(t *testing.T) {
		runner := &MockCommandRunner{}
		rt := NewPodmanRuntime(logger, WithCommandRunner(runner), WithBinary("/usr/bin/podman"))
		assert.Equal(t, "podman", rt.Name())
		assert.Equal(t, "/usr/bin/podman", rt.binary)
		assert.Same(t, runner, rt.cmdRunner)
	})
}

func TestCLIRuntimeCreate(t *testing.T) {
	spec := ContainerSpec{
		Name:        "sbx_1",
		Image:       "python:3.11-slim",
		Command:     []string{"sh", "-c", "python main.py"},
		WorkDir:     WorkDir,
		Env:         map[string]string{"B": "2", "A": "1"},
		Labels:      map[string]string{LabelManaged: "true", LabelSandboxID: "sbx_1"},
		User:        "nobody",
		MemoryBytes: 512 * 1024 * 1024,
		NanoCPUs:    1_500_000_000,
		CPUShares:   512,
		PidsLimit:   128,
		Mounts:      []Mount{{Source: "/srv/data", Target: "/data", ReadOnly: true}},
	}

	t.Run("ArgumentsAndID", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockResult{stdout: "abc123\n"}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		id, err := rt.Create(context.Background(), spec)
		require.NoError(t, err)
		assert.Equal(t, "abc123", id)

		require.Len(t, runner.calls, 1)
		assert.Equal(t, []string{
			"docker", "create", "--name", "sbx_1",
			"--label", "sandboxd.managed=true",
			"--label", "sandboxd.sandbox-id=sbx_1",
			"--workdir", "/workdir",
			"--memory", "536870912", "--memory-swap", "536870912",
			"--cpu-shares", "512",
			"--cpus", "1.5",
			"--pids-limit", "128",
			"--network", "none",
			"--security-opt", "no-new-privileges:true",
			"--cap-drop", "ALL",
			"--user", "nobody",
			"-e", "A=1", "-e", "B=2",
			"-v", "/srv/data:/data:ro",
			"python:3.11-slim", "sh", "-c", "python main.py",
		}, runner.calls[0])
	})

	t.Run("NetworkEnabled", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockResult{stdout: "abc123"}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		withNet := spec
		withNet.Network = true
		_, err := rt.Create(context.Background(), withNet)
		require.NoError(t, err)
		assert.Contains(t, strings.Join(runner.calls[0], " "), "--network bridge")
	})

	t.Run("Failure", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockResult{stderr: "Unable to find image", exitCode: 125}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		_, err := rt.Create(context.Background(), spec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Unable to find image")
	})

	t.Run("EmptyID", func(t *testing.T) {
		runner := &MockCommandRunner{}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		_, err := rt.Create(context.Background(), spec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty id")
	})
}

func TestCLIRuntimeCopyTo(t *testing.T) {
	runner := &MockCommandRunner{}
	rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

	require.NoError(t, rt.CopyTo(context.Background(), "abc", "/", []byte("tarball")))
	assert.Equal(t, []byte("tarball"), runner.stdin["docker cp - abc:/"])

	runner.defaultResult = mockResult{stderr: "Error: No such container: abc", exitCode: 1}
	assert.ErrorIs(t, rt.CopyTo(context.Background(), "abc", "/", nil), ErrNotFound)
}

func TestCLIRuntimeRun(t *testing.T) {
	t.Run("StreamsOutputAndReadsExitCode", func(t *testing.T) {
		runner := &MockCommandRunner{commandResults: map[string]mockResult{
			"docker start -a abc": {stdout: "hello\n", stderr: "warn\n", exitCode: 3},
			"docker wait abc":     {stdout: "3\n"},
		}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		var stdout, stderr bytes.Buffer
		code, err := rt.Run(context.Background(), "abc", &stdout, &stderr)
		require.NoError(t, err)
		assert.Equal(t, 3, code)
		assert.Equal(t, "hello\n", stdout.String())
		assert.Equal(t, "warn\n", stderr.String())
	})

	t.Run("ContextEnded", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockResult{err: context.DeadlineExceeded}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		_, err := rt.Run(context.Background(), "abc", io.Discard, io.Discard)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Len(t, runner.calls, 1)
	})

	t.Run("GarbledWaitOutput", func(t *testing.T) {
		runner := &MockCommandRunner{commandResults: map[string]mockResult{
			"docker wait abc": {stdout: "not-a-number"},
		}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		_, err := rt.Run(context.Background(), "abc", io.Discard, io.Discard)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected output")
	})
}

func TestCLIRuntimeKillRemoveForgiving(t *testing.T) {
	tests := []struct {
		name    string
		result  mockResult
		wantErr bool
	}{
		{"Success", mockResult{}, false},
		{"DockerMissing", mockResult{stderr: "Error response from daemon: No such container: abc", exitCode: 1}, false},
		{"PodmanMissing", mockResult{stderr: "Error: no container with name or ID \"abc\" found", exitCode: 125}, false},
		{"AlreadyStopped", mockResult{stderr: "Error response from daemon: container abc is not running", exitCode: 1}, false},
		{"DaemonDown", mockResult{stderr: "Cannot connect to the Docker daemon", exitCode: 1}, true},
		{"ClientError", mockResult{err: errors.New("exec: docker not found")}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockCommandRunner{defaultResult: tt.result}
			rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

			killErr := rt.Kill(context.Background(), "abc")
			removeErr := rt.Remove(context.Background(), "abc")
			if tt.wantErr {
				assert.Error(t, killErr)
				assert.Error(t, removeErr)
			} else {
				assert.NoError(t, killErr)
				assert.NoError(t, removeErr)
			}
		})
	}
}

func TestCLIRuntimeList(t *testing.T) {
	t.Run("DockerFormat", func(t *testing.T) {
		out := `{"ID":"aaa","Names":"sbx_1","Labels":"sandboxd.managed=true,sandboxd.sandbox-id=sbx_1,sandboxd.timeout-ms=5000","State":"running","CreatedAt":"2026-01-02 15:04:05 +0000 UTC"}
{"ID":"bbb","Names":"sbx_2","Labels":"sandboxd.managed=true","State":"exited","CreatedAt":"2026-01-02 15:04:05 +0000 UTC"}
`
		runner := &MockCommandRunner{defaultResult: mockResult{stdout: out}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		infos, err := rt.List(context.Background(), map[string]string{LabelManaged: "true"})
		require.NoError(t, err)
		require.Len(t, infos, 2)

		assert.Equal(t, "aaa", infos[0].ID)
		assert.Equal(t, "sbx_1", infos[0].Name)
		assert.Equal(t, "sbx_1", infos[0].SandboxID())
		assert.True(t, infos[0].Running)
		assert.Equal(t, 5*time.Second, infos[0].Timeout(time.Minute))
		assert.True(t, time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC).Equal(infos[0].Created()))
		assert.False(t, infos[1].Running)
		assert.Equal(t, time.Minute, infos[1].Timeout(time.Minute))

		assert.Equal(t, []string{
			"docker", "ps", "-a", "--no-trunc", "--filter", "label=sandboxd.managed=true", "--format", "{{json .}}",
		}, runner.calls[0])
	})

	t.Run("PodmanFormat", func(t *testing.T) {
		out := `{"Id":"ccc","Names":["sbx_3"],"Labels":{"sandboxd.managed":"true","sandboxd.created-at":"2026-03-04T05:06:07Z"},"State":"running","CreatedAt":"2 minutes ago"}` + "\n"
		runner := &MockCommandRunner{defaultResult: mockResult{stdout: out}}
		rt := NewPodmanRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		infos, err := rt.List(context.Background(), map[string]string{LabelManaged: "true"})
		require.NoError(t, err)
		require.Len(t, infos, 1)
		assert.Equal(t, "ccc", infos[0].ID)
		assert.Equal(t, "sbx_3", infos[0].Name)
		assert.True(t, infos[0].CreatedAt.IsZero())
		assert.True(t, time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC).Equal(infos[0].Created()))
	})

	t.Run("SkipsGarbageAndUnmatched", func(t *testing.T) {
		out := "not json\n" + `{"ID":"ddd","Names":"other","Labels":"app=web","State":"running"}` + "\n"
		runner := &MockCommandRunner{defaultResult: mockResult{stdout: out}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		infos, err := rt.List(context.Background(), map[string]string{LabelManaged: "true"})
		require.NoError(t, err)
		assert.Empty(t, infos)
	})

	t.Run("Failure", func(t *testing.T) {
		runner := &MockCommandRunner{defaultResult: mockResult{stderr: "boom", exitCode: 1}}
		rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))

		_, err := rt.List(context.Background(), nil)
		require.Error(t, err)
	})
}

func TestCLIRuntimePing(t *testing.T) {
	runner := &MockCommandRunner{defaultResult: mockResult{stdout: "27.5.1\n"}}
	rt := NewDockerRuntime(zaptest.NewLogger(t), WithCommandRunner(runner))
	require.NoError(t, rt.Ping(context.Background()))

	runner.defaultResult = mockResult{stderr: "Cannot connect to the Docker daemon", exitCode: 1}
	err := rt.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon unreachable")
}
