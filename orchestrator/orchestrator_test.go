package orchestrator

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
)

func testConfig() *config.Config {
	return &config.Config{
		Sandbox: config.SandboxConfig{
			Backend:          "docker",
			DefaultTimeout:   time.Second,
			MaxTimeout:       time.Minute,
			Memory:           "128m",
			CPUs:             0.5,
			CPUShares:        256,
			PidsLimit:        64,
			MaxOutputBytes:   1024,
			NetworkDefault:   config.NetworkDeny,
			User:             "nobody",
			ProvisionRetries: 1,
			ProvisionBackoff: time.Millisecond,
			TeardownTimeout:  time.Second,
		},
		Orchestrator: config.OrchestratorConfig{
			MaxConcurrentPerSession: 2,
			MaxConcurrentTotal:      4,
			MaxQueueDepth:           8,
		},
		Reaper: config.ReaperConfig{Enabled: true, Interval: 10 * time.Millisecond, Grace: time.Second},
	}
}

func TestOrchestratorEndToEnd(t *testing.T) {
	rt := newFakeRuntime()
	rt.run = func(_ context.Context, c *fakeContainer, stdout, _ io.Writer) (int, error) {
		_, _ = io.WriteString(stdout, "hello")
		return 0, nil
	}
	relay := newFakeRelay()
	m := metrics.New(prometheus.NewRegistry(), "fake")

	o, err := New(zaptest.NewLogger(t), testConfig(), rt, sandbox.DefaultLanguages(), relay, m)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))
	require.NoError(t, o.Ready(context.Background()))

	ticket, err := o.Submit(context.Background(), ExecutionRequest{
		SessionID: "s1",
		TurnID:    "t1",
		Language:  sandbox.LanguagePython,
		Code:      "print('hello')",
	})
	require.NoError(t, err)

	res, err := relay.next(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, ticket.ID, res.TicketID)
	assert.Equal(t, "t1", res.TurnID)
	assert.Equal(t, ReasonCompleted, res.TerminalReason)
	assert.Equal(t, 0, res.ExitStatus)
	assert.Equal(t, "hello", res.Stdout)
	assert.Zero(t, rt.count())
	assert.InDelta(t, 1, testutil.ToFloat64(m.Results.WithLabelValues("completed")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ProvisionAttempts.WithLabelValues("ok")), 0)

	require.NoError(t, o.Stop(context.Background()))
	assert.ErrorIs(t, o.Ready(context.Background()), ErrShuttingDown)
	_, err = o.Submit(context.Background(), ExecutionRequest{SessionID: "s1", Language: "python", Code: "x"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestOrchestratorLimitsFromConfig(t *testing.T) {
	rt := newFakeRuntime()
	var spec sandbox.ContainerSpec
	rt.run = func(_ context.Context, c *fakeContainer, _, _ io.Writer) (int, error) {
		spec = c.spec
		return 0, nil
	}
	relay := newFakeRelay()
	cfg := testConfig()
	cfg.Reaper.Enabled = false

	o, err := New(zaptest.NewLogger(t), cfg, rt, sandbox.DefaultLanguages(), relay, nil)
	require.NoError(t, err)
	require.NoError(t, o.Start(context.Background()))

	_, err = o.Submit(context.Background(), ExecutionRequest{SessionID: "s1", Language: sandbox.LanguageNodeJS, Code: "1"})
	require.NoError(t, err)
	_, err = relay.next(5 * time.Second)
	require.NoError(t, err)

	assert.Equal(t, "node:20-alpine", spec.Image)
	assert.Equal(t, []string{"sh", "-c", "node index.js"}, spec.Command)
	assert.Equal(t, int64(128<<20), spec.MemoryBytes)
	assert.Equal(t, int64(500_000_000), spec.NanoCPUs)
	assert.Equal(t, int64(256), spec.CPUShares)
	assert.Equal(t, int64(64), spec.PidsLimit)
	assert.Equal(t, "nobody", spec.User)
	assert.False(t, spec.Network)
	assert.Equal(t, "1000", spec.Labels[sandbox.LabelTimeoutMS])

	require.NoError(t, o.Stop(context.Background()))
}

func TestOrchestratorInvalidMemory(t *testing.T) {
	cfg := testConfig()
	cfg.Sandbox.Memory = "lots"
	_, err := New(zaptest.NewLogger(t), cfg, newFakeRuntime(), sandbox.DefaultLanguages(), newFakeRelay(), nil)
	require.Error(t, err)
}
