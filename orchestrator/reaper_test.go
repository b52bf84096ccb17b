package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/sandboxd/sandbox"
)

type activeSet map[string]bool

func (a activeSet) IsActive(id string) bool { return a[id] }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestReaper(t *testing.T, prov *Provisioner, active ActivityChecker, clock *testClock) *Reaper {
	t.Helper()
	return NewReaper(zaptest.NewLogger(t), prov, active, ReaperConfig{
		Interval:       10 * time.Millisecond,
		Grace:          30 * time.Second,
		DefaultTimeout: 10 * time.Second,
	}, WithReaperClock(clock.Now))
}

func TestReaperSweepRuntimeOrphans(t *testing.T) {
	rt := newFakeRuntime()
	prov := newTestProvisioner(t, rt, 1)
	clock := &testClock{now: time.Now()}
	reaper := newTestReaper(t, prov, activeSet{"sbx_active": true}, clock)

	old := clock.Now().Add(-2 * time.Minute)
	orphan := rt.addOrphan("sbx_old", old, 10*time.Second)
	rt.addOrphan("sbx_young", clock.Now().Add(-20*time.Second), 10*time.Second)
	rt.addOrphan("sbx_active", old, 10*time.Second)
	rt.addOrphan("sbx_long", old, 5*time.Minute)

	n, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, rt.removed(orphan))
	assert.Equal(t, 3, rt.count(), "young, active and long-timeout sandboxes survive")

	n, err = reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestReaperReleasesHandleOfDeadSupervisor(t *testing.T) {
	rt := newFakeRuntime()
	prov := newTestProvisioner(t, rt, 1)

	// The supervisor acquired and started the sandbox, then vanished.
	h, err := prov.Acquire(context.Background(), Owner{SessionID: "s1", TicketID: "exec_1"}, ResourceLimits{Timeout: 10 * time.Second}, testWorkload())
	require.NoError(t, err)
	require.True(t, h.transition(StateRunning))
	runtimeID := h.RuntimeID()

	clock := &testClock{now: time.Now()}
	reaper := newTestReaper(t, prov, activeSet{}, clock)

	n, err := reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "not yet past timeout plus grace")
	assert.Equal(t, StateRunning, h.State())

	clock.Advance(41 * time.Second)
	n, err = reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateReleased, h.State())
	assert.Equal(t, 1, rt.removed(runtimeID))
	assert.Empty(t, prov.Handles())

	// A late teardown from the original path is harmless.
	require.NoError(t, prov.Release(context.Background(), h))
	assert.Equal(t, 1, rt.removed(runtimeID))
}

func TestReaperInventory(t *testing.T) {
	t.Run("ContainerVanished", func(t *testing.T) {
		rt := newFakeRuntime()
		prov := newTestProvisioner(t, rt, 1)
		h, err := prov.Acquire(context.Background(), Owner{SessionID: "s1"}, ResourceLimits{Timeout: time.Second}, testWorkload())
		require.NoError(t, err)
		require.True(t, h.transition(StateRunning))
		require.NoError(t, rt.Remove(context.Background(), h.RuntimeID()))

		clock := &testClock{now: time.Now().Add(time.Minute)}
		n, err := newTestReaper(t, prov, activeSet{}, clock).Sweep(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		assert.Equal(t, StateReleased, h.State())
	})

	t.Run("SkipsActiveAndProvisioning", func(t *testing.T) {
		rt := newFakeRuntime()
		prov := newTestProvisioner(t, rt, 1)

		active, err := prov.Acquire(context.Background(), Owner{SessionID: "s1"}, ResourceLimits{Timeout: time.Second}, testWorkload())
		require.NoError(t, err)
		provisioning, err := prov.Acquire(context.Background(), Owner{SessionID: "s2"}, ResourceLimits{Timeout: time.Second}, testWorkload())
		require.NoError(t, err)
		require.NoError(t, rt.Remove(context.Background(), active.RuntimeID()))
		require.NoError(t, rt.Remove(context.Background(), provisioning.RuntimeID()))

		clock := &testClock{now: time.Now().Add(time.Hour)}
		n, err := newTestReaper(t, prov, activeSet{active.ID: true}, clock).Sweep(context.Background())
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Len(t, prov.Handles(), 2)
	})
}

type acquired struct {
	h   *Handle
	err error
}

// acquireBlockedInCopy starts an Acquire that stalls while copying the bundle
// and returns once the container exists.
func acquireBlockedInCopy(t *testing.T, rt *fakeRuntime, prov *Provisioner) (runtimeID string, unblock chan struct{}, done chan acquired) {
	t.Helper()
	entered := make(chan string, 1)
	unblock = make(chan struct{})
	rt.copyTo = func(id string) {
		entered <- id
		<-unblock
	}
	done = make(chan acquired, 1)
	go func() {
		h, err := prov.Acquire(context.Background(), Owner{SessionID: "s1"}, ResourceLimits{Timeout: time.Second}, testWorkload())
		done <- acquired{h, err}
	}()
	return <-entered, unblock, done
}

func TestReaperSkipsContainerStillProvisioning(t *testing.T) {
	rt := newFakeRuntime()
	prov := newTestProvisioner(t, rt, 1)
	runtimeID, unblock, done := acquireBlockedInCopy(t, rt, prov)

	clock := &testClock{now: time.Now().Add(time.Hour)}
	n, err := newTestReaper(t, prov, activeSet{}, clock).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 1, rt.count())
	handles := prov.Handles()
	require.Len(t, handles, 1)
	assert.Equal(t, StateProvisioning, handles[0].State())

	close(unblock)
	got := <-done
	require.NoError(t, got.err)
	assert.Equal(t, StateProvisioning, got.h.State())
	assert.Equal(t, runtimeID, got.h.RuntimeID())
	assert.Zero(t, rt.removed(runtimeID))
	assert.Equal(t, 1, rt.createCalls)
	assert.Equal(t, 1, rt.count())
}

type listFailRuntime struct {
	*fakeRuntime
}

func (listFailRuntime) List(context.Context, map[string]string) ([]sandbox.ContainerInfo, error) {
	return nil, errors.New("daemon down")
}

func TestReaperErrors(t *testing.T) {
	t.Run("ListFails", func(t *testing.T) {
		prov := newTestProvisioner(t, listFailRuntime{newFakeRuntime()}, 1)
		_, err := newTestReaper(t, prov, nil, &testClock{now: time.Now()}).Sweep(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "daemon down")
	})

	t.Run("RemoveFailsIsReported", func(t *testing.T) {
		rt := newFakeRuntime()
		prov := newTestProvisioner(t, rt, 1)
		rt.addOrphan("sbx_a", time.Now().Add(-time.Hour), time.Second)
		rt.addOrphan("sbx_b", time.Now().Add(-time.Hour), time.Second)
		rt.removeErr = errors.New("busy")

		n, err := newTestReaper(t, prov, nil, &testClock{now: time.Now()}).Sweep(context.Background())
		require.Error(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 2, rt.count())
	})
}

func TestReaperRun(t *testing.T) {
	rt := newFakeRuntime()
	prov := newTestProvisioner(t, rt, 1)
	rt.addOrphan("sbx_old", time.Now().Add(-time.Hour), time.Second)

	reaper := newTestReaper(t, prov, nil, &testClock{now: time.Now()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reaper.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return rt.count() == 0 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

// A supervisor that dies mid-run leaves a running sandbox behind; the reaper
// releases it within one sweep once it is past its deadline.
func TestReaperBackstopsKilledSupervisor(t *testing.T) {
	rt := newFakeRuntime()
	started := make(chan struct{})
	rt.run = func(ctx context.Context, c *fakeContainer, stdout, stderr io.Writer) (int, error) {
		close(started)
		return blockUntilStopped(ctx, c, stdout, stderr)
	}
	sup, prov := newTestSupervisor(t, rt, func(c *SupervisorConfig) { c.DefaultTimeout = time.Minute })

	done := make(chan ExecutionResult, 1)
	go func() {
		done <- sup.Execute(context.Background(), Ticket{ID: "exec_1", SessionID: "s1"}, shellRequest("sleep 600"))
	}()
	<-started

	handles := prov.Handles()
	require.Len(t, handles, 1)
	h := handles[0]

	// While the supervisor is alive a sweep leaves the sandbox alone.
	clock := &testClock{now: time.Now().Add(2 * time.Minute)}
	n, err := newTestReaper(t, prov, sup, clock).Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	// Simulate the supervisor disappearing: nothing reports the sandbox active.
	n, err = newTestReaper(t, prov, activeSet{}, clock).Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StateReleased, h.State())
	assert.Zero(t, rt.count())

	select {
	case res := <-done:
		assert.Equal(t, ReasonInternalError, res.TerminalReason, "the run lost its sandbox")
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not return")
	}
	assert.Equal(t, 1, rt.removed(h.RuntimeID()), "exactly one removal")
}
