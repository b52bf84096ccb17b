package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/isdmx/sandboxd/sandbox"
)

type fakeContainer struct {
	id      string
	spec    sandbox.ContainerSpec
	bundle  []byte
	created time.Time
	killed  chan struct{}
	stop    sync.Once
	running bool
}

func (c *fakeContainer) terminate() {
	c.stop.Do(func() { close(c.killed) })
}

// fakeRuntime is an in-memory sandbox.Runtime. run decides what a started
// container does; the default exits 0 silently.
type fakeRuntime struct {
	mu          sync.Mutex
	containers  map[string]*fakeContainer
	seq         int
	createErrs  []error // consumed one per Create call
	createErr   error   // returned once createErrs is exhausted
	removeErr   error
	createCalls int
	killCalls   map[string]int
	removeCalls map[string]int
	now         func() time.Time

	// copyTo, when set, runs before each CopyTo outside the lock.
	copyTo func(id string)

	run func(ctx context.Context, c *fakeContainer, stdout, stderr io.Writer) (int, error)
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers:  make(map[string]*fakeContainer),
		killCalls:   make(map[string]int),
		removeCalls: make(map[string]int),
		now:         time.Now,
	}
}

func (*fakeRuntime) Name() string { return "fake" }

func (*fakeRuntime) Ping(context.Context) error { return nil }

func (f *fakeRuntime) Create(_ context.Context, spec sandbox.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if len(f.createErrs) > 0 {
		err := f.createErrs[0]
		f.createErrs = f.createErrs[1:]
		if err != nil {
			return "", err
		}
	} else if f.createErr != nil {
		return "", f.createErr
	}
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &fakeContainer{id: id, spec: spec, created: f.now(), killed: make(chan struct{})}
	return id, nil
}

func (f *fakeRuntime) CopyTo(_ context.Context, id, _ string, archive []byte) error {
	f.mu.Lock()
	hook := f.copyTo
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return sandbox.ErrNotFound
	}
	c.bundle = archive
	return nil
}

func (f *fakeRuntime) Run(ctx context.Context, id string, stdout, stderr io.Writer) (int, error) {
	f.mu.Lock()
	c, ok := f.containers[id]
	if ok {
		c.running = true
	}
	run := f.run
	f.mu.Unlock()
	if !ok {
		return 0, sandbox.ErrNotFound
	}
	defer func() {
		f.mu.Lock()
		c.running = false
		f.mu.Unlock()
	}()
	if run == nil {
		return 0, nil
	}
	return run(ctx, c, stdout, stderr)
}

func (f *fakeRuntime) Kill(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killCalls[id]++
	if c, ok := f.containers[id]; ok {
		c.terminate()
	}
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removeCalls[id]++
	for rid, c := range f.containers {
		if rid == id || c.spec.Name == id {
			c.terminate()
			delete(f.containers, rid)
			return nil
		}
	}
	return sandbox.ErrNotFound
}

func (f *fakeRuntime) List(_ context.Context, labels map[string]string) ([]sandbox.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []sandbox.ContainerInfo
	for id, c := range f.containers {
		match := true
		for k, v := range labels {
			if c.spec.Labels[k] != v {
				match = false
			}
		}
		if match {
			infos = append(infos, sandbox.ContainerInfo{ID: id, Name: c.spec.Name, Labels: c.spec.Labels, CreatedAt: c.created, Running: c.running})
		}
	}
	return infos, nil
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeRuntime) removed(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removeCalls[id]
}

func (f *fakeRuntime) killed(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killCalls[id]
}

// addOrphan plants a managed container as if left by a crashed process.
func (f *fakeRuntime) addOrphan(sandboxID string, created time.Time, timeout time.Duration) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("ctr-%d", f.seq)
	f.containers[id] = &fakeContainer{
		id: id,
		spec: sandbox.ContainerSpec{Name: sandboxID, Labels: map[string]string{
			sandbox.LabelManaged:   "true",
			sandbox.LabelSandboxID: sandboxID,
			sandbox.LabelTimeoutMS: fmt.Sprint(timeout.Milliseconds()),
			sandbox.LabelCreatedAt: created.Format(time.RFC3339Nano),
		}},
		created: created,
		killed:  make(chan struct{}),
	}
	return id
}

// blockUntilStopped runs until the container is killed or ctx ends.
func blockUntilStopped(ctx context.Context, c *fakeContainer, _, _ io.Writer) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.killed:
		return 137, nil
	}
}

// fakeRelay records delivered results.
type fakeRelay struct {
	mu      sync.Mutex
	results []ExecutionResult
	ch      chan ExecutionResult
	err     error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{ch: make(chan ExecutionResult, 64)}
}

func (r *fakeRelay) Deliver(_ context.Context, res ExecutionResult) error {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
	r.ch <- res
	return r.err
}

func (r *fakeRelay) next(timeout time.Duration) (ExecutionResult, error) {
	select {
	case res := <-r.ch:
		return res, nil
	case <-time.After(timeout):
		return ExecutionResult{}, errors.New("no result delivered")
	}
}

// fakeExecutor holds each execution until released and records start order.
type fakeExecutor struct {
	mu       sync.Mutex
	started  []string
	running  int
	peak     int
	release  map[string]chan struct{}
	startedC chan string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{release: make(map[string]chan struct{}), startedC: make(chan string, 64)}
}

func (e *fakeExecutor) gate(ticketID string) chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch, ok := e.release[ticketID]
	if !ok {
		ch = make(chan struct{})
		e.release[ticketID] = ch
	}
	return ch
}

func (e *fakeExecutor) Execute(ctx context.Context, ticket Ticket, _ ExecutionRequest) ExecutionResult {
	e.mu.Lock()
	e.started = append(e.started, ticket.ID)
	e.running++
	if e.running > e.peak {
		e.peak = e.running
	}
	e.mu.Unlock()
	e.startedC <- ticket.ID

	res := resultFor(ticket)
	select {
	case <-e.gate(ticket.ID):
		res.TerminalReason = ReasonCompleted
		res.ExitStatus = 0
	case <-ctx.Done():
		res.TerminalReason = ReasonCancelled
		res.Error = context.Cause(ctx).Error()
	}

	e.mu.Lock()
	e.running--
	e.mu.Unlock()
	return res
}

func (e *fakeExecutor) finish(ticketID string) {
	close(e.gate(ticketID))
}

func (e *fakeExecutor) stats() (started []string, running, peak int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.started...), e.running, e.peak
}
