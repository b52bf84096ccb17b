package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.jetify.com/typeid"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
)

// Owner ties a sandbox to the request it serves.
type Owner struct {
	SessionID string
	TicketID  string
}

// Workload is what runs inside a sandbox.
type Workload struct {
	Image   string
	Command []string
	Env     map[string]string
	Bundle  []byte
}

// Provisioner allocates sandboxes through an injected runtime and keeps the
// inventory of every handle not yet released.
type Provisioner struct {
	logger          *zap.Logger
	runtime         sandbox.Runtime
	metrics         *metrics.Metrics
	user            string
	retries         int
	backoff         time.Duration
	teardownTimeout time.Duration
	now             func() time.Time
	newID           func(prefix string) (string, error)

	mu      sync.Mutex
	handles map[string]*Handle
}

// ProvisionerOption defines a functional option for Provisioner
type ProvisionerOption func(*Provisioner)

// WithProvisionerClock overrides the time source
func WithProvisionerClock(now func() time.Time) ProvisionerOption {
	return func(p *Provisioner) {
		p.now = now
	}
}

// WithIDGenerator overrides how sandbox ids are minted
func WithIDGenerator(newID func(prefix string) (string, error)) ProvisionerOption {
	return func(p *Provisioner) {
		p.newID = newID
	}
}

// WithProvisionerMetrics sets the collectors
func WithProvisionerMetrics(m *metrics.Metrics) ProvisionerOption {
	return func(p *Provisioner) {
		p.metrics = m
	}
}

// ProvisionerConfig carries the provisioner's knobs.
type ProvisionerConfig struct {
	User            string
	Retries         int
	Backoff         time.Duration
	TeardownTimeout time.Duration
}

// NewProvisioner creates a Provisioner over rt.
func NewProvisioner(logger *zap.Logger, rt sandbox.Runtime, cfg ProvisionerConfig, opts ...ProvisionerOption) *Provisioner {
	p := &Provisioner{
		logger:          logger.Named("provisioner"),
		runtime:         rt,
		user:            cfg.User,
		retries:         cfg.Retries,
		backoff:         cfg.Backoff,
		teardownTimeout: cfg.TeardownTimeout,
		now:             time.Now,
		newID:           newTypeID,
		handles:         make(map[string]*Handle),
	}
	if p.backoff <= 0 {
		p.backoff = 500 * time.Millisecond
	}
	if p.teardownTimeout <= 0 {
		p.teardownTimeout = 15 * time.Second
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// errAbandoned reports a handle released while its container was being set up.
var errAbandoned = errors.New("sandbox released during provisioning")

func newTypeID(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Acquire creates a sandbox with limits and copies the workload's bundle into
// it. Runtime failures are retried a bounded number of times; on failure no
// handle remains in the inventory and any partial container is removed.
func (p *Provisioner) Acquire(ctx context.Context, owner Owner, limits ResourceLimits, w Workload) (*Handle, error) {
	id, err := p.newID("sbx")
	if err != nil {
		return nil, fmt.Errorf("%w: sandbox id: %v", ErrInternal, err)
	}

	h := newHandle(id, owner, limits, p.now().UTC())
	p.track(h)
	log := p.logger.With(zap.String("sandbox_id", id), zap.String("session_id", owner.SessionID), zap.String("ticket_id", owner.TicketID))

	spec := p.containerSpec(h, w)

	attempt := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if h.State() != StateProvisioning {
			return backoff.Permanent(errAbandoned)
		}
		runtimeID, err := p.runtime.Create(ctx, spec)
		if err != nil {
			p.discard(id)
			return err
		}
		if !h.attach(runtimeID, p.now().UTC()) {
			p.discard(runtimeID)
			return backoff.Permanent(errAbandoned)
		}
		if err := p.runtime.CopyTo(ctx, runtimeID, "/", w.Bundle); err != nil {
			p.discard(runtimeID)
			h.setRuntimeID("")
			return fmt.Errorf("copy bundle: %w", err)
		}
		if h.State() != StateProvisioning {
			p.discard(runtimeID)
			return backoff.Permanent(errAbandoned)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.backoff
	policy.MaxElapsedTime = 0
	retries := p.retries
	if retries < 0 {
		retries = 0
	}

	err = backoff.RetryNotify(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx),
		func(err error, next time.Duration) {
			p.metrics.ProvisionAttempt("retry")
			log.Warn("sandbox provisioning failed, retrying", zap.Error(err), zap.Duration("backoff", next))
		})
	if err != nil {
		p.metrics.ProvisionAttempt("failed")
		h.finish(StateFailed)
		h.transition(StateReleased)
		p.untrack(id)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, err
		}
		log.Error("sandbox provisioning failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	p.metrics.ProvisionAttempt("ok")
	log.Debug("sandbox provisioned", zap.String("runtime_id", h.RuntimeID()), zap.String("image", w.Image))
	return h, nil
}

func (p *Provisioner) containerSpec(h *Handle, w Workload) sandbox.ContainerSpec {
	return sandbox.ContainerSpec{
		Name:    h.ID,
		Image:   w.Image,
		Command: w.Command,
		WorkDir: sandbox.WorkDir,
		Env:     w.Env,
		Labels: map[string]string{
			sandbox.LabelManaged:   "true",
			sandbox.LabelSandboxID: h.ID,
			sandbox.LabelSessionID: h.SessionID,
			sandbox.LabelTimeoutMS: strconv.FormatInt(h.Limits.Timeout.Milliseconds(), 10),
			sandbox.LabelCreatedAt: h.CreatedAt().Format(time.RFC3339Nano),
		},
		User:        p.user,
		MemoryBytes: h.Limits.MemoryBytes,
		NanoCPUs:    h.Limits.NanoCPUs,
		CPUShares:   h.Limits.CPUShares,
		PidsLimit:   h.Limits.PidsLimit,
		Network:     h.Limits.Network,
		Mounts:      h.Limits.Mounts,
	}
}

// discard removes a container left behind by a failed attempt. Containers are
// named after the sandbox id, so it works before the runtime id is known.
func (p *Provisioner) discard(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), p.teardownTimeout)
	defer cancel()
	if err := p.runtime.Remove(ctx, ref); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		p.logger.Warn("failed to remove partial sandbox", zap.String("ref", ref), zap.Error(err))
	}
}

// Terminate forcibly stops the sandbox's process; the handle stays tracked
// until Release.
func (p *Provisioner) Terminate(ctx context.Context, h *Handle) error {
	runtimeID := h.RuntimeID()
	if runtimeID == "" {
		return nil
	}
	if err := p.runtime.Kill(ctx, runtimeID); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return fmt.Errorf("kill %s: %w", h.ID, err)
	}
	return nil
}

// Release removes the sandbox and retires the handle. It is idempotent: a
// released handle is a no-op, and a container the runtime no longer knows
// counts as removed. A handle that never reached a terminal state is marked
// failed first.
func (p *Provisioner) Release(ctx context.Context, h *Handle) error {
	h.releaseMu.Lock()
	defer h.releaseMu.Unlock()

	if h.State() == StateReleased {
		return nil
	}

	ref := h.RuntimeID()
	if ref == "" {
		ref = h.ID
	}
	if err := p.runtime.Remove(ctx, ref); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return fmt.Errorf("release %s: %w", h.ID, err)
	}

	h.finish(StateFailed)
	h.transition(StateReleased)
	p.untrack(h.ID)
	p.logger.Debug("sandbox released", zap.String("sandbox_id", h.ID), zap.String("runtime_id", ref))
	return nil
}

// ReleaseByID releases a sandbox known by id. Containers with no tracked
// handle, e.g. left by a previous process, are removed directly.
func (p *Provisioner) ReleaseByID(ctx context.Context, sandboxID, runtimeID string) error {
	if h, ok := p.Lookup(sandboxID); ok {
		return p.Release(ctx, h)
	}
	ref := runtimeID
	if ref == "" {
		ref = sandboxID
	}
	if ref == "" {
		return nil
	}
	if err := p.runtime.Remove(ctx, ref); err != nil && !errors.Is(err, sandbox.ErrNotFound) {
		return fmt.Errorf("remove %s: %w", ref, err)
	}
	return nil
}

// Lookup returns the tracked handle with id.
func (p *Provisioner) Lookup(id string) (*Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, ok := p.handles[id]
	return h, ok
}

// Handles returns a snapshot of the inventory, oldest first.
func (p *Provisioner) Handles() []*Handle {
	p.mu.Lock()
	handles := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		handles = append(handles, h)
	}
	p.mu.Unlock()

	sort.Slice(handles, func(i, j int) bool {
		return handles[i].CreatedAt().Before(handles[j].CreatedAt())
	})
	return handles
}

// Runtime returns the underlying container runtime.
func (p *Provisioner) Runtime() sandbox.Runtime {
	return p.runtime
}

func (p *Provisioner) track(h *Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handles[h.ID] = h
}

func (p *Provisioner) untrack(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handles, id)
}
