package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
)

// SupervisorConfig carries the supervisor's knobs.
type SupervisorConfig struct {
	DefaultTimeout  time.Duration
	MaxOutputBytes  int
	NetworkDefault  bool
	MemoryBytes     int64
	NanoCPUs        int64
	CPUShares       int64
	PidsLimit       int64
	TeardownTimeout time.Duration
}

// Supervisor runs one execution end to end: acquire, run, collect bounded
// output, enforce the deadline and cancellation, release.
type Supervisor struct {
	logger  *zap.Logger
	prov    *Provisioner
	langs   sandbox.Languages
	cfg     SupervisorConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	active map[string]struct{}
}

// SupervisorOption defines a functional option for Supervisor
type SupervisorOption func(*Supervisor)

// WithSupervisorMetrics sets the collectors
func WithSupervisorMetrics(m *metrics.Metrics) SupervisorOption {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// NewSupervisor creates a Supervisor.
func NewSupervisor(logger *zap.Logger, prov *Provisioner, langs sandbox.Languages, cfg SupervisorConfig, opts ...SupervisorOption) *Supervisor {
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 15 * time.Second
	}
	s := &Supervisor{
		logger: logger.Named("supervisor"),
		prov:   prov,
		langs:  langs,
		cfg:    cfg,
		now:    time.Now,
		active: make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// IsActive reports whether a supervisor currently owns the sandbox.
func (s *Supervisor) IsActive(sandboxID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[sandboxID]
	return ok
}

func (s *Supervisor) setActive(sandboxID string, active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.active[sandboxID] = struct{}{}
	} else {
		delete(s.active, sandboxID)
	}
}

// Limits computes the quotas for req.
func (s *Supervisor) Limits(req ExecutionRequest) ResourceLimits {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.DefaultTimeout
	}
	return ResourceLimits{
		CPUShares:   s.cfg.CPUShares,
		NanoCPUs:    s.cfg.NanoCPUs,
		MemoryBytes: s.cfg.MemoryBytes,
		PidsLimit:   s.cfg.PidsLimit,
		Timeout:     timeout,
		Network:     s.cfg.NetworkDefault || req.Capabilities.Network,
		Mounts:      req.Capabilities.Mounts,
	}
}

// Execute runs req and always returns exactly one terminal result. Whatever
// happens after the sandbox is acquired, including a panic, the sandbox is
// released before Execute returns.
func (s *Supervisor) Execute(ctx context.Context, ticket Ticket, req ExecutionRequest) (res ExecutionResult) {
	start := s.now()
	res = resultFor(ticket)
	log := s.logger.With(zap.String("ticket_id", ticket.ID), zap.String("session_id", ticket.SessionID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("execution panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			res.TerminalReason = ReasonInternalError
			res.Error = fmt.Sprintf("%v: panic: %v", ErrInternal, r)
		}
		res.Duration = s.now().Sub(start)
		s.metrics.ObserveResult(string(res.TerminalReason), res.Duration.Seconds())
		log.Info("execution finished",
			zap.String("terminal_reason", string(res.TerminalReason)),
			zap.Int("exit_status", res.ExitStatus),
			zap.Bool("truncated", res.Truncated),
			zap.Duration("duration", res.Duration))
	}()

	lang, err := s.langs.Lookup(req.Language)
	if err != nil {
		return s.fail(res, fmt.Errorf("%w: %v", ErrInternal, err))
	}
	bundle, err := lang.Bundle(req.Code)
	if err != nil {
		return s.fail(res, fmt.Errorf("%w: bundle: %v", ErrInternal, err))
	}

	limits := s.Limits(req)
	h, err := s.prov.Acquire(ctx, Owner{SessionID: ticket.SessionID, TicketID: ticket.ID}, limits, Workload{
		Image:   lang.Image,
		Command: lang.Command(),
		Env:     lang.Environment,
		Bundle:  bundle,
	})
	if err != nil {
		if ctx.Err() != nil {
			res.TerminalReason = ReasonCancelled
			res.Error = causeOf(ctx).Error()
			return res
		}
		if errors.Is(err, ErrProvisioningFailed) {
			res.TerminalReason = ReasonProvisioningFailed
			res.Error = err.Error()
			return res
		}
		return s.fail(res, err)
	}
	res.SandboxID = h.ID

	s.setActive(h.ID, true)
	defer s.setActive(h.ID, false)
	defer s.teardown(log, h)

	return s.run(ctx, log, h, limits, res)
}

func (s *Supervisor) run(ctx context.Context, log *zap.Logger, h *Handle, limits ResourceLimits, res ExecutionResult) ExecutionResult {
	if !h.transition(StateRunning) {
		return s.fail(res, fmt.Errorf("%w: sandbox %s left provisioning as %s", ErrInternal, h.ID, h.State()))
	}

	// The wall-clock limit covers the run only, not provisioning.
	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	stdout := newBoundedBuffer(s.cfg.MaxOutputBytes)
	stderr := newBoundedBuffer(s.cfg.MaxOutputBytes)
	exitCode, runErr := s.prov.Runtime().Run(runCtx, h.RuntimeID(), stdout, stderr)

	var want State
	switch {
	case runErr == nil:
		// An exit the runtime reported wins over a deadline that passed meanwhile.
		want = StateCompleted
	case ctx.Err() != nil:
		want = StateCancelled
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		want = StateTimedOut
	default:
		want = StateFailed
	}

	if want != StateCompleted {
		s.terminate(log, h)
	}

	res.Stdout, res.Truncated = stdout.Result()
	var errTruncated bool
	res.Stderr, errTruncated = stderr.Result()
	res.Truncated = res.Truncated || errTruncated

	switch got := h.finish(want); got {
	case StateCompleted:
		res.TerminalReason = ReasonCompleted
		res.ExitStatus = exitCode
	case StateTimedOut:
		res.TerminalReason = ReasonTimedOut
		res.Error = fmt.Sprintf("execution exceeded %s", limits.Timeout)
	case StateCancelled:
		res.TerminalReason = ReasonCancelled
		res.Error = causeOf(ctx).Error()
	default:
		if runErr == nil {
			runErr = fmt.Errorf("sandbox %s ended as %s", h.ID, got)
		}
		res.TerminalReason = ReasonInternalError
		res.Error = fmt.Errorf("%w: %v", ErrInternal, runErr).Error()
		log.Error("sandbox run failed", zap.String("sandbox_id", h.ID), zap.Error(runErr))
	}
	return res
}

// terminate kills the sandbox on a fresh context; the run's own may be done.
func (s *Supervisor) terminate(log *zap.Logger, h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()
	if err := s.prov.Terminate(ctx, h); err != nil {
		log.Warn("failed to kill sandbox", zap.String("sandbox_id", h.ID), zap.Error(err))
	}
}

// teardown releases the sandbox. Failures are left to the reaper.
func (s *Supervisor) teardown(log *zap.Logger, h *Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TeardownTimeout)
	defer cancel()

	var errs error
	if !h.State().Terminal() && h.State() != StateReleased {
		errs = multierr.Append(errs, s.prov.Terminate(ctx, h))
	}
	errs = multierr.Append(errs, s.prov.Release(ctx, h))
	if errs != nil {
		log.Error("sandbox teardown failed, leaving it to the reaper", zap.String("sandbox_id", h.ID), zap.Error(errs))
	}
}

func (s *Supervisor) fail(res ExecutionResult, err error) ExecutionResult {
	s.logger.Error("execution failed internally", zap.String("ticket_id", res.TicketID), zap.Error(err))
	res.TerminalReason = ReasonInternalError
	res.Error = err.Error()
	return res
}

func causeOf(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	return ErrCancelled
}

// boundedBuffer keeps the first max bytes written to it and records whether
// anything was dropped. Writes never fail so the producer is never blocked.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - b.buf.Len()
	if len(p) > room {
		if room > 0 {
			b.buf.Write(p[:room])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Result returns the kept output and whether any was dropped.
func (b *boundedBuffer) Result() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String(), b.truncated
}
