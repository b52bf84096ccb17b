package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
)

// ActivityChecker reports whether a live supervisor owns a sandbox.
type ActivityChecker interface {
	IsActive(sandboxID string) bool
}

// ReaperConfig carries the sweep schedule and age rule.
type ReaperConfig struct {
	Interval       time.Duration
	Grace          time.Duration
	DefaultTimeout time.Duration
}

// Reaper force-releases sandboxes whose normal teardown never happened.
type Reaper struct {
	logger  *zap.Logger
	prov    *Provisioner
	active  ActivityChecker
	cfg     ReaperConfig
	metrics *metrics.Metrics
	now     func() time.Time
}

// ReaperOption defines a functional option for Reaper
type ReaperOption func(*Reaper)

// WithReaperClock overrides the time source
func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		r.now = now
	}
}

// WithReaperMetrics sets the collectors
func WithReaperMetrics(m *metrics.Metrics) ReaperOption {
	return func(r *Reaper) {
		r.metrics = m
	}
}

// NewReaper creates a Reaper. active may be nil when no supervisor runs in
// this process, e.g. a one-shot sweep.
func NewReaper(logger *zap.Logger, prov *Provisioner, active ActivityChecker, cfg ReaperConfig, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		logger: logger.Named("reaper"),
		prov:   prov,
		active: active,
		cfg:    cfg,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Reaper) isActive(sandboxID string) bool {
	return r.active != nil && r.active.IsActive(sandboxID)
}

func (r *Reaper) expired(created time.Time, timeout time.Duration) bool {
	if created.IsZero() {
		return false
	}
	return r.now().Sub(created) > timeout+r.cfg.Grace
}

// Sweep runs one pass and returns how many sandboxes it released. Runtime
// containers carrying the managed label are checked first, then inventory
// handles whose container is gone.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	infos, err := r.prov.Runtime().List(ctx, map[string]string{sandbox.LabelManaged: "true"})
	if err != nil {
		return 0, fmt.Errorf("list sandboxes: %w", err)
	}

	var errs error
	listed := make(map[string]bool, len(infos))
	fromRuntime := 0
	for _, info := range infos {
		sid := info.SandboxID()
		listed[sid] = true
		if sid != "" && r.isActive(sid) {
			continue
		}
		if h, ok := r.prov.Lookup(sid); ok && h.State() == StateProvisioning {
			continue
		}
		if !r.expired(info.Created(), info.Timeout(r.cfg.DefaultTimeout)) {
			continue
		}
		if err := r.prov.ReleaseByID(ctx, sid, info.ID); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		fromRuntime++
		r.logger.Info("reaped orphaned sandbox", zap.String("sandbox_id", sid), zap.String("runtime_id", info.ID), zap.Time("created_at", info.Created()))
	}

	fromInventory := 0
	for _, h := range r.prov.Handles() {
		if listed[h.ID] || r.isActive(h.ID) {
			continue
		}
		// Acquire is still in flight and cleans up after itself on failure.
		if h.State() == StateProvisioning {
			continue
		}
		if !r.expired(h.CreatedAt(), h.Limits.Timeout) {
			continue
		}
		if err := r.prov.Release(ctx, h); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		fromInventory++
		r.logger.Info("released stale handle", zap.String("sandbox_id", h.ID), zap.String("session_id", h.SessionID))
	}

	r.metrics.Reaped("runtime", fromRuntime)
	r.metrics.Reaped("inventory", fromInventory)
	return fromRuntime + fromInventory, errs
}

// Run sweeps every interval until ctx ends.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", zap.Duration("interval", r.cfg.Interval), zap.Duration("grace", r.cfg.Grace))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			n, err := r.Sweep(ctx)
			if err != nil {
				r.logger.Error("reaper sweep failed", zap.Int("reaped", n), zap.Error(err))
			} else if n > 0 {
				r.logger.Info("reaper sweep finished", zap.Int("reaped", n))
			}
		}
	}
}
