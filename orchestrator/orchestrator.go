// Package orchestrator runs untrusted code in isolated sandboxes.
//
// A request flows Queue → Supervisor → Provisioner → Runtime, and its single
// terminal result is handed to a Relay. The Reaper sweeps the runtime for
// sandboxes whose normal teardown was interrupted.
package orchestrator

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
)

// Orchestrator wires the queue, supervisor, provisioner and reaper together
// and owns their process-wide lifecycle.
type Orchestrator struct {
	logger      *zap.Logger
	cfg         *config.Config
	Queue       *Queue
	Supervisor  *Supervisor
	Provisioner *Provisioner
	Reaper      *Reaper

	mu         sync.Mutex
	stopReaper context.CancelFunc
	reaperDone chan struct{}
}

// New builds an Orchestrator from configuration.
func New(logger *zap.Logger, cfg *config.Config, rt sandbox.Runtime, langs sandbox.Languages, relay Relay, m *metrics.Metrics) (*Orchestrator, error) {
	mem, err := cfg.Sandbox.MemoryBytes()
	if err != nil {
		return nil, fmt.Errorf("sandbox memory: %w", err)
	}

	prov := NewProvisioner(logger, rt, ProvisionerConfig{
		User:            cfg.Sandbox.User,
		Retries:         cfg.Sandbox.ProvisionRetries,
		Backoff:         cfg.Sandbox.ProvisionBackoff,
		TeardownTimeout: cfg.Sandbox.TeardownTimeout,
	}, WithProvisionerMetrics(m))

	sup := NewSupervisor(logger, prov, langs, SupervisorConfig{
		DefaultTimeout:  cfg.Sandbox.DefaultTimeout,
		MaxOutputBytes:  cfg.Sandbox.MaxOutputBytes,
		NetworkDefault:  cfg.Sandbox.NetworkAllowedByDefault(),
		MemoryBytes:     mem,
		NanoCPUs:        int64(math.Round(cfg.Sandbox.CPUs * 1e9)),
		CPUShares:       cfg.Sandbox.CPUShares,
		PidsLimit:       cfg.Sandbox.PidsLimit,
		TeardownTimeout: cfg.Sandbox.TeardownTimeout,
	}, WithSupervisorMetrics(m))

	queue := NewQueue(logger, sup, relay, langs, QueueConfig{
		MaxConcurrentPerSession: cfg.Orchestrator.MaxConcurrentPerSession,
		MaxConcurrentTotal:      cfg.Orchestrator.MaxConcurrentTotal,
		MaxQueueDepth:           cfg.Orchestrator.MaxQueueDepth,
		MaxTimeout:              cfg.Sandbox.MaxTimeout,
		AllowedMountRoots:       cfg.Sandbox.AllowedMountRoots,
	}, WithQueueMetrics(m))

	reaper := NewReaper(logger, prov, sup, ReaperConfig{
		Interval:       cfg.Reaper.Interval,
		Grace:          cfg.Reaper.Grace,
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
	}, WithReaperMetrics(m))

	return &Orchestrator{
		logger:      logger.Named("orchestrator"),
		cfg:         cfg,
		Queue:       queue,
		Supervisor:  sup,
		Provisioner: prov,
		Reaper:      reaper,
	}, nil
}

// Start checks the runtime and starts the background reaper. An unreachable
// runtime is logged, not fatal: requests fail as provisioning_failed until it
// comes back.
func (o *Orchestrator) Start(ctx context.Context) error {
	if os.Geteuid() == 0 {
		o.logger.Warn("running as root, sandboxd is meant to run as an unprivileged user with runtime socket access")
	}
	if err := o.Provisioner.Runtime().Ping(ctx); err != nil {
		o.logger.Warn("container runtime not reachable at startup", zap.Error(err))
	}

	if !o.cfg.Reaper.Enabled {
		return nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopReaper != nil {
		return nil
	}
	reaperCtx, cancel := context.WithCancel(context.Background())
	o.stopReaper = cancel
	o.reaperDone = make(chan struct{})
	go func() {
		defer close(o.reaperDone)
		o.Reaper.Run(reaperCtx)
	}()
	return nil
}

// Submit admits a request. See Queue.Submit.
func (o *Orchestrator) Submit(ctx context.Context, req ExecutionRequest) (Ticket, error) {
	return o.Queue.Submit(ctx, req)
}

// Cancel cancels a request. See Queue.Cancel.
func (o *Orchestrator) Cancel(ticketID string) error {
	return o.Queue.Cancel(ticketID)
}

// Pending reports whether a ticket has not yet produced its result.
func (o *Orchestrator) Pending(ticketID string) bool {
	return o.Queue.Pending(ticketID)
}

// Stats returns the current queue occupancy.
func (o *Orchestrator) Stats() Stats {
	return o.Queue.Stats()
}

// Ready reports whether the orchestrator accepts work and reaches its runtime.
func (o *Orchestrator) Ready(ctx context.Context) error {
	if o.Queue.IsShutdown() {
		return ErrShuttingDown
	}
	return o.Provisioner.Runtime().Ping(ctx)
}

// Stop drains the queue within ctx, then stops the reaper.
func (o *Orchestrator) Stop(ctx context.Context) error {
	drainErr := o.Queue.Shutdown(ctx)

	o.mu.Lock()
	stop, done := o.stopReaper, o.reaperDone
	o.stopReaper = nil
	o.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}

	if left := len(o.Provisioner.Handles()); left > 0 {
		o.logger.Warn("sandboxes still tracked after drain", zap.Int("count", left))
	}
	return drainErr
}
