package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/config"
	"github.com/isdmx/sandboxd/httpapi"
	"github.com/isdmx/sandboxd/logger"
	"github.com/isdmx/sandboxd/mcpserver"
	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/orchestrator"
	"github.com/isdmx/sandboxd/relay"
	"github.com/isdmx/sandboxd/sandbox"
)

// stopMargin is added to the drain timeout so teardown after a forced
// shutdown still fits in fx's stop budget.
const stopMargin = 30 * time.Second

func serve(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	app := fx.New(
		appOptions(cfg),
		fx.StopTimeout(cfg.Orchestrator.ShutdownTimeout+stopMargin),
		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)
	if err := app.Err(); err != nil {
		return err
	}

	app.Run()
	return nil
}

func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			logger.NewFromConfig,
			newRegistry,
			newMetrics,
			sandbox.NewRuntime,
			newLanguages,
			newMailbox,
			newOutbox,
			newRelay,
			newOrchestrator,
			newHTTPAPI,
			newMCPServer,
		),
		// Hooks stop in reverse order: front ends first, then the queue
		// drains into the relay, then the relay and runtime close.
		fx.Invoke(
			registerRuntime,
			registerRelay,
			registerOrchestrator,
			registerHTTPAPI,
			registerMCPServer,
		),
	)
}

func newRegistry() (*prometheus.Registry, prometheus.Gatherer) {
	reg := metrics.NewRegistry()
	return reg, reg
}

func newMetrics(reg *prometheus.Registry, cfg *config.Config) *metrics.Metrics {
	return metrics.New(reg, cfg.Sandbox.Backend)
}

func newLanguages(cfg *config.Config) (sandbox.Languages, error) {
	return sandbox.LanguagesFromConfig(cfg.Languages)
}

func newMailbox(cfg *config.Config) *relay.Mailbox {
	return relay.NewMailbox(cfg.Relay.MailboxTTL)
}

func newOutbox(cfg *config.Config) (relay.Outbox, error) {
	if cfg.Relay.Outbox != "sqlite" {
		return relay.NewMemoryOutbox(), nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return relay.OpenSQLiteOutbox(ctx, cfg.Relay.SQLitePath)
}

func newRelay(log *zap.Logger, cfg *config.Config, outbox relay.Outbox, mb *relay.Mailbox, m *metrics.Metrics) *relay.Relay {
	consumers := []relay.Consumer{mb}
	if cfg.Relay.WebhookURL != "" {
		consumers = append(consumers, relay.NewWebhook(cfg.Relay.WebhookURL, cfg.Relay.WebhookTimeout))
	}
	return relay.New(log, outbox, consumers, relay.Config{
		RetryInterval:    cfg.Relay.RetryInterval,
		MaxRetryInterval: cfg.Relay.MaxRetryInterval,
	}, relay.WithMetrics(m))
}

func newOrchestrator(log *zap.Logger, cfg *config.Config, rt sandbox.Runtime, langs sandbox.Languages, r *relay.Relay, m *metrics.Metrics) (*orchestrator.Orchestrator, error) {
	return orchestrator.New(log, cfg, rt, langs, r, m)
}

func newHTTPAPI(log *zap.Logger, cfg *config.Config, o *orchestrator.Orchestrator, mb *relay.Mailbox, gatherer prometheus.Gatherer) *httpapi.Server {
	return httpapi.New(log, cfg.API.Addr, o, mb, gatherer)
}

func newMCPServer(log *zap.Logger, cfg *config.Config, o *orchestrator.Orchestrator, mb *relay.Mailbox, langs sandbox.Languages) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, o, mb, langs)
}

func registerRuntime(lc fx.Lifecycle, rt sandbox.Runtime) {
	closer, ok := rt.(io.Closer)
	if !ok {
		return
	}
	lc.Append(fx.StopHook(closer.Close))
}

func registerRelay(lc fx.Lifecycle, log *zap.Logger, r *relay.Relay) {
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			done = make(chan struct{})
			go func() {
				defer close(done)
				r.Run(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			<-done
			if n, err := r.Flush(ctx); err != nil {
				log.Warn("results still deferred at shutdown", zap.Int("delivered", n), zap.Error(err))
			}
			return r.Close()
		},
	})
}

func registerOrchestrator(lc fx.Lifecycle, cfg *config.Config, o *orchestrator.Orchestrator) {
	lc.Append(fx.Hook{
		OnStart: o.Start,
		OnStop: func(ctx context.Context) error {
			drainCtx, cancel := context.WithTimeout(ctx, cfg.Orchestrator.ShutdownTimeout)
			defer cancel()
			return o.Stop(drainCtx)
		},
	})
}

func registerHTTPAPI(lc fx.Lifecycle, cfg *config.Config, s *httpapi.Server) {
	if !cfg.API.Enabled {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return s.Start() },
		OnStop:  s.Stop,
	})
}

func registerMCPServer(lc fx.Lifecycle, s *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return s.Start() },
		OnStop:  s.Stop,
	})
}

// reap runs one sweep against the runtime. Only containers past their
// timeout plus grace are released, so it is safe next to a running server.
func reap(ctx context.Context, configPath string, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logger.NewFromConfig(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	rt, err := sandbox.NewRuntime(log, cfg)
	if err != nil {
		return err
	}
	if closer, ok := rt.(io.Closer); ok {
		defer closer.Close()
	}

	prov := orchestrator.NewProvisioner(log, rt, orchestrator.ProvisionerConfig{
		User:            cfg.Sandbox.User,
		Retries:         cfg.Sandbox.ProvisionRetries,
		Backoff:         cfg.Sandbox.ProvisionBackoff,
		TeardownTimeout: cfg.Sandbox.TeardownTimeout,
	})
	reaper := orchestrator.NewReaper(log, prov, nil, orchestrator.ReaperConfig{
		Interval:       cfg.Reaper.Interval,
		Grace:          cfg.Reaper.Grace,
		DefaultTimeout: cfg.Sandbox.DefaultTimeout,
	})

	n, err := reaper.Sweep(ctx)
	logger.Component(log, "reap").Info("sweep finished", zap.String("runtime", rt.Name()), zap.Int("released", n), zap.Error(err))
	fmt.Fprintf(out, "released %d orphaned sandbox(es)\n", n)
	return err
}
