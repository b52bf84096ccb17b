// Package relay hands terminal execution results back to the chat layer.
//
// Results go to every configured Consumer. When one of them fails the result
// is parked in an Outbox and redelivered by a background loop, so consumers
// must tolerate duplicates and deduplicate by ticket id.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/orchestrator"
)

// ErrDeliveryDeferred reports that a result was stored for redelivery. The
// result is not lost.
var ErrDeliveryDeferred = errors.New("relay: delivery deferred")

// Consumer receives terminal results.
type Consumer interface {
	Name() string
	Consume(ctx context.Context, res orchestrator.ExecutionResult) error
}

// Config holds the redelivery schedule.
type Config struct {
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration
}

// Relay fans results out to consumers and redelivers the ones that failed.
type Relay struct {
	logger    *zap.Logger
	consumers []Consumer
	outbox    Outbox
	metrics   *metrics.Metrics
	cfg       Config

	flushMu sync.Mutex
}

// Option defines a functional option for Relay
type Option func(*Relay)

// WithMetrics sets the collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// New creates a Relay. A nil outbox means an in-memory one.
func New(logger *zap.Logger, outbox Outbox, consumers []Consumer, cfg Config, opts ...Option) *Relay {
	if outbox == nil {
		outbox = NewMemoryOutbox()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.MaxRetryInterval < cfg.RetryInterval {
		cfg.MaxRetryInterval = cfg.RetryInterval
	}
	r := &Relay{
		logger:    logger.Named("relay"),
		consumers: consumers,
		outbox:    outbox,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Deliver hands res to every consumer. If any consumer fails, res is stored
// in the outbox and the returned error wraps ErrDeliveryDeferred.
func (r *Relay) Deliver(ctx context.Context, res orchestrator.ExecutionResult) error {
	err := r.consume(ctx, res)
	if err == nil {
		return nil
	}

	if putErr := r.outbox.Put(ctx, res); putErr != nil {
		r.logger.Error("result lost, outbox write failed",
			zap.String("ticket_id", res.TicketID),
			zap.Error(multierr.Append(err, putErr)))
		return fmt.Errorf("store deferred result %s: %w", res.TicketID, multierr.Append(err, putErr))
	}
	r.metrics.Deferred()
	r.reportPending(ctx)
	r.logger.Warn("result delivery deferred", zap.String("ticket_id", res.TicketID), zap.Error(err))
	return fmt.Errorf("%w: %w", ErrDeliveryDeferred, err)
}

func (r *Relay) consume(ctx context.Context, res orchestrator.ExecutionResult) error {
	var errs error
	for _, c := range r.consumers {
		if err := c.Consume(ctx, res); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}
	return errs
}

// Flush retries every pending outbox entry once and returns how many were
// delivered.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	pending, err := r.outbox.Pending(ctx)
	if err != nil {
		return 0, fmt.Errorf("read outbox: %w", err)
	}

	delivered := 0
	var errs error
	for _, res := range pending {
		if err := r.consume(ctx, res); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ticket %s: %w", res.TicketID, err))
			continue
		}
		if err := r.outbox.Remove(ctx, res.TicketID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ticket %s: %w", res.TicketID, err))
			continue
		}
		delivered++
	}
	r.reportPending(ctx)

	if delivered > 0 {
		r.logger.Info("redelivered deferred results", zap.Int("count", delivered))
	}
	return delivered, errs
}

// Run flushes the outbox every RetryInterval until ctx is done. Consecutive
// failures back off exponentially up to MaxRetryInterval.
func (r *Relay) Run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.MaxInterval = r.cfg.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()

	timer := time.NewTimer(r.cfg.RetryInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		wait := r.cfg.RetryInterval
		if _, err := r.Flush(ctx); err != nil {
			wait = b.NextBackOff()
			r.logger.Warn("outbox flush incomplete", zap.Duration("next_attempt", wait), zap.Error(err))
		} else {
			b.Reset()
		}
		timer.Reset(wait)
	}
}

// Pending returns the number of results awaiting redelivery.
func (r *Relay) Pending(ctx context.Context) (int, error) {
	return r.outbox.Len(ctx)
}

// Close releases the outbox.
func (r *Relay) Close() error {
	return r.outbox.Close()
}

func (r *Relay) reportPending(ctx context.Context) {
	if n, err := r.outbox.Len(ctx); err == nil {
		r.metrics.SetOutboxPending(n)
	}
}
