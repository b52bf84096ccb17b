package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandboxd/metrics"
	"github.com/isdmx/sandboxd/sandbox"
)

// Executor runs one admitted request to its terminal result.
type Executor interface {
	Execute(ctx context.Context, ticket Ticket, req ExecutionRequest) ExecutionResult
}

// Relay hands terminal results to the chat layer.
type Relay interface {
	Deliver(ctx context.Context, res ExecutionResult) error
}

// QueueConfig carries the admission and scheduling limits.
type QueueConfig struct {
	MaxConcurrentPerSession int
	MaxConcurrentTotal      int
	MaxQueueDepth           int
	MaxTimeout              time.Duration
	AllowedMountRoots       []string
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Queued   int `json:"queued"`
	Running  int `json:"running"`
	Sessions int `json:"sessions"`
}

type entry struct {
	ticket  Ticket
	req     ExecutionRequest
	cancel  context.CancelCauseFunc
	running bool
	done    bool
}

type session struct {
	pending []*entry
	running int
}

// Queue admits requests, runs at most MaxConcurrentPerSession per session
// and MaxConcurrentTotal overall, and serves sessions round-robin with FIFO
// order inside each session.
type Queue struct {
	logger  *zap.Logger
	exec    Executor
	relay   Relay
	langs   sandbox.Languages
	cfg     QueueConfig
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func(prefix string) (string, error)

	baseCtx    context.Context
	baseCancel context.CancelCauseFunc
	wg         sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
	rr       []string // sessions with pending work, in service order
	served   string   // session most recently dispatched
	tickets  map[string]*entry
	queued   int
	running  int
	closed   bool
}

// QueueOption defines a functional option for Queue
type QueueOption func(*Queue)

// WithQueueMetrics sets the collectors
func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) {
		q.metrics = m
	}
}

// WithTicketIDGenerator overrides how ticket ids are minted
func WithTicketIDGenerator(newID func(prefix string) (string, error)) QueueOption {
	return func(q *Queue) {
		q.newID = newID
	}
}

// NewQueue creates a Queue dispatching to exec and delivering through relay.
func NewQueue(logger *zap.Logger, exec Executor, relay Relay, langs sandbox.Languages, cfg QueueConfig, opts ...QueueOption) *Queue {
	baseCtx, baseCancel := context.WithCancelCause(context.Background())
	q := &Queue{
		logger:     logger.Named("queue"),
		exec:       exec,
		relay:      relay,
		langs:      langs,
		cfg:        cfg,
		now:        time.Now,
		newID:      newTypeID,
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		sessions:   make(map[string]*session),
		tickets:    make(map[string]*entry),
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// Submit validates and admits req and returns its ticket. The request is
// copied; later changes by the caller have no effect.
func (q *Queue) Submit(_ context.Context, req ExecutionRequest) (Ticket, error) {
	req = req.clone()
	if err := q.validate(req); err != nil {
		return Ticket{}, err
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = q.now().UTC()
	}

	id, err := q.newID("exec")
	if err != nil {
		return Ticket{}, fmt.Errorf("%w: ticket id: %v", ErrInternal, err)
	}
	ticket := Ticket{ID: id, SessionID: req.SessionID, TurnID: req.TurnID}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Ticket{}, ErrShuttingDown
	}
	if q.queued+q.running >= q.cfg.MaxQueueDepth {
		return Ticket{}, ErrCapacityExceeded
	}

	e := &entry{ticket: ticket, req: req}
	q.tickets[id] = e
	s := q.sessions[req.SessionID]
	if s == nil {
		s = &session{}
		q.sessions[req.SessionID] = s
	}
	if len(s.pending) == 0 {
		q.joinRotationLocked(req.SessionID)
	}
	s.pending = append(s.pending, e)
	q.queued++

	q.logger.Debug("request admitted", zap.String("ticket_id", id), zap.String("session_id", req.SessionID), zap.String("language", req.Language))
	q.dispatchLocked()
	return ticket, nil
}

func (q *Queue) validate(req ExecutionRequest) error {
	if strings.TrimSpace(req.SessionID) == "" {
		return fmt.Errorf("%w: session_id is required", ErrInvalidRequest)
	}
	if _, err := q.langs.Lookup(req.Language); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidRequest)
	}
	if req.Timeout < 0 {
		return fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}
	if q.cfg.MaxTimeout > 0 && req.Timeout > q.cfg.MaxTimeout {
		return fmt.Errorf("%w: timeout %s exceeds maximum %s", ErrInvalidRequest, req.Timeout, q.cfg.MaxTimeout)
	}
	for _, m := range req.Capabilities.Mounts {
		if err := q.checkMount(m); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

func (q *Queue) checkMount(m sandbox.Mount) error {
	if !filepath.IsAbs(m.Source) || !filepath.IsAbs(m.Target) {
		return fmt.Errorf("mount paths must be absolute: %s:%s", m.Source, m.Target)
	}
	target := filepath.Clean(m.Target)
	if target == "/" || target == sandbox.WorkDir {
		return fmt.Errorf("mount target %s is reserved", m.Target)
	}
	src := filepath.Clean(m.Source)
	for _, root := range q.cfg.AllowedMountRoots {
		rel, err := filepath.Rel(filepath.Clean(root), src)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, "../") {
			return nil
		}
	}
	return fmt.Errorf("mount source %s is outside the allowed roots", m.Source)
}

// joinRotationLocked adds a session that just got pending work. It goes
// ahead of the session served last, which waits for a full round.
func (q *Queue) joinRotationLocked(sid string) {
	n := len(q.rr)
	if n > 0 && q.rr[n-1] == q.served {
		q.rr = slices.Insert(q.rr, n-1, sid)
		return
	}
	q.rr = append(q.rr, sid)
}

// dispatchLocked starts queued requests while slots are free. The session
// served is moved to the back of the rotation.
func (q *Queue) dispatchLocked() {
	for q.running < q.cfg.MaxConcurrentTotal {
		started := false
		for i, sid := range q.rr {
			s := q.sessions[sid]
			if s.running >= q.cfg.MaxConcurrentPerSession {
				continue
			}
			e := s.pending[0]
			s.pending = s.pending[1:]
			q.rr = append(q.rr[:i:i], q.rr[i+1:]...)
			if len(s.pending) > 0 {
				q.rr = append(q.rr, sid)
			}
			q.served = sid
			q.startLocked(s, e)
			started = true
			break
		}
		if !started {
			break
		}
	}
	q.reportLocked()
}

func (q *Queue) startLocked(s *session, e *entry) {
	ctx, cancel := context.WithCancelCause(q.baseCtx)
	e.cancel = cancel
	e.running = true
	s.running++
	q.queued--
	q.running++

	q.wg.Add(1)
	go q.run(ctx, e)
}

func (q *Queue) run(ctx context.Context, e *entry) {
	defer q.wg.Done()

	res := q.exec.Execute(ctx, e.ticket, e.req)
	e.cancel(nil)

	q.mu.Lock()
	e.done = true
	s := q.sessions[e.ticket.SessionID]
	s.running--
	q.running--
	q.forgetSessionLocked(e.ticket.SessionID)
	q.dispatchLocked()
	q.mu.Unlock()

	q.deliver(res)

	q.mu.Lock()
	delete(q.tickets, e.ticket.ID)
	q.mu.Unlock()
}

func (q *Queue) deliver(res ExecutionResult) {
	if err := q.relay.Deliver(context.WithoutCancel(q.baseCtx), res); err != nil {
		q.logger.Warn("result delivery incomplete", zap.String("ticket_id", res.TicketID), zap.Error(err))
	}
}

// Cancel cancels a request. A queued request is removed and gets a cancelled
// result without ever provisioning; a running one has its context cancelled
// and the supervisor kills the sandbox. Cancelling a finished request is a
// no-op.
func (q *Queue) Cancel(ticketID string) error {
	q.mu.Lock()
	e, ok := q.tickets[ticketID]
	if !ok {
		q.mu.Unlock()
		return ErrTicketNotFound
	}
	switch {
	case e.done:
		q.mu.Unlock()
		return nil
	case e.running:
		e.cancel(ErrCancelled)
		q.mu.Unlock()
		q.logger.Info("cancellation requested", zap.String("ticket_id", ticketID))
		return nil
	}

	q.removeQueuedLocked(e)
	q.reportLocked()
	q.mu.Unlock()

	q.finishQueued(e, ErrCancelled)
	return nil
}

func (q *Queue) removeQueuedLocked(e *entry) {
	sid := e.ticket.SessionID
	s := q.sessions[sid]
	for i, p := range s.pending {
		if p == e {
			s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
			break
		}
	}
	if len(s.pending) == 0 {
		for i, id := range q.rr {
			if id == sid {
				q.rr = append(q.rr[:i:i], q.rr[i+1:]...)
				break
			}
		}
	}
	q.queued--
	e.done = true
	q.forgetSessionLocked(sid)
}

func (q *Queue) forgetSessionLocked(sid string) {
	if s := q.sessions[sid]; s != nil && s.running == 0 && len(s.pending) == 0 {
		delete(q.sessions, sid)
	}
}

// finishQueued emits the cancelled result of a request that never started.
func (q *Queue) finishQueued(e *entry, cause error) {
	res := resultFor(e.ticket)
	res.TerminalReason = ReasonCancelled
	res.Error = cause.Error() + " before start"
	q.metrics.ObserveResult(string(res.TerminalReason), 0)
	q.deliver(res)

	q.mu.Lock()
	delete(q.tickets, e.ticket.ID)
	q.mu.Unlock()
}

// Stats returns the current queue occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Queued: q.queued, Running: q.running, Sessions: len(q.sessions)}
}

func (q *Queue) reportLocked() {
	q.metrics.SetQueueDepth("total", q.queued)
	q.metrics.SetQueueDepth("sessions", len(q.rr))
	q.metrics.SetRunning(q.running)
}

// Shutdown stops admissions, cancels queued requests and waits for running
// ones. When ctx ends first the running executions are cancelled and
// Shutdown waits for their teardown before returning ctx's error.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	var queued []*entry
	for _, sid := range q.rr {
		queued = append(queued, q.sessions[sid].pending...)
	}
	for _, e := range queued {
		q.removeQueuedLocked(e)
	}
	q.reportLocked()
	q.mu.Unlock()

	for _, e := range queued {
		q.finishQueued(e, ErrShuttingDown)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.baseCancel(ErrShuttingDown)
		return nil
	case <-ctx.Done():
		q.logger.Warn("shutdown deadline reached, cancelling running executions", zap.Int("running", q.Stats().Running))
		q.baseCancel(ErrShuttingDown)
		<-done
		return fmt.Errorf("forced shutdown: %w", ctx.Err())
	}
}

// Pending reports whether ticketID is queued or running. A ticket stops
// being pending only after its result has been handed to the relay.
func (q *Queue) Pending(ticketID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tickets[ticketID]
	return ok
}

// IsShutdown reports whether Shutdown has been called.
func (q *Queue) IsShutdown() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
