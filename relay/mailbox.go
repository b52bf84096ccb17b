package relay

import (
	"context"
	"sync"
	"time"

	"github.com/isdmx/sandboxd/orchestrator"
)

type slot struct {
	res      *orchestrator.ExecutionResult
	ready    chan struct{}
	storedAt time.Time
	waiters  int
}

// Mailbox keeps results in process for callers that poll or block on a
// ticket. It is idempotent by ticket id: the first result stored wins.
// Results are dropped ttl after they arrive.
type Mailbox struct {
	ttl time.Duration
	now func() time.Time

	mu    sync.Mutex
	slots map[string]*slot
}

// MailboxOption defines a functional option for Mailbox
type MailboxOption func(*Mailbox)

// WithMailboxClock overrides the time source
func WithMailboxClock(now func() time.Time) MailboxOption {
	return func(m *Mailbox) {
		m.now = now
	}
}

// NewMailbox creates a Mailbox. A non-positive ttl keeps results forever.
func NewMailbox(ttl time.Duration, opts ...MailboxOption) *Mailbox {
	m := &Mailbox{
		ttl:   ttl,
		now:   time.Now,
		slots: make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (*Mailbox) Name() string { return "mailbox" }

// Consume stores res unless a result for the ticket is already present.
func (m *Mailbox) Consume(_ context.Context, res orchestrator.ExecutionResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pruneLocked()
	s := m.slotLocked(res.TicketID)
	if s.res != nil {
		return nil
	}
	s.res = &res
	s.storedAt = m.now()
	close(s.ready)
	return nil
}

// Get returns the stored result for ticketID, if any.
func (m *Mailbox) Get(ticketID string) (orchestrator.ExecutionResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[ticketID]
	if !ok || s.res == nil {
		return orchestrator.ExecutionResult{}, false
	}
	return *s.res, true
}

// Wait blocks until a result for ticketID arrives or ctx is done.
func (m *Mailbox) Wait(ctx context.Context, ticketID string) (orchestrator.ExecutionResult, error) {
	m.mu.Lock()
	s := m.slotLocked(ticketID)
	if s.res != nil {
		res := *s.res
		m.mu.Unlock()
		return res, nil
	}
	s.waiters++
	m.mu.Unlock()

	select {
	case <-s.ready:
		m.mu.Lock()
		s.waiters--
		res := *s.res
		m.mu.Unlock()
		return res, nil
	case <-ctx.Done():
		m.mu.Lock()
		s.waiters--
		if s.res == nil && s.waiters == 0 && m.slots[ticketID] == s {
			delete(m.slots, ticketID)
		}
		m.mu.Unlock()
		return orchestrator.ExecutionResult{}, ctx.Err()
	}
}

// Len returns the number of stored results.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.res != nil {
			n++
		}
	}
	return n
}

// Prune drops results older than the ttl.
func (m *Mailbox) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()
}

func (m *Mailbox) slotLocked(ticketID string) *slot {
	s, ok := m.slots[ticketID]
	if !ok {
		s = &slot{ready: make(chan struct{})}
		m.slots[ticketID] = s
	}
	return s
}

func (m *Mailbox) pruneLocked() {
	if m.ttl <= 0 {
		return
	}
	cutoff := m.now().Add(-m.ttl)
	for id, s := range m.slots {
		if s.res != nil && s.waiters == 0 && s.storedAt.Before(cutoff) {
			delete(m.slots, id)
		}
	}
}
