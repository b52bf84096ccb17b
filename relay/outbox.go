package relay

import (
	"context"
	"sort"
	"sync"

	"github.com/isdmx/sandboxd/orchestrator"
)

// Outbox stores results whose delivery failed, keyed by ticket id.
type Outbox interface {
	// Put stores res, replacing any entry with the same ticket id.
	Put(ctx context.Context, res orchestrator.ExecutionResult) error
	// Pending lists stored results, oldest first.
	Pending(ctx context.Context) ([]orchestrator.ExecutionResult, error)
	// Remove deletes the entry for ticketID. Missing entries are not an error.
	Remove(ctx context.Context, ticketID string) error
	Len(ctx context.Context) (int, error)
	Close() error
}

type memoryEntry struct {
	res orchestrator.ExecutionResult
	seq uint64
}

// MemoryOutbox is an Outbox that does not survive a restart.
type MemoryOutbox struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]memoryEntry
}

// NewMemoryOutbox creates an empty MemoryOutbox.
func NewMemoryOutbox() *MemoryOutbox {
	return &MemoryOutbox{entries: make(map[string]memoryEntry)}
}

func (o *MemoryOutbox) Put(_ context.Context, res orchestrator.ExecutionResult) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.entries[res.TicketID]
	if !ok {
		o.seq++
		e = memoryEntry{seq: o.seq}
	}
	e.res = res
	o.entries[res.TicketID] = e
	return nil
}

func (o *MemoryOutbox) Pending(_ context.Context) ([]orchestrator.ExecutionResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	entries := make([]memoryEntry, 0, len(o.entries))
	for _, e := range o.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]orchestrator.ExecutionResult, len(entries))
	for i, e := range entries {
		out[i] = e.res
	}
	return out, nil
}

func (o *MemoryOutbox) Remove(_ context.Context, ticketID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, ticketID)
	return nil
}

func (o *MemoryOutbox) Len(_ context.Context) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries), nil
}

func (*MemoryOutbox) Close() error { return nil }
