package orchestrator

import (
	"sync"
	"time"
)

// State is a sandbox handle's lifecycle position.
type State string

const (
	StateProvisioning State = "provisioning"
	StateRunning      State = "running"
	StateCompleted    State = "completed"
	StateTimedOut     State = "timed_out"
	StateCancelled    State = "cancelled"
	StateFailed       State = "failed"
	StateReleased     State = "released"
)

// Terminal reports whether s ends a run. Released is past terminal.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StateProvisioning: {StateRunning, StateFailed},
	StateRunning:      {StateCompleted, StateTimedOut, StateCancelled, StateFailed},
	StateCompleted:    {StateReleased},
	StateTimedOut:     {StateReleased},
	StateCancelled:    {StateReleased},
	StateFailed:       {StateReleased},
}

// Handle is one provisioned sandbox. The provisioner owns it; a supervisor
// borrows it for the duration of a run.
type Handle struct {
	ID        string
	SessionID string
	TicketID  string
	Limits    ResourceLimits

	mu        sync.Mutex
	state     State
	runtimeID string
	createdAt time.Time

	// releaseMu serializes Release so exactly one caller removes the container.
	releaseMu sync.Mutex
}

func newHandle(id string, owner Owner, limits ResourceLimits, createdAt time.Time) *Handle {
	return &Handle{
		ID:        id,
		SessionID: owner.SessionID,
		TicketID:  owner.TicketID,
		Limits:    limits,
		state:     StateProvisioning,
		createdAt: createdAt,
	}
}

// State returns the current state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RuntimeID returns the container id, empty until the runtime created it.
func (h *Handle) RuntimeID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runtimeID
}

func (h *Handle) setRuntimeID(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runtimeID = id
}

// CreatedAt returns when the sandbox's container was created, or when the
// handle was minted if no container exists yet.
func (h *Handle) CreatedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.createdAt
}

// attach records a freshly created container. It fails once the handle has
// left provisioning, e.g. released by a sweep.
func (h *Handle) attach(runtimeID string, createdAt time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateProvisioning {
		return false
	}
	h.runtimeID = runtimeID
	h.createdAt = createdAt
	return true
}

// transition moves the handle to next if the state machine allows it.
func (h *Handle) transition(next State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, allowed := range transitions[h.state] {
		if allowed == next {
			h.state = next
			return true
		}
	}
	return false
}

// finish attempts a terminal transition and returns the terminal state the
// handle ends up in. The first terminal transition wins.
func (h *Handle) finish(next State) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateRunning || (h.state == StateProvisioning && next == StateFailed) {
		h.state = next
	}
	return h.state
}
