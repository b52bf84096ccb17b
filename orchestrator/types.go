package orchestrator

import (
	"slices"
	"time"

	"github.com/isdmx/sandboxd/sandbox"
)

// TerminalReason says how an execution ended.
type TerminalReason string

const (
	ReasonCompleted          TerminalReason = "completed"
	ReasonTimedOut           TerminalReason = "timed_out"
	ReasonCancelled          TerminalReason = "cancelled"
	ReasonProvisioningFailed TerminalReason = "provisioning_failed"
	ReasonInternalError      TerminalReason = "internal_error"
)

// Capabilities are the privileges a request asks for beyond the defaults.
type Capabilities struct {
	Network bool            `json:"network"`
	Mounts  []sandbox.Mount `json:"mounts,omitempty"`
}

// ExecutionRequest is one piece of untrusted code to run for a chat turn.
type ExecutionRequest struct {
	SessionID    string        `json:"session_id"`
	TurnID       string        `json:"turn_id"`
	Language     string        `json:"language"`
	Code         string        `json:"code"`
	Capabilities Capabilities  `json:"capabilities"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	SubmittedAt  time.Time     `json:"submitted_at"`
}

// clone returns a copy sharing no slices with r.
func (r ExecutionRequest) clone() ExecutionRequest {
	r.Capabilities.Mounts = slices.Clone(r.Capabilities.Mounts)
	return r
}

// Ticket identifies a submitted request.
type Ticket struct {
	ID        string `json:"ticket_id"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
}

// ResourceLimits are the quotas applied to one sandbox.
type ResourceLimits struct {
	CPUShares   int64
	NanoCPUs    int64
	MemoryBytes int64
	PidsLimit   int64
	Timeout     time.Duration
	Network     bool
	Mounts      []sandbox.Mount
}

// NoExitStatus is reported when the code did not run to its own exit.
const NoExitStatus = -1

// ExecutionResult is the single terminal outcome of a request. ExitStatus is
// the process's exit code for completed runs and NoExitStatus otherwise.
type ExecutionResult struct {
	TicketID       string         `json:"ticket_id"`
	SessionID      string         `json:"session_id"`
	TurnID         string         `json:"turn_id"`
	SandboxID      string         `json:"sandbox_id,omitempty"`
	ExitStatus     int            `json:"exit_status"`
	Stdout         string         `json:"stdout"`
	Stderr         string         `json:"stderr"`
	Truncated      bool           `json:"truncated"`
	Duration       time.Duration  `json:"duration_ns"`
	TerminalReason TerminalReason `json:"terminal_reason"`
	Error          string         `json:"error,omitempty"`
}

// CodeFailed reports whether the sandboxed code ran and exited non-zero.
func (r ExecutionResult) CodeFailed() bool {
	return r.TerminalReason == ReasonCompleted && r.ExitStatus != 0
}

// SystemFailed reports whether the orchestrator could not run the code.
func (r ExecutionResult) SystemFailed() bool {
	return r.TerminalReason == ReasonProvisioningFailed || r.TerminalReason == ReasonInternalError
}

func resultFor(ticket Ticket) ExecutionResult {
	return ExecutionResult{
		TicketID:   ticket.ID,
		SessionID:  ticket.SessionID,
		TurnID:     ticket.TurnID,
		ExitStatus: NoExitStatus,
	}
}
