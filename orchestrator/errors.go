package orchestrator

import "errors"

var (
	// ErrCapacityExceeded is returned by Submit when the global admission
	// ceiling is reached. Callers retry later.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrProvisioningFailed means the runtime could not create a sandbox
	// within the bounded number of attempts.
	ErrProvisioningFailed = errors.New("provisioning failed")
	// ErrInternal marks an unexpected orchestrator fault.
	ErrInternal = errors.New("internal error")
	// ErrInvalidRequest is returned by Submit for requests that can never run.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrTicketNotFound is returned for unknown or already finished tickets.
	ErrTicketNotFound = errors.New("ticket not found")
	// ErrShuttingDown is returned by Submit once shutdown has begun.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
	// ErrCancelled is the cancellation cause of a cancelled execution.
	ErrCancelled = errors.New("execution cancelled")
)
