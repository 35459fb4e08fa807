package memory

import (
	"errors"
	"fmt"
)

// Sentinel errors for the maintenance core. Callers branch with errors.Is.
var (
	// ErrBackendUnavailable wraps tier-store I/O failures. Mutating callers
	// retry with backoff, read-only callers retry locally.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrAlreadyInFlight is returned by the guard when an item is already
	// being promoted. Not a failure: the candidate is deferred to a later cycle.
	ErrAlreadyInFlight = errors.New("item already in flight")

	// ErrShutdownTimeout means the in-flight drain did not finish within the
	// bound. The shutdown must be reported as forced, never as clean.
	ErrShutdownTimeout = errors.New("shutdown drain timed out")

	// ErrCycleInProgress means a maintenance cycle is already running.
	// Cycles are single-flight at the orchestrator level.
	ErrCycleInProgress = errors.New("maintenance cycle already in progress")

	// ErrShuttingDown rejects new work after shutdown has been initiated.
	ErrShuttingDown = errors.New("shutting down")
)

// ConsolidationError is a transient promotion failure. The item stays in its
// source tier and the candidate is retried with backoff on later cycles.
type ConsolidationError struct {
	ItemID  string
	Attempt int
	Err     error
}

func (e *ConsolidationError) Error() string {
	return fmt.Sprintf("consolidation of %s failed (attempt %d): %v", e.ItemID, e.Attempt, e.Err)
}

func (e *ConsolidationError) Unwrap() error { return e.Err }

// DecayError marks an item whose state could not be scored. The item is
// skipped for the cycle; the cycle itself continues.
type DecayError struct {
	ItemID string
	Reason string
}

func (e *DecayError) Error() string {
	return fmt.Sprintf("decay scoring of %s: %s", e.ItemID, e.Reason)
}
