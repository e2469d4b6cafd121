package instance

import (
	"context"
	"time"
)

// ListOpts controls filtering and pagination for instance list queries.
type ListOpts struct {
	// Limit is the maximum number of instances to return. Zero means no limit.
	Limit int
	// Offset is the number of instances to skip.
	Offset int
	// Status filters by lifecycle state. Empty means all states.
	Status Status
}

// Store defines the persistence contract for workflow instances.
//
// Reads that can legitimately come up empty (an instance that was never
// inserted, a step that never ran) report absence through the boolean
// result, not through an error. An error always means the operation itself
// failed.
type Store interface {
	// Insert creates a new idle instance. It returns false without error
	// when an instance with the same id already exists; the original is
	// left untouched.
	Insert(ctx context.Context, id, handler string, input []byte) (bool, error)

	// Claim atomically selects one instance that is idle, or running or
	// failed with an expired lease (TimeoutAt before now), marks it running
	// with its lease extended to leaseUntil, and returns its id. It returns
	// false when no instance is currently eligible. Which eligible instance
	// is picked is up to the backend; the only guarantee is exactly one
	// winner per instance under concurrent callers.
	Claim(ctx context.Context, now, leaseUntil time.Time) (string, bool, error)

	// FindOutput returns the memoized output of one step, or false when the
	// step never ran (or the instance does not exist).
	FindOutput(ctx context.Context, id, stepID string) ([]byte, bool, error)

	// UpdateOutput records a step output and refreshes the instance's lease
	// to timeoutAt, so a worker actively making progress does not lose its
	// claim to a timeout-based reclaimer.
	UpdateOutput(ctx context.Context, id, stepID string, output []byte, timeoutAt time.Time) error

	// FindWakeUpAt returns the memoized wake-up time of one nap, or false
	// when the nap was never scheduled.
	FindWakeUpAt(ctx context.Context, id, napID string) (time.Time, bool, error)

	// UpdateWakeUpAt records a nap's wake-up time and refreshes the
	// instance's lease to timeoutAt.
	UpdateWakeUpAt(ctx context.Context, id, napID string, wakeUpAt, timeoutAt time.Time) error

	// FindRunData returns the handler, input and failure count of an
	// instance, or false when the instance does not exist.
	FindRunData(ctx context.Context, id string) (*RunData, bool, error)

	// FindStatus returns the lifecycle state of an instance, or false when
	// the instance does not exist.
	FindStatus(ctx context.Context, id string) (Status, bool, error)

	// SetAsFinished marks the instance finished. Terminal and idempotent.
	SetAsFinished(ctx context.Context, id string) error

	// SetAsAborted marks the instance aborted. Terminal; the external
	// cancellation path, never reachable via Claim.
	SetAsAborted(ctx context.Context, id string) error

	// UpdateStatus performs an unconditional multi-field write of status,
	// lease expiry, failure count and last error. Used to record a failed
	// attempt with a future timeoutAt acting as retry backoff.
	UpdateStatus(ctx context.Context, id string, status Status, timeoutAt time.Time, failures int, lastError string) error

	// GetInstance retrieves a whole instance by id. Returns
	// lidex.ErrInstanceNotFound when it does not exist.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// ListInstances returns instances matching the given options.
	ListInstances(ctx context.Context, opts ListOpts) ([]*Instance, error)
}
