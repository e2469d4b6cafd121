package instance

import "time"

// Status represents the lifecycle state of a workflow instance.
type Status string

const (
	// StatusIdle means the instance was inserted and never claimed.
	StatusIdle Status = "idle"
	// StatusRunning means a worker currently holds the instance's lease.
	StatusRunning Status = "running"
	// StatusFailed means the last run attempt ended in a recoverable error.
	StatusFailed Status = "failed"
	// StatusFinished means the handler completed successfully. Terminal.
	StatusFinished Status = "finished"
	// StatusAborted means the instance was cancelled externally. Terminal.
	StatusAborted Status = "aborted"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusFailed, StatusFinished, StatusAborted:
		return true
	}
	return false
}

// Terminal reports whether s is a final state that no claim can leave.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusAborted
}

// Instance is one workflow run as persisted by the store.
//
// Steps and Naps are append-only per key from the protocol's perspective: a
// recorded entry is a durable decision the handler must not recompute.
// Callers check for an existing entry before executing, never overwrite a
// differing value for the same key.
type Instance struct {
	// ID is the caller-chosen, globally unique identifier.
	ID string `json:"id"`
	// Handler identifies which workflow definition to run.
	Handler string `json:"handler"`
	// Input is the initial handler input, immutable after insert.
	Input []byte `json:"input,omitempty"`
	// Status is the lifecycle state.
	Status Status `json:"status"`
	// TimeoutAt is the lease expiry (running) or next-eligible-retry time
	// (failed). Nil while idle and never claimed.
	TimeoutAt *time.Time `json:"timeout_at,omitempty"`
	// Failures counts run attempts that ended in failed.
	Failures int `json:"failures,omitempty"`
	// LastError is the diagnostic message from the most recent failure.
	LastError string `json:"last_error,omitempty"`
	// Steps maps step id to the memoized step output.
	Steps map[string][]byte `json:"steps,omitempty"`
	// Naps maps nap id to the memoized wake-up time.
	Naps map[string]time.Time `json:"naps,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunData is the slow-changing subset of an instance a worker needs to
// resume or reconstruct a run.
type RunData struct {
	Handler  string `json:"handler"`
	Input    []byte `json:"input,omitempty"`
	Failures int    `json:"failures,omitempty"`
}
