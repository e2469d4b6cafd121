// Package memory implements store.Store entirely in memory.
// Safe for concurrent access. Intended for unit testing and development;
// nothing survives process restart.
package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	lidex "github.com/ferromir/lidex-mongo"
	"github.com/ferromir/lidex-mongo/instance"
	"github.com/ferromir/lidex-mongo/store"
)

// Ensure Store implements store.Store at compile time.
var _ store.Store = (*Store)(nil)

// Store is a fully in-memory implementation of store.Store.
// A single mutex stands in for the backend's atomic conditional update:
// Claim holds it across selection and mutation, which gives the same
// exactly-one-winner guarantee.
type Store struct {
	mu        sync.RWMutex
	instances map[string]*instance.Instance
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		instances: make(map[string]*instance.Instance),
	}
}

// Migrate is a no-op; there are no indexes to create.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping is a no-op.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op; the store owns no connection.
func (m *Store) Close() error { return nil }

// Insert creates a new idle instance. Returns false when id already exists.
func (m *Store) Insert(_ context.Context, id, handler string, input []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.instances[id]; ok {
		return false, nil
	}

	t := now()
	m.instances[id] = &instance.Instance{
		ID:        id,
		Handler:   handler,
		Input:     append([]byte(nil), input...),
		Status:    instance.StatusIdle,
		Steps:     make(map[string][]byte),
		Naps:      make(map[string]time.Time),
		CreatedAt: t,
		UpdatedAt: t,
	}
	return true, nil
}

// Claim atomically selects one eligible instance, marks it running and
// extends its lease to leaseUntil. Which eligible instance wins is map
// iteration order, i.e. unspecified, matching the contract.
func (m *Store) Claim(_ context.Context, nowT, leaseUntil time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, inst := range m.instances {
		if !claimable(inst, nowT) {
			continue
		}
		lease := leaseUntil
		inst.Status = instance.StatusRunning
		inst.TimeoutAt = &lease
		inst.UpdatedAt = now()
		return id, true, nil
	}
	return "", false, nil
}

// claimable reports whether inst may be claimed at time t: idle always,
// running or failed only once the lease has expired.
func claimable(inst *instance.Instance, t time.Time) bool {
	switch inst.Status {
	case instance.StatusIdle:
		return true
	case instance.StatusRunning, instance.StatusFailed:
		return inst.TimeoutAt != nil && inst.TimeoutAt.Before(t)
	default:
		return false
	}
}

// FindOutput returns the memoized output of one step.
func (m *Store) FindOutput(_ context.Context, id, stepID string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, false, nil
	}
	out, ok := inst.Steps[stepID]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), out...), true, nil
}

// UpdateOutput records a step output and refreshes the instance's lease.
func (m *Store) UpdateOutput(_ context.Context, id, stepID string, output []byte, timeoutAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return lidex.ErrInstanceNotFound
	}
	inst.Steps[stepID] = append([]byte(nil), output...)
	inst.TimeoutAt = &timeoutAt
	inst.UpdatedAt = now()
	return nil
}

// FindWakeUpAt returns the memoized wake-up time of one nap.
func (m *Store) FindWakeUpAt(_ context.Context, id, napID string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return time.Time{}, false, nil
	}
	wakeUpAt, ok := inst.Naps[napID]
	if !ok {
		return time.Time{}, false, nil
	}
	return wakeUpAt, true, nil
}

// UpdateWakeUpAt records a nap's wake-up time and refreshes the lease.
func (m *Store) UpdateWakeUpAt(_ context.Context, id, napID string, wakeUpAt, timeoutAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return lidex.ErrInstanceNotFound
	}
	inst.Naps[napID] = wakeUpAt
	inst.TimeoutAt = &timeoutAt
	inst.UpdatedAt = now()
	return nil
}

// FindRunData returns the handler, input and failure count of an instance.
func (m *Store) FindRunData(_ context.Context, id string) (*instance.RunData, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, false, nil
	}
	return &instance.RunData{
		Handler:  inst.Handler,
		Input:    append([]byte(nil), inst.Input...),
		Failures: inst.Failures,
	}, true, nil
}

// FindStatus returns the lifecycle state of an instance.
func (m *Store) FindStatus(_ context.Context, id string) (instance.Status, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return "", false, nil
	}
	return inst.Status, true, nil
}

// SetAsFinished marks the instance finished.
func (m *Store) SetAsFinished(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return lidex.ErrInstanceNotFound
	}
	inst.Status = instance.StatusFinished
	inst.UpdatedAt = now()
	return nil
}

// SetAsAborted marks the instance aborted.
func (m *Store) SetAsAborted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return lidex.ErrInstanceNotFound
	}
	inst.Status = instance.StatusAborted
	inst.UpdatedAt = now()
	return nil
}

// UpdateStatus performs an unconditional multi-field lifecycle write.
func (m *Store) UpdateStatus(_ context.Context, id string, status instance.Status, timeoutAt time.Time, failures int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[id]
	if !ok {
		return lidex.ErrInstanceNotFound
	}
	inst.Status = status
	inst.TimeoutAt = &timeoutAt
	inst.Failures = failures
	inst.LastError = lastError
	inst.UpdatedAt = now()
	return nil
}

// GetInstance retrieves a whole instance by id.
func (m *Store) GetInstance(_ context.Context, id string) (*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances[id]
	if !ok {
		return nil, lidex.ErrInstanceNotFound
	}
	return clone(inst), nil
}

// ListInstances returns instances matching the given options, ordered by
// creation time.
func (m *Store) ListInstances(_ context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*instance.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		if opts.Status != "" && inst.Status != opts.Status {
			continue
		}
		result = append(result, clone(inst))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// clone returns a deep copy so callers can mutate without racing with the
// store.
func clone(inst *instance.Instance) *instance.Instance {
	out := *inst
	out.Input = append([]byte(nil), inst.Input...)
	if inst.TimeoutAt != nil {
		t := *inst.TimeoutAt
		out.TimeoutAt = &t
	}
	out.Steps = make(map[string][]byte, len(inst.Steps))
	for k, v := range inst.Steps {
		out.Steps[k] = append([]byte(nil), v...)
	}
	out.Naps = maps.Clone(inst.Naps)
	return &out
}

// now returns the current UTC time.
func now() time.Time {
	return time.Now().UTC()
}
