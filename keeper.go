package lidex

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferromir/lidex-mongo/instance"
	"github.com/ferromir/lidex-mongo/store"
)

// Keeper is the process-wide handle to the workflow lease store.
//
// It owns the store lifecycle: Init is called once at startup to ensure
// indexes exist, Terminate once at shutdown. After Terminate every operation
// returns ErrClosed instead of reaching the backend. The Keeper itself holds
// no state beyond the closed flag; all durability lives in the store.
type Keeper struct {
	store  store.Store
	logger *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a Keeper with the given options. WithStore is required.
func New(opts ...Option) (*Keeper, error) {
	k := &Keeper{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(k); err != nil {
			return nil, err
		}
	}
	if k.store == nil {
		return nil, ErrNoStore
	}
	return k, nil
}

// Logger returns the keeper's logger.
func (k *Keeper) Logger() *slog.Logger { return k.logger }

// Store returns the backing store.
func (k *Keeper) Store() store.Store { return k.store }

// Init ensures the required indexes and schema exist. Safe to call
// repeatedly.
func (k *Keeper) Init(ctx context.Context) error {
	if k.closed.Load() {
		return ErrClosed
	}
	return k.store.Migrate(ctx)
}

// Ping checks store connectivity.
func (k *Keeper) Ping(ctx context.Context) error {
	if k.closed.Load() {
		return ErrClosed
	}
	return k.store.Ping(ctx)
}

// Insert creates a new idle instance. It returns false when id already
// exists; duplicate starts are expected when a caller retries an enqueue.
func (k *Keeper) Insert(ctx context.Context, id, handler string, input []byte) (bool, error) {
	if k.closed.Load() {
		return false, ErrClosed
	}
	created, err := k.store.Insert(ctx, id, handler, input)
	if err != nil {
		return false, err
	}
	if !created {
		k.logger.Debug("instance already exists", "id", id)
	}
	return created, nil
}

// Claim atomically acquires the right to run one eligible instance until
// leaseUntil. It returns false when no instance is currently eligible.
// leaseUntil must be strictly after now.
func (k *Keeper) Claim(ctx context.Context, now, leaseUntil time.Time) (string, bool, error) {
	if k.closed.Load() {
		return "", false, ErrClosed
	}
	if !leaseUntil.After(now) {
		return "", false, ErrLeaseNotInFuture
	}
	id, ok, err := k.store.Claim(ctx, now, leaseUntil)
	if err != nil {
		return "", false, err
	}
	if ok {
		k.logger.Debug("claimed instance", "id", id, "lease_until", leaseUntil)
	}
	return id, ok, nil
}

// FindOutput returns the memoized output of one step, if any.
func (k *Keeper) FindOutput(ctx context.Context, id, stepID string) ([]byte, bool, error) {
	if k.closed.Load() {
		return nil, false, ErrClosed
	}
	return k.store.FindOutput(ctx, id, stepID)
}

// UpdateOutput records a step output and extends the instance's lease.
func (k *Keeper) UpdateOutput(ctx context.Context, id, stepID string, output []byte, timeoutAt time.Time) error {
	if k.closed.Load() {
		return ErrClosed
	}
	return k.store.UpdateOutput(ctx, id, stepID, output, timeoutAt)
}

// FindWakeUpAt returns the memoized wake-up time of one nap, if any.
func (k *Keeper) FindWakeUpAt(ctx context.Context, id, napID string) (time.Time, bool, error) {
	if k.closed.Load() {
		return time.Time{}, false, ErrClosed
	}
	return k.store.FindWakeUpAt(ctx, id, napID)
}

// UpdateWakeUpAt records a nap's wake-up time and extends the instance's
// lease.
func (k *Keeper) UpdateWakeUpAt(ctx context.Context, id, napID string, wakeUpAt, timeoutAt time.Time) error {
	if k.closed.Load() {
		return ErrClosed
	}
	return k.store.UpdateWakeUpAt(ctx, id, napID, wakeUpAt, timeoutAt)
}

// FindRunData returns the handler, input and failure count of an instance.
func (k *Keeper) FindRunData(ctx context.Context, id string) (*instance.RunData, bool, error) {
	if k.closed.Load() {
		return nil, false, ErrClosed
	}
	return k.store.FindRunData(ctx, id)
}

// FindStatus returns the lifecycle state of an instance.
func (k *Keeper) FindStatus(ctx context.Context, id string) (instance.Status, bool, error) {
	if k.closed.Load() {
		return "", false, ErrClosed
	}
	return k.store.FindStatus(ctx, id)
}

// SetAsFinished marks the instance finished. Terminal and idempotent.
func (k *Keeper) SetAsFinished(ctx context.Context, id string) error {
	if k.closed.Load() {
		return ErrClosed
	}
	return k.store.SetAsFinished(ctx, id)
}

// SetAsAborted marks the instance aborted. Terminal.
func (k *Keeper) SetAsAborted(ctx context.Context, id string) error {
	if k.closed.Load() {
		return ErrClosed
	}
	return k.store.SetAsAborted(ctx, id)
}

// UpdateStatus records a lifecycle transition with failure bookkeeping.
func (k *Keeper) UpdateStatus(ctx context.Context, id string, status instance.Status, timeoutAt time.Time, failures int, lastError string) error {
	if k.closed.Load() {
		return ErrClosed
	}
	return k.store.UpdateStatus(ctx, id, status, timeoutAt, failures, lastError)
}

// GetInstance retrieves a whole instance by id.
func (k *Keeper) GetInstance(ctx context.Context, id string) (*instance.Instance, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	return k.store.GetInstance(ctx, id)
}

// ListInstances returns instances matching the given options.
func (k *Keeper) ListInstances(ctx context.Context, opts instance.ListOpts) ([]*instance.Instance, error) {
	if k.closed.Load() {
		return nil, ErrClosed
	}
	return k.store.ListInstances(ctx, opts)
}

// Terminate releases the store connection. Safe to call more than once;
// only the first call closes the store. Every operation issued after
// Terminate returns ErrClosed.
func (k *Keeper) Terminate() error {
	var err error
	k.closeOnce.Do(func() {
		k.closed.Store(true)
		err = k.store.Close()
		k.logger.Debug("lease store terminated")
	})
	return err
}
