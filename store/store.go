// Package store defines the aggregate persistence interface for lidex.
// The instance package defines the data contract; this package adds the
// connection lifecycle. A single backend (mongo, postgres, memory)
// implements all of it.
package store

import (
	"context"

	"github.com/ferromir/lidex-mongo/instance"
)

// Store is the aggregate persistence interface.
type Store interface {
	instance.Store

	// Migrate ensures the required indexes and schema exist. Idempotent;
	// safe to call repeatedly.
	Migrate(ctx context.Context) error

	// Ping checks database connectivity.
	Ping(ctx context.Context) error

	// Close releases the store connection. Backends that do not own their
	// connection treat this as a no-op.
	Close() error
}
