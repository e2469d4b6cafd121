package lidex

import (
	"log/slog"

	"github.com/ferromir/lidex-mongo/store"
)

// Option configures a Keeper.
type Option func(*Keeper) error

// WithStore sets the backing store. Required.
func WithStore(s store.Store) Option {
	return func(k *Keeper) error {
		if s == nil {
			return ErrNoStore
		}
		k.store = s
		return nil
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(k *Keeper) error {
		k.logger = logger
		return nil
	}
}
