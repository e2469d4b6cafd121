// Package mongo implements store.Store on MongoDB. This is the primary
// backend: the claim protocol maps directly onto FindOneAndUpdate, which
// gives the required compare-and-swap semantics in a single server-side
// operation, and the steps/naps maps live as embedded documents read and
// written through dotted-path projections so no operation materializes the
// whole instance.
//
// Usage:
//
//	db, _ := grove.Open(ctx, "mongo", dsn)
//	s := mongo.New(db)
//	if err := s.Migrate(ctx); err != nil { ... }
//
// The caller owns the *grove.DB lifecycle; Store never closes it.
package mongo
