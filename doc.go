// Package lidex provides the durable state layer for a workflow execution
// engine. It tracks workflow instances, arbitrates which worker process may
// run a given instance at any moment through a lease-based claim protocol,
// and memoizes per-step outputs and per-nap wake-up times so re-execution is
// idempotent.
//
// Lidex is a library, not a service. It starts no goroutines and schedules no
// work of its own. An arbitrary number of worker processes call into it
// concurrently; all cross-worker coordination reduces to the atomicity of one
// operation, the conditional update inside Claim.
//
// # Quick Start
//
//	s := mongostore.New(db)
//	k, err := lidex.New(lidex.WithStore(s))
//	if err != nil { ... }
//	if err := k.Init(ctx); err != nil { ... }
//
//	created, err := k.Insert(ctx, "wf-1", "send-invoice", input)
//	id, ok, err := k.Claim(ctx, time.Now(), time.Now().Add(30*time.Second))
//
// # Architecture
//
// Lidex follows a composable store pattern: the instance package defines the
// persistence contract and a single backend (mongo, postgres, memory)
// implements it. The Keeper in this package is a thin facade that owns the
// connection lifecycle and validates lease arguments; everything stateful
// lives behind the store interface.
package lidex
