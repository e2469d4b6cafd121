// Package instance defines the workflow instance model and its persistence
// contract.
//
// An instance is one running (or runnable) occurrence of a workflow. Its
// lifecycle is guarded by a lease: the claim operation atomically hands
// exclusive ownership of one eligible instance to a caller until TimeoutAt,
// after which the instance becomes claimable again. The exclusion is
// lease-based only — it is safe against crashed workers, but a worker that
// stalls past its own lease without crashing can still write to an instance
// another worker has since re-claimed. Callers that need stronger guarantees
// must layer a fencing mechanism on top.
package instance
