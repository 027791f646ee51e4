// Package artifact models the long-lived output object a cell commits on
// each successful run. A Handle wraps the opaque payload with its owning
// cell, a per-cell generation counter, and the one-shot invalidation Signal
// observers use to learn when the payload is superseded or destroyed.
package artifact

import "sync/atomic"

// Handle is the identity wrapper around one cell's rendered output.
//
// Ownership alternates between the scheduler and the cell's run function:
// the scheduler hands the handle to a run for the duration of one execution
// and takes it back on return. No other holder touches the payload while a
// run owns it.
type Handle struct {
	owner      string
	generation atomic.Uint64
	reusable   atomic.Bool

	// Payload is the opaque rendered output. The engine never inspects it.
	Payload any

	sig *Signal
}

// New creates a handle owned by the given cell, reuse-eligible, with a
// pending invalidation signal. The generation stays zero until the
// scheduler commits the handle and Advances it.
func New(owner string, payload any) *Handle {
	h := &Handle{
		owner:   owner,
		Payload: payload,
		sig:     NewSignal(),
	}
	h.reusable.Store(true)
	return h
}

// Owner returns the id of the cell that produced this handle.
func (h *Handle) Owner() string {
	return h.owner
}

// Generation returns the handle's current generation.
func (h *Handle) Generation() uint64 {
	return h.generation.Load()
}

// Advance moves the handle to a later generation. Called by the scheduler
// on its commit path, both when committing a fresh handle and when a run
// reuses one in place; in the reuse case the payload survives, only the
// counter moves.
func (h *Handle) Advance(to uint64) {
	h.generation.Store(to)
}

// ReuseEligible reports whether the scheduler may offer this handle to the
// owner's next run.
func (h *Handle) ReuseEligible() bool {
	return h.reusable.Load()
}

// Retire marks the handle ineligible for reuse. Done when the owning cell
// fails or is removed from the graph.
func (h *Handle) Retire() {
	h.reusable.Store(false)
}

// Invalidation returns the handle's one-shot invalidation signal.
func (h *Handle) Invalidation() *Signal {
	return h.sig
}
