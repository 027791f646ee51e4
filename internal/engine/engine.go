// Package engine holds the shared mutable state of one open notebook: the
// live cell batch and its graph, the committed value table, and the
// artifact table. It is the one explicit context object the Scheduler and
// the BoundInputRouter are constructed with; there is no ambient global
// state. Lifecycle is explicit: New on notebook open, Close on notebook
// close.
package engine

import (
	"context"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/cellgrid/internal/artifact"
	"github.com/vk/cellgrid/internal/cell"
	"github.com/vk/cellgrid/internal/ctxlog"
	"github.com/vk/cellgrid/internal/graph"
)

// Engine is the shared state store for one notebook session.
//
// Two locks split the concerns: mu guards the tables, runMu serializes
// propagation runs and definition swaps. A definition swap queues behind
// any in-flight propagation; a newer propagation instead cancels the
// in-flight one through the cancel func registered in BeginRun.
type Engine struct {
	mu        sync.RWMutex
	graph     *graph.Graph
	values    map[string]cty.Value
	artifacts map[string]*artifact.Handle
	gens      map[string]uint64
	closed    bool

	runMu     sync.Mutex
	cancelMu  sync.Mutex
	activeRun context.CancelFunc
}

// New returns an empty engine with no cells defined.
func New() *Engine {
	return &Engine{
		values:    make(map[string]cty.Value),
		artifacts: make(map[string]*artifact.Handle),
		gens:      make(map[string]uint64),
	}
}

// SetCells atomically replaces the whole cell batch. The previous graph is
// discarded; artifacts owned by cells absent from the new batch are
// destroyed (retired and their invalidation signals fired). If the new
// batch fails validation the engine keeps its current graph and state
// untouched. The swap waits out any in-flight propagation.
func (e *Engine) SetCells(ctx context.Context, cells []*cell.Cell) error {
	g, err := graph.Build(ctx, cells)
	if err != nil {
		return err
	}

	e.runMu.Lock()
	defer e.runMu.Unlock()

	e.mu.Lock()
	old := e.graph
	e.graph = g
	var destroyed []*artifact.Handle
	for id, h := range e.artifacts {
		if _, ok := g.Cell(id); !ok {
			delete(e.artifacts, id)
			delete(e.gens, id)
			destroyed = append(destroyed, h)
		}
	}
	e.mu.Unlock()

	for _, h := range destroyed {
		h.Retire()
		h.Invalidation().Fire()
	}

	logger := ctxlog.FromContext(ctx)
	if old != nil {
		logger.Debug("Cell batch replaced.", "cells", len(cells), "artifacts_destroyed", len(destroyed))
	} else {
		logger.Debug("Cell batch defined.", "cells", len(cells))
	}
	return nil
}

// Graph returns the current dependency graph, nil before the first
// successful SetCells.
func (e *Engine) Graph() *graph.Graph {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.graph
}

// BeginRun claims the engine's single propagation slot. Any in-flight run
// is cancelled first and waited for, so two runs never interleave commits.
// The returned context is cancelled when a later run supersedes this one;
// the release func must be called when the run ends.
func (e *Engine) BeginRun(ctx context.Context) (context.Context, func()) {
	e.cancelMu.Lock()
	if e.activeRun != nil {
		e.activeRun()
	}
	e.cancelMu.Unlock()

	e.runMu.Lock()

	runCtx, cancel := context.WithCancel(ctx)
	e.cancelMu.Lock()
	e.activeRun = cancel
	e.cancelMu.Unlock()

	release := func() {
		e.cancelMu.Lock()
		e.activeRun = nil
		e.cancelMu.Unlock()
		cancel()
		e.runMu.Unlock()
	}
	return runCtx, release
}

// Value returns the committed value for a name.
func (e *Engine) Value(name string) (cty.Value, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.values[name]
	return v, ok
}

// Values returns a snapshot of the committed values for the given names.
// Names with no committed value are omitted.
func (e *Engine) Values(names []string) map[string]cty.Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]cty.Value, len(names))
	for _, name := range names {
		if v, ok := e.values[name]; ok {
			out[name] = v
		}
	}
	return out
}

// AllValues returns a copy of the whole committed value table.
func (e *Engine) AllValues() map[string]cty.Value {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]cty.Value, len(e.values))
	for name, v := range e.values {
		out[name] = v
	}
	return out
}

// SetValue commits a value for a name and reports whether the committed
// value actually changed (cty.Value.RawEquals against the previous one).
func (e *Engine) SetValue(name string, v cty.Value) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	prev, had := e.values[name]
	e.values[name] = v
	return !had || !prev.RawEquals(v)
}

// ReusableArtifact returns the cell's committed artifact when it is on
// offer for reuse, nil otherwise.
func (e *Engine) ReusableArtifact(id string) *artifact.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h := e.artifacts[id]
	if h == nil || !h.ReuseEligible() {
		return nil
	}
	return h
}

// Artifact returns the cell's committed artifact regardless of
// eligibility.
func (e *Engine) Artifact(id string) (*artifact.Handle, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.artifacts[id]
	return h, ok
}

// NextGeneration advances and returns the cell's generation counter. The
// counter is strictly increasing across the cell's lifetime regardless of
// artifact reuse.
func (e *Engine) NextGeneration(id string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gens[id]++
	return e.gens[id]
}

// SwapArtifact installs a new committed handle for a cell and returns the
// displaced one, if any. Passing nil clears the slot.
func (e *Engine) SwapArtifact(id string, h *artifact.Handle) *artifact.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.artifacts[id]
	if h == nil {
		delete(e.artifacts, id)
	} else {
		e.artifacts[id] = h
	}
	return old
}

// Close tears the session down: every live artifact is retired and its
// invalidation signal fired so external holders release their resources.
// Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	handles := make([]*artifact.Handle, 0, len(e.artifacts))
	for id, h := range e.artifacts {
		handles = append(handles, h)
		delete(e.artifacts, id)
	}
	e.mu.Unlock()

	for _, h := range handles {
		h.Retire()
		h.Invalidation().Fire()
	}
}
