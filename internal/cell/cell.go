// Package cell defines the unit of computation the engine schedules: a flat
// record pairing declared produced/consumed value names with a run function.
// There is deliberately no cell hierarchy; every kind of cell is the same
// record holding a different function value.
package cell

import (
	"context"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/cellgrid/internal/artifact"
)

// RunFunc executes one cell. It receives the latest committed values for
// the cell's consumed names and an ExecutionContext carrying the previous
// artifact when reuse is on offer. The context is cancelled when the
// propagation is superseded; long runs should honor it.
type RunFunc func(ctx context.Context, inputs map[string]cty.Value, ec *ExecutionContext) (*Result, error)

// Cell is a single unit of computation in the notebook graph.
type Cell struct {
	// ID is the stable identity of the cell across redefinitions.
	ID string
	// Produces lists the value names this cell commits, in declaration order.
	// A name may have at most one live producer in the whole graph.
	Produces []string
	// Consumes lists the value names this cell reads, in declaration order.
	Consumes []string
	// Run is the cell's computation.
	Run RunFunc
}

// Result is the outcome of one successful run.
type Result struct {
	// Values maps each produced name to its new value. Every name in
	// Cell.Produces must be present; extra names are a run error.
	Values map[string]cty.Value

	// Artifact is the run's rendered output, or nil if the cell renders
	// nothing. When Reused is true it must be the exact handle offered in
	// ExecutionContext.Previous.
	Artifact *artifact.Handle

	// Reused declares that Artifact is the previous handle mutated in
	// place. The scheduler then advances its generation without firing
	// its invalidation signal.
	Reused bool
}

// ExecutionContext is the per-run environment the scheduler passes to a
// RunFunc alongside its inputs.
type ExecutionContext struct {
	// Previous is the cell's currently committed artifact, offered for
	// in-place reuse. Nil on the first run, after a failed run, and after
	// the cell was removed and re-added.
	Previous *artifact.Handle

	// Invalidation is Previous's one-shot signal, nil when Previous is.
	// A run may register listeners to release resources tied to the old
	// payload once it is superseded.
	Invalidation *artifact.Signal
}

// Fresh returns a result committing values and a brand-new artifact payload.
func Fresh(values map[string]cty.Value, owner string, payload any) *Result {
	return &Result{Values: values, Artifact: artifact.New(owner, payload)}
}

// Reuse returns a result committing values while keeping the previously
// offered handle alive across the generation bump.
func Reuse(values map[string]cty.Value, ec *ExecutionContext) *Result {
	return &Result{Values: values, Artifact: ec.Previous, Reused: true}
}
