// Package scheduler turns a dirty cell set into committed state: it asks
// the graph for ordered batches, runs each batch's cells concurrently, and
// commits results one at a time on a single serialized path so external
// observers never see two commits interleave.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vk/cellgrid/internal/artifact"
	"github.com/vk/cellgrid/internal/cell"
	"github.com/vk/cellgrid/internal/ctxlog"
	"github.com/vk/cellgrid/internal/engine"
	"github.com/vk/cellgrid/internal/graph"
)

// Options tunes a Scheduler.
type Options struct {
	// Workers caps how many cells of one batch run concurrently.
	// Zero or negative means no cap.
	Workers int

	// SkipUnchangedValues elides the run of a closure cell none of whose
	// consumed values changed during this propagation (cty RawEquals).
	// Off by default: the engine re-runs the full downstream closure even
	// when an upstream run re-committed an identical value.
	SkipUnchangedValues bool
}

// Scheduler executes propagations against one engine.
type Scheduler struct {
	eng  *engine.Engine
	opts Options
}

// New returns a scheduler bound to the engine.
func New(eng *engine.Engine, opts Options) *Scheduler {
	return &Scheduler{eng: eng, opts: opts}
}

// runOutcome is the raw result of one cell execution, produced by a batch
// worker and consumed by the commit loop.
type runOutcome struct {
	result   *cell.Result
	err      error
	panicVal any
	prev     *artifact.Handle
	duration time.Duration
}

// Propagate runs the downstream closure of the dirty set in dependency
// order and returns a report of every cell's outcome.
//
// Graph-level problems (unknown cell, cycle inside the closure) abort the
// call before anything executes and leave all state untouched. Per-cell
// failures are contained: siblings and unrelated downstream cells still
// run, while consumers of the failed cell's names are skipped. A failed
// cell's previous artifact is invalidated with no replacement.
//
// A newer Propagate call supersedes an in-flight one: uncommitted batches
// are discarded and reported Cancelled, committed batches stay committed.
// There is no automatic retry; callers may re-Propagate the same set.
func (s *Scheduler) Propagate(ctx context.Context, dirty []string) (*RunReport, error) {
	runCtx, release := s.eng.BeginRun(ctx)
	defer release()

	g := s.eng.Graph()
	if g == nil {
		return nil, errors.New("no cells defined")
	}
	batches, err := g.TopologicalBatches(dirty)
	if err != nil {
		return nil, err
	}

	report := newRunReport(batches)
	logger := ctxlog.FromContext(ctx).With("propagation", report.ID.String())
	logger.Info("🚀 Propagation started.", "dirty", len(dirty), "batches", len(batches))

	initial := make(map[string]bool, len(dirty))
	for _, id := range dirty {
		initial[id] = true
	}
	failedNames := make(map[string]bool)
	changedNames := make(map[string]bool)

	for bi, batch := range batches {
		if runCtx.Err() != nil {
			s.markCancelled(report, batches[bi:])
			return report, fmt.Errorf("propagation superseded: %w", runCtx.Err())
		}

		var runnable []string
		for _, id := range batch {
			c, _ := g.Cell(id)
			if consumesAny(c, failedNames) {
				report.record(&CellReport{Cell: id, Outcome: OutcomeSkippedUpstreamFailure})
				// Its own outputs are now unavailable too, so transitive
				// consumers get skipped as well.
				markNames(failedNames, c.Produces)
				logger.Debug("Cell skipped, upstream failed.", "cell", id)
				continue
			}
			if s.opts.SkipUnchangedValues && !initial[id] && !consumesAny(c, changedNames) {
				report.record(&CellReport{Cell: id, Outcome: OutcomeSkippedUnchanged})
				logger.Debug("Cell skipped, inputs unchanged.", "cell", id)
				continue
			}
			runnable = append(runnable, id)
		}

		outcomes := s.runBatch(runCtx, g, runnable)

		if runCtx.Err() != nil {
			// Discard the whole batch: no partial commit for a superseded
			// propagation, no invalidation fires, no generation moves.
			s.markCancelled(report, batches[bi:])
			return report, fmt.Errorf("propagation superseded: %w", runCtx.Err())
		}

		// Serialized commit path, stable batch order.
		for _, id := range runnable {
			c, _ := g.Cell(id)
			s.commit(logger, report, c, outcomes[id], failedNames, changedNames)
		}
	}

	report.finish()
	logger.Info("🏁 Propagation finished.", "committed", len(report.Committed()), "failed", len(report.Failed()), "duration", report.Duration)
	return report, nil
}

// runBatch executes the batch members concurrently. Layering already
// guarantees no member depends on another, so the only coordination is the
// worker cap.
func (s *Scheduler) runBatch(ctx context.Context, g *graph.Graph, ids []string) map[string]*runOutcome {
	outcomes := make(map[string]*runOutcome, len(ids))
	for _, id := range ids {
		outcomes[id] = &runOutcome{}
	}

	var eg errgroup.Group
	if s.opts.Workers > 0 {
		eg.SetLimit(s.opts.Workers)
	}
	for _, id := range ids {
		c, _ := g.Cell(id)
		o := outcomes[id]
		eg.Go(func() error {
			s.runCell(ctx, c, o)
			return nil
		})
	}
	eg.Wait()
	return outcomes
}

// runCell invokes one cell's run function, capturing errors and panics.
// The previous artifact, when reuse-eligible, is owned by the run function
// until it returns.
func (s *Scheduler) runCell(ctx context.Context, c *cell.Cell, o *runOutcome) {
	started := time.Now()
	defer func() {
		o.duration = time.Since(started)
		if r := recover(); r != nil {
			o.panicVal = r
		}
	}()

	o.prev = s.eng.ReusableArtifact(c.ID)
	ec := &cell.ExecutionContext{Previous: o.prev}
	if o.prev != nil {
		ec.Invalidation = o.prev.Invalidation()
	}

	inputs := s.eng.Values(c.Consumes)
	o.result, o.err = c.Run(ctx, inputs, ec)
	if o.err == nil && o.result == nil {
		o.err = errors.New("run returned no result")
	}
}

// commit applies one cell's outcome on the serialized commit path:
// value writes, artifact swap, generation advance, and invalidation fires
// all happen here and nowhere else.
func (s *Scheduler) commit(logger *slog.Logger, report *RunReport, c *cell.Cell, o *runOutcome, failedNames, changedNames map[string]bool) {
	if o.panicVal != nil {
		s.commitFailure(report, c, o, OutcomeRunPanic, fmt.Errorf("cell %s panicked: %v", c.ID, o.panicVal), failedNames)
		logger.Warn("Cell run panicked.", "cell", c.ID, "panic", o.panicVal)
		return
	}
	if o.err != nil {
		s.commitFailure(report, c, o, OutcomeRunError, o.err, failedNames)
		logger.Debug("Cell run failed.", "cell", c.ID, "error", o.err)
		return
	}

	res := o.result
	if err := validateResult(c, res, o.prev); err != nil {
		s.commitFailure(report, c, o, OutcomeRunError, err, failedNames)
		logger.Warn("Cell result rejected.", "cell", c.ID, "error", err)
		return
	}

	for _, name := range c.Produces {
		if s.eng.SetValue(name, res.Values[name]) {
			changedNames[name] = true
		}
	}

	cr := &CellReport{Cell: c.ID, Outcome: OutcomeCommitted, Reused: res.Reused, Duration: o.duration}
	switch {
	case res.Reused:
		// Same payload survives the generation bump; the old signal must
		// not fire, since nothing was superseded.
		res.Artifact.Advance(s.eng.NextGeneration(c.ID))
		cr.Generation = res.Artifact.Generation()
	case res.Artifact != nil:
		res.Artifact.Advance(s.eng.NextGeneration(c.ID))
		cr.Generation = res.Artifact.Generation()
		if old := s.eng.SwapArtifact(c.ID, res.Artifact); old != nil {
			old.Retire()
			old.Invalidation().Fire()
		}
	default:
		// The run rendered nothing this time; any previous output is
		// superseded by absence.
		if old := s.eng.SwapArtifact(c.ID, nil); old != nil {
			old.Retire()
			old.Invalidation().Fire()
		}
	}

	report.record(cr)
	logger.Debug("Cell committed.", "cell", c.ID, "generation", cr.Generation, "reused", cr.Reused)
}

// commitFailure applies the failed-run policy: values stay stale, the
// previous artifact is invalidated with no replacement, and the cell's
// produced names become unavailable downstream.
func (s *Scheduler) commitFailure(report *RunReport, c *cell.Cell, o *runOutcome, outcome Outcome, err error, failedNames map[string]bool) {
	if old := s.eng.SwapArtifact(c.ID, nil); old != nil {
		old.Retire()
		old.Invalidation().Fire()
	}
	markNames(failedNames, c.Produces)
	report.record(&CellReport{Cell: c.ID, Outcome: outcome, Err: err, Duration: o.duration})
}

func (s *Scheduler) markCancelled(report *RunReport, remaining [][]string) {
	for _, batch := range remaining {
		for _, id := range batch {
			if _, ok := report.Cells[id]; !ok {
				report.record(&CellReport{Cell: id, Outcome: OutcomeCancelled})
			}
		}
	}
	report.finish()
}

// validateResult enforces the result contract: every declared produced
// name present, no undeclared names, and the strict reuse identity rule in
// both directions. A reused artifact must be the exact handle that was
// offered, and the offered handle may only be returned declared as reused.
func validateResult(c *cell.Cell, res *cell.Result, prev *artifact.Handle) error {
	for _, name := range c.Produces {
		if _, ok := res.Values[name]; !ok {
			return fmt.Errorf("cell %s did not produce declared value %q", c.ID, name)
		}
	}
	for name := range res.Values {
		declared := false
		for _, p := range c.Produces {
			if p == name {
				declared = true
				break
			}
		}
		if !declared {
			return fmt.Errorf("cell %s produced undeclared value %q", c.ID, name)
		}
	}
	if res.Reused {
		if prev == nil {
			return fmt.Errorf("cell %s reported reuse but no artifact was offered", c.ID)
		}
		if res.Artifact != prev {
			return fmt.Errorf("cell %s reported reuse of a different artifact handle", c.ID)
		}
	} else if res.Artifact != nil && res.Artifact == prev {
		// Committing the offered handle as fresh would retire and fire the
		// very handle staying committed.
		return fmt.Errorf("cell %s returned the offered artifact handle without declaring reuse", c.ID)
	}
	return nil
}

func consumesAny(c *cell.Cell, names map[string]bool) bool {
	for _, name := range c.Consumes {
		if names[name] {
			return true
		}
	}
	return false
}

func markNames(set map[string]bool, names []string) {
	for _, name := range names {
		set[name] = true
	}
}
