package scheduler

import (
	"time"

	"github.com/google/uuid"
)

// Outcome classifies what happened to one cell during a propagation.
type Outcome int

const (
	// OutcomeCommitted means the cell ran and its values were committed.
	OutcomeCommitted Outcome = iota
	// OutcomeRunError means the cell's code signaled a failure.
	OutcomeRunError
	// OutcomeRunPanic means the cell's run panicked. Contained the same
	// way as a run error but surfaced distinctly.
	OutcomeRunPanic
	// OutcomeSkippedUpstreamFailure means the cell never ran because a
	// cell producing one of its consumed names failed or was itself
	// skipped. Informational, not a failure of this cell.
	OutcomeSkippedUpstreamFailure
	// OutcomeSkippedUnchanged means the value-equality optimization
	// elided the run because no consumed value changed.
	OutcomeSkippedUnchanged
	// OutcomeCancelled means a newer propagation superseded this one
	// before the cell's batch committed.
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCommitted:
		return "committed"
	case OutcomeRunError:
		return "run_error"
	case OutcomeRunPanic:
		return "run_panic"
	case OutcomeSkippedUpstreamFailure:
		return "skipped_upstream_failure"
	case OutcomeSkippedUnchanged:
		return "skipped_unchanged"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// CellReport records one cell's outcome within a propagation.
type CellReport struct {
	Cell       string
	Outcome    Outcome
	Err        error
	Generation uint64
	Reused     bool
	Duration   time.Duration
}

// RunReport is the result of one Propagate call.
type RunReport struct {
	// ID uniquely identifies the propagation, for log correlation.
	ID uuid.UUID
	// Batches is the execution plan that was followed, in order.
	Batches  [][]string
	Started  time.Time
	Duration time.Duration
	// Cells maps every cell in the plan to what happened to it.
	Cells map[string]*CellReport
}

func newRunReport(batches [][]string) *RunReport {
	return &RunReport{
		ID:      uuid.New(),
		Batches: batches,
		Started: time.Now(),
		Cells:   make(map[string]*CellReport),
	}
}

func (r *RunReport) record(cr *CellReport) {
	r.Cells[cr.Cell] = cr
}

func (r *RunReport) finish() {
	r.Duration = time.Since(r.Started)
}

// Committed returns the ids of cells whose values were committed, in plan
// order.
func (r *RunReport) Committed() []string {
	return r.withOutcome(OutcomeCommitted)
}

// Failed returns the ids of cells that ended in RunError or RunPanic, in
// plan order.
func (r *RunReport) Failed() []string {
	var out []string
	for _, batch := range r.Batches {
		for _, id := range batch {
			if cr, ok := r.Cells[id]; ok && (cr.Outcome == OutcomeRunError || cr.Outcome == OutcomeRunPanic) {
				out = append(out, id)
			}
		}
	}
	return out
}

// Skipped returns the ids of cells reported SkippedUpstreamFailure, in
// plan order.
func (r *RunReport) Skipped() []string {
	return r.withOutcome(OutcomeSkippedUpstreamFailure)
}

func (r *RunReport) withOutcome(o Outcome) []string {
	var out []string
	for _, batch := range r.Batches {
		for _, id := range batch {
			if cr, ok := r.Cells[id]; ok && cr.Outcome == o {
				out = append(out, id)
			}
		}
	}
	return out
}
