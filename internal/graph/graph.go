// Package graph derives the dependency graph of a cell batch from the
// produced/consumed name declarations and computes the ordered execution
// batches for a dirty set. The graph is an adjacency mapping rebuilt from
// scratch on every cell redefinition, never an object web with
// back-references.
package graph

import (
	"context"
	"fmt"
	"sort"

	"github.com/vk/cellgrid/internal/cell"
	"github.com/vk/cellgrid/internal/ctxlog"
)

// Graph is the immutable dependency structure of one cell batch. Edges run
// from the producer of a name to each of its consumers. Safe for
// concurrent reads; a definition change builds a new Graph.
type Graph struct {
	cells map[string]*cell.Cell
	// rank is the insertion order of each cell within the defining batch,
	// the stable tie-break inside a topological batch.
	rank  map[string]int
	order []string

	producer   map[string]string
	consumers  map[string][]string
	deps       map[string][]string
	dependents map[string][]string
}

// Build validates a cell batch and derives its dependency graph. It fails
// with a DuplicateProducerError when two cells declare the same produced
// name, and with a CyclicDependencyError when the produced/consumed
// declarations form a cycle. A failed build leaves no partial graph.
func Build(ctx context.Context, cells []*cell.Cell) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)

	g := &Graph{
		cells:      make(map[string]*cell.Cell, len(cells)),
		rank:       make(map[string]int, len(cells)),
		producer:   make(map[string]string),
		consumers:  make(map[string][]string),
		deps:       make(map[string][]string),
		dependents: make(map[string][]string),
	}

	for i, c := range cells {
		if _, ok := g.cells[c.ID]; ok {
			return nil, fmt.Errorf("duplicate cell id %q", c.ID)
		}
		g.cells[c.ID] = c
		g.rank[c.ID] = i
		g.order = append(g.order, c.ID)

		for _, name := range c.Produces {
			if prev, ok := g.producer[name]; ok {
				return nil, &DuplicateProducerError{Name: name, Cells: []string{prev, c.ID}}
			}
			g.producer[name] = c.ID
		}
	}

	for _, id := range g.order {
		c := g.cells[id]
		seen := make(map[string]bool)
		for _, name := range c.Consumes {
			g.consumers[name] = append(g.consumers[name], id)
			from, ok := g.producer[name]
			if !ok {
				// Bound input or externally supplied value; no edge.
				continue
			}
			if seen[from] {
				continue
			}
			seen[from] = true
			g.deps[id] = append(g.deps[id], from)
			g.dependents[from] = append(g.dependents[from], id)
		}
	}

	if core := g.cycleCore(g.order); len(core) > 0 {
		return nil, &CyclicDependencyError{Cells: core}
	}

	logger.Debug("Dependency graph built.", "cells", len(g.order), "names", len(g.producer))
	return g, nil
}

// Cells returns all cell ids in insertion order.
func (g *Graph) Cells() []string {
	return g.order
}

// Cell returns the cell record for an id.
func (g *Graph) Cell(id string) (*cell.Cell, bool) {
	c, ok := g.cells[id]
	return c, ok
}

// ProducerOf returns the cell producing a name, if any cell does.
func (g *Graph) ProducerOf(name string) (string, bool) {
	id, ok := g.producer[name]
	return id, ok
}

// ConsumersOf returns the cells consuming a name, in insertion order.
func (g *Graph) ConsumersOf(name string) []string {
	return g.consumers[name]
}

// TopologicalBatches computes the ordered execution plan for a dirty set:
// the transitive consumers of the dirty cells (inclusive), layered so that
// no cell shares a batch with one of its dependencies. Cells outside the
// downstream closure are excluded entirely. Within a batch, order is
// stable by cell insertion order.
func (g *Graph) TopologicalBatches(dirty []string) ([][]string, error) {
	closure := make(map[string]bool)
	queue := make([]string, 0, len(dirty))
	for _, id := range dirty {
		if _, ok := g.cells[id]; !ok {
			return nil, fmt.Errorf("unknown cell %q in dirty set", id)
		}
		if !closure[id] {
			closure[id] = true
			queue = append(queue, id)
		}
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, down := range g.dependents[id] {
			if !closure[down] {
				closure[down] = true
				queue = append(queue, down)
			}
		}
	}

	// Kahn-style layering over the induced subgraph.
	indeg := make(map[string]int, len(closure))
	for id := range closure {
		for _, dep := range g.deps[id] {
			if closure[dep] {
				indeg[id]++
			}
		}
	}

	var ready []string
	for id := range closure {
		if indeg[id] == 0 {
			ready = append(ready, id)
		}
	}
	g.sortByRank(ready)

	var batches [][]string
	placed := 0
	for len(ready) > 0 {
		batch := ready
		batches = append(batches, batch)
		placed += len(batch)

		var next []string
		for _, id := range batch {
			for _, down := range g.dependents[id] {
				if !closure[down] {
					continue
				}
				indeg[down]--
				if indeg[down] == 0 {
					next = append(next, down)
				}
			}
		}
		g.sortByRank(next)
		ready = next
	}

	if placed < len(closure) {
		var leftover []string
		for id := range closure {
			if indeg[id] > 0 {
				leftover = append(leftover, id)
			}
		}
		return nil, &CyclicDependencyError{Cells: g.cycleCore(leftover)}
	}

	return batches, nil
}

// cycleCore trims nodes that cannot lie on a cycle until only cycle
// members remain: repeatedly drop nodes with no outgoing edge inside the
// candidate set. Returns the members sorted by insertion order, empty when
// the candidates are acyclic.
func (g *Graph) cycleCore(candidates []string) []string {
	in := make(map[string]bool, len(candidates))
	for _, id := range candidates {
		in[id] = true
	}

	for {
		trimmed := false
		for id := range in {
			hasOut := false
			for _, down := range g.dependents[id] {
				if in[down] {
					hasOut = true
					break
				}
			}
			hasIn := false
			for _, up := range g.deps[id] {
				if in[up] {
					hasIn = true
					break
				}
			}
			if !hasOut || !hasIn {
				delete(in, id)
				trimmed = true
			}
		}
		if !trimmed {
			break
		}
	}

	core := make([]string, 0, len(in))
	for id := range in {
		core = append(core, id)
	}
	g.sortByRank(core)
	return core
}

func (g *Graph) sortByRank(ids []string) {
	sort.Slice(ids, func(i, j int) bool {
		return g.rank[ids[i]] < g.rank[ids[j]]
	})
}
