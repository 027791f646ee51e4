// Package hclnotebook loads notebook definitions from HCL. Each cell block
// declares its produced names as attributes whose expressions become the
// cell's run function; consumed names are inferred from the expressions'
// variable references, so the dependency graph falls out of the source
// with no explicit wiring. input blocks declare bound inputs with their
// debounce windows.
package hclnotebook

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"github.com/vk/cellgrid/internal/cell"
	"github.com/vk/cellgrid/internal/ctxlog"
)

// Input is a bound external input declared in the notebook.
type Input struct {
	Name     string
	Debounce time.Duration
	// Initial is the value committed before the first propagation, nil
	// when the input starts unset.
	Initial *cty.Value
}

// Notebook is the loaded cell batch plus its bound input declarations.
type Notebook struct {
	Cells  []*cell.Cell
	Inputs []Input
}

// Loader parses notebook HCL files.
type Loader struct {
	parser *hclparse.Parser
}

// NewLoader returns a fresh loader with its own file cache.
func NewLoader() *Loader {
	return &Loader{parser: hclparse.NewParser()}
}

// Load reads a notebook from a single .hcl file or from every .hcl file in
// a directory (lexical order). Parse diagnostics, duplicate cell ids, and
// inputs colliding with cell-produced names are load errors.
func (l *Loader) Load(ctx context.Context, path string) (*Notebook, error) {
	logger := ctxlog.FromContext(ctx)

	files, err := notebookFiles(path)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no .hcl files found at %s", path)
	}

	nb := &Notebook{}
	seenCells := make(map[string]bool)
	seenInputs := make(map[string]bool)

	for _, file := range files {
		f, diags := l.parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse %s: %w", file, diags)
		}
		body, ok := f.Body.(*hclsyntax.Body)
		if !ok {
			return nil, fmt.Errorf("unexpected body type in %s", file)
		}

		for _, block := range body.Blocks {
			switch block.Type {
			case "cell":
				c, err := translateCell(block)
				if err != nil {
					return nil, err
				}
				if seenCells[c.ID] {
					return nil, fmt.Errorf("duplicate cell %q at %s", c.ID, block.DefRange().String())
				}
				seenCells[c.ID] = true
				nb.Cells = append(nb.Cells, c)
			case "input":
				in, err := translateInput(block)
				if err != nil {
					return nil, err
				}
				if seenInputs[in.Name] {
					return nil, fmt.Errorf("duplicate input %q at %s", in.Name, block.DefRange().String())
				}
				seenInputs[in.Name] = true
				nb.Inputs = append(nb.Inputs, in)
			default:
				return nil, fmt.Errorf("unsupported block type %q at %s", block.Type, block.DefRange().String())
			}
		}
	}

	for _, c := range nb.Cells {
		for _, name := range c.Produces {
			if seenInputs[name] {
				return nil, fmt.Errorf("input %q collides with a name produced by cell %q", name, c.ID)
			}
		}
	}

	logger.Debug("Notebook loaded.", "files", len(files), "cells", len(nb.Cells), "inputs", len(nb.Inputs))
	return nb, nil
}

func notebookFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read notebook path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read notebook directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".hcl" {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// translateCell converts a cell block into a cell record. Every attribute
// is a produced name; consumed names are the expressions' variable roots
// minus the cell's own produced names, which resolve internally.
func translateCell(block *hclsyntax.Block) (*cell.Cell, error) {
	if len(block.Labels) != 1 {
		return nil, fmt.Errorf("cell block at %s needs exactly one label", block.DefRange().String())
	}
	id := block.Labels[0]
	if len(block.Body.Blocks) > 0 {
		return nil, fmt.Errorf("cell %q must not contain nested blocks", id)
	}
	if len(block.Body.Attributes) == 0 {
		return nil, fmt.Errorf("cell %q produces nothing", id)
	}

	attrs := sortedAttributes(block.Body)

	produced := make(map[string]bool, len(attrs))
	var produces []string
	for _, attr := range attrs {
		produces = append(produces, attr.Name)
		produced[attr.Name] = true
	}

	var consumes []string
	seen := make(map[string]bool)
	for _, attr := range attrs {
		for _, traversal := range attr.Expr.Variables() {
			root := traversal.RootName()
			if produced[root] || seen[root] {
				continue
			}
			seen[root] = true
			consumes = append(consumes, root)
		}
	}

	return &cell.Cell{
		ID:       id,
		Produces: produces,
		Consumes: consumes,
		Run:      exprRunFunc(id, attrs, produced),
	}, nil
}

// exprRunFunc builds the run function for an expression cell: evaluate
// each attribute with the consumed values bound as variables, resolving
// references between the cell's own attributes by fixed point.
func exprRunFunc(id string, attrs []*hclsyntax.Attribute, produced map[string]bool) cell.RunFunc {
	return func(ctx context.Context, inputs map[string]cty.Value, _ *cell.ExecutionContext) (*cell.Result, error) {
		vals := make(map[string]cty.Value, len(inputs)+len(attrs))
		for name, v := range inputs {
			vals[name] = v
		}

		remaining := append([]*hclsyntax.Attribute(nil), attrs...)
		for len(remaining) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			progressed := false
			var stuck []*hclsyntax.Attribute
			for _, attr := range remaining {
				if !resolvable(attr, vals) {
					stuck = append(stuck, attr)
					continue
				}
				v, diags := attr.Expr.Value(&hcl.EvalContext{Variables: vals})
				if diags.HasErrors() {
					return nil, fmt.Errorf("cell %s: evaluating %s: %w", id, attr.Name, diags)
				}
				vals[attr.Name] = v
				progressed = true
			}
			if !progressed {
				return nil, fmt.Errorf("cell %s: unresolvable reference in %s", id, stuck[0].Name)
			}
			remaining = stuck
		}

		values := make(map[string]cty.Value, len(attrs))
		for _, attr := range attrs {
			values[attr.Name] = vals[attr.Name]
		}
		return &cell.Result{Values: values}, nil
	}
}

// resolvable reports whether every variable the attribute references has a
// value. An unset reference stays unresolvable and surfaces as a run
// error once no attribute can make progress.
func resolvable(attr *hclsyntax.Attribute, vals map[string]cty.Value) bool {
	for _, traversal := range attr.Expr.Variables() {
		if _, ok := vals[traversal.RootName()]; !ok {
			return false
		}
	}
	return true
}

func translateInput(block *hclsyntax.Block) (Input, error) {
	if len(block.Labels) != 1 {
		return Input{}, fmt.Errorf("input block at %s needs exactly one label", block.DefRange().String())
	}
	in := Input{Name: block.Labels[0]}

	for name, attr := range block.Body.Attributes {
		switch name {
		case "debounce":
			v, diags := attr.Expr.Value(nil)
			if diags.HasErrors() || v.Type() != cty.String {
				return Input{}, fmt.Errorf("input %q: debounce must be a duration string", in.Name)
			}
			d, err := time.ParseDuration(v.AsString())
			if err != nil {
				return Input{}, fmt.Errorf("input %q: invalid debounce: %w", in.Name, err)
			}
			in.Debounce = d
		case "initial":
			v, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return Input{}, fmt.Errorf("input %q: invalid initial value: %w", in.Name, diags)
			}
			in.Initial = &v
		default:
			return Input{}, fmt.Errorf("input %q: unsupported attribute %q", in.Name, name)
		}
	}
	return in, nil
}

// sortedAttributes returns the body's attributes in source order, for
// deterministic produced-name lists and evaluation order.
func sortedAttributes(body *hclsyntax.Body) []*hclsyntax.Attribute {
	attrs := make([]*hclsyntax.Attribute, 0, len(body.Attributes))
	for _, attr := range body.Attributes {
		attrs = append(attrs, attr)
	}
	sort.Slice(attrs, func(i, j int) bool {
		return attrs[i].SrcRange.Start.Byte < attrs[j].SrcRange.Start.Byte
	})
	return attrs
}
