package app

import (
	"context"
	"fmt"
	"sort"

	ctyjson "github.com/zclconf/go-cty/cty/json"

	"github.com/vk/cellgrid/internal/ctxlog"
	"github.com/vk/cellgrid/modules/socketinput"
)

// Run propagates the whole notebook once and prints the committed values.
// With a listen URL configured it then stays up, forwarding socket.io
// events into the router until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	defer a.Close()

	graph := a.eng.Graph()
	cells := graph.Cells()
	if len(cells) == 0 {
		a.logger.Warn("Notebook has no cells, nothing to execute.")
	} else {
		report, err := a.sched.Propagate(ctx, cells)
		if err != nil {
			return fmt.Errorf("initial propagation failed: %w", err)
		}
		if failed := report.Failed(); len(failed) > 0 {
			a.logger.Warn("Some cells failed.", "cells", failed)
		}
		if err := a.printValues(); err != nil {
			return err
		}
	}

	if a.cfg.ListenURL == "" {
		return nil
	}

	src, err := socketinput.Connect(ctx, socketinput.Config{
		URL:    a.cfg.ListenURL,
		Events: a.cfg.ListenEvents,
		Window: a.DebounceWindow,
	}, a.router)
	if err != nil {
		return fmt.Errorf("failed to attach input source: %w", err)
	}
	defer src.Close()

	a.logger.Info("Listening for input events.", "url", a.cfg.ListenURL, "events", a.cfg.ListenEvents)
	<-ctx.Done()
	return nil
}

// printValues writes every committed value to the output writer, sorted
// by name, JSON-encoded.
func (a *App) printValues() error {
	values := a.eng.AllValues()
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := values[name]
		encoded, err := ctyjson.Marshal(v, v.Type())
		if err != nil {
			return fmt.Errorf("cannot encode value %q: %w", name, err)
		}
		if _, err := fmt.Fprintf(a.outW, "%s = %s\n", name, encoded); err != nil {
			return err
		}
	}
	return nil
}
