// Package app wires a notebook session together: logger, notebook load,
// engine, scheduler, and bound-input router, with an explicit open/close
// lifecycle.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/vk/cellgrid/internal/ctxlog"
	"github.com/vk/cellgrid/internal/engine"
	"github.com/vk/cellgrid/internal/hclnotebook"
	"github.com/vk/cellgrid/internal/router"
	"github.com/vk/cellgrid/internal/scheduler"
)

// defaultDebounce applies to input events with no declared window.
const defaultDebounce = 250 * time.Millisecond

// App is one open notebook session.
type App struct {
	outW   io.Writer
	cfg    *Config
	logger *slog.Logger

	eng    *engine.Engine
	sched  *scheduler.Scheduler
	router *router.Router

	notebook *hclnotebook.Notebook
	windows  map[string]time.Duration
}

// NewApp opens a notebook session: it loads the notebook, validates the
// cell graph, commits declared initial input values, and assembles the
// engine, scheduler, and router. A config or notebook problem is a fatal
// startup error and panics; the CLI entrypoint recovers and reports it.
func NewApp(outW io.Writer, cfg *Config, loader *hclnotebook.Loader) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)

	nb, err := loader.Load(ctx, cfg.NotebookPath)
	if err != nil {
		panic(fmt.Errorf("failed to load notebook: %w", err))
	}

	eng := engine.New()
	if err := eng.SetCells(ctx, nb.Cells); err != nil {
		panic(fmt.Errorf("invalid notebook: %w", err))
	}

	windows := make(map[string]time.Duration, len(nb.Inputs))
	for _, in := range nb.Inputs {
		windows[in.Name] = in.Debounce
		if in.Initial != nil {
			eng.SetValue(in.Name, *in.Initial)
		}
	}

	sched := scheduler.New(eng, scheduler.Options{
		Workers:             cfg.Workers,
		SkipUnchangedValues: cfg.SkipUnchanged,
	})

	logger.Debug("Notebook session assembled.", "cells", len(nb.Cells), "inputs", len(nb.Inputs))
	return &App{
		outW:     outW,
		cfg:      cfg,
		logger:   logger,
		eng:      eng,
		sched:    sched,
		router:   router.New(ctx, eng, sched),
		notebook: nb,
		windows:  windows,
	}
}

// Engine returns the session's engine. Primarily for testing.
func (a *App) Engine() *engine.Engine {
	return a.eng
}

// Router returns the session's bound-input router.
func (a *App) Router() *router.Router {
	return a.router
}

// DebounceWindow returns the declared window for an input name, or the
// default for undeclared ones.
func (a *App) DebounceWindow(name string) time.Duration {
	if w, ok := a.windows[name]; ok {
		return w
	}
	return defaultDebounce
}

// Close tears the session down. Idempotent.
func (a *App) Close() {
	a.router.Close()
	a.eng.Close()
}
