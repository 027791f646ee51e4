// Package router feeds external input events into the engine as ordinary
// value changes, debouncing rapid successive events per input name.
// Coalescing never drops the latest value: a new event overwrites the
// pending one while the original delivery deadline stands, so latency
// stays bounded under event floods.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/zclconf/go-cty/cty"

	"github.com/vk/cellgrid/internal/ctxlog"
	"github.com/vk/cellgrid/internal/engine"
	"github.com/vk/cellgrid/internal/scheduler"
)

// Propagator is the scheduler surface the router drives.
type Propagator interface {
	Propagate(ctx context.Context, dirty []string) (*scheduler.RunReport, error)
}

type pendingInput struct {
	value cty.Value
	timer *time.Timer
}

// Router delivers bound-input changes to the engine. At most one delivery
// timer exists per input name at any time.
type Router struct {
	ctx  context.Context
	eng  *engine.Engine
	prop Propagator

	mu      sync.Mutex
	pending map[string]*pendingInput
	closed  bool

	// deliverMu serializes deliveries so two expiring inputs trigger
	// sequential propagations instead of superseding each other.
	deliverMu sync.Mutex
}

// New returns a router bound to the engine and propagator. The context is
// used for deliveries triggered by expiring timers.
func New(ctx context.Context, eng *engine.Engine, prop Propagator) *Router {
	return &Router{
		ctx:     ctx,
		eng:     eng,
		prop:    prop,
		pending: make(map[string]*pendingInput),
	}
}

// ReportInputEvent records an input change and schedules its delivery
// after the debounce window. If a delivery for the name is already
// pending, the value is coalesced into it and the original deadline
// governs; the event is never dropped, only its predecessors are.
//
// A zero window delivers synchronously, like Flush.
func (r *Router) ReportInputEvent(name string, value cty.Value, window time.Duration) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	if p, ok := r.pending[name]; ok {
		p.value = value
		r.mu.Unlock()
		ctxlog.FromContext(r.ctx).Debug("Input event coalesced.", "input", name)
		return
	}
	if window <= 0 {
		r.mu.Unlock()
		r.deliver(name, value)
		return
	}
	p := &pendingInput{value: value}
	p.timer = time.AfterFunc(window, func() { r.expire(name) })
	r.pending[name] = p
	r.mu.Unlock()
	ctxlog.FromContext(r.ctx).Debug("Input delivery scheduled.", "input", name, "window", window)
}

// Flush delivers the pending value for name immediately, canceling its
// timer. No-op when nothing is pending. Used for programmatic value sets
// that must not wait out the debounce window.
func (r *Router) Flush(name string) {
	r.mu.Lock()
	p, ok := r.pending[name]
	if ok {
		p.timer.Stop()
		delete(r.pending, name)
	}
	r.mu.Unlock()
	if ok {
		r.deliver(name, p.value)
	}
}

// expire is the timer callback: it claims the pending slot and delivers.
func (r *Router) expire(name string) {
	r.mu.Lock()
	p, ok := r.pending[name]
	if ok {
		delete(r.pending, name)
	}
	closed := r.closed
	r.mu.Unlock()
	if !ok || closed {
		return
	}
	r.deliver(name, p.value)
}

// deliver commits the value and propagates to the name's consumers.
func (r *Router) deliver(name string, value cty.Value) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	logger := ctxlog.FromContext(r.ctx).With("input", name)

	changed := r.eng.SetValue(name, value)
	g := r.eng.Graph()
	if g == nil {
		logger.Warn("Input delivered before any cells were defined.")
		return
	}
	dirty := g.ConsumersOf(name)
	if len(dirty) == 0 {
		logger.Debug("Input committed, no consumers.", "changed", changed)
		return
	}

	logger.Debug("Input delivered.", "consumers", len(dirty), "changed", changed)
	if _, err := r.prop.Propagate(r.ctx, dirty); err != nil {
		logger.Error("Propagation for input failed.", "error", err)
	}
}

// Close cancels all pending timers and rejects further events. Undelivered
// pending values are discarded with the session.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for name, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, name)
	}
}
