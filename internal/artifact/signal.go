package artifact

import "sync"

// Signal is a one-shot latch that fires when the artifact it belongs to is
// superseded or destroyed. It transitions pending to fired exactly once;
// firing again is a no-op.
//
// Listeners registered before the fire run once, on the goroutine that
// fires (the scheduler's commit path, so callbacks never race the commit
// that triggered them). Listeners registered after the fire run
// immediately on the registering goroutine.
type Signal struct {
	mu        sync.Mutex
	fired     bool
	listeners []func()
}

// NewSignal returns a pending signal.
func NewSignal() *Signal {
	return &Signal{}
}

// Fire transitions the signal to fired and runs registered listeners.
// Idempotent: only the first call has any effect.
func (s *Signal) Fire() {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	// Run outside the lock so a listener may register on other signals.
	for _, fn := range listeners {
		fn()
	}
}

// Fired reports whether the signal has fired.
func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// OnFire registers fn to run exactly once when the signal fires. If the
// signal already fired, fn runs synchronously before OnFire returns.
func (s *Signal) OnFire(fn func()) {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		fn()
		return
	}
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
