package lifecycle

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/go-logr/logr"
)

// Support tracks the state and listeners of one component. It is meant to be
// embedded; the zero value is ready to use and starts in StateNew.
type Support struct {
	mu        sync.RWMutex
	state     State
	listeners []Listener
	log       logr.Logger
}

// SetLogger sets the logger used to report listener panics.
func (s *Support) SetLogger(log logr.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = log
}

// AddListener registers l. Adding the same listener twice is a no-op.
func (s *Support) AddListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.listeners {
		if existing == l {
			return
		}
	}
	s.listeners = append(s.listeners, l)
}

// RemoveListener deregisters l. It is safe to call from inside a listener
// while an event is being dispatched.
func (s *Support) RemoveListener(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.listeners {
		if existing == l {
			s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
			return
		}
	}
}

// Listeners returns a snapshot of the registered listeners.
func (s *Support) Listeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

// State returns the current state.
func (s *Support) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// StateName returns the current state as an upper-case name.
func (s *Support) StateName() string {
	return s.State().String()
}

// SetState moves to the given state unconditionally.
func (s *Support) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Transition moves from one of the allowed states to next. It returns false
// and leaves the state untouched if the current state is not allowed.
func (s *Support) Transition(next State, allowed ...State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range allowed {
		if s.state == a {
			s.state = next
			return true
		}
	}
	return false
}

// Fire delivers an event to a snapshot of the listeners, in registration
// order. A panicking listener is logged and does not stop delivery.
func (s *Support) Fire(ctx context.Context, source Lifecycle, typ EventType, data any) {
	ev := Event{Type: typ, Source: source, Data: data}
	for _, l := range s.Listeners() {
		s.safeCall(ctx, l, ev)
	}
}

func (s *Support) safeCall(ctx context.Context, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			s.mu.RLock()
			log := s.log
			s.mu.RUnlock()
			log.Error(fmt.Errorf("%v", r), "lifecycle listener panicked",
				"event", string(ev.Type), "stack", string(debug.Stack()))
		}
	}()
	l.LifecycleEvent(ctx, ev)
}
