// Package lifecycle defines the states and events shared by every component
// of the routing tree, and a small helper that tracks state and dispatches
// events to registered listeners.
package lifecycle

import (
	"context"
	"strings"
)

// State is the lifecycle state of a component.
type State int

const (
	StateNew State = iota
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateFailed
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateStarting:
		return "STARTING"
	case StateStarted:
		return "STARTED"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	case StateFailed:
		return "FAILED"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// Available reports whether a component in this state can serve requests.
func (s State) Available() bool {
	return s == StateStarted
}

// ParseState converts a state name back to a State. Unknown names map to StateNew.
func ParseState(name string) State {
	switch strings.ToUpper(name) {
	case "STARTING":
		return StateStarting
	case "STARTED":
		return StateStarted
	case "STOPPING":
		return StateStopping
	case "STOPPED":
		return StateStopped
	case "FAILED":
		return StateFailed
	case "DESTROYED":
		return StateDestroyed
	default:
		return StateNew
	}
}

// EventType identifies a lifecycle event.
type EventType string

const (
	BeforeStart   EventType = "before_start"
	Start         EventType = "start"
	AfterStart    EventType = "after_start"
	BeforeStop    EventType = "before_stop"
	Stop          EventType = "stop"
	AfterStop     EventType = "after_stop"
	BeforeDestroy EventType = "before_destroy"
	AfterDestroy  EventType = "after_destroy"
	Periodic      EventType = "periodic"
)

// Event is delivered to listeners of a Lifecycle.
type Event struct {
	Type   EventType
	Source Lifecycle
	Data   any
}

// Listener receives lifecycle events. Implementations must be comparable
// (pointer receivers) so they can be removed again.
type Listener interface {
	LifecycleEvent(ctx context.Context, ev Event)
}

// Lifecycle is implemented by every component that can be started and stopped.
type Lifecycle interface {
	AddListener(l Listener)
	RemoveListener(l Listener)
	Listeners() []Listener
	State() State
	StateName() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Destroy(ctx context.Context) error
}
