package lifecycle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	events []EventType
	onFire func(ev Event)
}

func (r *recorder) LifecycleEvent(_ context.Context, ev Event) {
	r.events = append(r.events, ev.Type)
	if r.onFire != nil {
		r.onFire(ev)
	}
}

type panicker struct{}

func (panicker) LifecycleEvent(context.Context, Event) { panic("boom") }

func TestSupportFireOrder(t *testing.T) {
	var s Support
	first, second := &recorder{}, &recorder{}
	s.AddListener(first)
	s.AddListener(second)
	s.AddListener(first) // duplicate ignored

	s.Fire(context.Background(), nil, BeforeStart, nil)
	s.Fire(context.Background(), nil, AfterStart, nil)

	assert.Equal(t, []EventType{BeforeStart, AfterStart}, first.events)
	assert.Equal(t, []EventType{BeforeStart, AfterStart}, second.events)
	assert.Len(t, s.Listeners(), 2)
}

func TestSupportRemoveDuringDispatch(t *testing.T) {
	var s Support
	once := &recorder{}
	once.onFire = func(Event) { s.RemoveListener(once) }
	other := &recorder{}
	s.AddListener(once)
	s.AddListener(other)

	s.Fire(context.Background(), nil, AfterStart, nil)
	s.Fire(context.Background(), nil, AfterStart, nil)

	assert.Len(t, once.events, 1)
	assert.Len(t, other.events, 2)
}

func TestSupportRecoversListenerPanic(t *testing.T) {
	var s Support
	after := &recorder{}
	s.AddListener(panicker{})
	s.AddListener(after)

	require.NotPanics(t, func() {
		s.Fire(context.Background(), nil, Periodic, nil)
	})
	assert.Equal(t, []EventType{Periodic}, after.events)
}

func TestSupportTransition(t *testing.T) {
	var s Support
	assert.Equal(t, StateNew, s.State())

	assert.True(t, s.Transition(StateStarting, StateNew, StateStopped))
	assert.False(t, s.Transition(StateStarting, StateNew))
	assert.Equal(t, "STARTING", s.StateName())

	s.SetState(StateFailed)
	assert.Equal(t, StateFailed, ParseState(s.StateName()))
}

func TestStateNames(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateNew, "NEW"},
		{StateStarting, "STARTING"},
		{StateStarted, "STARTED"},
		{StateStopping, "STOPPING"},
		{StateStopped, "STOPPED"},
		{StateFailed, "FAILED"},
		{StateDestroyed, "DESTROYED"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.String())
			assert.Equal(t, tt.state, ParseState(tt.want))
		})
	}
	assert.True(t, StateStarted.Available())
	assert.False(t, StateStopping.Available())
}
