package reload

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/go-logr/logr"

	"apphost/internal/container"
	"apphost/internal/lifecycle"
)

// Takeover is attached to the replacement context of a rolling reload. When
// the replacement has started it retires the old context; when the rolling
// reload fails, Failed discards the replacement instead. Either path runs at
// most once.
type Takeover struct {
	old   container.Context
	fired atomic.Bool
	log   logr.Logger
}

func NewTakeover(old container.Context, log logr.Logger) *Takeover {
	return &Takeover{old: old, log: log}
}

// Fired reports whether the takeover has already acted.
func (t *Takeover) Fired() bool { return t.fired.Load() }

func (t *Takeover) LifecycleEvent(ctx context.Context, ev lifecycle.Event) {
	if ev.Type != lifecycle.AfterStart {
		return
	}
	next, ok := ev.Source.(container.Context)
	if !ok || !t.fired.CompareAndSwap(false, true) {
		return
	}
	next.RemoveListener(t)

	t.log.V(1).Info("stopping the old context", "context", t.old.Name(), "path", t.old.Path())
	if err := t.old.Stop(ctx); err != nil {
		t.log.Error(err, "stop old context", "context", t.old.Name())
	}
	// The work dir is shared with the replacement.
	t.old.SetWorkDir("")
	if err := t.old.Destroy(ctx); err != nil {
		t.log.Error(err, "destroy old context", "context", t.old.Name())
	}
}

// Failed discards next, which never took over, and leaves the old context
// serving. It reports false if the takeover already acted.
func (t *Takeover) Failed(ctx context.Context, next container.Context) bool {
	if !t.fired.CompareAndSwap(false, true) {
		return false
	}
	next.SetWorkDir("")
	if p := next.Parent(); p != nil {
		if err := p.RemoveChild(ctx, next); err != nil && !errors.Is(err, container.ErrNotChild) {
			t.log.Error(err, "remove failed context", "context", next.Name())
		}
	} else if err := next.Destroy(ctx); err != nil {
		t.log.Error(err, "destroy failed context", "context", next.Name())
	}
	t.log.Info("old context keeps serving", "context", t.old.Name(), "path", t.old.Path())
	next.RemoveListener(t)
	return true
}
