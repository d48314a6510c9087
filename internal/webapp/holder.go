package webapp

import (
	"sync"
	"sync/atomic"
	"time"

	"apphost/internal/container"
)

// Holder owns the mutable deployment state of one application: the context
// currently serving it, the last observed marker mtime and the reload lock.
// Only the reload machinery replaces the context.
type Holder struct {
	app *WebApp

	mu           sync.RWMutex
	context      container.Context
	monitorMtime time.Time

	locked atomic.Bool
}

// NewHolder creates the holder of app with ctx as its active context.
func NewHolder(app *WebApp, ctx container.Context) *Holder {
	return &Holder{app: app, context: ctx}
}

func (h *Holder) App() *WebApp { return h.app }

// Context returns the active context.
func (h *Holder) Context() container.Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.context
}

func (h *Holder) SetContext(c container.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.context = c
}

// CompareAndSwapContext replaces the active context with next only if it is
// still old.
func (h *Holder) CompareAndSwapContext(old, next container.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.context != old {
		return false
	}
	h.context = next
	return true
}

// Monitor is the path of the reload marker.
func (h *Holder) Monitor() string { return h.app.Monitor() }

func (h *Holder) MonitorMtime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.monitorMtime
}

func (h *Holder) SetMonitorMtime(t time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.monitorMtime = t
}

// TryLock takes the reload lock. It reports false if a reload is already in
// flight.
func (h *Holder) TryLock() bool {
	return h.locked.CompareAndSwap(false, true)
}

func (h *Holder) Unlock() { h.locked.Store(false) }

func (h *Holder) Locked() bool { return h.locked.Load() }
