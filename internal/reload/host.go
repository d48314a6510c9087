package reload

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"apphost/internal/lifecycle"
	"apphost/internal/webapp"
)

// HostMonitor watches the reload markers of the applications deployed on a
// host. It listens to the host's lifecycle: before_start records every
// marker's baseline and each periodic event checks for changes.
type HostMonitor struct {
	monitor    MonitorSource
	strategies Strategies
	recorder   Recorder
	clock      clock.PassiveClock
	log        logr.Logger

	mu      sync.RWMutex
	holders []*webapp.Holder

	// serializes check cycles between the periodic tick and the marker watcher
	checkMu sync.Mutex
}

// HostMonitorOptions configures a HostMonitor.
type HostMonitorOptions struct {
	Monitor    MonitorSource
	Strategies Strategies
	Recorder   Recorder
	Clock      clock.PassiveClock
	Logger     logr.Logger
}

func NewHostMonitor(opts HostMonitorOptions, holders ...*webapp.Holder) *HostMonitor {
	m := &HostMonitor{
		monitor:    opts.Monitor,
		strategies: opts.Strategies,
		recorder:   opts.Recorder,
		clock:      opts.Clock,
		log:        opts.Logger,
		holders:    holders,
	}
	if m.clock == nil {
		m.clock = clock.RealClock{}
	}
	if m.recorder == nil {
		m.recorder = nopRecorder{}
	}
	return m
}

// Holders returns a snapshot of the monitored holders.
func (m *HostMonitor) Holders() []*webapp.Holder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*webapp.Holder, len(m.holders))
	copy(out, m.holders)
	return out
}

// Holder returns the holder of the named application.
func (m *HostMonitor) Holder(name string) (*webapp.Holder, error) {
	for _, h := range m.Holders() {
		if h.App().Name() == name {
			return h, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", webapp.ErrUnknownApp, name)
}

// AddHolder starts monitoring h. Its marker baseline is recorded immediately.
func (m *HostMonitor) AddHolder(h *webapp.Holder) error {
	if err := m.monitor.Init(h); err != nil {
		return fmt.Errorf("init monitor for %s: %w", h.App().Name(), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.holders = append(m.holders, h)
	return nil
}

func (m *HostMonitor) LifecycleEvent(ctx context.Context, ev lifecycle.Event) {
	switch ev.Type {
	case lifecycle.BeforeStart:
		m.InitMonitors()
	case lifecycle.Periodic:
		m.CheckMonitors(ctx)
	}
}

// InitMonitors records the marker baseline of every holder, creating
// missing markers.
func (m *HostMonitor) InitMonitors() {
	for _, h := range m.Holders() {
		if err := m.monitor.Init(h); err != nil {
			m.log.Error(err, "init reload monitor", "app", h.App().Name(), "monitor", h.Monitor())
		}
	}
}

// CheckMonitors reloads every application whose marker changed since the
// last check and that is not already reloading.
func (m *HostMonitor) CheckMonitors(ctx context.Context) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	for _, h := range m.Holders() {
		if ctx.Err() != nil {
			return
		}
		m.check(ctx, h)
	}
}

// ReloadNow touches the marker of the named application and checks it
// right away. It reports whether a reload was dispatched; false means a
// reload is already in progress.
func (m *HostMonitor) ReloadNow(ctx context.Context, name string) (bool, error) {
	h, err := m.Holder(name)
	if err != nil {
		return false, err
	}
	if err := m.Trigger(name); err != nil {
		return false, err
	}
	m.checkMu.Lock()
	defer m.checkMu.Unlock()
	return m.check(ctx, h), nil
}

// Trigger bumps the marker mtime of the named application so the next check
// reloads it.
func (m *HostMonitor) Trigger(name string) error {
	h, err := m.Holder(name)
	if err != nil {
		return err
	}
	t := m.clock.Now()
	if last := h.MonitorMtime(); !t.After(last) {
		t = last.Add(time.Second)
	}
	return Touch(h.Monitor(), t)
}

func (m *HostMonitor) check(ctx context.Context, h *webapp.Holder) bool {
	mtime, ok := m.monitor.Check(ctx, h)
	if !ok || !mtime.After(h.MonitorMtime()) {
		return false
	}
	if !h.TryLock() {
		m.log.V(1).Info("reload already in progress, skipping", "app", h.App().Name())
		return false
	}
	h.SetMonitorMtime(mtime)
	m.reloadApplication(ctx, h)
	return true
}

// reloadApplication runs the configured strategy. The holder is locked.
func (m *HostMonitor) reloadApplication(ctx context.Context, h *webapp.Holder) {
	app := h.App()
	strategy := m.strategies.For(app.ReloadStrategy())
	id := uuid.NewString()
	from := h.Context().Name()
	log := m.log.WithValues("app", app.Name(), "strategy", strategy.Name(), "reload", id)

	log.Info("reloading application", "context", from)
	m.recorder.ReloadStarted(app.Name(), strategy.Name())
	started := m.clock.Now()

	// The reload outlives the request or check cycle that triggered it.
	unlock, err := m.safeReload(withAttempt(context.WithoutCancel(ctx), id), strategy, h)
	if unlock || err != nil {
		h.Unlock()
		if err != nil {
			log.Error(err, "reload failed", "context", from)
		} else {
			log.Info("application reloaded", "context", h.Context().Name())
		}
		m.recorder.ReloadFinished(Result{
			ID:       id,
			App:      app.Name(),
			Strategy: strategy.Name(),
			From:     from,
			To:       h.Context().Name(),
			Started:  started,
			Duration: m.clock.Since(started),
			Err:      err,
		})
	}
}

func (m *HostMonitor) safeReload(ctx context.Context, strategy Strategy, h *webapp.Holder) (unlock bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			unlock, err = true, fmt.Errorf("reload panicked: %v", p)
		}
	}()
	return strategy.Reload(ctx, h)
}
