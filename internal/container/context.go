package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"apphost/internal/lifecycle"
)

// Options configures a new AppContext.
type Options struct {
	Name    string
	Path    string
	WorkDir string
	Launch  LaunchFunc
	// Reset is called by Reload before the backend is launched again.
	Reset  func()
	Logger logr.Logger
}

// AppContext is the default Context. Requests hold a read gate while they
// are served; stop and reload take the write side so they wait for in-flight
// requests and pause new ones.
type AppContext struct {
	lifecycle.Support

	mu        sync.RWMutex
	name      string
	path      string
	workDir   string
	parent    Parent
	backend   Backend
	startedAt time.Time

	launch LaunchFunc
	reset  func()
	gate   sync.RWMutex
	log    logr.Logger
}

// NewAppContext creates a detached context in state NEW.
func NewAppContext(opts Options) *AppContext {
	c := &AppContext{
		name:    opts.Name,
		path:    normalizePath(opts.Path),
		workDir: opts.WorkDir,
		launch:  opts.Launch,
		reset:   opts.Reset,
		log:     opts.Logger,
	}
	c.SetLogger(opts.Logger)
	return c
}

func (c *AppContext) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.name
}

func (c *AppContext) SetName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.parent != nil {
		return fmt.Errorf("rename %s to %s: %w", c.name, name, ErrAttached)
	}
	c.name = name
	return nil
}

func (c *AppContext) Path() string { return c.path }

func (c *AppContext) Parent() Parent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.parent
}

func (c *AppContext) SetParent(p Parent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.parent = p
}

func (c *AppContext) WorkDir() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workDir
}

func (c *AppContext) SetWorkDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workDir = dir
}

func (c *AppContext) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

// Start launches the backend. Starting a started context is a no-op; a
// launch failure leaves the context FAILED and is returned.
func (c *AppContext) Start(ctx context.Context) error {
	if !c.Transition(lifecycle.StateStarting, lifecycle.StateNew, lifecycle.StateStopped, lifecycle.StateFailed) {
		if c.State() == lifecycle.StateDestroyed {
			return fmt.Errorf("start %s: %w", c.Name(), ErrDestroyed)
		}
		return nil
	}
	c.Fire(ctx, c, lifecycle.BeforeStart, nil)

	if err := c.launchBackend(ctx); err != nil {
		c.SetState(lifecycle.StateFailed)
		c.log.Error(err, "context failed to start", "context", c.Name(), "path", c.path)
		return fmt.Errorf("start %s: %w", c.Name(), err)
	}

	c.Fire(ctx, c, lifecycle.Start, nil)
	c.SetState(lifecycle.StateStarted)
	c.log.V(1).Info("context started", "context", c.Name(), "path", c.path)
	c.Fire(ctx, c, lifecycle.AfterStart, nil)
	return nil
}

// Stop drains in-flight requests and stops the backend. If ctx expires
// before the drain completes the backend is stopped anyway.
func (c *AppContext) Stop(ctx context.Context) error {
	if !c.Transition(lifecycle.StateStopping, lifecycle.StateStarted, lifecycle.StateFailed) {
		return nil
	}
	c.Fire(ctx, c, lifecycle.BeforeStop, nil)

	release := c.closeGate(ctx)
	err := c.stopBackend(ctx)
	c.SetState(lifecycle.StateStopped)
	release()

	c.Fire(ctx, c, lifecycle.Stop, nil)
	c.log.V(1).Info("context stopped", "context", c.Name(), "path", c.path)
	c.Fire(ctx, c, lifecycle.AfterStop, nil)
	if err != nil {
		return fmt.Errorf("stop %s: %w", c.Name(), err)
	}
	return nil
}

// Destroy stops the context if needed, removes its work directory (when set)
// and detaches it from its parent.
func (c *AppContext) Destroy(ctx context.Context) error {
	if c.State() == lifecycle.StateDestroyed {
		return nil
	}
	var errs []error
	if err := c.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	c.Fire(ctx, c, lifecycle.BeforeDestroy, nil)

	if dir := c.WorkDir(); dir != "" {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove work dir: %w", err))
		}
	}
	c.SetState(lifecycle.StateDestroyed)
	c.Fire(ctx, c, lifecycle.AfterDestroy, nil)

	if p := c.Parent(); p != nil {
		if err := p.RemoveChild(ctx, c); err != nil && !errors.Is(err, ErrNotChild) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reload restarts the backend in place. Requests are paused for the
// duration; the context keeps its identity and registration. No lifecycle
// events are fired since the state stays STARTED on success.
func (c *AppContext) Reload(ctx context.Context) error {
	state := c.State()
	if state != lifecycle.StateStarted && state != lifecycle.StateFailed {
		return fmt.Errorf("reload %s: context is %s", c.Name(), state)
	}

	release := c.closeGate(ctx)
	defer release()

	c.log.Info("reloading context", "context", c.Name(), "path", c.path)
	if err := c.stopBackend(ctx); err != nil {
		c.log.Error(err, "stop backend before reload", "context", c.Name())
	}
	if c.reset != nil {
		c.reset()
	}
	if err := c.launchBackend(ctx); err != nil {
		c.SetState(lifecycle.StateFailed)
		return fmt.Errorf("reload %s: %w", c.Name(), err)
	}
	c.SetState(lifecycle.StateStarted)
	return nil
}

// ServeHTTP forwards the request to the backend while holding the read gate.
func (c *AppContext) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.gate.RLock()
	defer c.gate.RUnlock()

	c.mu.RLock()
	backend := c.backend
	c.mu.RUnlock()

	if backend == nil || !c.State().Available() {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "application unavailable", http.StatusServiceUnavailable)
		return
	}
	backend.ServeHTTP(w, r)
}

func (c *AppContext) launchBackend(ctx context.Context) error {
	if c.launch == nil {
		return errors.New("no launcher configured")
	}
	backend, err := c.launch(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.backend = backend
	c.startedAt = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *AppContext) stopBackend(ctx context.Context) error {
	c.mu.Lock()
	backend := c.backend
	c.backend = nil
	c.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Stop(ctx)
}

// closeGate takes the write side of the gate, giving up waiting when ctx is
// done. The returned func releases the gate exactly once.
func (c *AppContext) closeGate(ctx context.Context) func() {
	acquired := make(chan struct{})
	go func() {
		c.gate.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return c.gate.Unlock
	case <-ctx.Done():
		c.log.Info("drain interrupted, proceeding with in-flight requests", "context", c.Name())
		go func() {
			<-acquired
			c.gate.Unlock()
		}()
		return func() {}
	}
}
