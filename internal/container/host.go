package container

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"apphost/internal/lifecycle"
)

// Host is the root of the routing tree. It owns the application contexts
// and routes each request to the started context with the longest matching
// path. When two started contexts share a path (during a rolling reload)
// the most recently started one wins.
type Host struct {
	lifecycle.Support

	name     string
	mu       sync.RWMutex
	children []Context
	log      logr.Logger
}

// NewHost creates a host in state NEW.
func NewHost(name string, log logr.Logger) *Host {
	h := &Host{name: name, log: log}
	h.SetLogger(log)
	return h
}

func (h *Host) Name() string { return h.name }

// AddChild attaches child. Sibling names must be unique. If the host is
// already started the child is started as well.
func (h *Host) AddChild(ctx context.Context, child Context) error {
	h.mu.Lock()
	for _, existing := range h.children {
		if existing.Name() == child.Name() {
			h.mu.Unlock()
			return fmt.Errorf("add %s to %s: %w", child.Name(), h.name, ErrDuplicateName)
		}
	}
	h.children = append(h.children, child)
	child.SetParent(h)
	h.mu.Unlock()

	h.log.V(1).Info("context attached", "context", child.Name(), "path", child.Path())

	if h.State() == lifecycle.StateStarted {
		if err := child.Start(ctx); err != nil {
			return fmt.Errorf("add %s to %s: %w", child.Name(), h.name, err)
		}
	}
	return nil
}

// RemoveChild detaches child, then stops and destroys it unless it is
// already destroyed.
func (h *Host) RemoveChild(ctx context.Context, child Context) error {
	h.mu.Lock()
	idx := -1
	for i, existing := range h.children {
		if existing == child {
			idx = i
			break
		}
	}
	if idx < 0 {
		h.mu.Unlock()
		return fmt.Errorf("remove %s from %s: %w", child.Name(), h.name, ErrNotChild)
	}
	h.children = append(h.children[:idx:idx], h.children[idx+1:]...)
	h.mu.Unlock()

	child.SetParent(nil)
	h.log.V(1).Info("context detached", "context", child.Name(), "path", child.Path())

	if child.State() == lifecycle.StateDestroyed {
		return nil
	}
	return child.Destroy(ctx)
}

// Children returns a snapshot of the attached contexts.
func (h *Host) Children() []Context {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Context, len(h.children))
	copy(out, h.children)
	return out
}

// FindChild returns the attached context with the given name, or nil.
func (h *Host) FindChild(name string) Context {
	for _, c := range h.Children() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}

// Start fires before_start (which initializes reload monitors) and starts
// every attached context. A context that fails to start is logged and left
// FAILED; the host still starts.
func (h *Host) Start(ctx context.Context) error {
	if !h.Transition(lifecycle.StateStarting, lifecycle.StateNew, lifecycle.StateStopped) {
		return nil
	}
	h.Fire(ctx, h, lifecycle.BeforeStart, nil)

	for _, c := range h.Children() {
		if err := c.Start(ctx); err != nil {
			h.log.Error(err, "context failed to start", "context", c.Name())
		}
	}

	h.Fire(ctx, h, lifecycle.Start, nil)
	h.SetState(lifecycle.StateStarted)
	h.log.Info("host started", "host", h.name, "contexts", len(h.Children()))
	h.Fire(ctx, h, lifecycle.AfterStart, nil)
	return nil
}

// Stop stops every attached context.
func (h *Host) Stop(ctx context.Context) error {
	if !h.Transition(lifecycle.StateStopping, lifecycle.StateStarted, lifecycle.StateStarting) {
		return nil
	}
	h.Fire(ctx, h, lifecycle.BeforeStop, nil)

	var errs []error
	for _, c := range h.Children() {
		if err := c.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	h.SetState(lifecycle.StateStopped)
	h.Fire(ctx, h, lifecycle.Stop, nil)
	h.log.Info("host stopped", "host", h.name)
	h.Fire(ctx, h, lifecycle.AfterStop, nil)
	return errors.Join(errs...)
}

// Destroy stops the host and destroys every attached context.
func (h *Host) Destroy(ctx context.Context) error {
	if h.State() == lifecycle.StateDestroyed {
		return nil
	}
	errs := []error{h.Stop(ctx)}
	h.Fire(ctx, h, lifecycle.BeforeDestroy, nil)
	for _, c := range h.Children() {
		errs = append(errs, h.RemoveChild(ctx, c))
	}
	h.SetState(lifecycle.StateDestroyed)
	h.Fire(ctx, h, lifecycle.AfterDestroy, nil)
	return errors.Join(errs...)
}

// Tick fires a periodic event when the host is started.
func (h *Host) Tick(ctx context.Context) {
	if h.State() != lifecycle.StateStarted {
		return
	}
	h.Fire(ctx, h, lifecycle.Periodic, nil)
}

// Route returns the context that should serve path, or nil.
func (h *Host) Route(path string) Context {
	var best Context
	for _, c := range h.Children() {
		if !c.State().Available() || !matchPath(c.Path(), path) {
			continue
		}
		if best == nil ||
			len(c.Path()) > len(best.Path()) ||
			(len(c.Path()) == len(best.Path()) && c.StartedAt().After(best.StartedAt())) {
			best = c
		}
	}
	return best
}

func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c := h.Route(r.URL.Path)
	if c == nil {
		http.NotFound(w, r)
		return
	}
	c.ServeHTTP(w, r)
}

func matchPath(contextPath, path string) bool {
	if contextPath == "/" {
		return true
	}
	return path == contextPath || strings.HasPrefix(path, contextPath+"/")
}

func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return strings.TrimSuffix(p, "/")
}
