// Package executor implements the backends an application context launches:
// Static (file server over the public dir), Local (a process on the host)
// and Docker (a container with a published port).
package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"apphost/internal/container"
	"apphost/internal/webapp"
)

// ErrNoExecutor is returned when no executor is registered for an app kind.
var ErrNoExecutor = errors.New("no executor for kind")

// Spec describes one backend launch.
type Spec struct {
	// Instance is the name of the context being started. It is unique across
	// the overlapping contexts of a rolling reload.
	Instance    string
	App         string
	ContextPath string
	RootDir     string
	LogDir      string
	Runtime     webapp.Runtime
}

// Executor launches the backend described by a Spec.
type Executor interface {
	Launch(ctx context.Context, spec Spec) (container.Backend, error)
}

// Registry dispatches launches to the executor registered for the app kind.
type Registry struct {
	executors map[webapp.Kind]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[webapp.Kind]Executor)}
}

// Register binds kind to e, replacing any previous executor.
func (r *Registry) Register(kind webapp.Kind, e Executor) {
	r.executors[kind] = e
}

func (r *Registry) Launch(ctx context.Context, spec Spec) (container.Backend, error) {
	e, ok := r.executors[spec.Runtime.Kind]
	if !ok {
		return nil, fmt.Errorf("launch %s: %w %q", spec.Instance, ErrNoExecutor, spec.Runtime.Kind)
	}
	return e.Launch(ctx, spec)
}

// proxyBackend forwards requests to a backend listening on a local port.
type proxyBackend struct {
	proxy *httputil.ReverseProxy
	stop  func(ctx context.Context) error
}

func newProxyBackend(addr string, stop func(ctx context.Context) error) *proxyBackend {
	target := &url.URL{Scheme: "http", Host: addr}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
		http.Error(w, "backend unavailable: "+err.Error(), http.StatusBadGateway)
	}
	return &proxyBackend{proxy: proxy, stop: stop}
}

func (b *proxyBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.proxy.ServeHTTP(w, r)
}

func (b *proxyBackend) Stop(ctx context.Context) error {
	return b.stop(ctx)
}

// waitForPort polls addr until it accepts connections, ctx is done or exited
// is closed.
func waitForPort(ctx context.Context, addr string, exited <-chan struct{}) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", addr, ctx.Err())
		case <-exited:
			return fmt.Errorf("backend exited before listening on %s", addr)
		case <-ticker.C:
		}
	}
}

// freePort asks the kernel for an unused loopback port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// openLog opens the append-only output log of an instance.
func openLog(spec Spec) (*os.File, error) {
	if err := os.MkdirAll(spec.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(spec.LogDir, sanitize(spec.App)+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	return f, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '-'
	}, name)
}
