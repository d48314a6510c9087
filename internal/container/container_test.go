package container

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apphost/internal/lifecycle"
)

type fakeBackend struct {
	body    string
	stopped atomic.Bool
	block   chan struct{}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if b.block != nil {
		<-b.block
	}
	io.WriteString(w, b.body)
}

func (b *fakeBackend) Stop(context.Context) error {
	b.stopped.Store(true)
	return nil
}

func launcher(body string, launches *atomic.Int32) LaunchFunc {
	return func(context.Context) (Backend, error) {
		if launches != nil {
			launches.Add(1)
		}
		return &fakeBackend{body: body}, nil
	}
}

func get(t *testing.T, h http.Handler, path string) (int, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec.Code, rec.Body.String()
}

func TestHostRoutesLongestPrefix(t *testing.T) {
	ctx := context.Background()
	host := NewHost("localhost", logr.Discard())

	root := NewAppContext(Options{Name: "default", Path: "/", Launch: launcher("root", nil)})
	api := NewAppContext(Options{Name: "api", Path: "/api/", Launch: launcher("api", nil)})
	require.NoError(t, host.AddChild(ctx, root))
	require.NoError(t, host.AddChild(ctx, api))
	require.NoError(t, host.Start(ctx))

	tests := []struct {
		path string
		want string
	}{
		{"/", "root"},
		{"/index.html", "root"},
		{"/api", "api"},
		{"/api/users", "api"},
		{"/apiary", "root"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			code, body := get(t, host, tt.path)
			assert.Equal(t, http.StatusOK, code)
			assert.Equal(t, tt.want, body)
		})
	}
}

func TestHostPrefersNewestStartedContext(t *testing.T) {
	ctx := context.Background()
	host := NewHost("localhost", logr.Discard())
	require.NoError(t, host.Start(ctx))

	old := NewAppContext(Options{Name: "app", Path: "/app", Launch: launcher("old", nil)})
	require.NoError(t, host.AddChild(ctx, old))
	time.Sleep(2 * time.Millisecond)

	replacement := NewAppContext(Options{Name: "app-1", Path: "/app", Launch: launcher("new", nil)})
	require.NoError(t, host.AddChild(ctx, replacement))
	assert.Equal(t, lifecycle.StateStarted, replacement.State(), "attach to a started host starts the child")

	_, body := get(t, host, "/app/x")
	assert.Equal(t, "new", body)

	require.NoError(t, old.Destroy(ctx))
	assert.Nil(t, old.Parent())
	assert.Len(t, host.Children(), 1)
	_, body = get(t, host, "/app")
	assert.Equal(t, "new", body)
}

func TestHostRejectsDuplicateNames(t *testing.T) {
	ctx := context.Background()
	host := NewHost("localhost", logr.Discard())
	require.NoError(t, host.AddChild(ctx, NewAppContext(Options{Name: "app", Path: "/a"})))

	err := host.AddChild(ctx, NewAppContext(Options{Name: "app", Path: "/b"}))
	assert.ErrorIs(t, err, ErrDuplicateName)
	assert.Len(t, host.Children(), 1)
}

func TestHostRemoveChildDestroys(t *testing.T) {
	ctx := context.Background()
	work := filepath.Join(t.TempDir(), "work")
	require.NoError(t, os.MkdirAll(work, 0755))

	host := NewHost("localhost", logr.Discard())
	c := NewAppContext(Options{Name: "app", Path: "/", WorkDir: work, Launch: launcher("x", nil)})
	require.NoError(t, host.AddChild(ctx, c))
	require.NoError(t, host.Start(ctx))

	require.NoError(t, host.RemoveChild(ctx, c))
	assert.Equal(t, lifecycle.StateDestroyed, c.State())
	assert.NoDirExists(t, work)

	err := host.RemoveChild(ctx, c)
	assert.True(t, errors.Is(err, ErrNotChild))

	code, _ := get(t, host, "/")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestContextDestroyKeepsClearedWorkDir(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	c := NewAppContext(Options{Name: "app", Path: "/", WorkDir: work, Launch: launcher("x", nil)})
	require.NoError(t, c.Start(ctx))

	c.SetWorkDir("")
	require.NoError(t, c.Destroy(ctx))
	assert.DirExists(t, work)
}

func TestContextSetNameOnlyWhileDetached(t *testing.T) {
	ctx := context.Background()
	host := NewHost("localhost", logr.Discard())
	c := NewAppContext(Options{Name: "app", Path: "/"})
	require.NoError(t, c.SetName("app-1"))
	require.NoError(t, host.AddChild(ctx, c))

	err := c.SetName("app")
	assert.ErrorIs(t, err, ErrAttached)
	assert.Equal(t, "app-1", c.Name())
}

func TestContextReloadKeepsIdentity(t *testing.T) {
	ctx := context.Background()
	var launches atomic.Int32
	var resets int
	c := NewAppContext(Options{
		Name:   "app",
		Path:   "/",
		Launch: launcher("x", &launches),
		Reset:  func() { resets++ },
	})
	require.NoError(t, c.Start(ctx))

	require.NoError(t, c.Reload(ctx))
	assert.Equal(t, int32(2), launches.Load())
	assert.Equal(t, 1, resets)
	assert.Equal(t, "app", c.Name())
	assert.Equal(t, lifecycle.StateStarted, c.State())
}

func TestContextReloadRequiresStarted(t *testing.T) {
	c := NewAppContext(Options{Name: "app", Path: "/", Launch: launcher("x", nil)})
	assert.Error(t, c.Reload(context.Background()))
}

func TestContextStartFailure(t *testing.T) {
	c := NewAppContext(Options{
		Name: "app",
		Path: "/",
		Launch: func(context.Context) (Backend, error) {
			return nil, errors.New("port in use")
		},
	})
	err := c.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port in use")
	assert.Equal(t, lifecycle.StateFailed, c.State())

	code, _ := get(t, c, "/")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestContextStopDrainsInFlight(t *testing.T) {
	ctx := context.Background()
	backend := &fakeBackend{body: "slow", block: make(chan struct{})}
	c := NewAppContext(Options{
		Name:   "app",
		Path:   "/",
		Launch: func(context.Context) (Backend, error) { return backend, nil },
	})
	require.NoError(t, c.Start(ctx))

	served := make(chan string, 1)
	go func() {
		_, body := get(t, c, "/")
		served <- body
	}()
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.Stop(ctx)
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("stop returned while a request was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.block)
	assert.Equal(t, "slow", <-served)
	<-stopped
	assert.True(t, backend.stopped.Load())
	assert.Equal(t, lifecycle.StateStopped, c.State())
}

func TestContextFiresStartEvents(t *testing.T) {
	var seen []lifecycle.EventType
	c := NewAppContext(Options{Name: "app", Path: "/", Launch: launcher("x", nil)})
	c.AddListener(listenerFunc(func(ev lifecycle.Event) { seen = append(seen, ev.Type) }))

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, []lifecycle.EventType{lifecycle.BeforeStart, lifecycle.Start, lifecycle.AfterStart}, seen)
}

type listenerAdapter struct{ fn func(lifecycle.Event) }

func (l *listenerAdapter) LifecycleEvent(_ context.Context, ev lifecycle.Event) { l.fn(ev) }

func listenerFunc(fn func(lifecycle.Event)) lifecycle.Listener { return &listenerAdapter{fn: fn} }
