package executor

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/go-logr/logr"

	"apphost/internal/container"
)

// StaticExecutor serves the public directory of an application.
type StaticExecutor struct {
	log logr.Logger
}

func NewStaticExecutor(log logr.Logger) *StaticExecutor {
	return &StaticExecutor{log: log}
}

func (se *StaticExecutor) Launch(_ context.Context, spec Spec) (container.Backend, error) {
	dir := spec.Runtime.PublicDir
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("public dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("public dir %s is not a directory", dir)
	}

	var h http.Handler = http.FileServer(http.Dir(dir))
	if spec.ContextPath != "/" && spec.ContextPath != "" {
		h = http.StripPrefix(spec.ContextPath, h)
	}
	se.log.V(1).Info("serving static files", "context", spec.Instance, "dir", dir)
	return &staticBackend{handler: h}, nil
}

type staticBackend struct {
	handler http.Handler
}

func (b *staticBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b.handler.ServeHTTP(w, r)
}

func (b *staticBackend) Stop(context.Context) error { return nil }
