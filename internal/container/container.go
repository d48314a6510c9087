// Package container implements the in-process routing tree: a Host that
// dispatches HTTP requests by context path to the application contexts
// attached to it.
package container

import (
	"context"
	"errors"
	"net/http"
	"time"

	"apphost/internal/lifecycle"
)

var (
	// ErrDuplicateName is returned when a child with the same name is already attached.
	ErrDuplicateName = errors.New("duplicate child name")
	// ErrNotChild is returned when removing a context that is not attached.
	ErrNotChild = errors.New("not a child of this container")
	// ErrAttached is returned when renaming a context that is already attached.
	ErrAttached = errors.New("context is attached to a parent")
	// ErrDestroyed is returned when starting a destroyed context.
	ErrDestroyed = errors.New("context destroyed")
)

// Parent is a node of the routing tree that owns contexts.
type Parent interface {
	Name() string
	AddChild(ctx context.Context, child Context) error
	RemoveChild(ctx context.Context, child Context) error
	Children() []Context
}

// Context is one runtime instance of a deployed application.
type Context interface {
	lifecycle.Lifecycle
	http.Handler

	Name() string
	// SetName assigns the identity. It fails once the context is attached.
	SetName(name string) error
	Path() string
	Parent() Parent
	SetParent(p Parent)
	WorkDir() string
	// SetWorkDir replaces the directory removed on Destroy. An empty value
	// keeps Destroy from touching the filesystem.
	SetWorkDir(dir string)
	StartedAt() time.Time
	// Reload restarts the application in place, keeping the same identity.
	Reload(ctx context.Context) error
}

// Backend serves the requests of one started context.
type Backend interface {
	http.Handler
	Stop(ctx context.Context) error
}

// LaunchFunc creates the backend of a context when it starts.
type LaunchFunc func(ctx context.Context) (Backend, error)
