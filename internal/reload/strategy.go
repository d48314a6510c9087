package reload

import (
	"context"
	"fmt"
	"time"

	"apphost/internal/container"
	"apphost/internal/webapp"
)

// Strategy reloads the application of a holder. The holder's lock is held
// by the caller. Reload reports whether the caller may release the lock when
// it returns; a strategy that finishes asynchronously returns false and
// releases the lock itself.
type Strategy interface {
	Name() string
	Reload(ctx context.Context, h *webapp.Holder) (unlock bool, err error)
}

// ContextFactory builds a detached, not yet started context for an
// application.
type ContextFactory interface {
	BuildContext(app *webapp.WebApp) (container.Context, error)
}

// Strategies maps configured strategy names to implementations.
type Strategies map[webapp.ReloadStrategy]Strategy

// NewStrategies returns the standard table: the default and "restart" use
// restart, "rolling" uses rolling.
func NewStrategies(restart, rolling Strategy) Strategies {
	return Strategies{
		webapp.StrategyDefault: restart,
		webapp.StrategyRestart: restart,
		webapp.StrategyRolling: rolling,
	}
}

// For returns the strategy for kind. Unknown names fall back to restart.
func (s Strategies) For(kind webapp.ReloadStrategy) Strategy {
	if st, ok := s[kind]; ok && st != nil {
		return st
	}
	return s[webapp.StrategyRestart]
}

// Result describes one finished reload attempt.
type Result struct {
	ID       string
	App      string
	Strategy string
	From     string
	To       string
	Started  time.Time
	Duration time.Duration
	Err      error
}

func (r Result) Outcome() string {
	if r.Err != nil {
		return "failure"
	}
	return "success"
}

// Recorder observes reload attempts.
type Recorder interface {
	ReloadStarted(app, strategy string)
	ReloadFinished(r Result)
}

// Recorders fans out to several recorders.
type Recorders []Recorder

func (rs Recorders) ReloadStarted(app, strategy string) {
	for _, r := range rs {
		r.ReloadStarted(app, strategy)
	}
}

func (rs Recorders) ReloadFinished(res Result) {
	for _, r := range rs {
		r.ReloadFinished(res)
	}
}

type nopRecorder struct{}

func (nopRecorder) ReloadStarted(string, string) {}
func (nopRecorder) ReloadFinished(Result)        {}

type attemptKey struct{}

// withAttempt tags ctx with the id of the reload attempt it belongs to.
func withAttempt(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, attemptKey{}, id)
}

func attemptFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(attemptKey{}).(string)
	return id, ok
}

// RestartReload reloads the active context in place. Requests pause for the
// duration and the context keeps its identity. The lock can be released as
// soon as it returns.
type RestartReload struct{}

func (RestartReload) Name() string { return string(webapp.StrategyRestart) }

func (RestartReload) Reload(ctx context.Context, h *webapp.Holder) (bool, error) {
	c := h.Context()
	if err := c.Reload(ctx); err != nil {
		return true, fmt.Errorf("restart %s: %w", c.Name(), err)
	}
	return true, nil
}
