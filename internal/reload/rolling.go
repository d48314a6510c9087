package reload

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"apphost/internal/container"
	"apphost/internal/lifecycle"
	"apphost/internal/webapp"
)

// DefaultStartTimeout bounds how long a replacement context may take to
// start before the rolling reload is rolled back.
const DefaultStartTimeout = 2 * time.Minute

// RollingReload replaces the active context with a freshly built one. The
// replacement is attached next to the old context and started in the
// background; the old context keeps serving until the replacement has
// started, at which point a Takeover retires it.
type RollingReload struct {
	factory      ContextFactory
	clock        clock.PassiveClock
	startTimeout time.Duration
	recorder     Recorder
	log          logr.Logger

	wg sync.WaitGroup
}

// RollingOptions configures a RollingReload.
type RollingOptions struct {
	Factory      ContextFactory
	Clock        clock.PassiveClock
	StartTimeout time.Duration
	Recorder     Recorder
	Logger       logr.Logger
}

func NewRollingReload(opts RollingOptions) *RollingReload {
	r := &RollingReload{
		factory:      opts.Factory,
		clock:        opts.Clock,
		startTimeout: opts.StartTimeout,
		recorder:     opts.Recorder,
		log:          opts.Logger,
	}
	if r.clock == nil {
		r.clock = clock.RealClock{}
	}
	if r.startTimeout <= 0 {
		r.startTimeout = DefaultStartTimeout
	}
	if r.recorder == nil {
		r.recorder = nopRecorder{}
	}
	return r
}

func (r *RollingReload) Name() string { return string(webapp.StrategyRolling) }

// Reload swaps in the replacement and returns without waiting for it to
// start. It returns false: the background task releases the lock.
func (r *RollingReload) Reload(ctx context.Context, h *webapp.Holder) (bool, error) {
	_, err := r.begin(ctx, h)
	return false, err
}

// ReloadWait is Reload but blocks until the background task has finished and
// returns its error.
func (r *RollingReload) ReloadWait(ctx context.Context, h *webapp.Holder) (bool, error) {
	done, err := r.begin(ctx, h)
	if err != nil {
		return false, err
	}
	return false, <-done
}

// Wait blocks until every background task has finished.
func (r *RollingReload) Wait() { r.wg.Wait() }

func (r *RollingReload) begin(ctx context.Context, h *webapp.Holder) (<-chan error, error) {
	app := h.App()
	old := h.Context()
	parent := old.Parent()
	if parent == nil {
		return nil, fmt.Errorf("rolling %s: active context %s is not attached", app.Name(), old.Name())
	}

	id, ok := attemptFrom(ctx)
	if !ok {
		id = uuid.NewString()
	}
	log := r.log.WithValues("app", app.Name(), "reload", id)
	log.Info("context has started rolling", "context", old.Name())
	started := r.clock.Now()

	app.Reset()
	next, err := r.factory.BuildContext(app)
	if err != nil {
		return nil, fmt.Errorf("rolling %s: build context: %w", app.Name(), err)
	}
	if err := next.SetName(NextContextName(old.Name(), started.UnixMilli())); err != nil {
		next.SetWorkDir("")
		if derr := next.Destroy(ctx); derr != nil {
			log.Error(derr, "destroy unused context", "context", next.Name())
		}
		return nil, fmt.Errorf("rolling %s: %w", app.Name(), err)
	}
	takeover := NewTakeover(old, log)
	next.AddListener(takeover)
	h.SetContext(next)

	done := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		err := r.roll(context.WithoutCancel(ctx), h, parent, old, next, takeover, log)
		r.recorder.ReloadFinished(Result{
			ID:       id,
			App:      app.Name(),
			Strategy: r.Name(),
			From:     old.Name(),
			To:       next.Name(),
			Started:  started,
			Duration: r.clock.Since(started),
			Err:      err,
		})
		done <- err
	}()
	return done, nil
}

// roll attaches and starts next. Any failure, including a panic, discards
// next and restores old as the active context. The lock is always released.
func (r *RollingReload) roll(ctx context.Context, h *webapp.Holder, parent container.Parent, old, next container.Context, takeover *Takeover, log logr.Logger) (err error) {
	defer h.Unlock()

	ctx, cancel := context.WithTimeout(ctx, r.startTimeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
			log.Error(err, "rolling reload panicked", "stack", string(debug.Stack()))
		}
		if err == nil {
			return
		}
		log.Error(err, "context failed rolling", "context", old.Name())
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.startTimeout)
		defer cancel()
		if takeover.Failed(cleanup, next) {
			h.CompareAndSwapContext(next, old)
		}
	}()

	log.V(1).Info("starting a new context", "context", next.Name(), "path", next.Path())
	if err := parent.AddChild(ctx, next); err != nil {
		return fmt.Errorf("attach %s: %w", next.Name(), err)
	}
	if next.State() == lifecycle.StateNew {
		if err := next.Start(ctx); err != nil {
			return err
		}
	}
	if state := next.State(); state != lifecycle.StateStarted {
		return fmt.Errorf("context %s is %s after start", next.Name(), state)
	}
	if !takeover.Fired() {
		return errors.New("replacement started without taking over")
	}
	log.Info("context has completed rolling", "context", old.Name(), "replacement", next.Name())
	return nil
}

// NextContextName derives a unique name for the replacement of a context
// named old. A trailing "-<millis>" suffix from an earlier rolling reload is
// replaced rather than stacked.
func NextContextName(old string, millis int64) string {
	stamp := strconv.FormatInt(millis, 10)
	base := old
	if i := strings.LastIndexByte(old, '-'); i >= 0 {
		suffix := old[i+1:]
		if len(suffix) == len(stamp) && isDigits(suffix) {
			base = old[:i]
			if suffix == stamp {
				stamp = strconv.FormatInt(millis+1, 10)
			}
		}
	}
	return base + "-" + stamp
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
