package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// DefaultDebounce coalesces bursts of marker events into one check.
const DefaultDebounce = 500 * time.Millisecond

// MarkerWatcher watches reload markers with fsnotify and calls onChange
// shortly after one of them is touched, so reloads do not wait for the next
// periodic check.
type MarkerWatcher struct {
	markers  map[string]bool
	watcher  *fsnotify.Watcher
	onChange func()
	debounce time.Duration
	log      logr.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// guards timer and stopped; wg.Add for a callback happens under mu
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewMarkerWatcher creates a watcher for the given marker paths.
func NewMarkerWatcher(markers []string, onChange func(), log logr.Logger) (*MarkerWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	set := make(map[string]bool, len(markers))
	for _, m := range markers {
		set[filepath.Clean(m)] = true
	}
	return &MarkerWatcher{
		markers:  set,
		watcher:  watcher,
		onChange: onChange,
		debounce: DefaultDebounce,
		log:      log,
	}, nil
}

// Start watches the directories of all markers. Markers may be replaced
// rather than written, so the directory is watched instead of the file.
func (mw *MarkerWatcher) Start(ctx context.Context) error {
	mw.ctx, mw.cancel = context.WithCancel(ctx)

	dirs := make(map[string]bool)
	for m := range mw.markers {
		dirs[filepath.Dir(m)] = true
	}
	for dir := range dirs {
		if err := mw.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch marker dir %s: %w", dir, err)
		}
		mw.log.V(1).Info("watching for reload markers", "dir", dir)
	}

	mw.wg.Add(1)
	go func() {
		defer mw.wg.Done()
		mw.watchLoop()
	}()
	mw.log.Info("marker watcher started", "markers", len(mw.markers))
	return nil
}

// Stop shuts the watcher down. A pending debounced check is dropped and a
// running one is waited for, so onChange is never called after Stop returns.
func (mw *MarkerWatcher) Stop() error {
	if mw.cancel != nil {
		mw.cancel()
	}
	mw.mu.Lock()
	mw.stopped = true
	if mw.timer != nil {
		mw.timer.Stop()
	}
	mw.mu.Unlock()

	err := mw.watcher.Close()
	mw.wg.Wait()
	mw.log.Info("marker watcher stopped")
	return err
}

func (mw *MarkerWatcher) watchLoop() {
	for {
		select {
		case <-mw.ctx.Done():
			return

		case event, ok := <-mw.watcher.Events:
			if !ok {
				return
			}
			if !mw.markers[filepath.Clean(event.Name)] {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Chmod) {
				continue
			}
			mw.log.V(1).Info("reload marker touched", "marker", event.Name, "op", event.Op.String())

			mw.schedule()

		case err, ok := <-mw.watcher.Errors:
			if !ok {
				return
			}
			mw.log.Error(err, "marker watcher error")
		}
	}
}

// schedule (re)arms the debounce timer.
func (mw *MarkerWatcher) schedule() {
	mw.mu.Lock()
	defer mw.mu.Unlock()
	if mw.stopped {
		return
	}
	if mw.timer != nil {
		mw.timer.Stop()
	}
	mw.timer = time.AfterFunc(mw.debounce, mw.fire)
}

func (mw *MarkerWatcher) fire() {
	mw.mu.Lock()
	if mw.stopped || mw.ctx.Err() != nil {
		mw.mu.Unlock()
		return
	}
	mw.wg.Add(1)
	mw.mu.Unlock()

	defer mw.wg.Done()
	mw.onChange()
}
