package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkerWatcherDebouncesTouches(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "restart.txt")
	other := filepath.Join(dir, "other.txt")
	require.NoError(t, os.WriteFile(marker, nil, 0644))

	var calls atomic.Int32
	mw, err := NewMarkerWatcher([]string{marker}, func() { calls.Add(1) }, logr.Discard())
	require.NoError(t, err)
	mw.debounce = 50 * time.Millisecond
	require.NoError(t, mw.Start(context.Background()))
	defer mw.Stop()

	require.NoError(t, os.WriteFile(other, []byte("x"), 0644))
	now := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, Touch(marker, now.Add(time.Duration(i)*time.Second)))
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "burst coalesced into one callback")
}

func TestMarkerWatcherStopWaitsForRunningCheck(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "restart.txt")
	require.NoError(t, os.WriteFile(marker, nil, 0644))

	entered := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	mw, err := NewMarkerWatcher([]string{marker}, func() {
		if calls.Add(1) == 1 {
			close(entered)
		}
		<-release
	}, logr.Discard())
	require.NoError(t, err)
	mw.debounce = 10 * time.Millisecond
	require.NoError(t, mw.Start(context.Background()))

	require.NoError(t, Touch(marker, time.Now().Add(time.Second)))
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("check did not run after touching the marker")
	}

	stopped := make(chan struct{})
	go func() {
		mw.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a check was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the check finished")
	}

	n := calls.Load()
	require.NoError(t, Touch(marker, time.Now().Add(2*time.Second)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, calls.Load(), "no check after Stop")
}

func TestMarkerWatcherStopDropsPendingCheck(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "restart.txt")
	require.NoError(t, os.WriteFile(marker, nil, 0644))

	var calls atomic.Int32
	mw, err := NewMarkerWatcher([]string{marker}, func() { calls.Add(1) }, logr.Discard())
	require.NoError(t, err)
	mw.debounce = 200 * time.Millisecond
	require.NoError(t, mw.Start(context.Background()))

	require.NoError(t, Touch(marker, time.Now().Add(time.Second)))
	require.Eventually(t, func() bool {
		mw.mu.Lock()
		defer mw.mu.Unlock()
		return mw.timer != nil
	}, 2*time.Second, 5*time.Millisecond)
	mw.Stop()

	time.Sleep(300 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestMarkerWatcherStartMissingDir(t *testing.T) {
	mw, err := NewMarkerWatcher([]string{filepath.Join(t.TempDir(), "gone", "restart.txt")}, func() {}, logr.Discard())
	require.NoError(t, err)
	assert.Error(t, mw.Start(context.Background()))
	mw.Stop()
}

func TestMetricsRecordReloads(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ReloadStarted("shop", "rolling")
	m.ReloadStarted("shop", "rolling")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.inProgress.WithLabelValues("shop")))

	m.ReloadFinished(Result{App: "shop", Strategy: "rolling", Duration: time.Second})
	m.ReloadFinished(Result{App: "shop", Strategy: "rolling", Err: errors.New("boom")})

	assert.Equal(t, 0.0, testutil.ToFloat64(m.inProgress.WithLabelValues("shop")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("shop", "rolling", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("shop", "rolling", "failure")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}
