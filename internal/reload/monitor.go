// Package reload detects reload requests for deployed applications and
// carries them out, either by restarting the active context in place or by
// rolling a replacement context in next to it.
package reload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"k8s.io/utils/clock"

	"apphost/internal/webapp"
)

// DefaultRetryDelay is how long Check waits for a missing marker to
// reappear. Deploy tools commonly remove and recreate it.
const DefaultRetryDelay = 500 * time.Millisecond

// MonitorSource reports the last-modified time of an application's reload
// marker.
type MonitorSource interface {
	// Init creates the marker if needed and records its mtime as the
	// holder's baseline.
	Init(h *webapp.Holder) error
	// Check returns the marker mtime. It reports false when the marker is
	// missing for this cycle.
	Check(ctx context.Context, h *webapp.Holder) (time.Time, bool)
}

// FileMonitor is a MonitorSource backed by a marker file.
type FileMonitor struct {
	clock      clock.Clock
	retryDelay time.Duration
}

func NewFileMonitor(clk clock.Clock) *FileMonitor {
	return &FileMonitor{clock: clk, retryDelay: DefaultRetryDelay}
}

func (m *FileMonitor) Init(h *webapp.Holder) error {
	marker := h.Monitor()
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return fmt.Errorf("open marker: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat marker: %w", err)
	}
	h.SetMonitorMtime(info.ModTime())
	return nil
}

func (m *FileMonitor) Check(ctx context.Context, h *webapp.Holder) (time.Time, bool) {
	marker := h.Monitor()
	info, err := os.Stat(marker)
	if errors.Is(err, os.ErrNotExist) {
		select {
		case <-m.clock.After(m.retryDelay):
		case <-ctx.Done():
			return time.Time{}, false
		}
		info, err = os.Stat(marker)
	}
	if err != nil {
		return time.Time{}, false
	}
	return info.ModTime(), true
}

// Touch sets the marker mtime to t, creating the marker if needed.
func Touch(marker string, t time.Time) error {
	if err := os.MkdirAll(filepath.Dir(marker), 0755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	f, err := os.OpenFile(marker, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open marker: %w", err)
	}
	f.Close()
	if err := os.Chtimes(marker, t, t); err != nil {
		return fmt.Errorf("touch marker: %w", err)
	}
	return nil
}
