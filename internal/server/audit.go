package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"apphost/internal/reload"
	"apphost/pkg/protocol"
)

// AuditLogger writes one JSON line per finished reload attempt.
type AuditLogger struct {
	writer io.WriteCloser
	clock  clock.PassiveClock
	log    logr.Logger
	mu     sync.Mutex
}

// NewAuditLogger creates a new audit logger appending to path. If path is
// empty, audit logging is disabled.
func NewAuditLogger(path string, clk clock.PassiveClock, log logr.Logger) (*AuditLogger, error) {
	al := &AuditLogger{writer: nopWriteCloser{}, clock: clk, log: log}
	if path == "" {
		return al, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	al.writer = file
	return al, nil
}

// Log writes a record to the audit log.
func (al *AuditLogger) Log(record protocol.ReloadRecord) error {
	al.mu.Lock()
	defer al.mu.Unlock()

	if record.Timestamp == "" {
		record.Timestamp = al.clock.Now().UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal reload record: %w", err)
	}
	data = append(data, '\n')
	if _, err := al.writer.Write(data); err != nil {
		return fmt.Errorf("write reload record: %w", err)
	}
	return nil
}

func (al *AuditLogger) ReloadStarted(string, string) {}

// ReloadFinished records a finished reload. Write failures are logged.
func (al *AuditLogger) ReloadFinished(r reload.Result) {
	record := protocol.ReloadRecord{
		ID:         r.ID,
		App:        r.App,
		Strategy:   r.Strategy,
		From:       r.From,
		To:         r.To,
		Outcome:    r.Outcome(),
		DurationMS: float64(r.Duration.Microseconds()) / 1000,
	}
	if r.Err != nil {
		record.Error = r.Err.Error()
	}
	if err := al.Log(record); err != nil {
		al.log.Error(err, "write audit log", "app", r.App, "reload", r.ID)
	}
}

// Close closes the audit log file.
func (al *AuditLogger) Close() error {
	al.mu.Lock()
	defer al.mu.Unlock()
	return al.writer.Close()
}

// ReadHistory reads all reload records from path. Malformed lines are
// skipped.
func ReadHistory(path string) ([]protocol.ReloadRecord, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var records []protocol.ReloadRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record protocol.ReloadRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read audit log: %w", err)
	}
	return records, nil
}

// nopWriteCloser is a no-op io.WriteCloser for disabled audit logging.
type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }
