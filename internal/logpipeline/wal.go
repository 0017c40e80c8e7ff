// Package logpipeline implements the per-run durable log pipeline: WAL
// append, spool buffering with persisted cursors, batch sender and
// backpressure state machine (spec.md §4.3).
package logpipeline

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"antcode/internal/domain"
)

// walRecord is one WAL line: (seq, timestamp, content).
type walRecord struct {
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"`
	Content   string `json:"content"`
	Level     string `json:"level,omitempty"`
}

// WAL is an append-only per-(run_id, stream) log file that survives
// process restart. It is purged only after the spool confirms every
// entry has been acked by transport.
type WAL struct {
	path string

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

// OpenWAL opens (creating if absent) the WAL file for runID/stream under
// walDir, matching the persisted-state layout
// logs/wal/<run_id>/{stdout,stderr}.log.
func OpenWAL(walDir, runID string, stream domain.LogStream) (*WAL, error) {
	dir := filepath.Join(walDir, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	path := filepath.Join(dir, string(stream)+".log")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file: %w", err)
	}

	return &WAL{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// Append writes one record and flushes it so a crash never loses an
// acknowledged-to-the-OS write.
func (w *WAL) Append(rec walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal wal record: %w", err)
	}
	if _, err := w.w.Write(data); err != nil {
		return fmt.Errorf("write wal record: %w", err)
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// ReadAll replays every record currently on disk, in order.
func (w *WAL) ReadAll() ([]walRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open wal for replay: %w", err)
	}
	defer f.Close()

	var records []walRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		var rec walRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}

// Purge removes the WAL file once every entry has been acked by
// transport (spec.md §4.3).
func (w *WAL) Purge() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Close(); err != nil {
		return err
	}
	return os.Remove(w.path)
}

// Close closes the underlying file without deleting it.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}
