package logging

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"sync"
)

// LogBroadcaster receives each log line for real-time streaming.
type LogBroadcaster interface {
	BroadcastLog(logEntry string)
}

// SharedWriter is an append-only JSON-lines sink shared by every component.
// Each Write is expected to carry whole lines, as zerolog emits them.
type SharedWriter struct {
	path        string
	file        *os.File
	mu          sync.Mutex
	broadcaster LogBroadcaster
}

// NewSharedWriter opens path for appending. An empty path only broadcasts.
func NewSharedWriter(path string) (*SharedWriter, error) {
	w := &SharedWriter{path: path}
	if strings.TrimSpace(path) == "" {
		return w, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file '%s': %w", path, err)
	}
	w.file = f
	return w, nil
}

func (w *SharedWriter) Path() string { return w.path }

// SetBroadcaster sets the sink for real-time log streaming.
func (w *SharedWriter) SetBroadcaster(b LogBroadcaster) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.broadcaster = b
}

// Write appends p to the file and broadcasts each non-empty line.
func (w *SharedWriter) Write(p []byte) (int, error) {
	if w == nil {
		return 0, fmt.Errorf("log writer is not initialized")
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		if _, err := w.file.Write(p); err != nil {
			return 0, err
		}
	}
	if w.broadcaster != nil {
		for _, line := range bytes.Split(p, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			w.broadcaster.BroadcastLog(string(line))
		}
	}
	return len(p), nil
}

// Close closes the underlying file.
func (w *SharedWriter) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
