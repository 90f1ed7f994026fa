package usage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tokenmeter/internal/core"
)

// DefaultJSONLPath is where events are appended when no path is configured.
const DefaultJSONLPath = "data/usage_events.jsonl"

// JSONLSink appends one JSON object per line to a file.
// Records are encoded outside the lock and written with a single Write call,
// so concurrent appends never interleave and nothing is buffered in process.
type JSONLSink struct {
	path  string
	fsync bool

	mu     sync.Mutex
	file   *os.File
	closed bool
}

// NewJSONLSink opens path for appending, creating it and its parent
// directories if needed. When fsync is set every append is synced to disk.
func NewJSONLSink(path string, fsync bool) (*JSONLSink, error) {
	if path == "" {
		path = DefaultJSONLPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, core.NewSinkError("jsonl", fmt.Errorf("failed to create directory %s: %w", dir, err))
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, core.NewSinkError("jsonl", fmt.Errorf("failed to open %s: %w", path, err))
	}

	return &JSONLSink{path: path, fsync: fsync, file: f}, nil
}

// Path returns the file the sink appends to.
func (s *JSONLSink) Path() string {
	return s.path
}

// Append writes the event as a single line.
func (s *JSONLSink) Append(_ context.Context, event *UsageEvent) error {
	if event == nil {
		return core.NewSinkError("jsonl", errors.New("nil event"))
	}

	line, err := json.Marshal(event)
	if err != nil {
		return core.NewSinkError("jsonl", fmt.Errorf("failed to encode event: %w", err))
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.NewSinkError("jsonl", os.ErrClosed)
	}
	if _, err := s.file.Write(line); err != nil {
		return core.NewSinkError("jsonl", fmt.Errorf("failed to write %s: %w", s.path, err))
	}
	if s.fsync {
		if err := s.file.Sync(); err != nil {
			return core.NewSinkError("jsonl", fmt.Errorf("failed to sync %s: %w", s.path, err))
		}
	}
	return nil
}

// Close closes the file. Safe to call multiple times.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
