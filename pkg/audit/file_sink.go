package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// FileSink appends entries to JSONL files with size-based rotation.
// One line per entry, rotated when the current file exceeds maxBytes.
type FileSink struct {
	dir      string
	maxBytes int64

	mu      sync.Mutex
	file    *os.File
	written int64
}

// NewFileSink creates the sink directory if needed and opens the first
// log file.
func NewFileSink(dir string, maxBytes int64) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sink directory: %w", err)
	}
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}

	s := &FileSink{dir: dir, maxBytes: maxBytes}
	if err := s.rotate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Write appends one entry as a JSON line.
func (s *FileSink) Write(_ context.Context, entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.written+int64(len(line)) > s.maxBytes {
		if err := s.rotate(); err != nil {
			return err
		}
	}

	n, err := s.file.Write(line)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// rotate opens a fresh timestamped file. Caller holds the lock except
// during construction.
func (s *FileSink) rotate() error {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("failed to close sink file: %w", err)
		}
	}

	name := fmt.Sprintf("audit-%s.jsonl", time.Now().UTC().Format("20060102-150405.000000000"))
	file, err := os.OpenFile(filepath.Join(s.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open sink file: %w", err)
	}

	s.file = file
	s.written = 0
	return nil
}

// Close flushes and closes the current file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
