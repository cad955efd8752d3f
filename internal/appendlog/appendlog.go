package appendlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Log is an append-only JSONL file with an explicit flush-to-disk on every
// append. It backs the event-bus fallback log and the WAL critical segment,
// where an acknowledged write must survive a crash.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// Open opens (or creates) the append-only log at path, creating parent
// directories as needed.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("appendlog: mkdir %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("appendlog: open %s: %w", path, err)
	}
	return &Log{path: path, f: f}, nil
}

// Append serializes v as one JSON line and fsyncs before returning. The write
// is not acknowledged until it is durable.
func (l *Log) Append(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("appendlog: marshal: %w", err)
	}
	b = append(b, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(b); err != nil {
		return fmt.Errorf("appendlog: write %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("appendlog: fsync %s: %w", l.path, err)
	}
	return nil
}

// ReadAll decodes every line of the log into values of T, skipping lines that
// fail to decode (a torn final line after a crash is expected). Used by WAL
// replay.
func ReadAll[T any](path string) ([]T, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("appendlog: read %s: %w", path, err)
	}
	var out []T
	start := 0
	for i := 0; i <= len(b); i++ {
		if i == len(b) || b[i] == '\n' {
			line := b[start:i]
			start = i + 1
			if len(line) == 0 {
				continue
			}
			var item T
			if err := json.Unmarshal(line, &item); err != nil {
				continue
			}
			out = append(out, item)
		}
	}
	return out, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }
