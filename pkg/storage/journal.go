// Package storage provides append-only journals for tamper-evident logging
package storage

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AppendOnlyStore is a line-oriented journal. Entries must not contain
// newlines; JSON documents from encoding/json never do.
type AppendOnlyStore interface {
	Append(data []byte) error
	ReadAll() ([][]byte, error)
	// LastEntry returns nil when the journal is empty.
	LastEntry() ([]byte, error)
}

// FileJournal appends entries to a file, one per line, syncing each write
type FileJournal struct {
	path string

	mu   sync.Mutex
	file *os.File
}

// OpenFileJournal opens path for appending, creating it and its parent
// directories when missing.
func OpenFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &FileJournal{path: path, file: f}, nil
}

// Append writes data followed by a newline and fsyncs.
func (j *FileJournal) Append(data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("journal entry must not contain a newline")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return os.ErrClosed
	}
	line := make([]byte, 0, len(data)+1)
	line = append(append(line, data...), '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// ReadAll returns every entry in append order.
func (j *FileJournal) ReadAll() ([][]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	data, err := os.ReadFile(j.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	return splitEntries(data), nil
}

// LastEntry returns the most recent entry.
func (j *FileJournal) LastEntry() ([]byte, error) {
	entries, err := j.ReadAll()
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[len(entries)-1], nil
}

// Size returns the journal size in bytes.
func (j *FileJournal) Size() (int64, error) {
	info, err := os.Stat(j.path)
	if err != nil {
		return 0, fmt.Errorf("failed to stat journal: %w", err)
	}
	return info.Size(), nil
}

// Close closes the underlying file. Later appends fail.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// A crash mid-write can leave a partial last line; it is returned as is so
// chain verification reports it.
func splitEntries(data []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}

// MemoryJournal is an in-memory AppendOnlyStore
type MemoryJournal struct {
	mu      sync.RWMutex
	entries [][]byte
}

// NewMemoryJournal creates an empty MemoryJournal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Append(data []byte) error {
	if bytes.IndexByte(data, '\n') >= 0 {
		return fmt.Errorf("journal entry must not contain a newline")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, bytes.Clone(data))
	return nil
}

func (m *MemoryJournal) ReadAll() ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, len(m.entries))
	for i, e := range m.entries {
		out[i] = bytes.Clone(e)
	}
	return out, nil
}

func (m *MemoryJournal) LastEntry() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return nil, nil
	}
	return bytes.Clone(m.entries[len(m.entries)-1]), nil
}

// Replace overwrites entry i. It exists so tests can simulate tampering.
func (m *MemoryJournal) Replace(i int, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[i] = bytes.Clone(data)
}
