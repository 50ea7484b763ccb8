package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Storage persists signed entries in insertion order. Append is the hot path;
// Replace exists for import and retention archiving only.
type Storage interface {
	Append(ctx context.Context, entry *SignedEntry) error
	Load(ctx context.Context) ([]*SignedEntry, error)
	Replace(ctx context.Context, entries []*SignedEntry) error
}

// MemoryStorage keeps the chain in process memory.
type MemoryStorage struct {
	mu      sync.Mutex
	entries []*SignedEntry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Append(ctx context.Context, entry *SignedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *entry
	m.entries = append(m.entries, &clone)
	return nil
}

func (m *MemoryStorage) Load(ctx context.Context) ([]*SignedEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*SignedEntry, len(m.entries))
	for i, e := range m.entries {
		clone := *e
		out[i] = &clone
	}
	return out, nil
}

func (m *MemoryStorage) Replace(ctx context.Context, entries []*SignedEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make([]*SignedEntry, len(entries))
	for i, e := range entries {
		clone := *e
		m.entries[i] = &clone
	}
	return nil
}

// FileStorage appends entries to a newline-delimited JSON file, one
// SignedEntry per line. Replace rewrites atomically via temp file + rename.
type FileStorage struct {
	mu   sync.Mutex
	path string
}

func NewFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create storage dir: %w", err)
	}
	return &FileStorage{path: path}, nil
}

func (f *FileStorage) Append(ctx context.Context, entry *SignedEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("audit: open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return file.Sync()
}

func (f *FileStorage) Load(ctx context.Context) ([]*SignedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var entries []*SignedEntry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry SignedEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("audit: parse entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: read log file: %w", err)
	}
	return entries, nil
}

func (f *FileStorage) Replace(ctx context.Context, entries []*SignedEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmp := f.path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("audit: create temp file: %w", err)
	}

	writer := bufio.NewWriter(file)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			_ = file.Close()
			return fmt.Errorf("audit: marshal entry: %w", err)
		}
		if _, err := writer.Write(append(line, '\n')); err != nil {
			_ = file.Close()
			return fmt.Errorf("audit: write entry: %w", err)
		}
	}
	if err := writer.Flush(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, f.path)
}
