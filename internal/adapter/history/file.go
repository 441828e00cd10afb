package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"edith/internal/domain"
)

// FileBackend stores every session transcript in a single JSON file keyed
// by session id. Reads and writes cover the whole record; writes go
// through a temp file and rename so a crash never leaves a half-written
// record.
type FileBackend struct {
	mu   sync.Mutex
	path string
}

// NewFileBackend creates a backend at path. The file is created on first
// write.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// ReadAll implements domain.HistoryBackend. A missing file yields an empty
// record.
func (b *FileBackend) ReadAll(_ context.Context) (map[string][]domain.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := os.ReadFile(b.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string][]domain.Message{}, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}

	var all map[string][]domain.Message
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	if all == nil {
		all = map[string][]domain.Message{}
	}
	return all, nil
}

// WriteAll implements domain.HistoryBackend.
func (b *FileBackend) WriteAll(_ context.Context, all map[string][]domain.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".history-*")
	if err != nil {
		return fmt.Errorf("create temp history: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write history: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close history: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace history: %w", err)
	}
	return nil
}

var _ domain.HistoryBackend = (*FileBackend)(nil)
