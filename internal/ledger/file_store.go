package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps the whole ledger in one JSON file. A corrupted file
// degrades to an empty ledger instead of failing the process; losing data is
// preferred over being unavailable.
type FileStore struct {
	mu      sync.Mutex
	path    string
	entries map[string]*Entry
}

func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{
		path:    path,
		entries: make(map[string]*Entry),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read ledger file: %w", err)
	}

	if err := json.Unmarshal(data, &s.entries); err != nil {
		log.Printf("ledger: file %s is corrupted, starting empty: %v", path, err)
		s.entries = make(map[string]*Entry)
	}
	return s, nil
}

func (s *FileStore) Load(ctx context.Context) (map[string]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*Entry, len(s.entries))
	for user, e := range s.entries {
		out[user] = e.clone()
	}
	return out, nil
}

func (s *FileStore) Save(ctx context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[e.UserID] = e.clone()
	return s.flush()
}

// flush writes the full ledger atomically: temp file then rename, so a crash
// mid-write never leaves a half-written ledger behind.
func (s *FileStore) flush() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal ledger: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create ledger dir: %w", err)
		}
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write ledger file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace ledger file: %w", err)
	}
	return nil
}
