package chat

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

// FileStore keeps one chats.json per owner under its root directory,
// mirroring the one-partition-per-user layout. A corrupted partition
// degrades to empty rather than failing the process.
type FileStore struct {
	mu   sync.Mutex
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create chat data dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) ownerFile(owner string) string {
	// Owner ids are opaque; keep them out of path traversal's reach.
	return filepath.Join(s.root, filepath.Base(owner), "chats.json")
}

func (s *FileStore) LoadAll(ctx context.Context, owner string) (map[string]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(owner)
}

func (s *FileStore) loadLocked(owner string) (map[string]*Conversation, error) {
	path := s.ownerFile(owner)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return make(map[string]*Conversation), nil
		}
		return nil, fmt.Errorf("failed to read chat file: %w", err)
	}

	conversations := make(map[string]*Conversation)
	if err := json.Unmarshal(data, &conversations); err != nil {
		log.Printf("chat: file %s is corrupted, starting empty: %v", path, err)
		return make(map[string]*Conversation), nil
	}
	return conversations, nil
}

func (s *FileStore) Save(ctx context.Context, c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations, err := s.loadLocked(c.Owner)
	if err != nil {
		return err
	}
	conversations[c.ID] = c

	data, err := json.MarshalIndent(conversations, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal conversations: %w", err)
	}

	path := s.ownerFile(c.Owner)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create owner dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write chat file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace chat file: %w", err)
	}
	return nil
}
