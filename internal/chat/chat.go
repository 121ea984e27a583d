package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conversation not found")

const (
	placeholderTitle = "New Chat"
	titleMaxWords    = 4
)

type Message struct {
	Role    string `json:"role"` // "user", "assistant", "system"
	Content string `json:"content"`
}

// Conversation is an owned, ordered, append-only message sequence. Model is
// denormalized at creation and does not change if the user later switches
// models. CreatedAt is the immutable sort key for history listing.
type Conversation struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model"`
}

func (c *Conversation) clone() *Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	return &out
}

// Store persists conversations partitioned per owner. LoadAll returns one
// owner's conversations keyed by id; Save persists a single conversation.
type Store interface {
	LoadAll(ctx context.Context, owner string) (map[string]*Conversation, error)
	Save(ctx context.Context, c *Conversation) error
}

// Service is the conversation front: it caches each owner's partition in
// memory and writes through on every mutation. Partitions are independent,
// so cross-owner writes never contend beyond the cache map itself.
type Service struct {
	store Store

	mu    sync.Mutex
	cache map[string]map[string]*Conversation // owner -> id -> conversation
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		cache: make(map[string]map[string]*Conversation),
	}
}

// Create persists a fresh empty conversation immediately, so it survives a
// restart even before the first message arrives.
func (s *Service) Create(ctx context.Context, owner, model string) (*Conversation, error) {
	conv := &Conversation{
		ID:        uuid.New().String(),
		Owner:     owner,
		Title:     placeholderTitle,
		Messages:  []Message{},
		CreatedAt: time.Now().UTC(),
		Model:     model,
	}

	if err := s.store.Save(ctx, conv.clone()); err != nil {
		return nil, fmt.Errorf("failed to persist conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	part, err := s.partition(ctx, owner)
	if err != nil {
		return nil, err
	}
	part[conv.ID] = conv
	return conv.clone(), nil
}

// Append adds one message to the conversation. After the append that
// completes the first user/assistant exchange (message count 2) the title is
// derived from the first message's leading words, exactly once; later
// appends never touch it.
func (s *Service) Append(ctx context.Context, owner, conversationID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, err := s.partition(ctx, owner)
	if err != nil {
		return err
	}
	conv, ok := part[conversationID]
	if !ok {
		return ErrNotFound
	}

	updated := conv.clone()
	updated.Messages = append(updated.Messages, msg)
	if len(updated.Messages) == 2 {
		updated.Title = deriveTitle(updated.Messages[0].Content)
	}

	if err := s.store.Save(ctx, updated.clone()); err != nil {
		return fmt.Errorf("failed to persist conversation: %w", err)
	}
	part[conversationID] = updated
	return nil
}

// Get returns a copy of one conversation.
func (s *Service) Get(ctx context.Context, owner, conversationID string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, err := s.partition(ctx, owner)
	if err != nil {
		return nil, err
	}
	conv, ok := part[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	return conv.clone(), nil
}

// List returns the ordered message sequence of one conversation.
func (s *Service) List(ctx context.Context, owner, conversationID string) ([]Message, error) {
	conv, err := s.Get(ctx, owner, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Messages, nil
}

// AllFor returns the owner's conversations sorted by creation time,
// newest first.
func (s *Service) AllFor(ctx context.Context, owner string) ([]*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	part, err := s.partition(ctx, owner)
	if err != nil {
		return nil, err
	}

	out := make([]*Conversation, 0, len(part))
	for _, conv := range part {
		out = append(out, conv.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// partition returns the owner's cached conversations, loading them from the
// store on first touch. Callers must hold s.mu.
func (s *Service) partition(ctx context.Context, owner string) (map[string]*Conversation, error) {
	if part, ok := s.cache[owner]; ok {
		return part, nil
	}

	part, err := s.store.LoadAll(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations for %s: %w", owner, err)
	}
	if part == nil {
		part = make(map[string]*Conversation)
	}
	s.cache[owner] = part
	return part, nil
}

// deriveTitle keeps the first few words of the opening message.
func deriveTitle(content string) string {
	words := strings.Fields(content)
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	if len(words) == 0 {
		return placeholderTitle
	}
	return strings.Join(words, " ") + "..."
}
