package chat

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore keeps conversations in a conversations table, keyed by id
// and partitioned by owner.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) LoadAll(ctx context.Context, owner string) (map[string]*Conversation, error) {
	query := `
		SELECT id, owner, title, model, messages, created_at
		FROM conversations
		WHERE owner = $1
	`
	rows, err := s.db.Query(ctx, query, owner)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	conversations := make(map[string]*Conversation)
	for rows.Next() {
		var (
			c        Conversation
			messages []byte
		)
		if err := rows.Scan(&c.ID, &c.Owner, &c.Title, &c.Model, &messages, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if err := json.Unmarshal(messages, &c.Messages); err != nil {
			return nil, fmt.Errorf("invalid messages for conversation %s: %w", c.ID, err)
		}
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		conversations[c.ID] = &c
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return conversations, nil
}

func (s *PostgresStore) Save(ctx context.Context, c *Conversation) error {
	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	query := `
		INSERT INTO conversations (id, owner, title, model, messages, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET title    = EXCLUDED.title,
		    messages = EXCLUDED.messages
	`
	_, err = s.db.Exec(ctx, query,
		c.ID, c.Owner, c.Title, c.Model, messages, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}
