package ledger

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore persists ledger entries in a usage_ledger table, one row per
// user. Saves upsert the whole row, keeping each user's update atomic at the
// database.
type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context) (map[string]*Entry, error) {
	query := `
		SELECT user_id, total_spending::text, model_usage, last_updated
		FROM usage_ledger
	`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage ledger: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]*Entry)
	for rows.Next() {
		var (
			e        Entry
			spending string
			usage    []byte
		)
		if err := rows.Scan(&e.UserID, &spending, &usage, &e.LastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan ledger row: %w", err)
		}

		e.TotalSpending, err = decimal.NewFromString(spending)
		if err != nil {
			return nil, fmt.Errorf("invalid total_spending for %s: %w", e.UserID, err)
		}
		if err := json.Unmarshal(usage, &e.ModelUsage); err != nil {
			return nil, fmt.Errorf("invalid model_usage for %s: %w", e.UserID, err)
		}
		if e.ModelUsage == nil {
			e.ModelUsage = make(map[string]ModelUsage)
		}
		entries[e.UserID] = &e
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating ledger rows: %w", err)
	}
	return entries, nil
}

func (s *PostgresStore) Save(ctx context.Context, e *Entry) error {
	usage, err := json.Marshal(e.ModelUsage)
	if err != nil {
		return fmt.Errorf("failed to marshal model usage: %w", err)
	}

	query := `
		INSERT INTO usage_ledger (user_id, total_spending, model_usage, last_updated)
		VALUES ($1, $2::numeric, $3, $4)
		ON CONFLICT (user_id) DO UPDATE
		SET total_spending = EXCLUDED.total_spending,
		    model_usage    = EXCLUDED.model_usage,
		    last_updated   = EXCLUDED.last_updated
	`
	_, err = s.db.Exec(ctx, query,
		e.UserID, e.TotalSpending.String(), usage, e.LastUpdated,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert ledger entry: %w", err)
	}
	return nil
}
