package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"marketplace/pkg/kv"
)

// Schema creates the table Store expects.
const Schema = "CREATE TABLE IF NOT EXISTS kv_store (key TEXT PRIMARY KEY, value TEXT NOT NULL)"

// Store persists values in PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a PostgreSQL store. The caller must ensure the database has
// the table described by Schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, kv.ErrEmptyKey
	}
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key=$1", key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select %s: %w", key, err)
	}
	return v, true, nil
}

// Set upserts the value stored under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return kv.ErrEmptyKey
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO kv_store (key,value) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value",
		key, value)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return nil
}

// Merge shallow-merges value into the stored value under a row lock.
func (s *Store) Merge(ctx context.Context, key, value string) (err error) {
	if key == "" {
		return kv.ErrEmptyKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	merged := value
	var existing string
	err = tx.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE key=$1 FOR UPDATE", key).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return fmt.Errorf("select %s: %w", key, err)
	default:
		if merged, err = kv.MergeJSON(existing, value); err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO kv_store (key,value) VALUES ($1,$2) ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value",
		key, merged)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", key, err)
	}
	return tx.Commit()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
