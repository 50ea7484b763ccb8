package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLStorage keeps the chain in an append-only table, one row per entry,
// ordered by a monotonically increasing sequence column. It works with both
// Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLStorage struct {
	db *sql.DB
}

func NewSQLStorage(db *sql.DB) (*SQLStorage, error) {
	s := &SQLStorage{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStorage) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY,
		entry_id TEXT NOT NULL UNIQUE,
		payload TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLStorage) Append(ctx context.Context, entry *SignedEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	query := `
		INSERT INTO audit_entries (seq, entry_id, payload)
		VALUES ((SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_entries), $1, $2)
	`
	if _, err := s.db.ExecContext(ctx, query, entry.ID, string(payload)); err != nil {
		return fmt.Errorf("audit: append entry: %w", err)
	}
	return nil
}

func (s *SQLStorage) Load(ctx context.Context) ([]*SignedEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM audit_entries ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("audit: load entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*SignedEntry
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry SignedEntry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			return nil, fmt.Errorf("audit: parse entry: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

func (s *SQLStorage) Replace(ctx context.Context, entries []*SignedEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("audit: begin replace: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM audit_entries`); err != nil {
		return fmt.Errorf("audit: clear entries: %w", err)
	}
	for i, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("audit: marshal entry: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO audit_entries (seq, entry_id, payload) VALUES ($1, $2, $3)`,
			i+1, entry.ID, string(payload))
		if err != nil {
			return fmt.Errorf("audit: insert entry: %w", err)
		}
	}
	return tx.Commit()
}
