package statuslist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLStorage implements Storage using database/sql, one row per list.
// It supports both Postgres (lib/pq) and SQLite (modernc.org/sqlite) via
// standard drivers.
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
	CREATE TABLE IF NOT EXISTS status_lists (
		id TEXT PRIMARY KEY,
		purpose TEXT NOT NULL,
		issuer TEXT NOT NULL,
		base_url TEXT NOT NULL,
		length INTEGER NOT NULL,
		allocation_cursor INTEGER NOT NULL DEFAULT 0,
		encoded_list TEXT NOT NULL,
		metadata TEXT,
		updated_at TIMESTAMP
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLStorage) Save(ctx context.Context, rec *ListRecord) error {
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("statuslist: marshal metadata: %w", err)
	}

	query := `
		INSERT INTO status_lists (id, purpose, issuer, base_url, length, allocation_cursor, encoded_list, metadata, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			allocation_cursor = EXCLUDED.allocation_cursor,
			encoded_list = EXCLUDED.encoded_list,
			metadata = EXCLUDED.metadata,
			updated_at = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, string(rec.Purpose), rec.Issuer, rec.BaseURL,
		rec.Length, rec.AllocationCursor, rec.EncodedList, string(metadata), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("statuslist: save list: %w", err)
	}
	return nil
}

func (s *SQLStorage) Load(ctx context.Context, id string) (*ListRecord, error) {
	query := `
		SELECT id, purpose, issuer, base_url, length, allocation_cursor, encoded_list, metadata, updated_at
		FROM status_lists WHERE id = $1
	`
	row := s.db.QueryRowContext(ctx, query, id)

	var rec ListRecord
	var purpose, metadata string
	err := row.Scan(&rec.ID, &purpose, &rec.Issuer, &rec.BaseURL,
		&rec.Length, &rec.AllocationCursor, &rec.EncodedList, &metadata, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrListNotFound
		}
		return nil, fmt.Errorf("statuslist: load list: %w", err)
	}

	rec.Purpose = Purpose(purpose)
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("statuslist: parse metadata: %w", err)
		}
	}
	return &rec, nil
}

func (s *SQLStorage) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM status_lists`)
	if err != nil {
		return nil, fmt.Errorf("statuslist: list ids: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
