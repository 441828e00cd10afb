package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"edith/internal/domain"
)

// SQLiteBackend stores one row per session, with the transcript serialized
// as JSON. The whole-record read/write contract matches the file backend;
// sqlite just gives the writes transactional replacement instead of a
// rename.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (and if needed initializes) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// The store serializes flushes itself; a single connection avoids
	// SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id       TEXT PRIMARY KEY,
			messages TEXT NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// ReadAll implements domain.HistoryBackend.
func (b *SQLiteBackend) ReadAll(ctx context.Context) (map[string][]domain.Message, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT id, messages FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	all := map[string][]domain.Message{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var msgs []domain.Message
		if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
			return nil, fmt.Errorf("parse session %q: %w", id, err)
		}
		all[id] = msgs
	}
	return all, rows.Err()
}

// WriteAll implements domain.HistoryBackend. The record is replaced in one
// transaction.
func (b *SQLiteBackend) WriteAll(ctx context.Context, all map[string][]domain.Message) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("clear sessions: %w", err)
	}
	for id, msgs := range all {
		raw, err := json.Marshal(msgs)
		if err != nil {
			return fmt.Errorf("marshal session %q: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, messages) VALUES (?, ?)`, id, string(raw)); err != nil {
			return fmt.Errorf("insert session %q: %w", id, err)
		}
	}
	return tx.Commit()
}

// Close releases the database handle.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

var _ domain.HistoryBackend = (*SQLiteBackend)(nil)
