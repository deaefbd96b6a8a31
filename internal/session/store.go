package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"databot/internal/domain"
)

// SQLiteStore implements domain.SessionStore with one row per session and
// the history serialized as JSON. Write-through callers overwrite the full
// history on every save.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and migrates) the session database at dbPath.
func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		key         TEXT PRIMARY KEY,
		history     TEXT NOT NULL DEFAULT '[]',
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) GetHistory(ctx context.Context, key string) ([]domain.Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT history FROM sessions WHERE key = ?`, key,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get history %q: %w", key, err)
	}

	var history []domain.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		// A corrupt row should not wedge the session forever.
		s.logger.Error("corrupt session history, starting fresh", "session", key, "error", err)
		return nil, nil
	}
	return history, nil
}

func (s *SQLiteStore) SaveHistory(ctx context.Context, key string, history []domain.Message) error {
	if history == nil {
		history = []domain.Message{}
	}
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("marshal history %q: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, history, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET
		     history = excluded.history,
		     updated_at = CURRENT_TIMESTAMP`,
		key, string(data),
	)
	if err != nil {
		return fmt.Errorf("save history %q: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE key = ?`, key)
	return err
}

func (s *SQLiteStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ domain.SessionStore = (*SQLiteStore)(nil)
