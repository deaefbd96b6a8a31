// Package memory provides persistent key-value memory that survives across
// conversations and is surfaced to the LLM through the system prompt.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Manager is a SQLite-backed key-value store for long-lived facts.
type Manager struct {
	db *sql.DB
}

// NewManager opens (and migrates) the memory database at dbPath.
func NewManager(dbPath string) (*Manager, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	m := &Manager{db: db}
	if err := m.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("memory migration failed: %w", err)
	}
	return m, nil
}

func (m *Manager) migrate() error {
	_, err := m.db.Exec(`
	CREATE TABLE IF NOT EXISTS memory (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);`)
	return err
}

// Get returns the value for key, or "" when absent.
func (m *Manager) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := m.db.QueryRowContext(ctx, `SELECT value FROM memory WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// Set stores or overwrites the value for key.
func (m *Manager) Set(ctx context.Context, key, value string) error {
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO memory (key, value, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET
		     value = excluded.value,
		     updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

// Delete removes the entry for key.
func (m *Manager) Delete(ctx context.Context, key string) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM memory WHERE key = ?`, key)
	return err
}

// All returns every stored entry, most recently updated first. The slice
// order is stable so the rendered prompt section is deterministic.
func (m *Manager) All(ctx context.Context) ([][2]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT key, value FROM memory ORDER BY updated_at DESC, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out = append(out, [2]string{k, v})
	}
	return out, rows.Err()
}

// Clear removes every entry.
func (m *Manager) Clear(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `DELETE FROM memory`)
	return err
}

// Close releases the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}
