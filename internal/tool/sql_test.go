package tool

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func seedDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warehouse.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()
	_, err = db.Exec(`
		CREATE TABLE pipelines (name TEXT, status TEXT);
		INSERT INTO pipelines VALUES ('daily_orders', 'success'), ('hourly_events', 'failed');
	`)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return path
}

func newSQLTool(t *testing.T, readOnly bool) *SQLTool {
	tool := NewSQLTool(SQLConfig{
		Connections: map[string]string{"warehouse": seedDB(t)},
		ReadOnly:    readOnly,
		MaxRows:     100,
	})
	t.Cleanup(func() { tool.Close() })
	return tool
}

func TestSQLTool_Query(t *testing.T) {
	tool := newSQLTool(t, true)
	result, err := tool.Execute(context.Background(), map[string]any{
		"query":      "SELECT name, status FROM pipelines ORDER BY name",
		"connection": "warehouse",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result, "| daily_orders | success |") {
		t.Fatalf("expected markdown row, got:\n%s", result)
	}
	if !strings.Contains(result, "2 row(s)") {
		t.Fatalf("expected row count, got:\n%s", result)
	}
}

func TestSQLTool_UnknownConnection(t *testing.T) {
	tool := newSQLTool(t, true)
	result, err := tool.Execute(context.Background(), map[string]any{
		"query":      "SELECT 1",
		"connection": "nope",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result, "Unknown connection 'nope'") {
		t.Fatalf("unexpected result: %q", result)
	}
}

func TestSQLTool_ReadOnlyBlocksWrites(t *testing.T) {
	tool := newSQLTool(t, true)
	for _, q := range []string{
		"DELETE FROM pipelines",
		"drop table pipelines",
		"INSERT INTO pipelines VALUES ('x', 'y')",
	} {
		result, err := tool.Execute(context.Background(), map[string]any{
			"query": q, "connection": "warehouse",
		})
		if err != nil {
			t.Fatalf("execute %q: %v", q, err)
		}
		if !strings.Contains(result, "not allowed in read-only mode") {
			t.Fatalf("expected read-only rejection for %q, got %q", q, result)
		}
	}
}

func TestSQLTool_ReadOnlyBlocksMultiStatement(t *testing.T) {
	tool := newSQLTool(t, true)
	result, _ := tool.Execute(context.Background(), map[string]any{
		"query":      "SELECT 1; SELECT 2",
		"connection": "warehouse",
	})
	if !strings.Contains(result, "Multiple SQL statements") {
		t.Fatalf("expected multi-statement rejection, got %q", result)
	}
}

func TestSQLTool_SemicolonInsideStringAllowed(t *testing.T) {
	tool := newSQLTool(t, true)
	result, err := tool.Execute(context.Background(), map[string]any{
		"query":      "SELECT name FROM pipelines WHERE status = 'a;b'",
		"connection": "warehouse",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.Contains(result, "Multiple SQL statements") {
		t.Fatalf("quoted semicolon should not trip the guard: %q", result)
	}
}

func TestSQLTool_RowCap(t *testing.T) {
	path := seedDB(t)
	tool := NewSQLTool(SQLConfig{
		Connections: map[string]string{"warehouse": path},
		ReadOnly:    true,
		MaxRows:     1,
	})
	t.Cleanup(func() { tool.Close() })

	result, err := tool.Execute(context.Background(), map[string]any{
		"query":      "SELECT name FROM pipelines",
		"connection": "warehouse",
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(result, "truncated at 1") {
		t.Fatalf("expected truncation marker, got:\n%s", result)
	}
}

func TestSQLTool_QueryErrorAsValue(t *testing.T) {
	tool := newSQLTool(t, true)
	result, err := tool.Execute(context.Background(), map[string]any{
		"query":      "SELECT * FROM missing_table",
		"connection": "warehouse",
	})
	if err != nil {
		t.Fatalf("expected SQL errors surfaced as text, got error: %v", err)
	}
	if !strings.HasPrefix(result, "Error:") {
		t.Fatalf("expected error text, got %q", result)
	}
}
