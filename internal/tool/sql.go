package tool

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"databot/internal/domain"
)

const defaultMaxRows = 1000

// Write keywords rejected in read-only mode.
var forbiddenSQLKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"ALTER": true, "CREATE": true, "TRUNCATE": true, "GRANT": true,
	"REVOKE": true, "MERGE": true, "REPLACE": true, "RENAME": true,
	"CALL": true, "EXEC": true, "EXECUTE": true, "LOAD": true, "COPY": true,
}

// hasMultipleStatements reports whether the query contains a semicolon
// outside quotes that is followed by another statement.
func hasMultipleStatements(query string) bool {
	var inSingle, inDouble bool
	for i := 0; i < len(query); i++ {
		switch query[i] {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case ';':
			if !inSingle && !inDouble {
				if strings.TrimSpace(query[i+1:]) != "" {
					return true
				}
			}
		}
	}
	return false
}

// SQLTool executes read-only queries against configured databases.
type SQLTool struct {
	connections map[string]string // name -> SQLite DSN
	readOnly    bool
	maxRows     int

	mu   sync.Mutex
	open map[string]*sql.DB
}

type SQLConfig struct {
	Connections map[string]string
	ReadOnly    bool
	MaxRows     int
}

func NewSQLTool(cfg SQLConfig) *SQLTool {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &SQLTool{
		connections: cfg.Connections,
		readOnly:    cfg.ReadOnly,
		maxRows:     cfg.MaxRows,
		open:        make(map[string]*sql.DB),
	}
}

func (t *SQLTool) Name() string { return "sql" }

func (t *SQLTool) Description() string {
	conns := "none configured"
	if len(t.connections) > 0 {
		conns = strings.Join(t.connectionNames(), ", ")
	}
	return fmt.Sprintf(
		"Execute a SQL query against a database. Available connections: %s. Results limited to %d rows.",
		conns, t.maxRows)
}

func (t *SQLTool) Parameters() map[string]any {
	return ToolParameters(
		map[string]Param{
			"query": {Type: "string", Description: "The SQL query to execute."},
			"connection": {Type: "string", Description: "Database connection name. Available: " +
				strings.Join(t.connectionNames(), ", ")},
		},
		[]string{"query", "connection"},
	)
}

func (t *SQLTool) connectionNames() []string {
	names := make([]string, 0, len(t.connections))
	for n := range t.connections {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (t *SQLTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	query := strings.TrimSpace(ArgsString(args, "query"))
	connection := ArgsString(args, "connection")
	if query == "" {
		return "", fmt.Errorf("missing argument: query")
	}

	dsn, ok := t.connections[connection]
	if !ok {
		return fmt.Sprintf("Error: Unknown connection '%s'. Available: %s",
			connection, strings.Join(t.connectionNames(), ", ")), nil
	}

	if t.readOnly {
		if violation := checkReadOnly(query); violation != "" {
			return violation, nil
		}
	}

	db, err := t.conn(connection, dsn)
	if err != nil {
		return "", fmt.Errorf("open connection %q: %w", connection, err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Sprintf("Error: %s", err), nil
	}
	defer rows.Close()

	return renderRows(rows, t.maxRows)
}

func (t *SQLTool) conn(name, dsn string) (*sql.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if db, ok := t.open[name]; ok {
		return db, nil
	}
	db, err := sql.Open("sqlite", dsn+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	t.open[name] = db
	return db, nil
}

// Close releases all opened database handles.
func (t *SQLTool) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var firstErr error
	for name, db := range t.open {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.open, name)
	}
	return firstErr
}

// checkReadOnly returns a descriptive error string when the query contains
// a write keyword or multiple statements, empty otherwise.
func checkReadOnly(query string) string {
	if hasMultipleStatements(query) {
		return "Error: Multiple SQL statements are not allowed in read-only mode."
	}
	for _, word := range strings.Fields(strings.ToUpper(query)) {
		word = strings.Trim(word, "();,")
		if forbiddenSQLKeywords[word] {
			return fmt.Sprintf("Error: Write operation '%s' is not allowed in read-only mode.", word)
		}
	}
	return ""
}

// renderRows formats a result set as a markdown table, capped at maxRows.
func renderRows(rows *sql.Rows, maxRows int) (string, error) {
	cols, err := rows.Columns()
	if err != nil {
		return "", fmt.Errorf("columns: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	sb.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")

	count := 0
	truncated := false
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if count >= maxRows {
			truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return "", fmt.Errorf("scan: %w", err)
		}
		cells := make([]string, len(cols))
		for i, v := range values {
			cells[i] = renderCell(v)
		}
		sb.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		count++
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("iterate: %w", err)
	}

	sb.WriteString(fmt.Sprintf("\n%d row(s)", count))
	if truncated {
		sb.WriteString(fmt.Sprintf(" (truncated at %d)", maxRows))
	}
	return sb.String(), nil
}

func renderCell(v any) string {
	switch x := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(x)
	default:
		return fmt.Sprintf("%v", x)
	}
}

var _ domain.Tool = (*SQLTool)(nil)
