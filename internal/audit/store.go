package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const defaultBusyTimeout = 5 * time.Second

// Store persists audit entries.
type Store interface {
	Record(ctx context.Context, e Entry) error
	Count(ctx context.Context, plugin string) (int, error)
	Recent(ctx context.Context, plugin string, limit int) ([]Entry, error)
	Close() error
}

// SQLiteStore keeps entries in a SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS security_events (
		id TEXT PRIMARY KEY,
		time TEXT NOT NULL,
		plugin TEXT NOT NULL,
		kind TEXT NOT NULL,
		sandbox_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		data TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_security_events_plugin ON security_events(plugin, time)`,
}

// OpenSQLite opens (creating if needed) the database at path. Use
// ":memory:" for a throwaway store.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("audit: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range append(pragmas, schemaStatements...) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: apply %q: %w", firstLine(stmt), err)
		}
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path returns the database location.
func (s *SQLiteStore) Path() string { return s.path }

// Record inserts e. Re-recording an id is a no-op.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	data, err := json.Marshal(e.Data)
	if err != nil {
		return fmt.Errorf("audit: encode event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO security_events (id, time, plugin, kind, sandbox_id, message, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC().Format(time.RFC3339Nano), e.Plugin, e.Kind, e.SandboxID, e.Message, string(data))
	if err != nil {
		return fmt.Errorf("audit: insert event: %w", err)
	}
	return nil
}

// Count returns the number of entries for plugin.
func (s *SQLiteStore) Count(ctx context.Context, plugin string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM security_events WHERE plugin = ?`, plugin).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("audit: count events: %w", err)
	}
	return n, nil
}

// Recent returns up to limit entries for plugin, newest first. An empty
// plugin matches every plugin.
func (s *SQLiteStore) Recent(ctx context.Context, plugin string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, time, plugin, kind, sandbox_id, message, data FROM security_events`
	args := []any{}
	if plugin != "" {
		query += ` WHERE plugin = ?`
		args = append(args, plugin)
	}
	query += ` ORDER BY time DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e          Entry
			stamp, raw string
		)
		if err := rows.Scan(&e.ID, &stamp, &e.Plugin, &e.Kind, &e.SandboxID, &e.Message, &raw); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		if e.Time, err = time.Parse(time.RFC3339Nano, stamp); err != nil {
			return nil, fmt.Errorf("audit: parse event time %q: %w", stamp, err)
		}
		if raw != "" && raw != "null" {
			if err := json.Unmarshal([]byte(raw), &e.Data); err != nil {
				return nil, fmt.Errorf("audit: decode event data: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MemoryStore keeps entries in memory.
type MemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

// Record appends e. Re-recording an id is a no-op.
func (m *MemoryStore) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID != "" && m.seen[e.ID] {
		return nil
	}
	m.seen[e.ID] = true
	m.entries = append(m.entries, e)
	return nil
}

// Count returns the number of entries for plugin.
func (m *MemoryStore) Count(_ context.Context, plugin string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Plugin == plugin {
			n++
		}
	}
	return n, nil
}

// Recent returns up to limit entries for plugin, newest first.
func (m *MemoryStore) Recent(_ context.Context, plugin string, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if plugin != "" && e.Plugin != plugin {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
