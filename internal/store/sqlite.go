// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite
// ABOUTME: Provides delivery item and command audit persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements DeliveryStore and CommandAuditStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS delivery_items (
			id              TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL,
			recipient       TEXT NOT NULL,
			platform        TEXT NOT NULL,
			content         TEXT NOT NULL,
			content_type    TEXT NOT NULL DEFAULT 'text',
			options_json    TEXT,
			status          TEXT NOT NULL,
			retry_count     INTEGER NOT NULL DEFAULT 0,
			max_retries     INTEGER NOT NULL,
			last_error      TEXT,
			next_retry_at   TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,
			sent_at         TEXT,
			dead_at         TEXT,
			conversation_id TEXT,
			message_id      TEXT,
			agent_id        TEXT,
			user_id         TEXT,

			CHECK (status IN ('pending', 'sending', 'sent', 'retrying', 'dead')),
			CHECK (retry_count >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_delivery_status_due
			ON delivery_items(status, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_user ON delivery_items(user_id);
		CREATE INDEX IF NOT EXISTS idx_delivery_sent_at ON delivery_items(sent_at);

		CREATE TABLE IF NOT EXISTS command_audit (
			command_id  TEXT PRIMARY KEY,
			agent_id    TEXT NOT NULL,
			text        TEXT NOT NULL,
			params_json TEXT,
			requester   TEXT,
			status      TEXT NOT NULL,
			result      TEXT,
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL,

			CHECK (status IN ('sent', 'success', 'failed', 'timeout', 'approval_required'))
		);

		CREATE INDEX IF NOT EXISTS idx_command_audit_agent ON command_audit(agent_id);
		CREATE INDEX IF NOT EXISTS idx_command_audit_created ON command_audit(created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// formatTime renders a timestamp for the persistence boundary.
// Internally all times are time.Time in UTC; strings exist only in SQLite.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses a persisted timestamp.
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

// nullTime formats an optional timestamp, nil stays NULL.
func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Ensure SQLiteStore implements the store interfaces
var _ DeliveryStore = (*SQLiteStore)(nil)
var _ CommandAuditStore = (*SQLiteStore)(nil)
