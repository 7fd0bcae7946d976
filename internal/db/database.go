package db

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

func init() {
	// modernc registers itself as "sqlite", which sqlx does not know.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Open connects to the database for driver ("sqlite" or "postgres") and
// applies the schema. An empty sqlite dsn defaults to zapdesk.db.
func Open(driver, dsn string) (*sqlx.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = DriverSQLite
	}
	dsn = strings.TrimSpace(dsn)

	switch driver {
	case DriverSQLite:
		if dsn == "" {
			dsn = "zapdesk.db"
		}
		if err := ensureSQLiteDirectory(dsn); err != nil {
			return nil, err
		}
	case DriverPostgres:
		if dsn == "" {
			return nil, fmt.Errorf("database DSN cannot be empty for driver %q", driver)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// a single writer avoids SQLITE_BUSY under the worker loops
		conn.SetMaxOpenConns(1)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("driver", driver).Msg("Database connection established successfully.")
	return conn, nil
}

// Migrate creates every table and index that does not exist yet.
func Migrate(conn *sqlx.DB) error {
	tsType := "TIMESTAMP"
	if conn.DriverName() == DriverPostgres {
		tsType = "TIMESTAMPTZ"
	}
	for i, stmt := range schema {
		stmt = strings.ReplaceAll(stmt, "{{ts}}", tsType)
		if _, err := conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(schema)).Msg("Database migration completed successfully.")
	return nil
}

func ensureSQLiteDirectory(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sqlite db dir: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS instances (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		organization_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'created',
		pairing_code TEXT NOT NULL DEFAULT '',
		last_heartbeat_at {{ts}} NULL,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instances_org ON instances (organization_id)`,
	`CREATE TABLE IF NOT EXISTS organization_settings (
		organization_id TEXT PRIMARY KEY,
		auto_reply_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		business_hours TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS contacts (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		address TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (instance_id, address)
	)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		contact_id TEXT NOT NULL,
		handler TEXT NOT NULL DEFAULT 'ai',
		ai_handoff_enabled BOOLEAN NOT NULL DEFAULT TRUE,
		needs_human_attention BOOLEAN NOT NULL DEFAULT FALSE,
		last_handoff_at {{ts}} NULL,
		last_handoff_by TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		last_message_at {{ts}} NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL,
		UNIQUE (instance_id, contact_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversations_org_created ON conversations (organization_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		instance_id TEXT NOT NULL,
		direction TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL,
		status TEXT NOT NULL,
		message_at {{ts}} NOT NULL,
		created_at {{ts}} NOT NULL,
		UNIQUE (instance_id, external_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, message_at)`,
	`CREATE TABLE IF NOT EXISTS queued_messages (
		id TEXT PRIMARY KEY,
		instance_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL DEFAULT '',
		destination TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text',
		content TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		next_attempt_at {{ts}} NOT NULL,
		last_error TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_queued_messages_due ON queued_messages (status, priority, next_attempt_at)`,
	`CREATE TABLE IF NOT EXISTS handoff_records (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		from_handler TEXT NOT NULL,
		to_handler TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		trigger_kind TEXT NOT NULL,
		actor TEXT NOT NULL DEFAULT '',
		sequence INTEGER NOT NULL,
		created_at {{ts}} NOT NULL,
		UNIQUE (conversation_id, sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_handoff_records_conversation ON handoff_records (conversation_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_handoff_records_org ON handoff_records (organization_id, created_at)`,
}
