package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Migration is one forward-only schema change, applied in Version order
// and recorded in schema_versions so restarts never re-apply it.
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// Migrations is the full ordered set of schema changes for the embedded
// store, following the teacher's numbered-migration-with-inline-SQL
// pattern rather than an external migration tool.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "cursor_raw_traces",
		SQL: `
			CREATE TABLE IF NOT EXISTS cursor_raw_traces (
				sequence INTEGER PRIMARY KEY AUTOINCREMENT,
				ingested_at TEXT NOT NULL,
				event_id TEXT NOT NULL,
				external_session_id TEXT,
				event_type TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				storage_level TEXT,
				workspace_hash TEXT,
				database_table TEXT,
				item_key TEXT,
				generation_uuid TEXT,
				composer_id TEXT,
				bubble_id TEXT,
				server_bubble_id TEXT,
				message_type TEXT,
				is_agentic INTEGER DEFAULT 0,
				text_description TEXT,
				raw_text_hash TEXT,
				raw_text_length INTEGER,
				rich_text_hash TEXT,
				unix_ms INTEGER,
				client_start_time INTEGER,
				client_end_time INTEGER,
				lines_added INTEGER,
				lines_removed INTEGER,
				token_count_up_until_here INTEGER,
				capabilities_ran TEXT,
				capability_statuses TEXT,
				project_name TEXT,
				relevant_files TEXT,
				selections TEXT,
				is_archived INTEGER DEFAULT 0,
				has_unread_messages INTEGER DEFAULT 0,
				event_data BLOB,
				event_date TEXT GENERATED ALWAYS AS (substr(timestamp, 1, 10)) STORED,
				event_hour TEXT GENERATED ALWAYS AS (substr(timestamp, 1, 13)) STORED
			);

			CREATE INDEX IF NOT EXISTS idx_cursor_session_ts ON cursor_raw_traces(external_session_id, timestamp);
			CREATE INDEX IF NOT EXISTS idx_cursor_type_ts ON cursor_raw_traces(event_type, timestamp);
			CREATE INDEX IF NOT EXISTS idx_cursor_workspace_ts ON cursor_raw_traces(workspace_hash, timestamp);
			CREATE INDEX IF NOT EXISTS idx_cursor_generation ON cursor_raw_traces(generation_uuid);
			CREATE INDEX IF NOT EXISTS idx_cursor_composer_ts ON cursor_raw_traces(composer_id, timestamp);
			CREATE INDEX IF NOT EXISTS idx_cursor_bubble ON cursor_raw_traces(bubble_id);
			CREATE INDEX IF NOT EXISTS idx_cursor_event_date ON cursor_raw_traces(event_date);
			CREATE INDEX IF NOT EXISTS idx_cursor_event_hour ON cursor_raw_traces(event_hour);
		`,
	},
	{
		Version: 2,
		Name:    "claude_raw_traces",
		SQL: `
			CREATE TABLE IF NOT EXISTS claude_raw_traces (
				sequence INTEGER PRIMARY KEY AUTOINCREMENT,
				ingested_at TEXT NOT NULL,
				event_id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				event_type TEXT NOT NULL,
				timestamp TEXT NOT NULL,
				workspace_hash TEXT,
				model TEXT,
				tool_name TEXT,
				duration_ms INTEGER,
				tokens_used INTEGER,
				lines_added INTEGER,
				lines_removed INTEGER,
				event_data BLOB,
				event_date TEXT GENERATED ALWAYS AS (substr(timestamp, 1, 10)) STORED,
				event_hour TEXT GENERATED ALWAYS AS (substr(timestamp, 1, 13)) STORED
			);

			CREATE INDEX IF NOT EXISTS idx_claude_session_ts ON claude_raw_traces(session_id, timestamp);
			CREATE INDEX IF NOT EXISTS idx_claude_type_ts ON claude_raw_traces(event_type, timestamp);
			CREATE INDEX IF NOT EXISTS idx_claude_workspace_ts ON claude_raw_traces(workspace_hash, timestamp);
			CREATE INDEX IF NOT EXISTS idx_claude_event_date ON claude_raw_traces(event_date);
			CREATE INDEX IF NOT EXISTS idx_claude_event_hour ON claude_raw_traces(event_hour);
		`,
	},
	{
		Version: 3,
		Name:    "sessions",
		SQL: `
			CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				platform_session_id TEXT NOT NULL,
				platform TEXT NOT NULL,
				workspace_hash TEXT,
				workspace_path TEXT,
				started_at TEXT NOT NULL,
				ended_at TEXT,
				end_reason TEXT,
				interaction_count INTEGER DEFAULT 0,
				total_tokens INTEGER DEFAULT 0,
				acceptance_rate REAL,
				metadata TEXT,
				UNIQUE(platform_session_id, platform)
			);

			CREATE INDEX IF NOT EXISTS idx_sessions_live ON sessions(ended_at);
			CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_hash);
			CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
		`,
	},
	{
		Version: 4,
		Name:    "workspace_mappings",
		SQL: `
			CREATE TABLE IF NOT EXISTS workspace_mappings (
				workspace_hash TEXT PRIMARY KEY,
				db_path TEXT NOT NULL,
				updated_at TEXT NOT NULL
			);
		`,
	},
	{
		Version: 5,
		Name:    "overflow_events",
		SQL: `
			-- Local durable overflow store (spec.md §4.1): when the MQ is
			-- unreachable, producers land here instead of losing the event,
			-- and a background replay drains this table once the bus is back.
			CREATE TABLE IF NOT EXISTS overflow_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				stream TEXT NOT NULL,
				enqueued_at TEXT NOT NULL,
				envelope BLOB NOT NULL,
				replayed INTEGER DEFAULT 0
			);

			CREATE INDEX IF NOT EXISTS idx_overflow_pending ON overflow_events(replayed, id);
		`,
	},
	{
		Version: 6,
		Name:    "incremental_sync_watermarks",
		SQL: `
			-- Cursor unified monitor's shared incremental-sync state
			-- (spec.md §4.5): one row per (storage_level, workspace_hash, key).
			CREATE TABLE IF NOT EXISTS incremental_sync_watermarks (
				storage_level TEXT NOT NULL,
				workspace_hash TEXT NOT NULL,
				sync_key TEXT NOT NULL,
				unix_ms_watermark INTEGER,
				content_hash TEXT,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (storage_level, workspace_hash, sync_key)
			);
		`,
	},
	{
		Version: 7,
		Name:    "conversation_derived_metrics",
		SQL: `
			-- Derived turn/code-change rollups the slow-path conversation
			-- worker produces after a session closes (spec.md §4.7, open
			-- question resolved as "eager write" in DESIGN.md).
			CREATE TABLE IF NOT EXISTS conversation_turns (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id TEXT NOT NULL,
				turn_index INTEGER NOT NULL,
				generation_uuid TEXT,
				tokens_used INTEGER,
				lines_added INTEGER,
				lines_removed INTEGER,
				tool_name TEXT,
				timestamp TEXT NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_conversation_turns_session ON conversation_turns(session_id, turn_index);
		`,
	},
}

// MigrationManager applies pending Migrations in order and records each
// application in schema_versions, the teacher's migration-bookkeeping
// pattern carried over verbatim (it fit this domain unchanged).
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a migration manager over db.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// EnsureSchemaVersionsTable creates the bookkeeping table if absent.
func (m *MigrationManager) EnsureSchemaVersionsTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			id INTEGER PRIMARY KEY,
			version INTEGER UNIQUE NOT NULL,
			applied_at TEXT NOT NULL
		)
	`)
	return err
}

// GetAppliedVersions returns the set of already-applied migration versions.
func (m *MigrationManager) GetAppliedVersions() (map[int]bool, error) {
	rows, err := m.db.Query("SELECT version FROM schema_versions ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	versions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions[version] = true
	}
	return versions, rows.Err()
}

// ApplyMigration runs one migration's SQL and records it, all inside a
// single transaction so a failure never leaves a half-applied schema.
func (m *MigrationManager) ApplyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return fmt.Errorf("execute migration %d (%s): %w", migration.Version, migration.Name, err)
	}

	if _, err := tx.Exec(
		"INSERT INTO schema_versions (version, applied_at) VALUES (?, ?)",
		migration.Version, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record migration %d: %w", migration.Version, err)
	}

	return tx.Commit()
}

// RunMigrations applies every migration not yet recorded, in Version
// order.
func (m *MigrationManager) RunMigrations() error {
	if err := m.EnsureSchemaVersionsTable(); err != nil {
		return fmt.Errorf("ensure schema_versions table: %w", err)
	}

	applied, err := m.GetAppliedVersions()
	if err != nil {
		return fmt.Errorf("get applied versions: %w", err)
	}

	for _, migration := range Migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.ApplyMigration(migration); err != nil {
			return err
		}
	}

	return nil
}
