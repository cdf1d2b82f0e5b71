package store

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunMigrationsAppliesAllInOrder(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db)

	require.NoError(t, mgr.RunMigrations())

	applied, err := mgr.GetAppliedVersions()
	require.NoError(t, err)
	require.Len(t, applied, len(Migrations))
	for _, m := range Migrations {
		require.True(t, applied[m.Version], "migration %d (%s) not recorded", m.Version, m.Name)
	}
}

func TestRunMigrationsIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db)

	require.NoError(t, mgr.RunMigrations())
	require.NoError(t, mgr.RunMigrations())

	applied, err := mgr.GetAppliedVersions()
	require.NoError(t, err)
	require.Len(t, applied, len(Migrations))
}

func TestMigrationsCreateExpectedTables(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db)
	require.NoError(t, mgr.RunMigrations())

	tables := []string{
		"cursor_raw_traces", "claude_raw_traces", "sessions",
		"workspace_mappings", "overflow_events",
		"incremental_sync_watermarks", "conversation_turns",
	}
	for _, table := range tables {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "expected table %s to exist", table)
	}
}

func TestSessionsUniqueConstraint(t *testing.T) {
	db := openTestDB(t)
	mgr := NewMigrationManager(db)
	require.NoError(t, mgr.RunMigrations())

	insert := `INSERT INTO sessions (session_id, platform_session_id, platform, started_at) VALUES (?, ?, ?, ?)`
	_, err := db.Exec(insert, "s1", "W1", "cursor", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	_, err = db.Exec(insert, "s2", "W1", "cursor", "2026-01-01T00:00:01Z")
	require.Error(t, err, "expected UNIQUE(platform_session_id, platform) violation")
}
