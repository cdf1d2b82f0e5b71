package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetWorkspaceDBPath looks up a previously confirmed workspace_hash ->
// workspace SQLite path mapping, the persistent tier of the workspace
// mapper's cache chain (spec.md §4.5).
func (s *Store) GetWorkspaceDBPath(ctx context.Context, workspaceHash string) (string, error) {
	stmt, err := s.GetStmt(ctx, `SELECT db_path FROM workspace_mappings WHERE workspace_hash = ?`)
	if err != nil {
		return "", err
	}
	var path string
	err = stmt.QueryRowContext(ctx, workspaceHash).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return path, err
}

// SetWorkspaceDBPath records a confirmed mapping.
func (s *Store) SetWorkspaceDBPath(ctx context.Context, workspaceHash, dbPath string) error {
	stmt, err := s.GetStmt(ctx, `
		INSERT INTO workspace_mappings (workspace_hash, db_path, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(workspace_hash) DO UPDATE SET db_path = excluded.db_path, updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, workspaceHash, dbPath, time.Now().UTC().Format(timeLayout))
	return err
}
