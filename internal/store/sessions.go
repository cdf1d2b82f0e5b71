package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SessionRow is one row of the sessions table.
type SessionRow struct {
	SessionID         string
	PlatformSessionID string
	Platform          string
	WorkspaceHash     string
	WorkspacePath     string
	StartedAt         time.Time
	EndedAt           *time.Time
	EndReason         string
	InteractionCount  int
	TotalTokens       int
	AcceptanceRate    *float64
	Metadata          string
}

const timeLayout = time.RFC3339Nano

// CreateSession inserts a new open session row.
func (s *Store) CreateSession(ctx context.Context, row SessionRow) error {
	stmt, err := s.GetStmt(ctx, `
		INSERT INTO sessions (
			session_id, platform_session_id, platform, workspace_hash,
			workspace_path, started_at, interaction_count, total_tokens, metadata
		) VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx,
		row.SessionID, row.PlatformSessionID, row.Platform, row.WorkspaceHash,
		row.WorkspacePath, row.StartedAt.UTC().Format(timeLayout), row.Metadata,
	)
	return err
}

// GetOpenSession finds a not-yet-ended session for (platform,
// platformSessionID), returning sql.ErrNoRows if none exists.
func (s *Store) GetOpenSession(ctx context.Context, platform, platformSessionID string) (SessionRow, error) {
	stmt, err := s.GetStmt(ctx, `
		SELECT session_id, platform_session_id, platform, workspace_hash,
		       workspace_path, started_at, interaction_count, total_tokens, metadata
		FROM sessions
		WHERE platform = ? AND platform_session_id = ? AND ended_at IS NULL
	`)
	if err != nil {
		return SessionRow{}, err
	}

	var row SessionRow
	var startedAt string
	err = stmt.QueryRowContext(ctx, platform, platformSessionID).Scan(
		&row.SessionID, &row.PlatformSessionID, &row.Platform, &row.WorkspaceHash,
		&row.WorkspacePath, &startedAt, &row.InteractionCount, &row.TotalTokens, &row.Metadata,
	)
	if err != nil {
		return SessionRow{}, err
	}
	row.StartedAt, _ = time.Parse(timeLayout, startedAt)
	return row, nil
}

// ListOpenSessions returns every session with no ended_at, used by the
// recovery sweep on startup.
func (s *Store) ListOpenSessions(ctx context.Context) ([]SessionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, platform_session_id, platform, workspace_hash,
		       workspace_path, started_at, interaction_count, total_tokens, metadata
		FROM sessions WHERE ended_at IS NULL
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRow
	for rows.Next() {
		var row SessionRow
		var startedAt string
		if err := rows.Scan(
			&row.SessionID, &row.PlatformSessionID, &row.Platform, &row.WorkspaceHash,
			&row.WorkspacePath, &startedAt, &row.InteractionCount, &row.TotalTokens, &row.Metadata,
		); err != nil {
			return nil, err
		}
		row.StartedAt, _ = time.Parse(timeLayout, startedAt)
		out = append(out, row)
	}
	return out, rows.Err()
}

// RecordActivity increments interaction/token counters for sessionID.
func (s *Store) RecordActivity(ctx context.Context, sessionID string, interactionDelta, tokenDelta int) error {
	stmt, err := s.GetStmt(ctx, `
		UPDATE sessions
		SET interaction_count = interaction_count + ?, total_tokens = total_tokens + ?
		WHERE session_id = ?
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, interactionDelta, tokenDelta, sessionID)
	return err
}

// CloseSession marks a session ended. Called before the in-memory active
// map entry is removed (persist-before-remove), so a crash between the two
// steps just means recovery re-discovers an already-closed session and
// skips it.
func (s *Store) CloseSession(ctx context.Context, sessionID string, endedAt time.Time, reason string) error {
	stmt, err := s.GetStmt(ctx, `
		UPDATE sessions SET ended_at = ?, end_reason = ? WHERE session_id = ?
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, endedAt.UTC().Format(timeLayout), reason, sessionID)
	return err
}

// SetAcceptanceRate records the slow-path worker's computed acceptance
// rate for a closed session.
func (s *Store) SetAcceptanceRate(ctx context.Context, sessionID string, rate float64) error {
	stmt, err := s.GetStmt(ctx, `UPDATE sessions SET acceptance_rate = ? WHERE session_id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, rate, sessionID)
	return err
}

// IsNotFound reports whether err is the "no such session" sentinel
// (sql.ErrNoRows), so callers don't need to import database/sql directly.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
