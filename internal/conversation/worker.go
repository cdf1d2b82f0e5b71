// Package conversation runs the slow path: once a session closes, it reads
// that session's raw trace rows, computes derived turn/code-change
// rollups, and writes them back eagerly (spec.md §4.7, §9 Open Question
// resolved as eager rather than lazy-on-read — see DESIGN.md).
package conversation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/session"
	"github.com/blueplane/telemetry-core/internal/store"
)

// Worker consumes session-closed notifications and computes derived
// metrics for each one.
type Worker struct {
	store    *store.Store
	sessions *session.Manager
	log      zerolog.Logger
}

// New builds a Worker bound to sessions' Closed() channel.
func New(s *store.Store, sessions *session.Manager, log zerolog.Logger) *Worker {
	return &Worker{store: s, sessions: sessions, log: log.With().Str("component", "conversation_worker").Logger()}
}

// Run processes session-closed notifications until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case closed, ok := <-w.sessions.Closed():
			if !ok {
				return nil
			}
			if err := w.Process(ctx, closed.SessionID); err != nil {
				w.log.Error().Err(err).Str("session_id", closed.SessionID).Msg("failed to compute derived metrics")
			}
		}
	}
}

// turnRow is one raw trace row projected down to what the rollup needs,
// sourced from either cursor_raw_traces or claude_raw_traces depending on
// which platform the session belongs to.
type turnRow struct {
	GenerationUUID string
	TokensUsed     int
	LinesAdded     int
	LinesRemoved   int
	ToolName       string
	Timestamp      string
	Accepted       bool
}

// Process computes and persists conversation_turns rows plus the rolled-up
// acceptance rate for one closed session.
func (w *Worker) Process(ctx context.Context, sessionID string) error {
	platform, err := w.sessionPlatform(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("conversation: resolve platform for %s: %w", sessionID, err)
	}

	var turns []turnRow
	switch platform {
	case "cursor":
		turns, err = w.cursorTurns(ctx, sessionID)
	case "claude_code":
		turns, err = w.claudeTurns(ctx, sessionID)
	default:
		return fmt.Errorf("conversation: unknown platform %q for session %s", platform, sessionID)
	}
	if err != nil {
		return fmt.Errorf("conversation: load turns: %w", err)
	}

	if err := w.writeTurns(ctx, sessionID, turns); err != nil {
		return fmt.Errorf("conversation: write turns: %w", err)
	}

	rate := acceptanceRate(turns)
	if err := w.store.SetAcceptanceRate(ctx, sessionID, rate); err != nil {
		return fmt.Errorf("conversation: set acceptance rate: %w", err)
	}

	return nil
}

func (w *Worker) sessionPlatform(ctx context.Context, sessionID string) (string, error) {
	var platform string
	err := w.store.DB().QueryRowContext(ctx, `SELECT platform FROM sessions WHERE session_id = ?`, sessionID).Scan(&platform)
	if err != nil {
		return "", err
	}
	return platform, nil
}

func (w *Worker) cursorTurns(ctx context.Context, sessionID string) ([]turnRow, error) {
	// external_session_id carries the session manager's internal
	// session_id, the same value sessionID already is -- not the raw
	// composer_id, which can't distinguish one window-level session from
	// another when several composer threads share it.
	rows, err := w.store.DB().QueryContext(ctx, `
		SELECT COALESCE(generation_uuid, bubble_id, ''), COALESCE(token_count_up_until_here, 0),
		       COALESCE(lines_added, 0), COALESCE(lines_removed, 0), COALESCE(message_type, ''), timestamp
		FROM cursor_raw_traces
		WHERE external_session_id = ?
		ORDER BY sequence
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanTurns(rows)
}

func (w *Worker) claudeTurns(ctx context.Context, sessionID string) ([]turnRow, error) {
	rows, err := w.store.DB().QueryContext(ctx, `
		SELECT event_id, COALESCE(tokens_used, 0), COALESCE(lines_added, 0), COALESCE(lines_removed, 0),
		       COALESCE(tool_name, ''), timestamp
		FROM claude_raw_traces
		WHERE session_id = ?
		ORDER BY sequence
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return scanTurns(rows)
}

func scanTurns(rows *sql.Rows) ([]turnRow, error) {
	defer func() { _ = rows.Close() }()

	var turns []turnRow
	for rows.Next() {
		var t turnRow
		if err := rows.Scan(&t.GenerationUUID, &t.TokensUsed, &t.LinesAdded, &t.LinesRemoved, &t.ToolName, &t.Timestamp); err != nil {
			return nil, err
		}
		// A turn that added or removed lines represents an accepted code
		// change; pure conversational turns are not accepted but still
		// count toward the acceptance denominator (see acceptanceRate).
		t.Accepted = t.LinesAdded > 0 || t.LinesRemoved > 0
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (w *Worker) writeTurns(ctx context.Context, sessionID string, turns []turnRow) error {
	tx, err := w.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM conversation_turns WHERE session_id = ?`, sessionID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conversation_turns (session_id, turn_index, generation_uuid, tokens_used, lines_added, lines_removed, tool_name, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for i, t := range turns {
		if _, err := stmt.ExecContext(ctx, sessionID, i, t.GenerationUUID, t.TokensUsed, t.LinesAdded, t.LinesRemoved, t.ToolName, t.Timestamp); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// acceptanceRate is the fraction of all turns that changed code at all
// (added or removed any lines). Neither platform's raw traces carry a
// "reverted" signal, so this is an engagement ratio rather than a true
// accept/reject rate: a change that was later reverted still counts as
// accepted.
func acceptanceRate(turns []turnRow) float64 {
	if len(turns) == 0 {
		return 0
	}
	accepted := 0
	for _, t := range turns {
		if t.Accepted {
			accepted++
		}
	}
	return float64(accepted) / float64(len(turns))
}
