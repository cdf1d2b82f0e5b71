package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Watermark is the incremental-sync cursor for one (storageLevel,
// workspaceHash, syncKey) tuple. Either field may be set depending on
// what the source table's ordering supports: a numeric millisecond
// watermark when a monotonic timestamp column exists, or a content hash
// when the only available comparison is "did this row change" (spec.md
// §4.5).
type Watermark struct {
	UnixMs      int64
	ContentHash string
}

// GetWatermark returns the last recorded sync position, or the zero
// Watermark if none exists yet.
func (s *Store) GetWatermark(ctx context.Context, storageLevel, workspaceHash, syncKey string) (Watermark, error) {
	stmt, err := s.GetStmt(ctx, `
		SELECT unix_ms_watermark, content_hash FROM incremental_sync_watermarks
		WHERE storage_level = ? AND workspace_hash = ? AND sync_key = ?
	`)
	if err != nil {
		return Watermark{}, err
	}

	var w Watermark
	var unixMs sql.NullInt64
	var hash sql.NullString
	err = stmt.QueryRowContext(ctx, storageLevel, workspaceHash, syncKey).Scan(&unixMs, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return Watermark{}, nil
	}
	if err != nil {
		return Watermark{}, err
	}
	w.UnixMs = unixMs.Int64
	w.ContentHash = hash.String
	return w, nil
}

// SetWatermark upserts the sync position for a tuple.
func (s *Store) SetWatermark(ctx context.Context, storageLevel, workspaceHash, syncKey string, w Watermark) error {
	stmt, err := s.GetStmt(ctx, `
		INSERT INTO incremental_sync_watermarks (storage_level, workspace_hash, sync_key, unix_ms_watermark, content_hash, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(storage_level, workspace_hash, sync_key) DO UPDATE SET
			unix_ms_watermark = excluded.unix_ms_watermark,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, storageLevel, workspaceHash, syncKey, w.UnixMs, w.ContentHash, time.Now().UTC().Format(timeLayout))
	return err
}
