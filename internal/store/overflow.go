package store

import (
	"context"
	"time"
)

// OverflowEntry is one durably-queued event the MQ adapter could not land
// on the bus at enqueue time.
type OverflowEntry struct {
	ID        int64
	Stream    string
	Envelope  []byte
	EnqueuedAt time.Time
}

// EnqueueOverflow persists an event that could not reach the bus, so it
// survives a process restart and can be replayed once the bus recovers
// (spec.md §4.1's local durable overflow requirement).
func (s *Store) EnqueueOverflow(ctx context.Context, stream string, payload []byte) error {
	stmt, err := s.GetStmt(ctx, `
		INSERT INTO overflow_events (stream, enqueued_at, envelope, replayed)
		VALUES (?, ?, ?, 0)
	`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, stream, time.Now().UTC().Format(time.RFC3339Nano), payload)
	return err
}

// PendingOverflow returns up to limit not-yet-replayed overflow rows, ID
// ascending, so replay preserves original ordering.
func (s *Store) PendingOverflow(ctx context.Context, limit int) ([]OverflowEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	stmt, err := s.GetStmt(ctx, `
		SELECT id, stream, envelope, enqueued_at FROM overflow_events
		WHERE replayed = 0 ORDER BY id ASC LIMIT ?
	`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OverflowEntry
	for rows.Next() {
		var e OverflowEntry
		var enqueuedAt string
		if err := rows.Scan(&e.ID, &e.Stream, &e.Envelope, &enqueuedAt); err != nil {
			return nil, err
		}
		e.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueuedAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOverflowReplayed flags an overflow row as successfully republished to
// the bus. Rows are kept (not deleted) for post-incident audit; a
// retention sweep is out of scope here.
func (s *Store) MarkOverflowReplayed(ctx context.Context, id int64) error {
	stmt, err := s.GetStmt(ctx, `UPDATE overflow_events SET replayed = 1 WHERE id = ?`)
	if err != nil {
		return err
	}
	_, err = stmt.ExecContext(ctx, id)
	return err
}
