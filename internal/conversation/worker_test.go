package conversation

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/internal/session"
	"github.com/blueplane/telemetry-core/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{Path: filepath.Join(dir, "t.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProcessComputesTurnsAndAcceptanceRate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, store.SessionRow{
		SessionID: "sess-1", PlatformSessionID: "W1", Platform: "cursor", StartedAt: time.Now(),
	}))

	_, err := s.DB().ExecContext(ctx, `
		INSERT INTO cursor_raw_traces (ingested_at, event_id, external_session_id, event_type, timestamp, lines_added, lines_removed, token_count_up_until_here)
		VALUES
			('2026-01-01T00:00:00Z', 'e1', 'sess-1', 'bubble_added', '2026-01-01T00:00:01Z', 5, 0, 10),
			('2026-01-01T00:00:00Z', 'e2', 'sess-1', 'bubble_added', '2026-01-01T00:00:02Z', 0, 0, 5),
			('2026-01-01T00:00:00Z', 'e3', 'sess-1', 'bubble_added', '2026-01-01T00:00:03Z', 3, 1, 8)
	`)
	require.NoError(t, err)

	mgr := session.New(s, time.Hour, zerolog.Nop())
	worker := New(s, mgr, zerolog.Nop())

	require.NoError(t, worker.Process(ctx, "sess-1"))

	var count int
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM conversation_turns WHERE session_id = ?`, "sess-1").Scan(&count))
	require.Equal(t, 3, count)

	var rate float64
	require.NoError(t, s.DB().QueryRowContext(ctx, `SELECT acceptance_rate FROM sessions WHERE session_id = ?`, "sess-1").Scan(&rate))
	require.InDelta(t, 2.0/3.0, rate, 0.0001)
}

func TestProcessUnknownSessionErrors(t *testing.T) {
	s := newTestStore(t)
	mgr := session.New(s, time.Hour, zerolog.Nop())
	worker := New(s, mgr, zerolog.Nop())

	err := worker.Process(context.Background(), "does-not-exist")
	require.Error(t, err)
}
