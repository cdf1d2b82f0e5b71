package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/blueplane/telemetry-core/internal/envelope"
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

func TestGetOrCreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	mgr := New(s, time.Hour, zerolog.Nop())
	ctx := context.Background()

	a, err := mgr.GetOrCreate(ctx, envelope.PlatformCursor, "W1", "/tmp/project")
	require.NoError(t, err)

	b, err := mgr.GetOrCreate(ctx, envelope.PlatformCursor, "W1", "/tmp/project")
	require.NoError(t, err)

	require.Equal(t, a.SessionID, b.SessionID, "second GetOrCreate for the same platform session should return the same session")
	require.Equal(t, 1, mgr.ActiveCount())
}

func TestRecordActivityAccumulates(t *testing.T) {
	s := newTestStore(t)
	mgr := New(s, time.Hour, zerolog.Nop())
	ctx := context.Background()

	a, err := mgr.GetOrCreate(ctx, envelope.PlatformClaude, "sess-1", "")
	require.NoError(t, err)

	require.NoError(t, mgr.RecordActivity(ctx, envelope.PlatformClaude, "sess-1", 100))
	require.NoError(t, mgr.RecordActivity(ctx, envelope.PlatformClaude, "sess-1", 50))

	row, err := s.GetOpenSession(ctx, "claude_code", "sess-1")
	require.NoError(t, err)
	require.Equal(t, 2, row.InteractionCount)
	require.Equal(t, 150, row.TotalTokens)
	require.Equal(t, a.SessionID, row.SessionID)
}

func TestCloseRemovesFromActiveAndNotifies(t *testing.T) {
	s := newTestStore(t)
	mgr := New(s, time.Hour, zerolog.Nop())
	ctx := context.Background()

	a, err := mgr.GetOrCreate(ctx, envelope.PlatformCursor, "W2", "")
	require.NoError(t, err)

	require.NoError(t, mgr.Close(ctx, envelope.PlatformCursor, "W2", EndReasonNormal))
	require.Equal(t, 0, mgr.ActiveCount())

	select {
	case c := <-mgr.Closed():
		require.Equal(t, a.SessionID, c.SessionID)
		require.Equal(t, EndReasonNormal, c.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a close notification")
	}

	_, err = s.GetOpenSession(ctx, "cursor", "W2")
	require.True(t, store.IsNotFound(err), "session should no longer be open in the store")
}

func TestSweepTimeoutsClosesStaleSessions(t *testing.T) {
	s := newTestStore(t)
	mgr := New(s, 10*time.Millisecond, zerolog.Nop())
	ctx := context.Background()

	_, err := mgr.GetOrCreate(ctx, envelope.PlatformCursor, "W3", "")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	closedIDs, err := mgr.SweepTimeouts(ctx)
	require.NoError(t, err)
	require.Len(t, closedIDs, 1)
	require.Equal(t, 0, mgr.ActiveCount())
}

func TestRecoverOnStartupReloadsOpenSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, store.SessionRow{
		SessionID:         "recovered-1",
		PlatformSessionID: "W4",
		Platform:          "cursor",
		StartedAt:         time.Now().Add(-time.Hour),
	}))

	mgr := New(s, time.Hour, zerolog.Nop())
	require.NoError(t, mgr.RecoverOnStartup(ctx))
	require.Equal(t, 1, mgr.ActiveCount())

	a, err := mgr.GetOrCreate(ctx, envelope.PlatformCursor, "W4", "")
	require.NoError(t, err)
	require.Equal(t, "recovered-1", a.SessionID)
}

type fakeChecker struct{ alive map[string]bool }

func (f fakeChecker) Exists(_ context.Context, _ envelope.Platform, platformSessionID, _ string) bool {
	return f.alive[platformSessionID]
}

func TestRecoverOnStartupMarksMissingBackingFileAsCrashed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateSession(ctx, store.SessionRow{
		SessionID:         "gone-1",
		PlatformSessionID: "W5",
		Platform:          "claude_code",
		StartedAt:         time.Now().Add(-time.Hour),
	}))

	mgr := New(s, time.Hour, zerolog.Nop())
	mgr.SetBackingStoreChecker(fakeChecker{alive: map[string]bool{}})
	require.NoError(t, mgr.RecoverOnStartup(ctx))
	require.Equal(t, 0, mgr.ActiveCount())

	_, err := s.GetOpenSession(ctx, "claude_code", "W5")
	require.True(t, store.IsNotFound(err), "session with a missing backing file should be closed, not restored")
}

func TestHandleLifecycleEventOpensAndClosesSession(t *testing.T) {
	s := newTestStore(t)
	mgr := New(s, time.Hour, zerolog.Nop())
	ctx := context.Background()

	require.NoError(t, mgr.HandleLifecycleEvent(ctx, envelope.PlatformCursor, "W6", envelope.EventSessionStart))
	require.Equal(t, 1, mgr.ActiveCount())

	require.NoError(t, mgr.HandleLifecycleEvent(ctx, envelope.PlatformCursor, "W6", envelope.EventSessionEnd))
	require.Equal(t, 0, mgr.ActiveCount())

	select {
	case c := <-mgr.Closed():
		require.Equal(t, EndReasonNormal, c.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected a close notification")
	}
}
