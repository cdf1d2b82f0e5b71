// Package session owns the live lifecycle of a coding session: creation on
// first event, activity accounting, and closing on an explicit end event
// or on an inactivity timeout (spec.md §4.7). It is adapted from the
// teacher's worker-session manager: an in-memory active-session map guarded
// by double-checked locking, with every state transition persisted before
// the in-memory map is updated or a waiter is notified.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/store"
)

// EndReason values recorded on the sessions row.
const (
	EndReasonNormal    = "normal"
	EndReasonTimeout   = "timeout"
	EndReasonCrash     = "crash"
	// EndReasonRecovered is part of the end_reason vocabulary but never
	// assigned by this implementation: every startup-recovery branch either
	// restores a session as live (no end_reason written at all) or closes
	// it as EndReasonCrash. Kept for wire/schema compatibility with readers
	// that expect the full enum.
	EndReasonRecovered = "recovered"
)

// ActiveSession is the in-memory view of one open session. Counters here
// are authoritative between flushes; the store row is updated on every
// RecordActivity call so a crash never loses more than the current event.
type ActiveSession struct {
	SessionID         string
	PlatformSessionID string
	Platform          envelope.Platform
	WorkspaceHash     string
	WorkspacePath     string
	StartedAt         time.Time

	mu               sync.RWMutex
	lastActivity     time.Time
	interactionCount int
	totalTokens      int
}

func (a *ActiveSession) touch(interactionDelta, tokenDelta int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastActivity = time.Now()
	a.interactionCount += interactionDelta
	a.totalTokens += tokenDelta
}

func (a *ActiveSession) idleSince() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastActivity
}

// Closed is delivered on Manager's notification channel when a session
// ends, for the slow-path conversation worker to pick up.
type Closed struct {
	SessionID string
	Reason    string
}

// BackingStoreChecker reports whether the on-disk artifact behind a
// recovered session still exists, so RecoverOnStartup can tell a session
// the process legitimately left open from one that never got a clean
// session_end because the host process crashed. Implementations are
// platform-specific (stat a transcript path, resolve a workspace DB through
// the mapper) and are wired in from the composition root, since Manager
// itself has no knowledge of either monitor's path layout.
type BackingStoreChecker interface {
	Exists(ctx context.Context, platform envelope.Platform, platformSessionID, workspaceHash string) bool
}

// Manager tracks every open session in memory, backed by the embedded
// store for durability across restarts.
type Manager struct {
	store   *store.Store
	timeout time.Duration
	log     zerolog.Logger
	checker BackingStoreChecker

	mu     sync.RWMutex
	active map[string]*ActiveSession // keyed by platform+"|"+platformSessionID

	closed chan Closed
}

// SetBackingStoreChecker wires the platform-specific existence probe used
// by RecoverOnStartup. Safe to call once, before Start: left unset, every
// recovered session is optimistically restored as live, the prior
// behavior.
func (m *Manager) SetBackingStoreChecker(c BackingStoreChecker) {
	m.checker = c
}

// New builds a Manager. timeout is the inactivity window after which
// SweepTimeouts closes a session.
func New(s *store.Store, timeout time.Duration, log zerolog.Logger) *Manager {
	return &Manager{
		store:   s,
		timeout: timeout,
		log:     log.With().Str("component", "session_manager").Logger(),
		active:  make(map[string]*ActiveSession),
		closed:  make(chan Closed, 256),
	}
}

// Closed returns the channel of session-close notifications. Receivers
// must keep up; the channel is buffered and sends are non-blocking, so a
// slow or absent receiver just means the conversation worker lags, never
// that the session manager blocks.
func (m *Manager) Closed() <-chan Closed {
	return m.closed
}

func mapKey(platform envelope.Platform, platformSessionID string) string {
	return string(platform) + "|" + platformSessionID
}

// RecoverOnStartup loads every session the store still considers open
// into the in-memory map, so a restart doesn't silently orphan sessions
// that were active when the process stopped (spec.md §4.7's startup
// recovery sweep). When a BackingStoreChecker is set, a session whose
// backing artifact no longer exists is closed with EndReasonCrash instead
// of being loaded.
func (m *Manager) RecoverOnStartup(ctx context.Context) error {
	rows, err := m.store.ListOpenSessions(ctx)
	if err != nil {
		return fmt.Errorf("session: recover on startup: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var restored, crashed int
	for _, row := range rows {
		platform := envelope.Platform(row.Platform)
		if m.checker != nil && !m.checker.Exists(ctx, platform, row.PlatformSessionID, row.WorkspaceHash) {
			if err := m.store.CloseSession(ctx, row.SessionID, now, EndReasonCrash); err != nil {
				m.log.Error().Err(err).Str("session_id", row.SessionID).Msg("failed to mark crashed session")
				continue
			}
			crashed++
			continue
		}

		key := mapKey(platform, row.PlatformSessionID)
		m.active[key] = &ActiveSession{
			SessionID:         row.SessionID,
			PlatformSessionID: row.PlatformSessionID,
			Platform:          platform,
			WorkspaceHash:     row.WorkspaceHash,
			WorkspacePath:     row.WorkspacePath,
			StartedAt:         row.StartedAt,
			lastActivity:      now,
			interactionCount:  row.InteractionCount,
			totalTokens:       row.TotalTokens,
		}
		restored++
	}

	m.log.Info().Int("restored", restored).Int("crashed", crashed).Msg("recovered open sessions on startup")
	return nil
}

// GetOrCreate returns the active session for (platform, platformSessionID),
// creating and persisting a new one if none is open. Double-checked
// locking avoids holding the write lock (and a store round trip) on the
// common case where the session already exists.
func (m *Manager) GetOrCreate(ctx context.Context, platform envelope.Platform, platformSessionID, workspacePath string) (*ActiveSession, error) {
	key := mapKey(platform, platformSessionID)

	m.mu.RLock()
	if s, ok := m.active[key]; ok {
		m.mu.RUnlock()
		return s, nil
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.active[key]; ok {
		return s, nil
	}

	workspaceHash := ""
	if workspacePath != "" {
		workspaceHash = envelope.WorkspaceHash(workspacePath)
	}

	row := store.SessionRow{
		SessionID:         uuid.NewString(),
		PlatformSessionID: platformSessionID,
		Platform:          string(platform),
		WorkspaceHash:     workspaceHash,
		WorkspacePath:     workspacePath,
		StartedAt:         time.Now(),
	}

	// Persist before publish: the row must exist before any other
	// component can observe the session as open.
	if err := m.store.CreateSession(ctx, row); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	s := &ActiveSession{
		SessionID:         row.SessionID,
		PlatformSessionID: platformSessionID,
		Platform:          platform,
		WorkspaceHash:     workspaceHash,
		WorkspacePath:     workspacePath,
		StartedAt:         row.StartedAt,
		lastActivity:      row.StartedAt,
	}
	m.active[key] = s

	return s, nil
}

// RecordActivity accounts for one more interaction (and its token count, if
// known) against an open session, persisting the delta immediately.
func (m *Manager) RecordActivity(ctx context.Context, platform envelope.Platform, platformSessionID string, tokenDelta int) error {
	m.mu.RLock()
	s, ok := m.active[mapKey(platform, platformSessionID)]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("session: no active session for %s/%s", platform, platformSessionID)
	}

	s.touch(1, tokenDelta)
	return m.store.RecordActivity(ctx, s.SessionID, 1, tokenDelta)
}

// Close ends a session explicitly (e.g. on a session_end event or process
// shutdown). It persists the close before removing the in-memory entry and
// notifying (persist-before-remove), so a crash mid-close leaves the store
// as the source of truth.
func (m *Manager) Close(ctx context.Context, platform envelope.Platform, platformSessionID, reason string) error {
	key := mapKey(platform, platformSessionID)

	m.mu.Lock()
	s, ok := m.active[key]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	if err := m.store.CloseSession(ctx, s.SessionID, time.Now(), reason); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("session: close %s: %w", s.SessionID, err)
	}
	delete(m.active, key)
	m.mu.Unlock()

	m.notify(Closed{SessionID: s.SessionID, Reason: reason})
	return nil
}

// HandleLifecycleEvent opens or closes a session for an explicit
// session_start/session_end event from an external producer (an IDE hook
// script), keyed by the producer's own platform_session_id. Any other
// event type is a no-op: lifecycle events are the only ones this method
// handles, everything else reaches sessions implicitly through
// GetOrCreate/RecordActivity as the platform monitors observe activity.
func (m *Manager) HandleLifecycleEvent(ctx context.Context, platform envelope.Platform, platformSessionID, eventType string) error {
	switch eventType {
	case envelope.EventSessionStart:
		_, err := m.GetOrCreate(ctx, platform, platformSessionID, "")
		return err
	case envelope.EventSessionEnd:
		return m.Close(ctx, platform, platformSessionID, EndReasonNormal)
	default:
		return nil
	}
}

func (m *Manager) notify(c Closed) {
	select {
	case m.closed <- c:
	default:
		m.log.Warn().Str("session_id", c.SessionID).Msg("closed-session notification dropped, channel full")
	}
}

// SweepTimeouts closes every active session whose last activity is older
// than the configured timeout, returning the session ids it closed. Meant
// to run off a ticker (spec.md §4.7's hourly timeout sweep; the interval
// itself is the caller's concern, not this method's).
func (m *Manager) SweepTimeouts(ctx context.Context) ([]string, error) {
	cutoff := time.Now().Add(-m.timeout)

	m.mu.RLock()
	var stale []*ActiveSession
	for _, s := range m.active {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	closedIDs := make([]string, 0, len(stale))
	for _, s := range stale {
		if err := m.Close(ctx, s.Platform, s.PlatformSessionID, EndReasonTimeout); err != nil {
			m.log.Error().Err(err).Str("session_id", s.SessionID).Msg("failed to close timed-out session")
			continue
		}
		closedIDs = append(closedIDs, s.SessionID)
	}
	return closedIDs, nil
}

// Run drives the periodic timeout sweep until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			closed, err := m.SweepTimeouts(ctx)
			if err != nil {
				m.log.Error().Err(err).Msg("timeout sweep failed")
				continue
			}
			if len(closed) > 0 {
				m.log.Info().Int("count", len(closed)).Msg("closed timed-out sessions")
			}
		}
	}
}

// CloseAll closes every active session as EndReasonNormal, used during
// graceful process shutdown so no session is left dangling open. A
// supervised shutdown is an orderly close, not a crash, so it shares
// end_reason with an explicit session_end.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make([]*ActiveSession, 0, len(m.active))
	for _, s := range m.active {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if err := m.Close(ctx, s.Platform, s.PlatformSessionID, EndReasonNormal); err != nil {
			m.log.Error().Err(err).Str("session_id", s.SessionID).Msg("failed to close session on shutdown")
		}
	}
}

// ActiveCount reports the number of currently open sessions, exposed for
// the metrics gauge.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}
