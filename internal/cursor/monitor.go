// Package cursor polls and watches Cursor's embedded SQLite databases (one
// global state.vscdb plus one per workspace) for composer/bubble activity,
// converting rows into envelopes without ever retaining prompt or response
// text (spec.md §4.5). Database access always goes through short,
// read-only, query_only connections with a hard timeout, since these files
// are owned and actively written by the Cursor application itself.
package cursor

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/privacy"
	"github.com/blueplane/telemetry-core/internal/session"
	"github.com/blueplane/telemetry-core/internal/store"
)

// Publisher is the narrow MQ surface this package needs.
type Publisher interface {
	Append(ctx context.Context, stream string, payload []byte) (bool, error)
}

// StorageLevel distinguishes the two places Cursor keeps state.
const (
	StorageLevelGlobal    = "global"
	StorageLevelWorkspace = "workspace"
)

// Monitor supervises the global listener and one listener per discovered
// workspace.
type Monitor struct {
	globalDBPath        string
	workspaceStorageDir string
	mapper              *WorkspaceMapper
	pub                 Publisher
	sessions            *session.Manager
	watermarks          *store.Store
	queryTimeout        time.Duration
	pollInterval        time.Duration
	debounce            time.Duration
	log                 zerolog.Logger

	mu              sync.Mutex
	workspaceCancel map[string]context.CancelFunc

	composerMu        sync.Mutex
	composerWorkspace map[string]string // composer_id -> workspace_hash, learned from bubble scans
}

// New builds a Monitor.
func New(globalDBPath, workspaceStorageDir string, mapper *WorkspaceMapper, pub Publisher, sessions *session.Manager, watermarks *store.Store, queryTimeout, pollInterval, debounce time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		globalDBPath:        globalDBPath,
		workspaceStorageDir: workspaceStorageDir,
		mapper:              mapper,
		pub:                 pub,
		sessions:            sessions,
		watermarks:          watermarks,
		queryTimeout:        queryTimeout,
		pollInterval:        pollInterval,
		debounce:            debounce,
		log:                 log.With().Str("component", "cursor_monitor").Logger(),
		workspaceCancel:     make(map[string]context.CancelFunc),
		composerWorkspace:   make(map[string]string),
	}
}

func (m *Monitor) rememberComposerWorkspace(composerID, workspaceHash string) {
	if composerID == "" || workspaceHash == "" {
		return
	}
	m.composerMu.Lock()
	m.composerWorkspace[composerID] = workspaceHash
	m.composerMu.Unlock()
}

func (m *Monitor) workspaceForComposer(composerID string) (string, bool) {
	m.composerMu.Lock()
	defer m.composerMu.Unlock()
	hash, ok := m.composerWorkspace[composerID]
	return hash, ok
}

// Run starts the global listener and a workspace-discovery loop; both run
// until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runGlobalListener(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.runWorkspaceDiscovery(ctx)
	}()

	wg.Wait()
	return nil
}

// runGlobalListener watches the global state.vscdb for writes (fsnotify,
// debounced) and also polls on a fallback interval, re-scanning composer
// rows on every trigger.
func (m *Monitor) runGlobalListener(ctx context.Context) {
	signals := watchFileWithPolling(ctx, m.globalDBPath, m.debounce, m.pollInterval, m.log)
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			if err := m.scanComposers(ctx); err != nil {
				m.log.Error().Err(err).Msg("global composer scan failed")
			}
		}
	}
}

// runWorkspaceDiscovery periodically lists workspaceStorage for new
// workspace directories and starts a listener goroutine for each one not
// already being watched.
func (m *Monitor) runWorkspaceDiscovery(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	m.discoverWorkspaces(ctx)
	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			for _, cancel := range m.workspaceCancel {
				cancel()
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.discoverWorkspaces(ctx)
		}
	}
}

func (m *Monitor) discoverWorkspaces(ctx context.Context) {
	entries, err := os.ReadDir(m.workspaceStorageDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dbPath := filepath.Join(m.workspaceStorageDir, entry.Name(), "state.vscdb")
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}

		m.mu.Lock()
		_, watched := m.workspaceCancel[dbPath]
		var wsCtx context.Context
		if !watched {
			var cancel context.CancelFunc
			wsCtx, cancel = context.WithCancel(ctx)
			m.workspaceCancel[dbPath] = cancel
		}
		m.mu.Unlock()

		if !watched {
			go m.runWorkspaceListener(wsCtx, dbPath)
		}
	}
}

func (m *Monitor) runWorkspaceListener(parent context.Context, dbPath string) {
	signals := watchFileWithPolling(parent, dbPath, m.debounce, m.pollInterval, m.log)
	for {
		select {
		case <-parent.Done():
			return
		case <-signals:
			if err := m.scanBubbles(parent, dbPath); err != nil {
				m.log.Error().Err(err).Str("db", dbPath).Msg("workspace bubble scan failed")
			}
		}
	}
}

// kvRow is one ItemTable row.
type kvRow struct {
	Key   string
	Value []byte
}

func (m *Monitor) queryKV(ctx context.Context, dbPath, likePattern string) ([]kvRow, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()

	connStr := fmt.Sprintf("%s?mode=ro&_pragma=query_only(1)&_pragma=read_uncommitted(1)&_busy_timeout=1000", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	rows, err := db.QueryContext(ctx, `SELECT key, value FROM ItemTable WHERE key LIKE ?`, likePattern)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", dbPath, err)
	}
	defer func() { _ = rows.Close() }()

	var out []kvRow
	for rows.Next() {
		var r kvRow
		if err := rows.Scan(&r.Key, &r.Value); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func contentHash(value []byte) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

// scanComposers diffs composerData:* rows in the global DB against their
// last-seen content hash, emitting one envelope per changed composer.
func (m *Monitor) scanComposers(ctx context.Context) error {
	rows, err := m.queryKV(ctx, m.globalDBPath, "composerData:%")
	if err != nil {
		return err
	}

	for _, row := range rows {
		hash := contentHash(row.Value)
		wm, err := m.watermarks.GetWatermark(ctx, StorageLevelGlobal, "", row.Key)
		if err == nil && wm.ContentHash == hash {
			continue
		}

		composer, err := parseComposer(row.Value)
		if err != nil {
			m.log.Debug().Str("key", row.Key).Err(err).Msg("skipping malformed composer row")
			_ = m.watermarks.SetWatermark(ctx, StorageLevelGlobal, "", row.Key, store.Watermark{ContentHash: hash})
			continue
		}

		m.emitComposerEvent(ctx, composer, row.Key)
		_ = m.watermarks.SetWatermark(ctx, StorageLevelGlobal, "", row.Key, store.Watermark{ContentHash: hash})
	}
	return nil
}

// scanBubbles diffs bubbleId:* rows in a workspace DB against their last
// seen content hash, emitting one envelope per changed bubble.
func (m *Monitor) scanBubbles(ctx context.Context, dbPath string) error {
	rows, err := m.queryKV(ctx, dbPath, "bubbleId:%")
	if err != nil {
		return err
	}

	workspaceDir := filepath.Dir(dbPath)
	workspacePath, _ := readWorkspaceFolderPath(workspaceDir)
	workspaceHash := ""
	if workspacePath != "" {
		workspaceHash = envelope.WorkspaceHash(workspacePath)
	} else {
		workspaceHash = envelope.WorkspaceHash(workspaceDir)
	}

	for _, row := range rows {
		hash := contentHash(row.Value)
		wm, err := m.watermarks.GetWatermark(ctx, StorageLevelWorkspace, workspaceHash, row.Key)
		if err == nil && wm.ContentHash == hash {
			continue
		}

		bubble, err := parseBubble(row.Value)
		if err != nil {
			m.log.Debug().Str("key", row.Key).Err(err).Msg("skipping malformed bubble row")
			_ = m.watermarks.SetWatermark(ctx, StorageLevelWorkspace, workspaceHash, row.Key, store.Watermark{ContentHash: hash})
			continue
		}

		m.emitBubbleEvent(ctx, bubble, row.Key, workspacePath, workspaceHash)
		_ = m.watermarks.SetWatermark(ctx, StorageLevelWorkspace, workspaceHash, row.Key, store.Watermark{ContentHash: hash})
	}
	return nil
}

// emitComposerEvent publishes one composer_updated event. composerData
// (read from the global DB) carries no workspace or window identity of its
// own -- the window-level session a composer belongs to is only knowable
// once one of its bubbles has been observed in a workspace DB (scanBubbles
// records that correlation via rememberComposerWorkspace). Until that
// happens this falls back to the composer id as the event's own session
// identity but deliberately does not open a session under it, so it can't
// manufacture a spurious per-composer session distinct from the shared
// window-level one bubbles open.
func (m *Monitor) emitComposerEvent(ctx context.Context, c composerData, itemKey string) {
	sessionID := c.ComposerID
	var active *session.ActiveSession
	if workspaceHash, ok := m.workspaceForComposer(c.ComposerID); ok {
		sessionID = workspaceHash
		if m.sessions != nil {
			a, err := m.sessions.GetOrCreate(ctx, envelope.PlatformCursor, sessionID, "")
			if err != nil {
				m.log.Error().Err(err).Msg("failed to open session for composer event")
			}
			active = a
		}
	}

	env := envelope.New(envelope.PlatformCursor, "composer_updated", sessionID, envelope.SourceUnifiedMonitor)
	if active != nil {
		env.ExternalSessionID = active.SessionID
	}

	payload := struct {
		ComposerID    string `json:"composer_id"`
		ItemKey       string `json:"item_key"`
		BubbleCount   int    `json:"bubble_count"`
		IsAgentic     bool   `json:"is_agentic"`
		ProjectName   string `json:"project_name,omitempty"`
	}{
		ComposerID:  c.ComposerID,
		ItemKey:     itemKey,
		BubbleCount: len(c.Conversation),
		IsAgentic:   c.UnifiedMode == "agent",
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env.Payload = raw

	if active != nil {
		_ = m.sessions.RecordActivity(ctx, envelope.PlatformCursor, sessionID, 0)
	}

	wire, err := env.Marshal()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal composer envelope")
		return
	}
	if _, err := m.pub.Append(ctx, mq.StreamCursorEvents, wire); err != nil {
		m.log.Error().Err(err).Msg("failed to publish composer event")
	}
}

// emitBubbleEvent publishes one bubble_added event. Sessions are keyed by
// the bubble's workspace, not its composer id: one IDE window hosts exactly
// one workspace, and a window can host several composer threads, so keying
// by workspace is what lets two composer threads opened in the same window
// collapse into a single session row instead of manufacturing one per
// composer.
func (m *Monitor) emitBubbleEvent(ctx context.Context, b bubbleData, itemKey, workspacePath, workspaceHash string) {
	sessionID := workspaceHash
	if sessionID == "" {
		sessionID = itemKey
	}
	m.rememberComposerWorkspace(b.ComposerID, workspaceHash)

	var active *session.ActiveSession
	if m.sessions != nil {
		a, err := m.sessions.GetOrCreate(ctx, envelope.PlatformCursor, sessionID, workspacePath)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to open session for bubble event")
		}
		active = a
	}

	env := envelope.New(envelope.PlatformCursor, "bubble_added", sessionID, envelope.SourceUnifiedMonitor)
	env.Metadata.WorkspaceHash = workspaceHash
	if active != nil {
		env.ExternalSessionID = active.SessionID
	}

	payload := struct {
		BubbleID      string `json:"bubble_id"`
		ComposerID    string `json:"composer_id,omitempty"`
		MessageType   int    `json:"message_type"`
		TextHash      string `json:"text_hash,omitempty"`
		TextLength    int    `json:"text_length"`
		TokenCount    int    `json:"token_count"`
		LinesAdded    int    `json:"lines_added"`
		LinesRemoved  int    `json:"lines_removed"`
	}{
		BubbleID:     b.BubbleID,
		ComposerID:   b.ComposerID,
		MessageType:  b.Type,
		TextHash:     privacy.HashText(b.Text),
		TextLength:   len(b.Text),
		TokenCount:   b.TokenCount,
		LinesAdded:   b.LinesAdded,
		LinesRemoved: b.LinesRemoved,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	env.Payload = raw

	if active != nil {
		_ = m.sessions.RecordActivity(ctx, envelope.PlatformCursor, sessionID, b.TokenCount)
	}

	wire, err := env.Marshal()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal bubble envelope")
		return
	}
	if _, err := m.pub.Append(ctx, mq.StreamCursorEvents, wire); err != nil {
		m.log.Error().Err(err).Msg("failed to publish bubble event")
	}
}

// watchFileWithPolling emits onto the returned channel whenever path
// changes, debounced, combining an fsnotify watch on the file's directory
// (Cursor's SQLite writer replaces the file rather than writing in place
// under WAL checkpointing, so watching the directory catches renames
// fsnotify would miss on the file handle itself) with a polling fallback.
func watchFileWithPolling(ctx context.Context, path string, debounce, pollInterval time.Duration, log zerolog.Logger) <-chan struct{} {
	out := make(chan struct{}, 1)

	go func() {
		defer close(out)

		watcher, err := fsnotify.NewWatcher()
		if err == nil {
			_ = watcher.Add(filepath.Dir(path))
			defer func() { _ = watcher.Close() }()
		}

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		var timer *time.Timer
		trigger := func() {
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case out <- struct{}{}:
				default:
				}
			})
		}

		// Fire once immediately so the first scan isn't gated on a
		// change event.
		trigger()

		var events chan fsnotify.Event
		if watcher != nil {
			events = watcher.Events
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					events = nil
					continue
				}
				if filepath.Base(ev.Name) == filepath.Base(path) {
					trigger()
				}
			case <-ticker.C:
				trigger()
			}
		}
	}()

	return out
}
