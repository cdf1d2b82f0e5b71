// Package claude tails Claude Code's per-session JSONL transcripts under
// ~/.claude/projects/**/*.jsonl, emitting one envelope per transcript line
// and discovering sub-agent transcripts as they appear (spec.md §4.4).
// The watcher shape is adapted from the tail-claude reference tool's
// sessionWatcher: all mutable file-tracking state lives on a single owning
// goroutine, and fsnotify callbacks only ever post a debounced signal into
// that goroutine rather than touching state directly.
package claude

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/privacy"
	"github.com/blueplane/telemetry-core/internal/session"
)

// RoleMain and RoleSubagent classify which kind of transcript a file is.
const (
	RoleMain     = "main"
	RoleSubagent = "subagent"
)

// Publisher is the narrow MQ surface the monitor needs.
type Publisher interface {
	Append(ctx context.Context, stream string, payload []byte) (bool, error)
}

// fileState is the per-file tracking record named in spec.md §4.4:
// path, size, mtime, byte offset already consumed, the session it
// belongs to, its role, and (for sub-agents) the agent id that ties it
// back to its parent's tool_use block.
type fileState struct {
	path       string
	size       int64
	modTime    time.Time
	offset     int64
	sessionID  string
	role       string
	agentID    string
}

// Monitor tails every transcript file under projectsDir.
type Monitor struct {
	projectsDir  string
	pub          Publisher
	sessions     *session.Manager
	pollInterval time.Duration
	log          zerolog.Logger

	mu     sync.Mutex
	states map[string]*fileState // keyed by absolute path

	signals chan string // debounced per-path rebuild trigger
	timers  map[string]*time.Timer
	timerMu sync.Mutex
}

// New builds a Monitor. pollInterval is the fallback rescan cadence used
// in addition to fsnotify, covering filesystems where inotify events are
// unreliable.
func New(projectsDir string, pub Publisher, sessions *session.Manager, pollInterval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		projectsDir:  projectsDir,
		pub:          pub,
		sessions:     sessions,
		pollInterval: pollInterval,
		log:          log.With().Str("component", "claude_monitor").Logger(),
		states:       make(map[string]*fileState),
		signals:      make(chan string, 256),
		timers:       make(map[string]*time.Timer),
	}
}

// Run pre-scans projectsDir for existing transcripts, then watches for
// appends and new files until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	if _, err := os.Stat(m.projectsDir); err != nil {
		return fmt.Errorf("claude monitor: projects dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("claude monitor: new watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := m.addWatchesRecursive(watcher); err != nil {
		return fmt.Errorf("claude monitor: add watches: %w", err)
	}

	if err := m.preScan(ctx); err != nil {
		m.log.Error().Err(err).Msg("pre-scan failed, continuing with live tailing only")
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case path := <-m.signals:
			m.processPath(ctx, path)

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			m.handleFSEvent(watcher, event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Warn().Err(err).Msg("fsnotify error")

		case <-ticker.C:
			m.pollAll()
		}
	}
}

func (m *Monitor) addWatchesRecursive(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(m.projectsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			_ = watcher.Add(path)
		}
		return nil
	})
}

// preScan registers every .jsonl file already on disk, discovering
// sub-agent transcripts up front by reading each main transcript once for
// toolUseResult.agentId references (spec.md §4.4's pre-scan discovery
// step), before any live tailing begins.
func (m *Monitor) preScan(ctx context.Context) error {
	var paths []string
	err := filepath.WalkDir(m.projectsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".jsonl") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return err
	}

	for _, path := range paths {
		base := filepath.Base(path)
		if strings.HasPrefix(base, "agent-") {
			agentID := strings.TrimSuffix(strings.TrimPrefix(base, "agent-"), ".jsonl")
			m.registerFile(path, RoleSubagent, agentID)
			continue
		}
		m.registerFile(path, RoleMain, "")
	}
	for _, path := range paths {
		m.processPath(ctx, path)
	}
	return nil
}

func (m *Monitor) registerFile(path, role, agentID string) *fileState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.states[path]; ok {
		return s
	}
	s := &fileState{path: path, role: role, agentID: agentID}
	m.states[path] = s
	return s
}

func (m *Monitor) handleFSEvent(watcher *fsnotify.Watcher, event fsnotify.Event) {
	info, err := os.Stat(event.Name)
	if err == nil && info.IsDir() {
		_ = watcher.Add(event.Name)
		return
	}
	if !strings.HasSuffix(event.Name, ".jsonl") {
		return
	}
	if event.Has(fsnotify.Create) {
		m.registerFile(event.Name, RoleMain, "")
	}
	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		m.debounce(event.Name)
	}
}

func (m *Monitor) debounce(path string) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()

	if t, ok := m.timers[path]; ok {
		t.Stop()
	}
	m.timers[path] = time.AfterFunc(300*time.Millisecond, func() {
		select {
		case m.signals <- path:
		default:
		}
	})
}

// pollAll rescans every tracked file for size/mtime changes, a safety net
// for environments where fsnotify silently misses events.
func (m *Monitor) pollAll() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.states))
	for p := range m.states {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		m.mu.Lock()
		s := m.states[p]
		changed := s != nil && (info.Size() != s.size || !info.ModTime().Equal(s.modTime))
		m.mu.Unlock()
		if changed {
			select {
			case m.signals <- p:
			default:
			}
		}
	}
}

// processPath reads any content appended to path since its last known
// offset and emits one envelope per complete line. Truncation or file
// recreation (current size smaller than the last recorded size, or mtime
// older than the last recorded mtime) resets the offset to zero rather than
// erroring, so a rotated transcript is simply re-read from the start.
func (m *Monitor) processPath(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}

	m.mu.Lock()
	s, ok := m.states[path]
	if !ok {
		s = &fileState{path: path, role: RoleMain}
		m.states[path] = s
	}
	if info.Size() < s.size || info.ModTime().Before(s.modTime) {
		m.log.Warn().Str("path", path).Msg("transcript shrank, treating as truncated/recreated")
		s.offset = 0
	}
	offset := s.offset
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return
	}

	reader := bufio.NewReader(f)
	var consumed int64
	for {
		line, readErr := reader.ReadString('\n')
		if len(line) == 0 && readErr != nil {
			break
		}
		if readErr != nil && readErr != io.EOF {
			break
		}
		if readErr == io.EOF && !strings.HasSuffix(line, "\n") {
			// Partial final line: don't consume it, it may still be
			// mid-write. It will be re-read on the next signal.
			break
		}

		consumed += int64(len(line))
		trimmed := strings.TrimRight(line, "\n")
		if strings.TrimSpace(trimmed) != "" {
			m.handleLine(ctx, s, trimmed)
		}

		if readErr == io.EOF {
			break
		}
	}

	m.mu.Lock()
	s.offset += consumed
	s.size = info.Size()
	s.modTime = info.ModTime()
	m.mu.Unlock()
}

func (m *Monitor) handleLine(ctx context.Context, s *fileState, line string) {
	rec, err := parseLine([]byte(line))
	if err != nil {
		m.log.Debug().Str("path", s.path).Err(err).Msg("skipping malformed transcript line")
		return
	}

	if rec.SessionID != "" && s.sessionID == "" {
		s.sessionID = rec.SessionID
	}

	// Dynamic sub-agent discovery: a tool result carrying an agentId names
	// a sub-agent whose own transcript file may not exist on disk yet.
	if rec.ToolUse != nil && rec.ToolUse.AgentID != "" {
		m.discoverSubagent(filepath.Dir(s.path), rec.ToolUse.AgentID)
	}

	workspacePath := rec.CWD
	workspaceHash := ""
	if workspacePath != "" {
		workspaceHash = envelope.WorkspaceHash(workspacePath)
	}

	sessionID := rec.SessionID
	if sessionID == "" {
		sessionID = s.sessionID
	}
	if sessionID == "" {
		return
	}

	var active *session.ActiveSession
	if m.sessions != nil {
		a, err := m.sessions.GetOrCreate(ctx, envelope.PlatformClaude, sessionID, workspacePath)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to open session for transcript line")
		}
		active = a
	}

	eventType := rec.Type
	if eventType == "" {
		eventType = "unknown"
	}

	env := envelope.New(envelope.PlatformClaude, eventType, sessionID, envelope.SourceJSONLMonitor)
	env.Metadata.WorkspaceHash = workspaceHash
	if active != nil {
		env.ExternalSessionID = active.SessionID
	}

	tokens := 0
	role := ""
	var toolUses []string
	textLen := 0
	if rec.Message != nil {
		role = rec.Message.Role
		textLen = contentTextLength(rec.Message.Content)
		toolUses = toolNames(rec.Message.Content)
		if rec.Message.Usage != nil {
			tokens = rec.Message.Usage.InputTokens + rec.Message.Usage.OutputTokens
		}
	}

	payload := struct {
		Role          string   `json:"role,omitempty"`
		TextLength    int      `json:"text_length"`
		TextHash      string   `json:"text_hash,omitempty"`
		Tokens        int      `json:"tokens"`
		ToolNames     []string `json:"tool_names,omitempty"`
		AgentRole     string   `json:"agent_role"`
		AgentID       string   `json:"agent_id,omitempty"`
		IsSidechain   bool     `json:"is_sidechain"`
	}{
		Role:        role,
		TextLength:  textLen,
		TextHash:    privacy.HashText(line),
		Tokens:      tokens,
		ToolNames:   toolUses,
		AgentRole:   s.role,
		AgentID:     s.agentID,
		IsSidechain: rec.IsSidechain,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal event payload")
		return
	}
	env.Payload = raw

	if m.sessions != nil {
		if err := m.sessions.RecordActivity(ctx, envelope.PlatformClaude, sessionID, tokens); err != nil {
			m.log.Debug().Err(err).Msg("record activity failed (session may have just timed out)")
		}
	}

	wire, err := env.Marshal()
	if err != nil {
		m.log.Error().Err(err).Msg("failed to marshal envelope")
		return
	}

	if _, err := m.pub.Append(ctx, mq.StreamClaudeEvents, wire); err != nil {
		m.log.Error().Err(err).Msg("failed to publish claude event")
	}
}

// TranscriptExists reports whether a transcript file for platformSessionID
// still exists anywhere under projectsDir. Claude Code names a session's
// main transcript file after its own session id, so this is a plain
// filename match rather than a content read — used by the session
// manager's startup crash-recovery sweep (spec.md §4.7) to tell a session
// still legitimately open from one whose transcript vanished along with
// the process that was writing it.
func TranscriptExists(projectsDir, platformSessionID string) bool {
	if projectsDir == "" || platformSessionID == "" {
		return true
	}
	found := false
	_ = filepath.WalkDir(projectsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if strings.TrimSuffix(filepath.Base(path), ".jsonl") == platformSessionID {
			found = true
		}
		return nil
	})
	return found
}

// discoverSubagent registers a sub-agent transcript file once its agent id
// is referenced by a parent tool result, even if the file hasn't appeared
// on disk yet (fsnotify will pick it up once it does, since the directory
// is already watched; this just pre-seeds its role/agentID metadata for
// whenever it's first read).
func (m *Monitor) discoverSubagent(dir, agentID string) {
	candidate := filepath.Join(dir, "agent-"+agentID+".jsonl")
	m.registerFile(candidate, RoleSubagent, agentID)
}

