package cursor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/store"
)

// WorkspaceMapper resolves a workspace's on-disk SQLite database path,
// following the fallback chain named in spec.md §4.5: an in-memory map,
// then the store's persisted cache, then a guess from Cursor's own
// path-hash naming scheme, and finally a direct content probe of every
// workspace directory that hasn't been ruled out yet.
type WorkspaceMapper struct {
	workspaceStorageDir string
	store               *store.Store
	cachePath           string

	mu    sync.RWMutex
	cache map[string]string // workspaceHash -> db path
}

// NewWorkspaceMapper builds a mapper rooted at Cursor's workspaceStorage
// directory (one subdirectory per workspace, each holding a state.vscdb).
func NewWorkspaceMapper(workspaceStorageDir string, s *store.Store, cachePath string) *WorkspaceMapper {
	return &WorkspaceMapper{
		workspaceStorageDir: workspaceStorageDir,
		store:               s,
		cachePath:           cachePath,
		cache:               make(map[string]string),
	}
}

// LoadPersistentCache reads the on-disk JSON cache file into memory, best
// effort: a missing or corrupt cache file just means every lookup falls
// through to slower tiers.
func (m *WorkspaceMapper) LoadPersistentCache() {
	data, err := os.ReadFile(m.cachePath)
	if err != nil {
		return
	}
	var entries map[string]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range entries {
		m.cache[k] = v
	}
}

// SavePersistentCache flushes the in-memory cache to disk.
func (m *WorkspaceMapper) SavePersistentCache() error {
	m.mu.RLock()
	entries := make(map[string]string, len(m.cache))
	for k, v := range m.cache {
		entries[k] = v
	}
	m.mu.RUnlock()

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.cachePath, data, 0o600)
}

// Resolve finds the workspace SQLite DB path for workspaceHash, trying
// each tier in order and persisting the result once found so future
// lookups are O(1).
func (m *WorkspaceMapper) Resolve(ctx context.Context, workspaceHash string) (string, bool) {
	m.mu.RLock()
	if path, ok := m.cache[workspaceHash]; ok {
		m.mu.RUnlock()
		return path, true
	}
	m.mu.RUnlock()

	if m.store != nil {
		if path, err := m.store.GetWorkspaceDBPath(ctx, workspaceHash); err == nil && path != "" {
			m.remember(ctx, workspaceHash, path)
			return path, true
		}
	}

	if path, ok := m.probeByPathHash(workspaceHash); ok {
		m.remember(ctx, workspaceHash, path)
		return path, true
	}

	if path, ok := m.probeByContent(workspaceHash); ok {
		m.remember(ctx, workspaceHash, path)
		return path, true
	}

	return "", false
}

// DBExists reports whether workspaceHash still resolves to a workspace
// database on disk, used by the session manager's startup crash-recovery
// sweep (spec.md §4.7) to tell a workspace session still legitimately open
// from one whose workspace directory disappeared along with the process
// that was writing it.
func (m *WorkspaceMapper) DBExists(ctx context.Context, workspaceHash string) bool {
	if workspaceHash == "" {
		return true
	}
	path, ok := m.Resolve(ctx, workspaceHash)
	if !ok {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func (m *WorkspaceMapper) remember(ctx context.Context, workspaceHash, path string) {
	m.mu.Lock()
	m.cache[workspaceHash] = path
	m.mu.Unlock()

	if m.store != nil {
		_ = m.store.SetWorkspaceDBPath(ctx, workspaceHash, path)
	}
}

// probeByPathHash checks whether a workspace directory's own name (Cursor
// names workspaceStorage subdirectories by an internal hash unrelated to
// our xxhash workspace hash) matches a db whose workspace.json names the
// path we already hashed.
func (m *WorkspaceMapper) probeByPathHash(workspaceHash string) (string, bool) {
	entries, err := os.ReadDir(m.workspaceStorageDir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dbPath := filepath.Join(m.workspaceStorageDir, entry.Name(), "state.vscdb")
		workspacePath, ok := readWorkspaceFolderPath(filepath.Join(m.workspaceStorageDir, entry.Name()))
		if !ok {
			continue
		}
		if envelope.WorkspaceHash(workspacePath) == workspaceHash {
			return dbPath, true
		}
	}
	return "", false
}

// readWorkspaceFolderPath reads Cursor's workspace.json sidecar file
// (present alongside state.vscdb in each workspaceStorage subdirectory)
// to recover the original project path.
func readWorkspaceFolderPath(dir string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "workspace.json"))
	if err != nil {
		return "", false
	}
	var meta struct {
		Folder string `json:"folder"`
	}
	if err := json.Unmarshal(data, &meta); err != nil || meta.Folder == "" {
		return "", false
	}
	return meta.Folder, true
}

// probeByContent is the last-resort tier: open each remaining candidate
// database read-only and check it actually contains Cursor's ItemTable
// schema, in case workspace.json is missing or stale.
func (m *WorkspaceMapper) probeByContent(workspaceHash string) (string, bool) {
	entries, err := os.ReadDir(m.workspaceStorageDir)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dbPath := filepath.Join(m.workspaceStorageDir, entry.Name(), "state.vscdb")
		if _, err := os.Stat(dbPath); err != nil {
			continue
		}
		if !isCursorWorkspaceDB(dbPath) {
			continue
		}
		// Without a recoverable original path there's nothing left to
		// hash against; content probing alone can confirm "this is a
		// Cursor DB" but not "this is workspaceHash's DB". Callers that
		// reach this tier with no workspace.json sidecar are limited to
		// treating the directory name itself as the stable identity.
		if envelope.WorkspaceHash(entry.Name()) == workspaceHash {
			return dbPath, true
		}
	}
	return "", false
}

func isCursorWorkspaceDB(path string) bool {
	db, err := sql.Open("sqlite", fmt.Sprintf("%s?mode=ro&_pragma=query_only(1)", path))
	if err != nil {
		return false
	}
	defer func() { _ = db.Close() }()

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='ItemTable'`).Scan(&name)
	return err == nil
}
