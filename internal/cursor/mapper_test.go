package cursor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/store"
)

func writeWorkspaceDir(t *testing.T, root, name, folder string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if folder != "" {
		meta, _ := json.Marshal(map[string]string{"folder": folder})
		if err := os.WriteFile(filepath.Join(dir, "workspace.json"), meta, 0o600); err != nil {
			t.Fatalf("write workspace.json: %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "state.vscdb"), []byte("not a real db"), 0o600); err != nil {
		t.Fatalf("write state.vscdb: %v", err)
	}
	return dir
}

func TestResolveViaPathHashProbe(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceDir(t, root, "abc123", "/home/user/project")

	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "t.db"), WAL: true})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	mapper := NewWorkspaceMapper(root, s, filepath.Join(t.TempDir(), "cache.json"))

	wantHash := envelope.WorkspaceHash("/home/user/project")
	path, ok := mapper.Resolve(context.Background(), wantHash)
	if !ok {
		t.Fatal("expected Resolve to find the workspace via its workspace.json sidecar")
	}
	if filepath.Base(filepath.Dir(path)) != "abc123" {
		t.Errorf("resolved path = %q, want under abc123", path)
	}
}

func TestResolveCachesAcrossCalls(t *testing.T) {
	root := t.TempDir()
	writeWorkspaceDir(t, root, "abc123", "/home/user/project")

	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "t.db"), WAL: true})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	mapper := NewWorkspaceMapper(root, s, filepath.Join(t.TempDir(), "cache.json"))
	hash := envelope.WorkspaceHash("/home/user/project")

	if _, ok := mapper.Resolve(context.Background(), hash); !ok {
		t.Fatal("first Resolve should succeed")
	}

	// Remove the sidecar; a cached result should still resolve without it.
	_ = os.Remove(filepath.Join(root, "abc123", "workspace.json"))

	if _, ok := mapper.Resolve(context.Background(), hash); !ok {
		t.Fatal("second Resolve should hit the in-memory cache despite the sidecar being gone")
	}
}

func TestResolveUnknownWorkspaceFails(t *testing.T) {
	root := t.TempDir()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "t.db"), WAL: true})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	mapper := NewWorkspaceMapper(root, s, filepath.Join(t.TempDir(), "cache.json"))
	if _, ok := mapper.Resolve(context.Background(), "nonexistent"); ok {
		t.Fatal("expected Resolve to fail for an unknown workspace hash")
	}
}
