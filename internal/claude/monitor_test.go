package claude

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/session"
	"github.com/blueplane/telemetry-core/internal/store"
)

type fakePublisher struct {
	mu      sync.Mutex
	entries [][]byte
}

func (f *fakePublisher) Append(_ context.Context, _ string, payload []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, payload)
	return false, nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(store.Config{Path: filepath.Join(dir, "t.db"), WAL: true})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestProcessPathEmitsOneEventPerLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session1.jsonl")

	lines := `{"type":"user","sessionId":"s1","cwd":"/tmp/proj","message":{"role":"user","content":"hi"}}
{"type":"assistant","sessionId":"s1","cwd":"/tmp/proj","message":{"role":"assistant","content":"hello"}}
`
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	pub := &fakePublisher{}
	mgr := session.New(newTestStore(t), time.Hour, zerolog.Nop())
	mon := New(dir, pub, mgr, time.Minute, zerolog.Nop())
	mon.registerFile(path, RoleMain, "")

	mon.processPath(context.Background(), path)

	if got := pub.count(); got != 2 {
		t.Fatalf("published %d events, want 2", got)
	}
	if mgr.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d, want 1", mgr.ActiveCount())
	}
}

func TestProcessPathSkipsPoisonLineButAdvancesOffset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session2.jsonl")

	lines := "not json at all\n" + `{"type":"user","sessionId":"s2","message":{"role":"user","content":"ok"}}` + "\n"
	if err := os.WriteFile(path, []byte(lines), 0o600); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	pub := &fakePublisher{}
	mgr := session.New(newTestStore(t), time.Hour, zerolog.Nop())
	mon := New(dir, pub, mgr, time.Minute, zerolog.Nop())
	mon.registerFile(path, RoleMain, "")

	mon.processPath(context.Background(), path)

	if got := pub.count(); got != 1 {
		t.Fatalf("published %d events, want 1 (poison line should be skipped, not retried)", got)
	}

	mon.mu.Lock()
	offset := mon.states[path].offset
	mon.mu.Unlock()
	info, _ := os.Stat(path)
	if offset != info.Size() {
		t.Errorf("offset = %d, want full file size %d (poison line must still advance offset)", offset, info.Size())
	}
}

func TestProcessPathResumesFromOffsetOnNextCall(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session3.jsonl")

	first := `{"type":"user","sessionId":"s3","message":{"role":"user","content":"first"}}` + "\n"
	if err := os.WriteFile(path, []byte(first), 0o600); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	pub := &fakePublisher{}
	mgr := session.New(newTestStore(t), time.Hour, zerolog.Nop())
	mon := New(dir, pub, mgr, time.Minute, zerolog.Nop())
	mon.registerFile(path, RoleMain, "")
	mon.processPath(context.Background(), path)

	if got := pub.count(); got != 1 {
		t.Fatalf("published %d events after first write, want 1", got)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open for append: %v", err)
	}
	second := `{"type":"assistant","sessionId":"s3","message":{"role":"assistant","content":"second"}}` + "\n"
	if _, err := f.WriteString(second); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = f.Close()

	mon.processPath(context.Background(), path)

	if got := pub.count(); got != 2 {
		t.Fatalf("published %d events after append, want 2 (should not re-emit the first line)", got)
	}
}

func TestProcessPathHandlesTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "session4.jsonl")

	long := `{"type":"user","sessionId":"s4","message":{"role":"user","content":"a very long first line of content here"}}` + "\n"
	if err := os.WriteFile(path, []byte(long), 0o600); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	pub := &fakePublisher{}
	mgr := session.New(newTestStore(t), time.Hour, zerolog.Nop())
	mon := New(dir, pub, mgr, time.Minute, zerolog.Nop())
	mon.registerFile(path, RoleMain, "")
	mon.processPath(context.Background(), path)

	short := `{"type":"user","sessionId":"s4","message":{"role":"user","content":"hi"}}` + "\n"
	if err := os.WriteFile(path, []byte(short), 0o600); err != nil {
		t.Fatalf("truncate and rewrite transcript: %v", err)
	}

	mon.processPath(context.Background(), path)

	if got := pub.count(); got != 2 {
		t.Fatalf("published %d events total, want 2 (truncation should restart from offset 0)", got)
	}
}
