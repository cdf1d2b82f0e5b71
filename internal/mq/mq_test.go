package mq

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/store"
)

func TestIsBusyGroup(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"busygroup", errors.New("BUSYGROUP Consumer Group name already exists"), true},
		{"other", errors.New("WRONGTYPE Operation against a key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBusyGroup(tt.err); got != tt.want {
				t.Errorf("isBusyGroup(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseStreamEntries(t *testing.T) {
	rows := []interface{}{
		[]interface{}{
			[]byte("1700000000000-0"),
			[]interface{}{[]byte("data"), []byte(`{"event_id":"abc"}`)},
		},
		[]interface{}{
			[]byte("1700000000001-0"),
			[]interface{}{[]byte("data"), []byte(`{"event_id":"def"}`)},
		},
	}

	entries, err := parseStreamEntries("bp:events:cursor", rows)
	if err != nil {
		t.Fatalf("parseStreamEntries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].ID != "1700000000000-0" {
		t.Errorf("entries[0].ID = %q", entries[0].ID)
	}
	if string(entries[1].Data) != `{"event_id":"def"}` {
		t.Errorf("entries[1].Data = %q", entries[1].Data)
	}
	for _, e := range entries {
		if e.Stream != "bp:events:cursor" {
			t.Errorf("entries Stream = %q, want bp:events:cursor", e.Stream)
		}
	}
}

func TestAppendFallsBackToOverflowOnDialFailure(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(store.Config{Path: filepath.Join(dir, "t.db"), WAL: true})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer func() { _ = s.Close() }()

	cfg := config.MQConfig{Host: "127.0.0.1", Port: 1, StreamMaxLen: 100}
	q, err := newWithoutGroupSetup(cfg, s, zerolog.Nop())
	if err != nil {
		t.Fatalf("newWithoutGroupSetup: %v", err)
	}
	defer func() { _ = q.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	usedOverflow, err := q.Append(ctx, StreamCursorEvents, []byte("payload"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !usedOverflow {
		t.Fatal("expected Append to fall back to overflow store when the bus is unreachable")
	}

	pending, err := s.PendingOverflow(ctx, 10)
	if err != nil {
		t.Fatalf("PendingOverflow: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("len(pending) = %d, want 1", len(pending))
	}
	if string(pending[0].Envelope) != "payload" {
		t.Errorf("pending[0].Envelope = %q", pending[0].Envelope)
	}
}

// newWithoutGroupSetup builds a Queue against an address nothing listens
// on, skipping the consumer-group bootstrap New performs (which would
// itself fail against the same unreachable address and short-circuit
// before the test can exercise Append's fallback path).
func newWithoutGroupSetup(cfg config.MQConfig, s *store.Store, log zerolog.Logger) (*Queue, error) {
	q := &Queue{cfg: cfg, store: s, log: log}
	q.pool = newPool(cfg)
	return q, nil
}
