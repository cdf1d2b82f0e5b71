package envelope

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	base := New(PlatformCursor, "session_start", "sess-1", SourceUnifiedMonitor)

	tests := []struct {
		name    string
		mutate  func(e Event) Event
		wantErr bool
	}{
		{"valid", func(e Event) Event { return e }, false},
		{"missing version", func(e Event) Event { e.Version = ""; return e }, true},
		{"missing event id", func(e Event) Event { e.EventID = ""; return e }, true},
		{"bad platform", func(e Event) Event { e.Platform = "unknown"; return e }, true},
		{"missing event type", func(e Event) Event { e.EventType = ""; return e }, true},
		{"zero timestamp", func(e Event) Event { e.Timestamp = time.Time{}; return e }, true},
		{"missing session id", func(e Event) Event { e.SessionID = ""; return e }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.mutate(base).Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	e := New(PlatformClaude, "generation", "sess-2", SourceJSONLMonitor)
	e.Payload = []byte(`{"tool_name":"Edit"}`)

	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.EventID != e.EventID || got.SessionID != e.SessionID {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestUnmarshalPoison(t *testing.T) {
	if _, err := Unmarshal([]byte("not-json")); err == nil {
		t.Fatal("expected decode error for poison input")
	}
}

func TestWorkspaceHashStable(t *testing.T) {
	a := WorkspaceHash("/tmp/proj")
	b := WorkspaceHash("/tmp/proj")
	if a != b {
		t.Fatalf("WorkspaceHash not stable: %q vs %q", a, b)
	}
	if WorkspaceHash("/tmp/other") == a {
		t.Fatal("WorkspaceHash collided for distinct paths")
	}
}
