package cursor

import "testing"

func TestParseComposer(t *testing.T) {
	raw := []byte(`{"composerId":"c1","unifiedMode":"agent","conversation":[{"bubbleId":"b1","type":1},{"bubbleId":"b2","type":2}]}`)
	c, err := parseComposer(raw)
	if err != nil {
		t.Fatalf("parseComposer: %v", err)
	}
	if c.ComposerID != "c1" {
		t.Errorf("ComposerID = %q, want c1", c.ComposerID)
	}
	if len(c.Conversation) != 2 {
		t.Fatalf("len(Conversation) = %d, want 2", len(c.Conversation))
	}
}

func TestParseComposerPoison(t *testing.T) {
	if _, err := parseComposer([]byte("{not json")); err == nil {
		t.Fatal("expected an error for malformed composer JSON")
	}
}

func TestParseBubble(t *testing.T) {
	raw := []byte(`{"bubbleId":"b1","composerId":"c1","type":2,"text":"hello world","tokenCount":42,"linesAdded":3,"linesRemoved":1}`)
	b, err := parseBubble(raw)
	if err != nil {
		t.Fatalf("parseBubble: %v", err)
	}
	if b.TokenCount != 42 || b.LinesAdded != 3 || b.LinesRemoved != 1 {
		t.Errorf("unexpected bubble fields: %+v", b)
	}
}

func TestContentHashStableAndSensitive(t *testing.T) {
	a := contentHash([]byte(`{"a":1}`))
	b := contentHash([]byte(`{"a":1}`))
	c := contentHash([]byte(`{"a":2}`))
	if a != b {
		t.Error("identical content should hash identically")
	}
	if a == c {
		t.Error("different content should hash differently")
	}
}
