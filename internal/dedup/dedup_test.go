package dedup

import (
	"testing"
	"time"

	"github.com/blueplane/telemetry-core/internal/envelope"
)

func TestSeenOrRememberCollapsesDuplicates(t *testing.T) {
	c := New(time.Minute, 10)

	if c.SeenOrRemember("a") {
		t.Fatal("first sighting of key should report not-seen")
	}
	if !c.SeenOrRemember("a") {
		t.Fatal("second sighting of same key should report seen")
	}
	if c.SeenOrRemember("b") {
		t.Fatal("distinct key should not collide with a")
	}
}

func TestSeenOrRememberExpires(t *testing.T) {
	c := New(20*time.Millisecond, 10)

	if c.SeenOrRemember("a") {
		t.Fatal("first sighting should report not-seen")
	}
	time.Sleep(60 * time.Millisecond)
	if c.SeenOrRemember("a") {
		t.Fatal("key should have expired out of the TTL window")
	}
}

func TestKeyPrefersGenerationID(t *testing.T) {
	e := envelope.Event{Platform: envelope.PlatformCursor, SessionID: "s1", EventID: "e1"}

	withGen := Key(e, "gen-1")
	withoutGen := Key(e, "")

	if withGen == withoutGen {
		t.Fatal("keys with and without a generation id should differ")
	}

	e2 := envelope.Event{Platform: envelope.PlatformCursor, SessionID: "s1", EventID: "e2"}
	if Key(e, "gen-1") != Key(e2, "gen-1") {
		t.Fatal("same session+generation should collapse regardless of event id")
	}
}

func TestLenReflectsLiveEntries(t *testing.T) {
	c := New(time.Minute, 10)
	c.SeenOrRemember("a")
	c.SeenOrRemember("b")
	if got := c.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}
