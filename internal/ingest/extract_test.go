package ingest

import (
	"encoding/json"
	"testing"

	"github.com/blueplane/telemetry-core/internal/envelope"
)

func TestGenerationIDComposer(t *testing.T) {
	payload, _ := json.Marshal(composerPayload{ComposerID: "c1"})
	e := envelope.Event{EventType: "composer_updated", Payload: payload}
	if got := generationID(e); got != "c1" {
		t.Errorf("generationID = %q, want c1", got)
	}
}

func TestGenerationIDBubble(t *testing.T) {
	payload, _ := json.Marshal(bubblePayload{BubbleID: "b1"})
	e := envelope.Event{EventType: "bubble_added", Payload: payload}
	if got := generationID(e); got != "b1" {
		t.Errorf("generationID = %q, want b1", got)
	}
}

func TestGenerationIDUnknownEventType(t *testing.T) {
	e := envelope.Event{EventType: "user"}
	if got := generationID(e); got != "" {
		t.Errorf("generationID = %q, want empty for unrecognized event type", got)
	}
}

func TestExtractClaudeColumns(t *testing.T) {
	payload, _ := json.Marshal(claudePayload{Role: "assistant", Tokens: 10, ToolNames: []string{"Read", "Edit"}})
	e := envelope.Event{Platform: envelope.PlatformClaude, Payload: payload, Metadata: envelope.Metadata{WorkspaceHash: "ws1"}}

	cols := extractColumns(e)
	if cols.TokensUsed != 10 {
		t.Errorf("TokensUsed = %d, want 10", cols.TokensUsed)
	}
	if cols.ToolName != "Read,Edit" {
		t.Errorf("ToolName = %q, want Read,Edit", cols.ToolName)
	}
	if cols.WorkspaceHash != "ws1" {
		t.Errorf("WorkspaceHash = %q, want ws1", cols.WorkspaceHash)
	}
}

func TestExtractCursorBubbleColumns(t *testing.T) {
	payload, _ := json.Marshal(bubblePayload{
		BubbleID: "b1", ComposerID: "c1", MessageType: 2,
		TokenCount: 5, LinesAdded: 2, LinesRemoved: 1,
	})
	e := envelope.Event{Platform: envelope.PlatformCursor, EventType: "bubble_added", Payload: payload}

	cols := extractColumns(e)
	if cols.BubbleID != "b1" || cols.ComposerID != "c1" {
		t.Errorf("unexpected columns: %+v", cols)
	}
	if cols.MessageType != "assistant" {
		t.Errorf("MessageType = %q, want assistant", cols.MessageType)
	}
	if cols.LinesAdded != 2 || cols.LinesRemoved != 1 {
		t.Errorf("line counts wrong: %+v", cols)
	}
}

func TestExtractCursorComposerColumns(t *testing.T) {
	payload, _ := json.Marshal(composerPayload{ComposerID: "c1", IsAgentic: true, ProjectName: "demo"})
	e := envelope.Event{Platform: envelope.PlatformCursor, EventType: "composer_updated", Payload: payload}

	cols := extractColumns(e)
	if cols.ComposerID != "c1" || !cols.IsAgentic || cols.ProjectName != "demo" {
		t.Errorf("unexpected columns: %+v", cols)
	}
}

func TestExtractColumnsCarriesExternalSessionID(t *testing.T) {
	payload, _ := json.Marshal(bubblePayload{BubbleID: "b1", ComposerID: "c1"})
	e := envelope.Event{Platform: envelope.PlatformCursor, EventType: "bubble_added", Payload: payload, ExternalSessionID: "internal-uuid-1"}

	cols := extractColumns(e)
	if cols.ExternalSessionID != "internal-uuid-1" {
		t.Errorf("ExternalSessionID = %q, want internal-uuid-1", cols.ExternalSessionID)
	}
}
