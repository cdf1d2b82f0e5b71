package ingest

import (
	"encoding/json"
	"strings"

	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/store"
)

// claudePayload mirrors the shape internal/claude's monitor emits.
type claudePayload struct {
	Role        string   `json:"role"`
	TextLength  int      `json:"text_length"`
	TextHash    string   `json:"text_hash"`
	Tokens      int      `json:"tokens"`
	ToolNames   []string `json:"tool_names"`
	AgentRole   string   `json:"agent_role"`
	AgentID     string   `json:"agent_id"`
	IsSidechain bool     `json:"is_sidechain"`
}

// composerPayload mirrors internal/cursor's composer_updated payload.
type composerPayload struct {
	ComposerID  string `json:"composer_id"`
	ItemKey     string `json:"item_key"`
	BubbleCount int    `json:"bubble_count"`
	IsAgentic   bool   `json:"is_agentic"`
	ProjectName string `json:"project_name"`
}

// bubblePayload mirrors internal/cursor's bubble_added payload.
type bubblePayload struct {
	BubbleID     string `json:"bubble_id"`
	ComposerID   string `json:"composer_id"`
	MessageType  int    `json:"message_type"`
	TextHash     string `json:"text_hash"`
	TextLength   int    `json:"text_length"`
	TokenCount   int    `json:"token_count"`
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// generationID returns the natural dedup key component for an envelope:
// the composer/bubble id for Cursor events, the event id for Claude
// events (Claude transcripts don't carry a separate generation concept,
// so literal redelivery is what's being collapsed there).
func generationID(e envelope.Event) string {
	switch e.EventType {
	case "composer_updated":
		var p composerPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.ComposerID
		}
	case "bubble_added":
		var p bubblePayload
		if err := json.Unmarshal(e.Payload, &p); err == nil {
			return p.BubbleID
		}
	}
	return ""
}

// extractColumns converts an envelope's payload into the platform-specific
// indexed columns the batch writer needs, per SPEC_FULL.md's polymorphic
// (table, extractor) design.
func extractColumns(e envelope.Event) store.ExtractedColumns {
	if e.Platform == envelope.PlatformClaude {
		return extractClaudeColumns(e)
	}
	return extractCursorColumns(e)
}

func extractClaudeColumns(e envelope.Event) store.ExtractedColumns {
	var p claudePayload
	_ = json.Unmarshal(e.Payload, &p)

	return store.ExtractedColumns{
		ExternalSessionID: e.ExternalSessionID,
		WorkspaceHash:     e.Metadata.WorkspaceHash,
		Model:             "",
		ToolName:          strings.Join(p.ToolNames, ","),
		TokensUsed:        p.Tokens,
		MessageType:       p.Role,
	}
}

func extractCursorColumns(e envelope.Event) store.ExtractedColumns {
	switch e.EventType {
	case "composer_updated":
		var p composerPayload
		_ = json.Unmarshal(e.Payload, &p)
		return store.ExtractedColumns{
			ExternalSessionID: e.ExternalSessionID,
			WorkspaceHash:     e.Metadata.WorkspaceHash,
			StorageLevel:      "global",
			DatabaseTable:     "ItemTable",
			ItemKey:           p.ItemKey,
			ComposerID:        p.ComposerID,
			GenerationUUID:    p.ComposerID,
			IsAgentic:         p.IsAgentic,
			ProjectName:       p.ProjectName,
		}
	case "bubble_added":
		var p bubblePayload
		_ = json.Unmarshal(e.Payload, &p)
		return store.ExtractedColumns{
			ExternalSessionID: e.ExternalSessionID,
			WorkspaceHash:     e.Metadata.WorkspaceHash,
			StorageLevel:      "workspace",
			DatabaseTable:     "ItemTable",
			ComposerID:        p.ComposerID,
			BubbleID:          p.BubbleID,
			GenerationUUID:    p.BubbleID,
			MessageType:       messageTypeLabel(p.MessageType),
			RawTextHash:       p.TextHash,
			RawTextLength:     p.TextLength,
			TokenCountSoFar:   p.TokenCount,
			LinesAdded:        p.LinesAdded,
			LinesRemoved:      p.LinesRemoved,
		}
	default:
		return store.ExtractedColumns{ExternalSessionID: e.ExternalSessionID, WorkspaceHash: e.Metadata.WorkspaceHash}
	}
}

func messageTypeLabel(t int) string {
	switch t {
	case 1:
		return "user"
	case 2:
		return "assistant"
	default:
		return "unknown"
	}
}
