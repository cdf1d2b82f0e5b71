package cursor

import "encoding/json"

// composerData is the subset of a Cursor composerData:<id> JSON value this
// monitor reads. Conversation bubbles are referenced by id only here; their
// content lives in separate bubbleId:* rows, read and emitted independently
// by scanBubbles.
type composerData struct {
	ComposerID   string             `json:"composerId"`
	UnifiedMode  string             `json:"unifiedMode"`
	Conversation []composerBubbleRef `json:"conversation"`
	IsArchived   bool               `json:"isArchived"`
}

type composerBubbleRef struct {
	BubbleID string `json:"bubbleId"`
	Type     int    `json:"type"`
}

func parseComposer(value []byte) (composerData, error) {
	var c composerData
	if err := json.Unmarshal(value, &c); err != nil {
		return composerData{}, err
	}
	return c, nil
}

// bubbleData is the subset of a bubbleId:<composerId>:<bubbleId> JSON
// value this monitor reads. Text is only ever used to compute a length and
// a hash; it is never retained on the emitted event.
type bubbleData struct {
	BubbleID     string `json:"bubbleId"`
	ComposerID   string `json:"composerId"`
	Type         int    `json:"type"`
	Text         string `json:"text"`
	TokenCount   int    `json:"tokenCount"`
	LinesAdded   int    `json:"linesAdded"`
	LinesRemoved int    `json:"linesRemoved"`
}

func parseBubble(value []byte) (bubbleData, error) {
	var b bubbleData
	if err := json.Unmarshal(value, &b); err != nil {
		return bubbleData{}, err
	}
	return b, nil
}
