// Package envelope defines the wire shape producers emit into the message
// queue and the validation gate the fast-path consumer applies before
// anything is allowed to reach a writer.
package envelope

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Platform identifies which host IDE produced an event.
type Platform string

const (
	PlatformCursor Platform = "cursor"
	PlatformClaude Platform = "claude_code"
)

// Source tags which producer emitted an event, used for hook-filtering and
// dedupe policy.
type Source string

const (
	SourceHook              Source = "hook"
	SourceJSONLMonitor      Source = "jsonl_monitor"
	SourceTranscriptMonitor Source = "transcript_monitor"
	SourceUnifiedMonitor    Source = "unified_monitor"
	SourceUserLevelListener Source = "user_level_listener"
	SourcePythonMonitor     Source = "python_monitor"
)

// MaxPayloadBytes is the recommended soft cap on a compressed envelope.
const MaxPayloadBytes = 64 * 1024

// Lifecycle event types a source=hook envelope may carry. These drive
// session open/close directly rather than landing as raw-trace rows; every
// other hook event type is redundant with what the JSONL/unified monitor
// already produces for the same action.
const (
	EventSessionStart = "session_start"
	EventSessionEnd   = "session_end"
)

// Metadata carries the recommended out-of-band envelope fields.
type Metadata struct {
	WorkspaceHash string `json:"workspace_hash,omitempty"`
	Source        Source `json:"source,omitempty"`
}

// Event is the inbound envelope producers emit and the fast path ingests.
type Event struct {
	Payload           json.RawMessage `json:"payload,omitempty"`
	Version           string          `json:"version"`
	EventID           string          `json:"event_id"`
	Platform          Platform        `json:"platform"`
	EventType         string          `json:"event_type"`
	HookType          string          `json:"hook_type,omitempty"`
	Timestamp         time.Time       `json:"timestamp"`
	SessionID         string          `json:"session_id"`
	ExternalSessionID string          `json:"external_session_id,omitempty"`
	Metadata          Metadata        `json:"metadata,omitempty"`
}

// New builds an envelope with a fresh event ID and the current UTC time,
// the shape every in-process producer (the Claude and Cursor monitors) uses
// rather than hand-assembling the struct field by field.
func New(platform Platform, eventType, sessionID string, source Source) Event {
	return Event{
		Version:   "1",
		EventID:   uuid.NewString(),
		Platform:  platform,
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		SessionID: sessionID,
		Metadata:  Metadata{Source: source},
	}
}

// Validate checks the required fields named in the wire contract. It does
// not validate the payload body, only the envelope discriminators the
// consumer needs to route and dedupe.
func (e Event) Validate() error {
	if e.Version == "" {
		return fmt.Errorf("envelope: missing version")
	}
	if e.EventID == "" {
		return fmt.Errorf("envelope: missing event_id")
	}
	if e.Platform != PlatformCursor && e.Platform != PlatformClaude {
		return fmt.Errorf("envelope: unknown platform %q", e.Platform)
	}
	if e.EventType == "" {
		return fmt.Errorf("envelope: missing event_type")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("envelope: missing timestamp")
	}
	if e.SessionID == "" {
		return fmt.Errorf("envelope: missing session_id")
	}
	return nil
}

// WorkspaceHash computes the stable, non-cryptographic hash used to key
// workspace-scoped state (sessions, mapper cache entries, watermark rows).
// xxhash is deliberately not cryptographic: the input is a local filesystem
// path, not untrusted content, and collision resistance isn't the goal here
// (spec.md leaves the algorithm unspecified; see SPEC_FULL.md §C).
func WorkspaceHash(workspacePath string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(workspacePath))
}

// Marshal encodes the envelope as a single JSON object. Metadata and
// payload are nested JSON objects inside it, not flattened into separate
// string-keyed fields; the MQ adapter carries the whole object under one
// stream field.
func (e Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a wire envelope. A decode failure is always a poison
// message; callers should route it to the DLQ, never retry in-band.
func Unmarshal(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("envelope: decode: %w", err)
	}
	return e, nil
}
