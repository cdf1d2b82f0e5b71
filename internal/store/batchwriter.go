package store

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/flate"

	"github.com/blueplane/telemetry-core/internal/envelope"
)

// DefaultFlushSize and DefaultFlushAge are the two flush triggers named in
// spec.md §4.2: whichever fires first flushes the buffer.
const (
	DefaultFlushSize = 100
	DefaultFlushAge  = 100 * time.Millisecond
)

// CDCRecord is the compact after-image published to the secondary stream
// for slow-path workers (spec.md §3.1).
type CDCRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	EventType     string    `json:"event_type"`
	SessionID     string    `json:"session_id"`
	WorkspaceHash string    `json:"workspace_hash"`
	Sequence      int64     `json:"sequence"`
}

// CDCPublisher is the narrow interface the batch writer needs from the MQ
// adapter, so this package never imports internal/mq directly (monitors
// and MQ are producers/consumers of the same bus but otherwise
// independent, per spec.md §9's cycle-avoidance note).
type CDCPublisher interface {
	PublishCDC(ctx context.Context, record CDCRecord) error
}

// ExtractedColumns is the set of platform-specific indexed columns the
// writer pulls out of an envelope payload before compressing the whole
// thing into the BLOB column. Unused fields are left at their zero value;
// the writer is polymorphic over which ones a given platform populates
// (spec.md §9's "keep the writer polymorphic over (table, extractor)").
type ExtractedColumns struct {
	ExternalSessionID   string
	EventType           string
	StorageLevel        string
	WorkspaceHash       string
	DatabaseTable       string
	ItemKey             string
	GenerationUUID      string
	ComposerID          string
	BubbleID            string
	ServerBubbleID      string
	MessageType         string
	Model               string
	ToolName             string
	TextDescription     string
	RawTextHash         string
	RichTextHash        string
	CapabilitiesRan     string
	CapabilityStatuses  string
	ProjectName         string
	RelevantFiles       string
	Selections          string
	RawTextLength       int
	UnixMs              int64
	ClientStartTime     int64
	ClientEndTime       int64
	LinesAdded          int
	LinesRemoved        int
	TokenCountSoFar     int
	TokensUsed          int
	DurationMs          int64
	IsAgentic           bool
	IsArchived          bool
	HasUnreadMessages   bool
}

// pendingTrace pairs a raw envelope with its platform extraction and the
// original MQ entry id, so the consumer can ack by id once the whole batch
// lands.
type pendingTrace struct {
	Entry   envelope.Event
	Columns ExtractedColumns
	EntryID string
}

// platformBuffer accumulates one platform's pending traces under its own
// mutex; different platforms flush independently and concurrently (spec.md
// §5's "different tables may be written concurrently").
type platformBuffer struct {
	firstEnqueuedAt time.Time
	items           []pendingTrace
	mu              sync.Mutex
}

// BatchWriter is the only component permitted to write *_raw_traces rows.
// It accumulates by platform, flushes on size or age, and on success
// publishes one CDC record per landed event.
type BatchWriter struct {
	store            *Store
	cdc              CDCPublisher
	buffers          map[envelope.Platform]*platformBuffer
	buffersMu        sync.Mutex
	flushSize        int
	flushAge         time.Duration
	compressionLevel int
}

// NewBatchWriter constructs a BatchWriter. compressionLevel follows
// flate's convention; 0 disables compression for debugging, as spec.md
// §4.2 explicitly permits.
func NewBatchWriter(s *Store, cdc CDCPublisher, flushSize int, flushAge time.Duration, compressionLevel int) *BatchWriter {
	if flushSize <= 0 {
		flushSize = DefaultFlushSize
	}
	if flushAge <= 0 {
		flushAge = DefaultFlushAge
	}
	return &BatchWriter{
		store:            s,
		cdc:              cdc,
		buffers:          make(map[envelope.Platform]*platformBuffer),
		flushSize:        flushSize,
		flushAge:         flushAge,
		compressionLevel: compressionLevel,
	}
}

func (w *BatchWriter) bufferFor(platform envelope.Platform) *platformBuffer {
	w.buffersMu.Lock()
	defer w.buffersMu.Unlock()
	b, ok := w.buffers[platform]
	if !ok {
		b = &platformBuffer{}
		w.buffers[platform] = b
	}
	return b
}

// Enqueue adds an event to its platform's buffer. It returns true if the
// buffer has reached the size trigger or its oldest event the age trigger
// (the caller, typically
// the fast-path consumer's iteration loop, is responsible for calling
// Flush; this lets a single consumer drive multiple platform buffers
// without the writer owning its own ticking goroutine per platform).
func (w *BatchWriter) Enqueue(entryID string, evt envelope.Event, cols ExtractedColumns) (shouldFlush bool) {
	b := w.bufferFor(evt.Platform)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		b.firstEnqueuedAt = time.Now()
	}
	b.items = append(b.items, pendingTrace{EntryID: entryID, Entry: evt, Columns: cols})

	return len(b.items) >= w.flushSize || time.Since(b.firstEnqueuedAt) >= w.flushAge
}

// DueForAgeFlush reports whether platform's buffer has events older than
// the age trigger, for a caller running a periodic flush sweep independent
// of enqueue volume.
func (w *BatchWriter) DueForAgeFlush(platform envelope.Platform) bool {
	b := w.bufferFor(platform)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items) > 0 && time.Since(b.firstEnqueuedAt) >= w.flushAge
}

// Flush lands everything currently buffered for platform in one
// transaction and returns the list of MQ entry ids the caller should ack.
// On failure nothing is acked and no CDC records are emitted (spec.md §7:
// "a batch write that fails must not emit CDC records ... and must not
// ack").
func (w *BatchWriter) Flush(ctx context.Context, platform envelope.Platform) ([]string, error) {
	b := w.bufferFor(platform)

	b.mu.Lock()
	items := b.items
	b.items = nil
	b.mu.Unlock()

	if len(items) == 0 {
		return nil, nil
	}

	tx, err := w.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("batch writer: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	sequences := make([]int64, 0, len(items))
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var insert *sql.Stmt
	switch platform {
	case envelope.PlatformCursor:
		insert, err = tx.PrepareContext(ctx, cursorInsertSQL)
	case envelope.PlatformClaude:
		insert, err = tx.PrepareContext(ctx, claudeInsertSQL)
	default:
		return nil, fmt.Errorf("batch writer: unknown platform %q", platform)
	}
	if err != nil {
		return nil, fmt.Errorf("batch writer: prepare insert: %w", err)
	}
	defer func() { _ = insert.Close() }()

	for _, item := range items {
		blob, err := compressEnvelope(item.Entry, w.compressionLevel)
		if err != nil {
			return nil, fmt.Errorf("batch writer: compress envelope %s: %w", item.Entry.EventID, err)
		}

		var res sql.Result
		if platform == envelope.PlatformCursor {
			res, err = insert.ExecContext(ctx, cursorInsertArgs(now, item.Entry, item.Columns, blob)...)
		} else {
			res, err = insert.ExecContext(ctx, claudeInsertArgs(now, item.Entry, item.Columns, blob)...)
		}
		if err != nil {
			return nil, fmt.Errorf("batch writer: insert %s: %w", item.Entry.EventID, err)
		}

		seq, err := res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("batch writer: last insert id: %w", err)
		}
		sequences = append(sequences, seq)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("batch writer: commit: %w", err)
	}

	entryIDs := make([]string, 0, len(items))
	for i, item := range items {
		entryIDs = append(entryIDs, item.EntryID)
		if w.cdc == nil {
			continue
		}
		record := CDCRecord{
			Sequence:      sequences[i],
			EventType:     item.Entry.EventType,
			SessionID:     item.Entry.SessionID,
			Timestamp:     item.Entry.Timestamp,
			WorkspaceHash: item.Entry.Metadata.WorkspaceHash,
		}
		// CDC publish failures are discarded here and never returned to
		// the caller: the rows already committed, so the batch still counts
		// as landed and its entry ids are still returned for acking.
		_ = w.cdc.PublishCDC(ctx, record)
	}

	return entryIDs, nil
}

const cursorInsertSQL = `
	INSERT INTO cursor_raw_traces (
		ingested_at, event_id, external_session_id, event_type, timestamp,
		storage_level, workspace_hash, database_table, item_key,
		generation_uuid, composer_id, bubble_id, server_bubble_id,
		message_type, is_agentic, text_description, raw_text_hash,
		raw_text_length, rich_text_hash, unix_ms, client_start_time, client_end_time,
		lines_added, lines_removed, token_count_up_until_here,
		capabilities_ran, capability_statuses, project_name,
		relevant_files, selections, is_archived, has_unread_messages,
		event_data
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
`

const claudeInsertSQL = `
	INSERT INTO claude_raw_traces (
		ingested_at, event_id, session_id, event_type, timestamp,
		workspace_hash, model, tool_name, duration_ms, tokens_used,
		lines_added, lines_removed, event_data
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
`

func cursorInsertArgs(now string, e envelope.Event, c ExtractedColumns, blob []byte) []any {
	// external_session_id holds the session manager's internal session_id
	// (see claudeInsertArgs), falling back to the envelope's own session id
	// for a row whose producer never went through the session manager.
	sessionID := c.ExternalSessionID
	if sessionID == "" {
		sessionID = e.SessionID
	}
	return []any{
		now, e.EventID, sessionID, e.EventType, e.Timestamp.UTC().Format(time.RFC3339Nano),
		c.StorageLevel, c.WorkspaceHash, c.DatabaseTable, c.ItemKey,
		c.GenerationUUID, c.ComposerID, c.BubbleID, c.ServerBubbleID,
		c.MessageType, boolToInt(c.IsAgentic), c.TextDescription, c.RawTextHash,
		c.RawTextLength, c.RichTextHash, c.UnixMs, c.ClientStartTime, c.ClientEndTime,
		c.LinesAdded, c.LinesRemoved, c.TokenCountSoFar,
		c.CapabilitiesRan, c.CapabilityStatuses, c.ProjectName,
		c.RelevantFiles, c.Selections, boolToInt(c.IsArchived), boolToInt(c.HasUnreadMessages),
		blob,
	}
}

func claudeInsertArgs(now string, e envelope.Event, c ExtractedColumns, blob []byte) []any {
	// claude_raw_traces.session_id must hold the session manager's internal
	// session_id (the value conversation.Worker joins on), not the
	// producer's platform_session_id carried on the envelope itself. Every
	// in-process producer resolves and sets ExternalSessionID before
	// publishing; fall back to the envelope's own session id only for a
	// row whose producer never went through the session manager at all.
	sessionID := c.ExternalSessionID
	if sessionID == "" {
		sessionID = e.SessionID
	}
	return []any{
		now, e.EventID, sessionID, e.EventType, e.Timestamp.UTC().Format(time.RFC3339Nano),
		c.WorkspaceHash, c.Model, c.ToolName, c.DurationMs, c.TokensUsed,
		c.LinesAdded, c.LinesRemoved, blob,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// compressEnvelope deflates the envelope's wire JSON at the configured
// level. Level 0 stores it uncompressed, matching spec.md §4.2's
// debugging escape hatch.
func compressEnvelope(e envelope.Event, level int) ([]byte, error) {
	raw, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	if level <= 0 {
		return raw, nil
	}

	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecompressEnvelope reverses compressEnvelope for read-path callers. It
// tries deflate first and falls back to raw JSON for rows written with
// compression disabled.
func DecompressEnvelope(blob []byte) (envelope.Event, error) {
	r := flate.NewReader(bytes.NewReader(blob))
	defer func() { _ = r.Close() }()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return envelope.Unmarshal(blob)
	}
	return envelope.Unmarshal(buf.Bytes())
}
