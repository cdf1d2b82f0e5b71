// Package mq is the at-least-once message bus adapter: Redis Streams via
// redigo, with consumer groups for the fast-path consumer, a secondary CDC
// stream for slow-path workers, and a local durable overflow fallback when
// the bus itself is unreachable (spec.md §4.1).
package mq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gomodule/redigo/redis"
	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/config"
	"github.com/blueplane/telemetry-core/internal/store"
)

// Stream names. One events stream per platform keeps Cursor poison traffic
// from blocking Claude delivery and vice versa; one shared CDC stream feeds
// slow-path workers.
const (
	StreamCursorEvents = "bp:events:cursor"
	StreamClaudeEvents = "bp:events:claude"
	StreamCDC          = "bp:cdc"
	StreamDeadLetter   = "bp:dead_letter"

	ConsumerGroup = "bp-ingest"
)

// Entry is one message read off a stream: its id (used for Ack/Claim) and
// raw field map. Events are stored under the "data" field as the bytes the
// producer passed to Append (the in-process monitors pass uncompressed
// envelope JSON).
type Entry struct {
	ID     string
	Stream string
	Data   []byte
}

// Queue is the bus handle. It is safe for concurrent use; redigo's Pool
// already serializes connection checkout.
type Queue struct {
	pool  *redis.Pool
	store *store.Store
	cfg   config.MQConfig
	log   zerolog.Logger
}

// New dials a redigo connection pool against the configured Redis instance
// and ensures consumer groups exist on both event streams. overflow is the
// embedded store used to durably stage events the bus can't currently
// accept.
func New(cfg config.MQConfig, overflow *store.Store, log zerolog.Logger) (*Queue, error) {
	q := &Queue{pool: newPool(cfg), store: overflow, cfg: cfg, log: log.With().Str("component", "mq").Logger()}

	for _, stream := range []string{StreamCursorEvents, StreamClaudeEvents} {
		if err := q.ensureGroup(stream); err != nil {
			return nil, fmt.Errorf("mq: ensure group on %s: %w", stream, err)
		}
	}

	return q, nil
}

// Close releases the connection pool.
func (q *Queue) Close() error {
	return q.pool.Close()
}

// newPool builds the redigo connection pool used to dial the configured
// Redis instance.
func newPool(cfg config.MQConfig) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     4,
		MaxActive:   16,
		IdleTimeout: 5 * time.Minute,
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
				redis.DialDatabase(cfg.DB),
				redis.DialPassword(cfg.Password),
				redis.DialConnectTimeout(3*time.Second),
				redis.DialReadTimeout(3*time.Second),
			)
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

// ensureGroup creates the consumer group starting from the stream's
// beginning, tolerating the BUSYGROUP error redis returns when the group
// already exists (the idempotent-create pattern every Streams consumer
// needs at startup).
func (q *Queue) ensureGroup(stream string) error {
	conn := q.pool.Get()
	defer func() { _ = conn.Close() }()

	_, err := conn.Do("XGROUP", "CREATE", stream, ConsumerGroup, "0", "MKSTREAM")
	if err != nil && !isBusyGroup(err) {
		return err
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// Append publishes an envelope onto stream, trimming it to the configured
// approximate max length. On connection failure it falls back to the
// local overflow store rather than returning an error to the caller's hot
// path, matching spec.md §4.1's "producers never block on bus outages"
// requirement; the caller still learns about the fallback via the returned
// bool so it can log/alert.
func (q *Queue) Append(ctx context.Context, stream string, payload []byte) (usedOverflow bool, err error) {
	conn, connErr := q.pool.GetContext(ctx)
	if connErr != nil {
		return true, q.overflow(ctx, stream, payload, connErr)
	}
	defer func() { _ = conn.Close() }()

	maxLen := q.cfg.StreamMaxLen
	if maxLen <= 0 {
		maxLen = 10_000
	}

	_, err = conn.Do("XADD", stream, "MAXLEN", "~", maxLen, "*", "data", payload)
	if err != nil {
		return true, q.overflow(ctx, stream, payload, err)
	}
	return false, nil
}

func (q *Queue) overflow(ctx context.Context, stream string, payload []byte, cause error) error {
	if q.store == nil {
		return cause
	}
	q.log.Warn().Err(cause).Str("stream", stream).Msg("bus unreachable, staging to local overflow store")
	if err := q.store.EnqueueOverflow(ctx, stream, payload); err != nil {
		return fmt.Errorf("mq: append failed (%v) and overflow enqueue failed: %w", cause, err)
	}
	return nil
}

// ReplayOverflow drains pending overflow rows back onto the bus. Intended
// to run on a ticker once the bus is known reachable again; each
// successfully re-appended row is marked replayed so a crash mid-drain
// just re-attempts the remainder.
func (q *Queue) ReplayOverflow(ctx context.Context, batchSize int) (int, error) {
	pending, err := q.store.PendingOverflow(ctx, batchSize)
	if err != nil {
		return 0, fmt.Errorf("mq: list pending overflow: %w", err)
	}

	replayed := 0
	for _, entry := range pending {
		usedOverflow, err := q.Append(ctx, entry.Stream, entry.Envelope)
		if err != nil || usedOverflow {
			// bus is still down (or failed again); stop this pass, the
			// next tick retries from the same unreplayed rows.
			return replayed, err
		}
		if err := q.store.MarkOverflowReplayed(ctx, entry.ID); err != nil {
			return replayed, fmt.Errorf("mq: mark overflow %d replayed: %w", entry.ID, err)
		}
		replayed++
	}
	return replayed, nil
}

// Read performs a blocking XREADGROUP for consumerName on stream, returning
// up to count new (never-delivered) entries.
func (q *Queue) Read(ctx context.Context, stream, consumerName string, count int, block time.Duration) ([]Entry, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("mq: read: %w", err)
	}
	defer func() { _ = conn.Close() }()

	reply, err := redis.Values(conn.Do("XREADGROUP",
		"GROUP", ConsumerGroup, consumerName,
		"COUNT", count,
		"BLOCK", int64(block/time.Millisecond),
		"STREAMS", stream, ">",
	))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, fmt.Errorf("mq: xreadgroup %s: %w", stream, err)
	}

	return parseStreamReply(reply)
}

// Ack acknowledges delivered entry ids on stream, removing them from the
// consumer group's pending entries list (PEL).
func (q *Queue) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("mq: ack: %w", err)
	}
	defer func() { _ = conn.Close() }()

	args := redis.Args{}.Add(stream, ConsumerGroup).AddFlat(ids)
	_, err = conn.Do("XACK", args...)
	if err != nil {
		return fmt.Errorf("mq: xack %s: %w", stream, err)
	}
	return nil
}

// PendingInfo describes one PEL entry as returned by XPENDING's extended
// form: id, consumer owning it, milliseconds since last delivery, and
// delivery count.
type PendingInfo struct {
	ID            string
	Consumer      string
	IdleMs        int64
	DeliveryCount int64
}

// PendingRange lists up to count pending entries on stream between id
// range start/end ("-"/"+" for unbounded), for the periodic PEL sweep that
// looks for stuck deliveries.
func (q *Queue) PendingRange(ctx context.Context, stream, start, end string, count int) ([]PendingInfo, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("mq: pending range: %w", err)
	}
	defer func() { _ = conn.Close() }()

	reply, err := redis.Values(conn.Do("XPENDING", stream, ConsumerGroup, start, end, count))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, fmt.Errorf("mq: xpending %s: %w", stream, err)
	}

	infos := make([]PendingInfo, 0, len(reply))
	for _, raw := range reply {
		row, err := redis.Values(raw, nil)
		if err != nil {
			continue
		}
		var info PendingInfo
		if _, err := redis.Scan(row, &info.ID, &info.Consumer, &info.IdleMs, &info.DeliveryCount); err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Claim reassigns idle entries (idle >= minIdleMs) on stream to
// newConsumer via XCLAIM, returning the reclaimed entries so the fast-path
// consumer can reprocess them immediately.
func (q *Queue) Claim(ctx context.Context, stream, newConsumer string, minIdleMs int64, ids ...string) ([]Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("mq: claim: %w", err)
	}
	defer func() { _ = conn.Close() }()

	args := redis.Args{}.Add(stream, ConsumerGroup, newConsumer, minIdleMs).AddFlat(ids)
	reply, err := redis.Values(conn.Do("XCLAIM", args...))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return nil, nil
		}
		return nil, fmt.Errorf("mq: xclaim %s: %w", stream, err)
	}

	return parseStreamEntries(stream, reply)
}

// DeadLetter moves a poison or over-delivered entry to the dead-letter
// stream (preserving its original stream name and delivery count for
// triage) and acks it off the source stream's PEL so it stops being
// reclaimed forever.
func (q *Queue) DeadLetter(ctx context.Context, sourceStream string, entry Entry, deliveryCount int64, reason string) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("mq: dead letter: %w", err)
	}
	defer func() { _ = conn.Close() }()

	_, err = conn.Do("XADD", StreamDeadLetter, "*",
		"source_stream", sourceStream,
		"source_id", entry.ID,
		"delivery_count", strconv.FormatInt(deliveryCount, 10),
		"reason", reason,
		"data", entry.Data,
	)
	if err != nil {
		return fmt.Errorf("mq: xadd dead letter: %w", err)
	}

	if _, err := conn.Do("XACK", sourceStream, ConsumerGroup, entry.ID); err != nil {
		return fmt.Errorf("mq: xack after dead-letter: %w", err)
	}
	return nil
}

// PublishCDC satisfies store.CDCPublisher: it appends a compact
// after-image to the shared CDC stream for slow-path workers, with
// exponential backoff against transient Redis errors (this stream is
// best-effort relative to the primary event streams, so overflow staging
// is skipped here rather than durably persisting CDC records too).
func (q *Queue) PublishCDC(ctx context.Context, record store.CDCRecord) error {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return fmt.Errorf("mq: publish cdc: %w", err)
	}
	defer func() { _ = conn.Close() }()

	payload := fmt.Sprintf(
		`{"sequence":%d,"event_type":%q,"session_id":%q,"workspace_hash":%q,"timestamp":%q}`,
		record.Sequence, record.EventType, record.SessionID, record.WorkspaceHash,
		record.Timestamp.UTC().Format(time.RFC3339Nano),
	)

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Second

	return backoff.Retry(func() error {
		_, err := conn.Do("XADD", StreamCDC, "MAXLEN", "~", 10_000, "*", "data", payload)
		return err
	}, backoff.WithContext(b, ctx))
}

// StreamLen returns the approximate number of entries on stream (XLEN),
// used by the metrics package as the MQ-depth gauge.
func (q *Queue) StreamLen(ctx context.Context, stream string) (int64, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("mq: xlen: %w", err)
	}
	defer func() { _ = conn.Close() }()

	n, err := redis.Int64(conn.Do("XLEN", stream))
	if err != nil {
		return 0, fmt.Errorf("mq: xlen %s: %w", stream, err)
	}
	return n, nil
}

// PendingCount returns the total PEL size for stream (the first element of
// XPENDING's summary form), used alongside StreamLen for the metrics
// surface.
func (q *Queue) PendingCount(ctx context.Context, stream string) (int64, error) {
	conn, err := q.pool.GetContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("mq: pending count: %w", err)
	}
	defer func() { _ = conn.Close() }()

	reply, err := redis.Values(conn.Do("XPENDING", stream, ConsumerGroup))
	if err != nil {
		if errors.Is(err, redis.ErrNil) {
			return 0, nil
		}
		return 0, fmt.Errorf("mq: xpending summary %s: %w", stream, err)
	}
	if len(reply) == 0 {
		return 0, nil
	}
	count, err := redis.Int64(reply[0], nil)
	if err != nil {
		return 0, nil
	}
	return count, nil
}

func parseStreamReply(reply []interface{}) ([]Entry, error) {
	var entries []Entry
	for _, rawStream := range reply {
		streamRow, err := redis.Values(rawStream, nil)
		if err != nil || len(streamRow) != 2 {
			continue
		}
		streamName, err := redis.String(streamRow[0], nil)
		if err != nil {
			continue
		}
		rows, err := redis.Values(streamRow[1], nil)
		if err != nil {
			continue
		}
		parsed, err := parseStreamEntries(streamName, rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, parsed...)
	}
	return entries, nil
}

func parseStreamEntries(stream string, rows []interface{}) ([]Entry, error) {
	entries := make([]Entry, 0, len(rows))
	for _, rawEntry := range rows {
		entryRow, err := redis.Values(rawEntry, nil)
		if err != nil || len(entryRow) != 2 {
			continue
		}
		id, err := redis.String(entryRow[0], nil)
		if err != nil {
			continue
		}
		fields, err := redis.StringMap(entryRow[1], nil)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{ID: id, Stream: stream, Data: []byte(fields["data"])})
	}
	return entries, nil
}
