// Package ingest is the fast path: it reads validated envelopes off their
// platform's MQ stream, filters duplicates, extracts indexed columns, and
// hands batches to the store's batch writer, acking only once a batch has
// landed (spec.md §4.3). A periodic sweep reclaims entries whose consumer
// died mid-processing and dead-letters anything delivered past the retry
// limit.
package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/blueplane/telemetry-core/internal/dedup"
	"github.com/blueplane/telemetry-core/internal/envelope"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/session"
	"github.com/blueplane/telemetry-core/internal/store"
)

// State is the consumer's own run state, exposed for the supervisor's
// health surface.
type State int

const (
	StateRunning State = iota
	StateDraining
	StateStopped
	StateDegraded
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Consumer drains one platform's event stream.
type Consumer struct {
	queue    *mq.Queue
	writer   *store.BatchWriter
	dedup    *dedup.Cache
	sessions *session.Manager
	platform envelope.Platform
	stream   string
	name     string

	maxRetries    int
	claimMinIdle  int64
	sweepInterval time.Duration

	log   zerolog.Logger
	state State
}

// New builds a Consumer for one platform's stream. name identifies this
// consumer instance within the Redis consumer group (so multiple process
// instances, or multiple goroutines, can share the group without
// double-processing). sessions drives the session_start/session_end
// lifecycle dispatch for source=hook envelopes; it may be nil in tests that
// never feed a hook-sourced entry.
func New(q *mq.Queue, w *store.BatchWriter, d *dedup.Cache, sessions *session.Manager, platform envelope.Platform, stream, name string, maxRetries int, claimMinIdleMs int64, log zerolog.Logger) *Consumer {
	return &Consumer{
		queue:         q,
		writer:        w,
		dedup:         d,
		sessions:      sessions,
		platform:      platform,
		stream:        stream,
		name:          name,
		maxRetries:    maxRetries,
		claimMinIdle:  claimMinIdleMs,
		sweepInterval: time.Minute,
		log:           log.With().Str("component", "ingest").Str("stream", stream).Logger(),
		state:         StateStopped,
	}
}

// Run drives the read-validate-dedup-batch-ack loop until ctx is
// cancelled, at which point it transitions to draining, flushes whatever
// is buffered, and returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.state = StateRunning

	sweepTicker := time.NewTicker(c.sweepInterval)
	defer sweepTicker.Stop()

	flushTicker := time.NewTicker(50 * time.Millisecond)
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.state = StateDraining
			c.drain(context.Background())
			c.state = StateStopped
			return nil

		case <-sweepTicker.C:
			if err := c.sweepPEL(ctx); err != nil {
				c.log.Error().Err(err).Msg("PEL sweep failed")
			}

		case <-flushTicker.C:
			if c.writer.DueForAgeFlush(c.platform) {
				if err := c.flushAndAck(ctx); err != nil {
					c.log.Error().Err(err).Msg("age-triggered flush failed")
				}
			}

		default:
			entries, err := c.queue.Read(ctx, c.stream, c.name, 50, 200*time.Millisecond)
			if err != nil {
				c.state = StateDegraded
				c.log.Error().Err(err).Msg("read failed, backing off")
				select {
				case <-ctx.Done():
					continue
				case <-time.After(time.Second):
				}
				continue
			}
			c.state = StateRunning

			for _, entry := range entries {
				c.handleEntry(ctx, entry, 1)
			}

			if len(entries) > 0 && c.writer.DueForAgeFlush(c.platform) {
				if err := c.flushAndAck(ctx); err != nil {
					c.log.Error().Err(err).Msg("flush after read failed")
				}
			}
		}
	}
}

func (c *Consumer) handleEntry(ctx context.Context, entry mq.Entry, deliveryCount int64) {
	env, err := envelope.Unmarshal(entry.Data)
	if err != nil {
		c.deadLetter(ctx, entry, deliveryCount, "unmarshal: "+err.Error())
		return
	}
	if err := env.Validate(); err != nil {
		c.deadLetter(ctx, entry, deliveryCount, "validate: "+err.Error())
		return
	}

	if env.Metadata.Source == envelope.SourceHook {
		c.handleHookEvent(ctx, entry, env)
		return
	}

	key := dedup.Key(env, generationID(env))
	if c.dedup.SeenOrRemember(key) {
		// Already landed under a different delivery (two non-hook producers
		// reported the same generation, or this is a genuine re-delivery).
		// Ack without writing a second row.
		if err := c.queue.Ack(ctx, c.stream, entry.ID); err != nil {
			c.log.Warn().Err(err).Str("id", entry.ID).Msg("failed to ack deduplicated entry")
		}
		return
	}

	cols := extractColumns(env)
	if c.writer.Enqueue(entry.ID, env, cols) {
		if err := c.flushAndAck(ctx); err != nil {
			c.log.Error().Err(err).Msg("flush after enqueue failed")
		}
	}
}

// handleHookEvent implements spec.md §4.3's hook-filtering step:
// session_start/session_end drive the session lifecycle directly and never
// become raw-trace rows; every other hook event type is redundant with
// what the JSONL/unified monitor already produces for the same action, so
// it's acked and dropped rather than landed twice.
func (c *Consumer) handleHookEvent(ctx context.Context, entry mq.Entry, env envelope.Event) {
	switch env.EventType {
	case envelope.EventSessionStart, envelope.EventSessionEnd:
		if c.sessions != nil {
			if err := c.sessions.HandleLifecycleEvent(ctx, env.Platform, env.SessionID, env.EventType); err != nil {
				c.log.Error().Err(err).Str("platform_session_id", env.SessionID).Msg("session lifecycle dispatch failed")
			}
		}
	default:
	}

	if err := c.queue.Ack(ctx, c.stream, entry.ID); err != nil {
		c.log.Warn().Err(err).Str("id", entry.ID).Msg("failed to ack hook entry")
	}
}

func (c *Consumer) flushAndAck(ctx context.Context) error {
	ids, err := c.writer.Flush(ctx, c.platform)
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}
	if err := c.queue.Ack(ctx, c.stream, ids...); err != nil {
		return fmt.Errorf("ack after flush: %w", err)
	}
	return nil
}

func (c *Consumer) deadLetter(ctx context.Context, entry mq.Entry, deliveryCount int64, reason string) {
	if err := c.queue.DeadLetter(ctx, c.stream, entry, deliveryCount, reason); err != nil {
		c.log.Error().Err(err).Str("id", entry.ID).Msg("failed to dead-letter entry")
	}
}

// sweepPEL reclaims entries idle longer than claimMinIdle and either
// reprocesses or dead-letters them depending on how many times they've
// already been delivered.
func (c *Consumer) sweepPEL(ctx context.Context) error {
	pending, err := c.queue.PendingRange(ctx, c.stream, "-", "+", 200)
	if err != nil {
		return err
	}

	var staleIDs []string
	deliveryCounts := make(map[string]int64, len(pending))
	for _, p := range pending {
		if p.IdleMs < c.claimMinIdle {
			continue
		}
		staleIDs = append(staleIDs, p.ID)
		deliveryCounts[p.ID] = p.DeliveryCount
	}
	if len(staleIDs) == 0 {
		return nil
	}

	reclaimed, err := c.queue.Claim(ctx, c.stream, c.name, c.claimMinIdle, staleIDs...)
	if err != nil {
		return err
	}

	for _, entry := range reclaimed {
		count := deliveryCounts[entry.ID] + 1
		if int(count) > c.maxRetries {
			c.deadLetter(ctx, entry, count, "exceeded max delivery retries")
			continue
		}
		c.handleEntry(ctx, entry, count)
	}

	return c.flushAndAck(ctx)
}

// drain flushes any buffered events one last time before the consumer
// stops, so a graceful shutdown never loses already-read-but-unbatched
// entries.
func (c *Consumer) drain(ctx context.Context) {
	if err := c.flushAndAck(ctx); err != nil {
		c.log.Error().Err(err).Msg("final drain flush failed")
	}
}

// State reports the consumer's current run state.
func (c *Consumer) State() State {
	return c.state
}
