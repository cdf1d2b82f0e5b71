// Package dedup provides the bounded TTL cache the fast-path consumer
// checks before handing an event to the batch writer, collapsing
// redundant deliveries of the same logical event (spec.md §4.3).
// source=hook envelopes are filtered by the consumer before this check
// and never reach the cache.
package dedup

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/blueplane/telemetry-core/internal/envelope"
)

// DefaultCapacity bounds memory use regardless of TTL: a burst of unique
// keys within the window evicts the oldest entries rather than growing
// without limit.
const DefaultCapacity = 50_000

// Cache is a bounded, TTL-expiring set of event keys already seen. It
// wraps hashicorp's expirable LRU rather than hand-rolling eviction, the
// same library the corpus reaches for wherever a bounded recency cache is
// needed.
type Cache struct {
	seen *lru.LRU[string, struct{}]
}

// New builds a Cache with the given TTL and capacity. Passing capacity <=
// 0 uses DefaultCapacity.
func New(ttl time.Duration, capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{seen: lru.NewLRU[string, struct{}](capacity, nil, ttl)}
}

// SeenOrRemember reports whether key was already present, and if not,
// records it. This is the single atomic-feeling check-and-set the
// consumer loop needs; callers must not call Seen followed by a separate
// Remember, since another goroutine could interleave between them.
func (c *Cache) SeenOrRemember(key string) bool {
	if _, ok := c.seen.Get(key); ok {
		return true
	}
	c.seen.Add(key, struct{}{})
	return false
}

// Key derives the dedup key for an envelope per spec.md §4.3: Cursor
// events key on (session, generation), Claude events key on (session,
// event id). Events lacking a natural generation id fall back to the
// envelope's own EventID, which still collapses literal redelivery
// duplicates even though it can't collapse a hook/monitor pair covering
// the same underlying action.
func Key(e envelope.Event, generationID string) string {
	if generationID != "" {
		return string(e.Platform) + "|" + e.SessionID + "|" + generationID
	}
	return string(e.Platform) + "|" + e.SessionID + "|" + e.EventID
}

// Len reports the current number of live (non-expired) entries, exposed
// for the metrics gauge.
func (c *Cache) Len() int {
	return c.seen.Len()
}
