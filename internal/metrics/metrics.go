package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/blueplane/telemetry-core/internal/dedup"
	"github.com/blueplane/telemetry-core/internal/mq"
	"github.com/blueplane/telemetry-core/internal/session"
)

// meterName identifies this module's instruments to whatever OTel
// MeterProvider the process is wired to; with no exporter configured
// (spec.md's Non-goals exclude a metrics backend), instruments register
// against the global no-op provider and simply cost nothing to observe.
const meterName = "github.com/blueplane/telemetry-core/metrics"

// Collector registers the gauges spec.md §7/§B names (MQ depth, PEL size,
// active sessions, dedup cache size) and refreshes them from the live
// components on each OTel collection pass via a single batch callback.
type Collector struct {
	queue    *mq.Queue
	sessions *session.Manager
	dedup    *dedup.Cache
	health   *HealthTracker

	streams []string
}

// NewCollector wires a Collector to the running queue, session manager,
// and dedup cache, and registers its observable gauges against the global
// meter. unregister is returned so the caller can detach the callback on
// shutdown.
func NewCollector(q *mq.Queue, sessions *session.Manager, d *dedup.Cache, health *HealthTracker) (*Collector, func() error, error) {
	c := &Collector{
		queue:    q,
		sessions: sessions,
		dedup:    d,
		health:   health,
		streams:  []string{mq.StreamCursorEvents, mq.StreamClaudeEvents},
	}

	meter := otel.Meter(meterName)

	mqDepth, err := meter.Int64ObservableGauge("bp.mq.depth",
		metric.WithDescription("Approximate number of entries on each MQ stream"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, nil, err
	}

	pelSize, err := meter.Int64ObservableGauge("bp.mq.pel_size",
		metric.WithDescription("Pending-entries-list size per MQ stream"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, nil, err
	}

	activeSessions, err := meter.Int64ObservableGauge("bp.sessions.active",
		metric.WithDescription("Number of sessions currently open"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, nil, err
	}

	dedupSize, err := meter.Int64ObservableGauge("bp.dedup.cache_size",
		metric.WithDescription("Live entries in the dedup cache"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, nil, err
	}

	componentHealth, err := meter.Int64ObservableGauge("bp.component.health",
		metric.WithDescription("Per-component health tri-state: 0=healthy, 1=degraded, 2=failed"),
	)
	if err != nil {
		return nil, nil, err
	}

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		for _, stream := range c.streams {
			if depth, err := c.queue.StreamLen(ctx, stream); err == nil {
				o.ObserveInt64(mqDepth, depth, metric.WithAttributes(attribute.String("stream", stream)))
			}
			if pending, err := c.queue.PendingCount(ctx, stream); err == nil {
				o.ObserveInt64(pelSize, pending, metric.WithAttributes(attribute.String("stream", stream)))
			}
		}

		o.ObserveInt64(activeSessions, int64(c.sessions.ActiveCount()))
		o.ObserveInt64(dedupSize, int64(c.dedup.Len()))

		for name, status := range c.health.Snapshot() {
			o.ObserveInt64(componentHealth, int64(status.State), metric.WithAttributes(attribute.String("component", name)))
		}

		return nil
	}, mqDepth, pelSize, activeSessions, dedupSize, componentHealth)
	if err != nil {
		return nil, nil, err
	}

	return c, reg.Unregister, nil
}
