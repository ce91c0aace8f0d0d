// Package telemetry defines the service's metric instruments.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the counters recorded across the ingestion and
// settlement pipeline. A nil *Metrics is valid and records nothing, so
// call sites never need to guard.
type Metrics struct {
	snapshotsObserved  metric.Int64Counter
	snapshotsClaimed   metric.Int64Counter
	snapshotsRejected  metric.Int64Counter
	eventsEnqueued     metric.Int64Counter
	eventsDelivered    metric.Int64Counter
	eventsRetried      metric.Int64Counter
	eventsDeadLettered metric.Int64Counter
	ordersSettled      metric.Int64Counter
	releasesSent       metric.Int64Counter
}

// New builds the instrument set on the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.snapshotsObserved, err = meter.Int64Counter("moneta.snapshots.observed",
		metric.WithDescription("Payment snapshots returned by network polling")); err != nil {
		return nil, err
	}
	if m.snapshotsClaimed, err = meter.Int64Counter("moneta.snapshots.claimed",
		metric.WithDescription("Payment snapshots claimed for processing")); err != nil {
		return nil, err
	}
	if m.snapshotsRejected, err = meter.Int64Counter("moneta.snapshots.rejected",
		metric.WithDescription("Payment snapshots rejected at ingestion")); err != nil {
		return nil, err
	}
	if m.eventsEnqueued, err = meter.Int64Counter("moneta.events.enqueued",
		metric.WithDescription("Events accepted into the durable queue")); err != nil {
		return nil, err
	}
	if m.eventsDelivered, err = meter.Int64Counter("moneta.events.delivered",
		metric.WithDescription("Events handled successfully")); err != nil {
		return nil, err
	}
	if m.eventsRetried, err = meter.Int64Counter("moneta.events.retried",
		metric.WithDescription("Event delivery attempts that failed and were rescheduled")); err != nil {
		return nil, err
	}
	if m.eventsDeadLettered, err = meter.Int64Counter("moneta.events.dead_lettered",
		metric.WithDescription("Events parked after exhausting delivery attempts")); err != nil {
		return nil, err
	}
	if m.ordersSettled, err = meter.Int64Counter("moneta.orders.settled",
		metric.WithDescription("Orders reaching a terminal state, partitioned by state")); err != nil {
		return nil, err
	}
	if m.releasesSent, err = meter.Int64Counter("moneta.releases.sent",
		metric.WithDescription("Release transfers submitted to the payment network")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) SnapshotsObserved(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.snapshotsObserved.Add(ctx, n)
}

func (m *Metrics) SnapshotClaimed(ctx context.Context) {
	if m == nil {
		return
	}
	m.snapshotsClaimed.Add(ctx, 1)
}

func (m *Metrics) SnapshotRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.snapshotsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *Metrics) EventEnqueued(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsEnqueued.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) EventDelivered(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsDelivered.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) EventRetried(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsRetried.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) EventDeadLettered(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsDeadLettered.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

func (m *Metrics) OrderSettled(ctx context.Context, state string) {
	if m == nil {
		return
	}
	m.ordersSettled.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

func (m *Metrics) ReleaseSent(ctx context.Context, exchange string) {
	if m == nil {
		return
	}
	m.releasesSent.Add(ctx, 1, metric.WithAttributes(attribute.String("exchange", exchange)))
}
