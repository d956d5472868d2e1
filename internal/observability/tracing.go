package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan starts a new span from context
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// StartDBSpan starts a span for database operations
func StartDBSpan(ctx context.Context, system, operation, table string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("DB %s %s", operation, table),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", system),
			attribute.String("db.operation", operation),
			attribute.String("db.sql.table", table),
		),
	)
}

// StartServiceSpan starts a span for service operations
func StartServiceSpan(ctx context.Context, service, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("%s.%s", service, operation),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("service.component", service),
			attribute.String("service.operation", operation),
		),
	)
}

// StartClientSpan starts a span for an outbound call to the authority
func StartClientSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	return StartSpan(ctx, "authority."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", operation)),
	)
}

// RecordError records an error on the span
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSuccess marks the span as successful
func SetSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// EndSpan records err (if any) and ends the span
func EndSpan(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		SetSuccess(span)
	}
	span.End()
}

// AddEvent adds an event to the span
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SyncMetrics holds metrics for the session manager and sync engine
type SyncMetrics struct {
	drains            metric.Int64Counter
	drainDuration     metric.Float64Histogram
	itemsDelivered    metric.Int64Counter
	itemsRetried      metric.Int64Counter
	itemsDropped      metric.Int64Counter
	queueDepth        metric.Int64Gauge
	heartbeatFailures metric.Int64Counter
	connects          metric.Int64Counter
}

// NewSyncMetrics creates sync metrics instruments
func NewSyncMetrics() (*SyncMetrics, error) {
	meter := otel.Meter(instrumentationName)

	drains, err := meter.Int64Counter(
		"chargesync.sync.drains",
		metric.WithDescription("Total number of queue drains"),
		metric.WithUnit("{drains}"),
	)
	if err != nil {
		return nil, err
	}

	drainDuration, err := meter.Float64Histogram(
		"chargesync.sync.drain.duration",
		metric.WithDescription("Queue drain duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	itemsDelivered, err := meter.Int64Counter(
		"chargesync.sync.items.delivered",
		metric.WithDescription("Queue items accepted by the authority"),
		metric.WithUnit("{items}"),
	)
	if err != nil {
		return nil, err
	}

	itemsRetried, err := meter.Int64Counter(
		"chargesync.sync.items.retried",
		metric.WithDescription("Queue items left for a later drain after a failure"),
		metric.WithUnit("{items}"),
	)
	if err != nil {
		return nil, err
	}

	itemsDropped, err := meter.Int64Counter(
		"chargesync.sync.items.dropped",
		metric.WithDescription("Queue items evicted without delivery"),
		metric.WithUnit("{items}"),
	)
	if err != nil {
		return nil, err
	}

	queueDepth, err := meter.Int64Gauge(
		"chargesync.sync.queue.depth",
		metric.WithDescription("Pending queue items after the last drain"),
		metric.WithUnit("{items}"),
	)
	if err != nil {
		return nil, err
	}

	heartbeatFailures, err := meter.Int64Counter(
		"chargesync.session.heartbeat.failures",
		metric.WithDescription("Heartbeats that did not reach the authority"),
		metric.WithUnit("{heartbeats}"),
	)
	if err != nil {
		return nil, err
	}

	connects, err := meter.Int64Counter(
		"chargesync.session.connects",
		metric.WithDescription("Session connect outcomes"),
		metric.WithUnit("{connects}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		drains:            drains,
		drainDuration:     drainDuration,
		itemsDelivered:    itemsDelivered,
		itemsRetried:      itemsRetried,
		itemsDropped:      itemsDropped,
		queueDepth:        queueDepth,
		heartbeatFailures: heartbeatFailures,
		connects:          connects,
	}, nil
}

// RecordDrain records the outcome of one drain
func (m *SyncMetrics) RecordDrain(ctx context.Context, duration time.Duration, delivered, retried, dropped, depth int) {
	if m == nil {
		return
	}
	m.drains.Add(ctx, 1)
	m.drainDuration.Record(ctx, float64(duration.Milliseconds()))
	m.itemsDelivered.Add(ctx, int64(delivered))
	m.itemsRetried.Add(ctx, int64(retried))
	m.itemsDropped.Add(ctx, int64(dropped))
	m.queueDepth.Record(ctx, int64(depth))
}

// RecordHeartbeatFailure counts a failed heartbeat
func (m *SyncMetrics) RecordHeartbeatFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.heartbeatFailures.Add(ctx, 1)
}

// RecordConnect records how a connect attempt resolved (created, resumed, offline, failed)
func (m *SyncMetrics) RecordConnect(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.connects.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
