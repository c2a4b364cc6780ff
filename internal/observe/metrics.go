// Package observe provides the observability primitives shared by parlance:
// OpenTelemetry metrics, tracing, trace-aware structured logging and the HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. A package-level default [Metrics] instance
// ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with their own [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parlance metrics.
const meterName = "github.com/MrWong99/parlance"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ConnectDuration tracks how long it takes to establish a transport
	// connection, including retries.
	ConnectDuration metric.Float64Histogram

	// ActiveSessions tracks the number of sessions between Start and their
	// terminal event.
	ActiveSessions metric.Int64UpDownCounter

	// Events counts emitted session events. Use with attribute:
	//   attribute.String("type", ...)
	Events metric.Int64Counter

	// Reconnects counts transport reconnect attempts. Use with attribute:
	//   attribute.String("endpoint", ...)
	Reconnects metric.Int64Counter

	// PacketsIn and PacketsOut count protocol packets by kind. Use with attribute:
	//   attribute.String("kind", ...)
	PacketsIn  metric.Int64Counter
	PacketsOut metric.Int64Counter

	// AudioBytesSent counts encoded audio bytes handed to the transport.
	AudioBytesSent metric.Int64Counter

	// ObserverFaults counts observer deliveries that failed. Use with attribute:
	//   attribute.String("fault", "error"|"panic"|"timeout")
	ObserverFaults metric.Int64Counter

	// HTTPRequestDuration tracks operational HTTP request time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", "2xx"|"4xx"|...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection establishment, which may include several backoff rounds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ConnectDuration, err = m.Float64Histogram("parlance.connect.duration",
		metric.WithDescription("Time to establish a session transport connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("parlance.active_sessions",
		metric.WithDescription("Number of sessions that have started and not yet terminated."),
	); err != nil {
		return nil, err
	}

	if met.Events, err = m.Int64Counter("parlance.events",
		metric.WithDescription("Total session events emitted by type."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("parlance.transport.reconnects",
		metric.WithDescription("Total transport reconnect attempts by endpoint."),
	); err != nil {
		return nil, err
	}
	if met.PacketsIn, err = m.Int64Counter("parlance.packets.in",
		metric.WithDescription("Total inbound protocol packets by kind."),
	); err != nil {
		return nil, err
	}
	if met.PacketsOut, err = m.Int64Counter("parlance.packets.out",
		metric.WithDescription("Total outbound protocol packets by kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytesSent, err = m.Int64Counter("parlance.audio.bytes_sent",
		metric.WithDescription("Total encoded audio bytes sent to the service."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.ObserverFaults, err = m.Int64Counter("parlance.observer.faults",
		metric.WithDescription("Total failed observer deliveries by fault kind."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parlance.http.request.duration",
		metric.WithDescription("Operational HTTP request latency by method, route and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEvent increments the event counter for the given event type.
func (m *Metrics) RecordEvent(ctx context.Context, typ string) {
	m.Events.Add(ctx, 1, metric.WithAttributes(attribute.String("type", typ)))
}

// RecordPacketIn increments the inbound packet counter for kind.
func (m *Metrics) RecordPacketIn(ctx context.Context, kind string) {
	m.PacketsIn.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordPacketOut increments the outbound packet counter for kind.
func (m *Metrics) RecordPacketOut(ctx context.Context, kind string) {
	m.PacketsOut.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordReconnect increments the reconnect counter for endpoint.
func (m *Metrics) RecordReconnect(ctx context.Context, endpoint string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordObserverFault increments the observer fault counter.
func (m *Metrics) RecordObserverFault(ctx context.Context, fault string) {
	m.ObserverFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("fault", fault)))
}
