package observe

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// DefaultServiceName is reported when no [WithServiceName] option is given.
const DefaultServiceName = "parlance"

type providerConfig struct {
	serviceName    string
	serviceVersion string
	region         string
	spanExporter   sdktrace.SpanExporter
	registerer     prometheus.Registerer
}

// ProviderOption configures [InitProvider].
type ProviderOption func(*providerConfig)

// WithServiceName sets service.name on all telemetry.
func WithServiceName(name string) ProviderOption {
	return func(c *providerConfig) { c.serviceName = name }
}

// WithServiceVersion sets service.version on all telemetry.
func WithServiceVersion(v string) ProviderOption {
	return func(c *providerConfig) { c.serviceVersion = v }
}

// WithServiceRegion tags all telemetry with the speech service region.
func WithServiceRegion(region string) ProviderOption {
	return func(c *providerConfig) { c.region = region }
}

// WithSpanExporter exports spans in batches. Without it spans are recorded
// for log correlation only.
func WithSpanExporter(exp sdktrace.SpanExporter) ProviderOption {
	return func(c *providerConfig) { c.spanExporter = exp }
}

// WithRegisterer registers the Prometheus collector with reg instead of
// [prometheus.DefaultRegisterer], which promhttp.Handler serves.
func WithRegisterer(reg prometheus.Registerer) ProviderOption {
	return func(c *providerConfig) { c.registerer = reg }
}

// InitProvider installs global OpenTelemetry providers: a meter provider
// bridged to Prometheus, a tracer provider and the W3C trace context and
// baggage propagators. The returned function flushes and shuts both
// providers down.
func InitProvider(ctx context.Context, opts ...ProviderOption) (shutdown func(context.Context) error, err error) {
	cfg := providerConfig{serviceName: DefaultServiceName}
	for _, o := range opts {
		o(&cfg)
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.serviceName)}
	if cfg.serviceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.serviceVersion))
	}
	if cfg.region != "" {
		attrs = append(attrs, semconv.CloudRegion(cfg.region))
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(attrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("observe: resource: %w", err)
	}

	var expOpts []promexporter.Option
	if cfg.registerer != nil {
		expOpts = append(expOpts, promexporter.WithRegisterer(cfg.registerer))
	}
	promExp, err := promexporter.New(expOpts...)
	if err != nil {
		return nil, fmt.Errorf("observe: prometheus exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExp),
	)

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.spanExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.spanExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
