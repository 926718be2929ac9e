// Package tracing configures the OpenTelemetry tracer provider used by
// queue, versions and reconcile spans.
package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName is reported as service.name.
const ServiceName = "offsync"

// Config selects the OTLP/HTTP collector.
type Config struct {
	Enabled  bool
	Endpoint string
	Insecure bool
}

// Init installs a global tracer provider exporting to cfg.Endpoint and
// returns its shutdown function. When tracing is disabled the global no-op
// provider stays in place and shutdown does nothing.
func Init(ctx context.Context, cfg Config, onError func(error)) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", ServiceName)),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	if onError != nil {
		otel.SetErrorHandler(otel.ErrorHandlerFunc(onError))
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

// WrapHandler instruments h when enabled.
func WrapHandler(enabled bool, name string, h http.Handler) http.Handler {
	if !enabled {
		return h
	}
	return otelhttp.NewHandler(h, name)
}
