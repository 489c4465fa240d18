package telemetry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var ErrNoExporterConfigured = errors.New("no telemetry exporter configured")

// Configures OpenTelemetry for the client and installs the global tracer.
// The caller should shut the returned provider down on exit.
func SetupTelemetry(ctx context.Context, config Config) (*tracesdk.TracerProvider, error) {
	res, err := newResource()
	if err != nil {
		return nil, err
	}

	exporter, err := newExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	provider := tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
	)

	otel.SetTracerProvider(provider)
	tracer = otel.Tracer(PACKAGE)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return provider, nil
}

// Creates the span exporter per the configuration. OTLP takes precedence
// over Jaeger.
func newExporter(ctx context.Context, config Config) (tracesdk.SpanExporter, error) {
	if config.OTLP.Host != "" {
		options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLP.Host)}
		if !config.OTLP.Secure {
			options = append(options, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(ctx, otlptracehttp.NewClient(options...))
	}

	if config.JaegerURL != "" {
		return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerURL)))
	}

	return nil, ErrNoExporterConfigured
}

// Creates a resource identifying this client instance.
func newResource() (*resource.Resource, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, err
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(PACKAGE),
		attribute.String("ID", id.String()),
	), nil
}
