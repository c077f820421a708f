// Package otelx configures OpenTelemetry tracing. With tracing disabled a
// non-exporting provider is still installed so spans are cheap no-ops.
package otelx

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/fragmentsync/internal/xerrors"
)

// TracerName scopes spans emitted by this module.
const TracerName = "github.com/keithlinneman/fragmentsync"

// bounds the exporter dial, which otherwise blocks without a timeout
const dialTimeout = 3 * time.Second

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64 // clamped to [0,1]
	Service   string
	Component string // appended to Service as "<service>.<component>"
	Version   string
}

func (o Options) serviceName() string {
	if o.Component == "" {
		return o.Service
	}
	return o.Service + "." + o.Component
}

func (o Options) sampler() sdktrace.Sampler {
	ratio := min(max(o.Sample, 0), 1)
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// Init installs the global tracer provider and propagator and returns the
// provider's shutdown.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	if !o.Enabled {
		install(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}
	exp, err := newExporter(ctx, o)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(o.sampler()),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	install(tp)
	return tp.Shutdown, nil
}

func install(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
}

// newExporter dials the collector. An empty endpoint leaves it to
// OTEL_EXPORTER_OTLP_ENDPOINT or the exporter default.
func newExporter(ctx context.Context, o Options) (sdktrace.SpanExporter, error) {
	var opts []otlptracegrpc.Option
	if o.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(o.Endpoint))
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, xerrors.Wrapf(err, "otelx: otlp exporter for %s", o.Endpoint)
	}
	return exp, nil
}

// newResource describes this process. Detector failures keep whatever was
// detected; the service attributes are always present.
func newResource(ctx context.Context, o Options) *resource.Resource {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.serviceName()),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)
	if res == nil || (err != nil && !errors.Is(err, resource.ErrPartialResource)) {
		return resource.NewSchemaless(
			semconv.ServiceNameKey.String(o.serviceName()),
			semconv.ServiceVersionKey.String(o.Version),
		)
	}
	return res
}

// Tracer returns the module tracer from the global provider set by Init.
func Tracer() trace.Tracer { return otel.Tracer(TracerName) }

// Span attribute keys for content change handling.
const (
	AttrEventID   = attribute.Key("fragmentsync.event.id")
	AttrEventKind = attribute.Key("fragmentsync.event.kind")
	AttrEventPath = attribute.Key("fragmentsync.event.path")
	AttrOutcome   = attribute.Key("fragmentsync.outcome")
)

// EventAttrs describes one change notification on a span.
func EventAttrs(id, kind, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEventID.String(id),
		AttrEventKind.String(kind),
		AttrEventPath.String(path),
	}
}

// EndOutcome records how an event ended; failed outcomes mark the span as
// an error.
func EndOutcome(span trace.Span, outcome string, failed bool) {
	span.SetAttributes(AttrOutcome.String(outcome))
	if failed {
		span.SetStatus(codes.Error, outcome)
	}
}
