package tracing

import (
	"context"
	"fmt"
	"time"

	"streamcast/pkg/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "streamcast"

// TracerProvider wraps the OpenTelemetry tracer provider. The zero value is
// a disabled provider.
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	JaegerURL      string
	Environment    string
	SampleRate     float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:        false,
		ServiceName:    "streamcast",
		ServiceVersion: "dev",
		JaegerURL:      "http://localhost:14268/api/traces",
		Environment:    "development",
		SampleRate:     1.0,
	}
}

// FromConfig builds the tracing settings of one binary from the shared
// configuration.
func FromConfig(cfg *config.Config, serviceName string) Config {
	tc := DefaultConfig()
	tc.Enabled = cfg.Tracing.Enabled
	tc.JaegerURL = cfg.Tracing.JaegerEndpoint
	tc.SampleRate = cfg.Tracing.SampleRate
	if serviceName != "" {
		tc.ServiceName = serviceName
	}
	return tc
}

func sampler(rate float64) tracesdk.Sampler {
	switch {
	case rate >= 1:
		return tracesdk.AlwaysSample()
	case rate <= 0:
		return tracesdk.NeverSample()
	default:
		return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(rate))
	}
}

// Init installs a global Jaeger-backed tracer provider. With tracing
// disabled it returns a provider whose Shutdown is a no-op.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("create jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func (tp *TracerProvider) Enabled() bool {
	return tp.tp != nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, opts...)
}

// AddSpanAttributes adds attributes to the current span if it is recording.
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records err on the current span and marks it failed.
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func SetSpanStatus(ctx context.Context, code codes.Code, description string) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetStatus(code, description)
	}
}

var (
	ConnectionIDKey = attribute.Key("connection.id")
	RemoteAddrKey   = attribute.Key("net.peer.addr")
	ControlKindKey  = attribute.Key("control.kind")
	QualityKey      = attribute.Key("qos.quality")
	FPSKey          = attribute.Key("qos.fps")
	BandwidthKey    = attribute.Key("qos.bandwidth_kbps")
	PlaybackKey     = attribute.Key("playback.state")
	DurationKey     = attribute.Key("duration_ms")
	StatusCodeKey   = attribute.Key("http.status_code")
)

func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceControlMessage starts a span for one inbound text control message.
func TraceControlMessage(ctx context.Context, kind string, connectionID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("control.%s", kind),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			ControlKindKey.String(kind),
			ConnectionIDKey.String(connectionID),
		),
	)
}

// TracePlaybackTransition starts a span around a playback state change and
// its announcement.
func TracePlaybackTransition(ctx context.Context, op string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("playback.%s", op),
		trace.WithAttributes(attribute.String("playback.operation", op)),
	)
}

// RecordDuration attaches an elapsed time measured by the caller's clock.
func RecordDuration(ctx context.Context, d time.Duration) {
	AddSpanAttributes(ctx, DurationKey.Int64(d.Milliseconds()))
}
