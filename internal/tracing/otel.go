package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	setupMu sync.Mutex
	active  *sdktrace.TracerProvider
)

// InitOpenTelemetry installs the process-wide tracer provider. The
// supervisor and each worker process call it with their own service name;
// repeat calls are no-ops, the first name wins.
func InitOpenTelemetry(serviceName string) error {
	setupMu.Lock()
	defer setupMu.Unlock()
	if active != nil {
		return nil
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return err
	}

	active = sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(1))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(active)
	return nil
}

// ShutdownOpenTelemetry flushes pending spans and uninstalls the provider.
// Workers are short-lived subprocesses; without the flush their last
// task's spans are lost on exit.
func ShutdownOpenTelemetry(ctx context.Context) error {
	setupMu.Lock()
	tp := active
	active = nil
	setupMu.Unlock()

	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan opens a span on the named tracer and mirrors its trace id
// into this package's context keys so log lines and spans correlate.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}
