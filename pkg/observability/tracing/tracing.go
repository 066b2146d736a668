package tracing

import (
    "context"

    "go.opentelemetry.io/otel"
    "go.opentelemetry.io/otel/attribute"
    "go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
    "go.opentelemetry.io/otel/codes"
    sdktrace "go.opentelemetry.io/otel/sdk/trace"
    "go.opentelemetry.io/otel/trace"
)

var enabled bool

// Setup configures a global tracer provider when enable=true.
// It returns a shutdown function which should be deferred.
func Setup(enable bool) (func(context.Context) error, error) {
    enabled = enable
    if !enable {
        return func(context.Context) error { return nil }, nil
    }
    exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
    if err != nil {
        return nil, err
    }
    tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
    otel.SetTracerProvider(tp)
    return tp.Shutdown, nil
}

// Enabled reports whether Setup turned tracing on.
func Enabled() bool { return enabled }

// StartSpan starts a tracing span if tracing is enabled. Attributes are
// attached at start.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func()) {
    if !enabled {
        return ctx, func() {}
    }
    tr := otel.Tracer("ticketd")
    ctx, span := tr.Start(ctx, name)
    if len(attrs) > 0 { span.SetAttributes(attrs...) }
    return ctx, func() { span.End() }
}

// Annotate adds attributes to the span carried by ctx, if any.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
    if !enabled { return }
    trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// RecordError marks the span carried by ctx as failed.
func RecordError(ctx context.Context, err error) {
    if !enabled || err == nil { return }
    span := trace.SpanFromContext(ctx)
    span.RecordError(err)
    span.SetStatus(codes.Error, err.Error())
}
