package adapters

import (
	"context"
	"fmt"

	ports "github.com/ZanzyTHEbar/hitl-chat/hitl/engine/ports"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ZanzyTHEbar/hitl-chat/hitl/engine"

// OtelTracer implements the Tracer interface on top of an OpenTelemetry tracer provider.
type OtelTracer struct {
	tracer trace.Tracer
}

// NewOtelTracer creates a tracer bound to provider.
func NewOtelTracer(provider trace.TracerProvider) *OtelTracer {
	return &OtelTracer{
		tracer: provider.Tracer(tracerName),
	}
}

// StartSpan starts an OpenTelemetry span; the finish function records err and ends it.
func (t *OtelTracer) StartSpan(ctx context.Context, name string, attrs map[string]any) (context.Context, func(err error)) {
	ctx, span := t.tracer.Start(ctx, name, trace.WithAttributes(toAttributes(attrs)...))

	finish := func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}
	return ctx, finish
}

// Event adds an event to the span carried by ctx.
func (t *OtelTracer) Event(ctx context.Context, name string, attrs map[string]any) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(toAttributes(attrs)...))
}

func toAttributes(attrs map[string]any) []attribute.KeyValue {
	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string:
			kvs = append(kvs, attribute.String(k, val))
		case bool:
			kvs = append(kvs, attribute.Bool(k, val))
		case int:
			kvs = append(kvs, attribute.Int(k, val))
		case int64:
			kvs = append(kvs, attribute.Int64(k, val))
		case float64:
			kvs = append(kvs, attribute.Float64(k, val))
		case []string:
			kvs = append(kvs, attribute.StringSlice(k, val))
		default:
			kvs = append(kvs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return kvs
}

// Ensure OtelTracer implements the Tracer interface.
var _ ports.Tracer = (*OtelTracer)(nil)
