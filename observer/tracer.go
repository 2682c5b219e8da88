package observer

import (
	"context"
	"fmt"

	conduit "github.com/nevindra/conduit"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a conduit.Tracer backed by the global OTEL
// TracerProvider, for passing to conduit.WithTracer. Call observer.Init
// first to configure the provider; otherwise spans go to a no-op backend.
func NewTracer() conduit.Tracer {
	return otelTracer{inner: otel.Tracer(scopeName)}
}

type otelTracer struct {
	inner trace.Tracer
}

func (t otelTracer) Start(ctx context.Context, name string, attrs ...conduit.SpanAttr) (context.Context, conduit.Span) {
	ctx, span := t.inner.Start(ctx, name, trace.WithAttributes(toOTELAttrs(attrs)...))
	return ctx, otelSpan{inner: span}
}

type otelSpan struct {
	inner trace.Span
}

func (s otelSpan) SetAttr(attrs ...conduit.SpanAttr) {
	s.inner.SetAttributes(toOTELAttrs(attrs)...)
}

func (s otelSpan) Event(name string, attrs ...conduit.SpanAttr) {
	s.inner.AddEvent(name, trace.WithAttributes(toOTELAttrs(attrs)...))
}

func (s otelSpan) Error(err error) {
	s.inner.RecordError(err)
	s.inner.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) End() { s.inner.End() }

func toOTELAttrs(attrs []conduit.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, len(attrs))
	for i, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out[i] = attribute.String(a.Key, v)
		case int:
			out[i] = attribute.Int(a.Key, v)
		case int64:
			out[i] = attribute.Int64(a.Key, v)
		case float64:
			out[i] = attribute.Float64(a.Key, v)
		case bool:
			out[i] = attribute.Bool(a.Key, v)
		default:
			out[i] = attribute.String(a.Key, fmt.Sprintf("%v", v))
		}
	}
	return out
}

var (
	_ conduit.Tracer = otelTracer{}
	_ conduit.Span   = otelSpan{}
)
