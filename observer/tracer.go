package observer

import (
	"context"
	"fmt"

	penguin "github.com/penguin-agent/penguin"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// NewTracer returns a penguin.Tracer backed by the global OTEL tracer
// provider. Until Init has run, the global provider is a no-op, so
// spans are silently dropped.
func NewTracer() penguin.Tracer {
	return &traceAdapter{tracer: otel.Tracer(scopeName)}
}

// traceAdapter bridges the runtime's tracing seam onto OTEL.
type traceAdapter struct {
	tracer trace.Tracer
}

var _ penguin.Tracer = (*traceAdapter)(nil)

func (a *traceAdapter) Start(ctx context.Context, name string, attrs ...penguin.SpanAttr) (context.Context, penguin.Span) {
	ctx, span := a.tracer.Start(ctx, name, trace.WithAttributes(keyValues(attrs)...))
	return ctx, &spanAdapter{span: span}
}

// spanAdapter wraps one OTEL span behind penguin.Span.
type spanAdapter struct {
	span trace.Span
}

var _ penguin.Span = (*spanAdapter)(nil)

func (s *spanAdapter) SetAttr(attrs ...penguin.SpanAttr) {
	s.span.SetAttributes(keyValues(attrs)...)
}

func (s *spanAdapter) Event(name string, attrs ...penguin.SpanAttr) {
	s.span.AddEvent(name, trace.WithAttributes(keyValues(attrs)...))
}

func (s *spanAdapter) Error(err error) {
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s *spanAdapter) End() {
	s.span.End()
}

// keyValues converts runtime span attributes to OTEL key-values. Types
// outside the typed constructors fall back to their string form.
func keyValues(attrs []penguin.SpanAttr) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		switch v := a.Value.(type) {
		case string:
			out = append(out, attribute.String(a.Key, v))
		case int:
			out = append(out, attribute.Int(a.Key, v))
		case int64:
			out = append(out, attribute.Int64(a.Key, v))
		case float64:
			out = append(out, attribute.Float64(a.Key, v))
		case bool:
			out = append(out, attribute.Bool(a.Key, v))
		default:
			out = append(out, attribute.String(a.Key, fmt.Sprintf("%v", v)))
		}
	}
	return out
}
