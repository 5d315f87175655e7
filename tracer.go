package penguin

import "context"

// Tracer is the runtime's tracing seam. The engine, executor, and
// orchestrator hold one and open a span around each iteration, tool
// dispatch, and workflow phase; a nil tracer skips span creation
// entirely. The observer package supplies an OTEL-backed
// implementation.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span is one open traced operation. End must be called exactly once.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	// Event annotates the span timeline.
	Event(name string, attrs ...SpanAttr)
	// Error records err and marks the span failed.
	Error(err error)
	End()
}

// SpanAttr is a key-value pair attached to a span or event. The typed
// constructors below exist so call sites read cleanly; Value is
// interpreted by the Tracer implementation.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr { return SpanAttr{Key: k, Value: v} }

func IntAttr(k string, v int) SpanAttr { return SpanAttr{Key: k, Value: v} }

func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

func Float64Attr(k string, v float64) SpanAttr { return SpanAttr{Key: k, Value: v} }
