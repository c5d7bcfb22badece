package extensions

import (
	"context"
	"sync"

	pumped "github.com/pumped-fn/pumped-tree"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracingExtension opens a span per operation. Reconstruction strategies and warnings
// become span events.
type TracingExtension struct {
	pumped.BaseExtension
	tracer trace.Tracer

	mu    sync.Mutex
	spans map[*pumped.Operation]trace.Span
	last  trace.Span
}

// NewTracingExtension traces with provider, or the global provider when nil
func NewTracingExtension(provider trace.TracerProvider) *TracingExtension {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &TracingExtension{
		BaseExtension: pumped.NewBaseExtension("tracing"),
		tracer:        provider.Tracer("github.com/pumped-fn/pumped-tree"),
		spans:         make(map[*pumped.Operation]trace.Span),
	}
}

// Order runs tracing outside the other extensions
func (e *TracingExtension) Order() int {
	return 10
}

func (e *TracingExtension) Wrap(ctx context.Context, next func() (any, error), op *pumped.Operation) (any, error) {
	_, span := e.tracer.Start(ctx, "pumped."+string(op.Kind),
		trace.WithAttributes(attribute.String("pumped.node", op.Node)))
	defer span.End()

	e.mu.Lock()
	e.spans[op] = span
	prev := e.last
	e.last = span
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.spans, op)
		e.last = prev
		e.mu.Unlock()
	}()

	result, err := next()
	if op.ID != "" {
		span.SetAttributes(attribute.String("pumped.id", string(op.ID)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

func (e *TracingExtension) OnStrategy(op *pumped.Operation, strategy pumped.Strategy) {
	e.mu.Lock()
	span, ok := e.spans[op]
	e.mu.Unlock()
	if ok {
		span.AddEvent("strategy", trace.WithAttributes(attribute.String("pumped.strategy", strategy.String())))
	}
}

func (e *TracingExtension) OnWarning(w pumped.Warning) {
	e.mu.Lock()
	span := e.last
	e.mu.Unlock()
	if span != nil {
		span.AddEvent("warning", trace.WithAttributes(
			attribute.String("pumped.warning.kind", string(w.Kind)),
			attribute.String("pumped.warning.message", w.Message),
		))
	}
}
