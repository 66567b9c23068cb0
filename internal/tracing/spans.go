package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/scopekit/internal/scope"
)

// ScopeTracer wraps scope runs in spans. A nil or disabled provider yields a
// tracer whose spans are no-ops, so callers never need to branch on whether
// tracing is on.
type ScopeTracer struct {
	tracer trace.Tracer
}

func NewScopeTracer(p *Provider) *ScopeTracer {
	if p == nil {
		return &ScopeTracer{}
	}
	return &ScopeTracer{tracer: p.Tracer()}
}

// Run executes body as a complete scope under a span named after the run.
// The span records the scope ID, how many keys the scope ended up owning,
// and the body's error status. It ends when the body returns; teardown runs
// in the background past the span boundary and is marked with an event.
func (t *ScopeTracer) Run(ctx context.Context, d *scope.Driver, name string, body func(b *scope.Binder) error) (*scope.Recorder, error) {
	if t.tracer == nil {
		return d.Run(body)
	}

	_, span := t.tracer.Start(ctx, SpanPrefixScope+name,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	rec := d.BeginScope()
	span.SetAttributes(
		attribute.String(AttrScopeID, rec.ID().String()),
		attribute.String(AttrScopeOp, "run"),
	)

	err := d.RunBody(rec, body)
	d.EndScope(rec)

	span.SetAttributes(attribute.Int(AttrOwnedLen, len(rec.Owned())))
	span.AddEvent("teardown-launched")

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return rec, err
}
