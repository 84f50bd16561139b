package loader

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	wlerrors "github.com/wippyai/wasm-loader/errors"
)

const tracerName = "github.com/wippyai/wasm-loader/loader"

// startPhase opens a child span for one load phase.
func (l *Loader) startPhase(ctx context.Context, phase wlerrors.Phase, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "loader."+string(phase), trace.WithAttributes(attrs...))
}

// endSpan records err, if any, and ends the span.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if k := wlerrors.KindOf(err); k != "" {
			span.SetAttributes(attribute.String("wasm.error_kind", string(k)))
		}
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
