package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "pipewright"

// StartRunSpan starts a span covering a whole workflow run.
func StartRunSpan(ctx context.Context, threadID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
		),
	)
}

// StartStageSpan starts a span for one stage attempt within a run.
func StartStageSpan(ctx context.Context, threadID, stage string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "stage",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("stage.name", stage),
			attribute.Int("stage.attempt", attempt),
		),
	)
}

// StartToolSpan starts a span for a brokered capability invocation.
func StartToolSpan(ctx context.Context, threadID, capabilityID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "tool",
		trace.WithAttributes(
			attribute.String("thread.id", threadID),
			attribute.String("capability.id", capabilityID),
		),
	)
}
