package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sitesquad"

// StartRunSpan starts a span for a full test run.
func StartRunSpan(ctx context.Context, runID, userID, url string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("user.id", userID),
			attribute.String("run.url", url),
		),
	)
}

// StartAgentSpan starts a span for one persona's agent task within a run.
func StartAgentSpan(ctx context.Context, runID, persona string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("agent.persona", persona),
		),
	)
}

// StartVisionSpan starts a span for one screenshot analysis call.
func StartVisionSpan(ctx context.Context, runID, persona, phase string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "vision",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("agent.persona", persona),
			attribute.String("agent.phase", phase),
		),
	)
}
