package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "taskmesh"

// StartTaskSpan starts a span covering one task's execution.
func StartTaskSpan(ctx context.Context, taskID, tenantID, taskType string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("tenant.id", tenantID),
			attribute.String("task.type", taskType),
		),
	)
}

// StartAssignmentSpan starts a span covering one assignment attempt.
func StartAssignmentSpan(ctx context.Context, assignmentID, agentID, role string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "assignment",
		trace.WithAttributes(
			attribute.String("assignment.id", assignmentID),
			attribute.String("agent.id", agentID),
			attribute.String("assignment.role", role),
		),
	)
}
