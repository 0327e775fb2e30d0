package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "taskmesh"

// Metrics holds all taskmesh metric instruments. A nil *Metrics is valid
// and records nothing, so callers never guard.
type Metrics struct {
	tasksSubmitted metric.Int64Counter
	tasksFinished  metric.Int64Counter
	retries        metric.Int64Counter
	taskDuration   metric.Float64Histogram
	taskCost       metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.tasksSubmitted, err = meter.Int64Counter("taskmesh.tasks.submitted",
		metric.WithDescription("Number of tasks admitted"))
	if err != nil {
		return nil, err
	}

	m.tasksFinished, err = meter.Int64Counter("taskmesh.tasks.finished",
		metric.WithDescription("Number of tasks reaching a terminal state, by status"))
	if err != nil {
		return nil, err
	}

	m.retries, err = meter.Int64Counter("taskmesh.assignments.retries",
		metric.WithDescription("Number of assignment retry attempts"))
	if err != nil {
		return nil, err
	}

	m.taskDuration, err = meter.Float64Histogram("taskmesh.task.duration_seconds",
		metric.WithDescription("Task wall-clock duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.taskCost, err = meter.Float64Histogram("taskmesh.task.cost_usd",
		metric.WithDescription("Task cost in USD"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// TaskSubmitted records one admitted task.
func (m *Metrics) TaskSubmitted(ctx context.Context, taskType string) {
	if m == nil {
		return
	}
	m.tasksSubmitted.Add(ctx, 1, metric.WithAttributes(attribute.String("task.type", taskType)))
}

// TaskFinished records one terminal task with its duration and cost.
func (m *Metrics) TaskFinished(ctx context.Context, status string, elapsed time.Duration, costUSD float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("task.status", status))
	m.tasksFinished.Add(ctx, 1, attrs)
	m.taskDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.taskCost.Record(ctx, costUSD, attrs)
}

// AssignmentRetries records retry attempts accumulated by a finished task.
func (m *Metrics) AssignmentRetries(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retries.Add(ctx, int64(n))
}
