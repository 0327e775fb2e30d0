// Package database defines the task registry store port (interface).
package database

import (
	"context"
	"time"

	"github.com/taskmesh-io/taskmesh/internal/domain/agent"
	"github.com/taskmesh-io/taskmesh/internal/domain/result"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
)

// Store is the port interface for registry persistence. Status writes are
// guarded compare-and-swap operations so readers always see a consistent,
// monotonic snapshot and terminal states stay immutable.
type Store interface {
	// Tasks
	CreateTask(ctx context.Context, t *task.Task) error
	GetTask(ctx context.Context, id string) (*task.Task, error)
	// TransitionTask moves a task from -> to. Returns domain.ErrConflict
	// when the current status is not `from`, domain.ErrNotFound when the
	// task does not exist.
	TransitionTask(ctx context.Context, id string, from, to task.Status) error
	UpdateTaskProgress(ctx context.Context, id string, progress float64, cost task.CostBreakdown) error
	SetTaskOutcome(ctx context.Context, id string, confidence float64, errMsg string) error

	// Assignments
	CreateAssignments(ctx context.Context, as []task.Assignment) error
	ListAssignments(ctx context.Context, taskID string) ([]task.Assignment, error)
	UpdateAssignment(ctx context.Context, a *task.Assignment) error

	// Agent pool
	ListAgents(ctx context.Context) ([]agent.Agent, error)
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	UpsertAgent(ctx context.Context, a *agent.Agent) error
	UpdateAgentStatus(ctx context.Context, id string, status agent.Status, loadDelta int) error

	// Results and traces (write-once)
	SaveResult(ctx context.Context, r *result.Result) error
	GetResult(ctx context.Context, taskID string) (*result.Result, error)
	SaveTrace(ctx context.Context, tr *result.Trace) error
	GetTrace(ctx context.Context, taskID string) (*result.Trace, error)
	DeleteTracesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
