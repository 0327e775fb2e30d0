// Package task defines the Task and AgentAssignment domain entities.
package task

import (
	"fmt"
	"time"

	"github.com/taskmesh-io/taskmesh/internal/domain"
)

// Status represents the lifecycle state of a task or an assignment.
// It is deliberately a different type from agent.Status: task progress
// and worker availability never share a vocabulary.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusTimeout    Status = "timeout"
)

// IsTerminal reports whether the status is immutable.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusTimeout:
		return true
	}
	return false
}

// rank orders statuses along the lifecycle so concurrent readers can assert
// monotonicity. Terminal states share the highest rank.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// AtLeast reports whether s is at or past other in transition order.
func (s Status) AtLeast(other Status) bool {
	return s.rank() >= other.rank()
}

// CanTransitionTo reports whether s -> next is a legal lifecycle edge.
// Transitions are unidirectional: pending may start or fail/cancel outright,
// in_progress resolves to exactly one terminal state, terminal states never move.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusInProgress || next == StatusFailed || next == StatusCanceled
	case StatusInProgress:
		return next.IsTerminal()
	}
	return false
}

// Limits enforced at admission time and re-checked during execution.
const (
	MaxAgentsLimit      = 5
	MaxTimeLimitSeconds = 900
)

// Budget is the wall-clock and cost ceiling for a task.
// CostLimit of zero means unlimited.
type Budget struct {
	TimeLimit int     `json:"time_limit" yaml:"time_limit"` // seconds
	CostLimit float64 `json:"cost_limit" yaml:"cost_limit"` // USD
}

// TimeLimitDuration returns the wall-clock budget as a duration.
func (b Budget) TimeLimitDuration() time.Duration {
	return time.Duration(b.TimeLimit) * time.Second
}

// CostBreakdown accumulates resource consumption for a task.
type CostBreakdown struct {
	TokensIn  int64   `json:"tokens_in"`
	TokensOut int64   `json:"tokens_out"`
	CostUSD   float64 `json:"cost_usd"`
}

// Task is one orchestrated multi-agent job submitted by a client.
// Status is single-owner: only the orchestrator mutates it.
type Task struct {
	ID               string        `json:"id"`
	TenantID         string        `json:"tenant_id"`
	Type             string        `json:"task_type"`
	Query            string        `json:"query"`
	MaxAgents        int           `json:"max_agents"`
	Budget           Budget        `json:"budget"`
	QualityThreshold float64       `json:"quality_threshold"`
	Status           Status        `json:"status"`
	Progress         float64       `json:"progress"` // 0..1, completed assignments over total
	Confidence       float64       `json:"confidence"`
	Cost             CostBreakdown `json:"cost_breakdown"`
	Error            string        `json:"error,omitempty"`
	Version          int           `json:"version"`
	StartedAt        *time.Time    `json:"started_at,omitempty"`
	CompletedAt      *time.Time    `json:"completed_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Assignment is one worker's contribution to a task. It shares the task
// status taxonomy and cannot outlive its task.
type Assignment struct {
	ID           string     `json:"id"`
	TaskID       string     `json:"task_id"`
	AgentID      string     `json:"agent_id"`
	Role         string     `json:"role"`
	Subtask      string     `json:"subtask"`
	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	Output       string     `json:"output,omitempty"`
	Log          string     `json:"-"`
	Citations    []Citation `json:"citations,omitempty"`
	QualityScore float64    `json:"quality_score"`
	Cost         CostBreakdown `json:"cost_breakdown"`
	Error        string     `json:"error,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Citation is metadata-only provenance for an assignment's output: no
// quoted content is stored.
type Citation struct {
	Title  string `json:"title"`
	Source string `json:"source"`
	Ref    string `json:"ref,omitempty"`
}

// SubmitRequest holds the fields needed to submit a new task.
type SubmitRequest struct {
	Type             string  `json:"task_type"`
	Query            string  `json:"query"`
	MaxAgents        int     `json:"max_agents"`
	Budget           Budget  `json:"budget"`
	QualityThreshold float64 `json:"quality_threshold"`
}

// Validate checks request fields against admission limits.
// Defaults are applied in place: max_agents 1, time_limit 900s.
func (r *SubmitRequest) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("%w: task_type is required", domain.ErrValidation)
	}
	if r.Query == "" {
		return fmt.Errorf("%w: query is required", domain.ErrValidation)
	}
	if r.MaxAgents == 0 {
		r.MaxAgents = 1
	}
	if r.MaxAgents < 0 || r.MaxAgents > MaxAgentsLimit {
		return fmt.Errorf("%w: max_agents must be between 1 and %d", domain.ErrValidation, MaxAgentsLimit)
	}
	if r.Budget.TimeLimit == 0 {
		r.Budget.TimeLimit = MaxTimeLimitSeconds
	}
	if r.Budget.TimeLimit < 0 || r.Budget.TimeLimit > MaxTimeLimitSeconds {
		return fmt.Errorf("%w: budget.time_limit must be between 1 and %d seconds", domain.ErrValidation, MaxTimeLimitSeconds)
	}
	if r.Budget.CostLimit < 0 {
		return fmt.Errorf("%w: budget.cost_limit must not be negative", domain.ErrValidation)
	}
	if r.QualityThreshold < 0 || r.QualityThreshold > 1 {
		return fmt.Errorf("%w: quality_threshold must be between 0 and 1", domain.ErrValidation)
	}
	return nil
}

// StatusSnapshot is the read model served by status queries.
type StatusSnapshot struct {
	TaskID      string        `json:"task_id"`
	Status      Status        `json:"status"`
	Progress    float64       `json:"progress"`
	Confidence  float64       `json:"confidence"`
	Cost        CostBreakdown `json:"cost_breakdown"`
	Error       string        `json:"error,omitempty"`
	Assignments []Assignment  `json:"assignments"`
}

// Supersedes reports whether s is at least as recent as old in lifecycle
// order. Status advances win; within the same status, progress never moves
// backwards.
func (s *StatusSnapshot) Supersedes(old *StatusSnapshot) bool {
	if s.Status != old.Status {
		return s.Status.AtLeast(old.Status)
	}
	return s.Progress >= old.Progress
}
