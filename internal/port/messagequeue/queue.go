// Package messagequeue defines the message queue port (interface).
package messagequeue

import "context"

// Handler processes a message received from the queue.
type Handler func(ctx context.Context, subject string, data []byte) error

// Queue is the port interface for publishing and subscribing to messages.
type Queue interface {
	// Publish sends a message to the given subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers a handler for messages on the given subject.
	// The returned function cancels the subscription.
	Subscribe(ctx context.Context, subject string, handler Handler) (cancel func(), err error)

	// Drain gracefully drains all subscriptions before closing.
	Drain() error

	// Close shuts down the queue connection immediately.
	Close() error

	// IsConnected reports whether the queue is currently connected.
	IsConnected() bool
}

// Subject constants for the lifecycle event stream.
const (
	SubjectTaskSubmitted      = "tasks.submitted"
	SubjectTaskStatus         = "tasks.status"    // every task status transition
	SubjectTaskFinalized      = "tasks.finalized" // result/trace written
	SubjectAssignmentStatus   = "assignments.status"
	SubjectAssignmentRetry    = "assignments.retry"
	SubjectAgentStatus        = "agents.status" // pool availability changes
)

// TaskStatusPayload is published on SubjectTaskSubmitted, SubjectTaskStatus
// and SubjectTaskFinalized.
type TaskStatusPayload struct {
	TaskID   string  `json:"task_id"`
	TenantID string  `json:"tenant_id"`
	Type     string  `json:"task_type"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress"`
	CostUSD  float64 `json:"cost_usd"`
}

// AssignmentStatusPayload is published on SubjectAssignmentStatus and
// SubjectAssignmentRetry.
type AssignmentStatusPayload struct {
	AssignmentID string `json:"assignment_id"`
	TaskID       string `json:"task_id"`
	AgentID      string `json:"agent_id"`
	Role         string `json:"role"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
}

// AgentStatusPayload is published on SubjectAgentStatus.
type AgentStatusPayload struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}
