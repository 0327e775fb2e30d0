package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/taskmesh-io/taskmesh/internal/port/executor"
)

// Wire subjects for worker dispatch. These sit outside the JetStream
// stream on purpose: dispatch is point-to-point request/reply, not an
// event that needs replay.
const (
	subjectExecutePrefix  = "execute."
	subjectProgressPrefix = "execute.progress."
)

// executeRequest is the wire form of an executor.Request. The progress
// callback travels out of band on the progress subject.
type executeRequest struct {
	TaskID       string `json:"task_id"`
	AssignmentID string `json:"assignment_id"`
	AgentID      string `json:"agent_id"`
	Role         string `json:"role"`
	Subtask      string `json:"subtask"`
	Query        string `json:"query"`
}

// executeReply carries the terminal outcome or the worker-side error.
type executeReply struct {
	Outcome *executor.Outcome `json:"outcome,omitempty"`
	Error   string            `json:"error,omitempty"`
}

type progressUpdate struct {
	Fraction float64 `json:"fraction"`
	Note     string  `json:"note,omitempty"`
}

// Executor dispatches subtasks to pool workers over NATS request/reply.
// Each worker listens on execute.<agent_id>; progress updates stream back
// on execute.progress.<assignment_id> while the request is in flight.
type Executor struct {
	nc *nats.Conn
}

// NewExecutor creates an Executor sharing the queue's NATS connection.
func NewExecutor(q *Queue) *Executor {
	return &Executor{nc: q.nc}
}

// Execute sends the subtask to the assigned worker and blocks until the
// worker replies or ctx is done. Workers cannot be preempted mid-step, so
// a ctx cancellation surfaces here as soon as the transport gives up.
func (e *Executor) Execute(ctx context.Context, req executor.Request) (*executor.Outcome, error) {
	payload, err := json.Marshal(executeRequest{
		TaskID:       req.TaskID,
		AssignmentID: req.AssignmentID,
		AgentID:      req.AgentID,
		Role:         req.Role,
		Subtask:      req.Subtask,
		Query:        req.Query,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	if req.Progress != nil {
		sub, err := e.nc.Subscribe(subjectProgressPrefix+req.AssignmentID, func(msg *nats.Msg) {
			var u progressUpdate
			if err := json.Unmarshal(msg.Data, &u); err != nil {
				slog.Warn("malformed progress update", "assignment_id", req.AssignmentID, "error", err)
				return
			}
			req.Progress(u.Fraction, u.Note)
		})
		if err != nil {
			return nil, fmt.Errorf("subscribe progress: %w", err)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	msg, err := e.nc.RequestWithContext(ctx, subjectExecutePrefix+req.AgentID, payload)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return nil, fmt.Errorf("worker %s unreachable: %w", req.AgentID, err)
		}
		return nil, fmt.Errorf("dispatch to worker %s: %w", req.AgentID, err)
	}

	var reply executeReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode worker reply: %w", err)
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("worker %s: %s", req.AgentID, reply.Error)
	}
	if reply.Outcome == nil {
		return nil, fmt.Errorf("worker %s returned empty outcome", req.AgentID)
	}
	return reply.Outcome, nil
}
