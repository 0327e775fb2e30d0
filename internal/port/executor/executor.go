// Package executor defines the opaque subtask execution capability port.
//
// The contract is: start, report progress, report a terminal outcome, and
// accept a cancellation signal via the context. What the worker actually
// does with a subtask (LLM call, tool invocation, search) is pluggable and
// out of scope for the orchestrator. Workers cannot be preempted mid-step;
// implementations must check ctx at subtask-step boundaries.
package executor

import (
	"context"

	"github.com/taskmesh-io/taskmesh/internal/domain/result"
)

// Request describes one subtask execution.
type Request struct {
	TaskID       string
	AssignmentID string
	AgentID      string
	Role         string
	Subtask      string
	Query        string

	// Progress, when non-nil, is invoked at step boundaries with a 0..1
	// fraction and a short note. Must be safe for the executor to call
	// from its own goroutine.
	Progress func(fraction float64, note string)
}

// Outcome is the terminal report of a subtask execution.
type Outcome struct {
	Output       string
	QualityScore float64 // 0..1
	TokensIn     int64
	TokensOut    int64
	CostUSD      float64
	Log          string // raw execution log, redacted later by the assembler
	Citations    []result.Citation
}

// Executor runs one subtask to completion or error. A ctx cancellation is
// honored at the next step boundary; the returned error should then wrap
// ctx's cause.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Outcome, error)
}
