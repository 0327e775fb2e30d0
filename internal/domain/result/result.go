// Package result defines the immutable TaskResult and TaskTrace entities
// produced once when a task reaches a terminal state.
package result

import (
	"time"

	"github.com/taskmesh-io/taskmesh/internal/domain/task"
)

// TraceSizeCap is the hard ceiling on stored trace bytes. Traces over the
// cap are truncated with an explicit flag, never silently dropped.
const TraceSizeCap = 5 << 20 // 5 MiB

// DefaultTraceRetention is how long traces are kept before the janitor
// removes them.
const DefaultTraceRetention = 7 * 24 * time.Hour

// Citation is the provenance metadata attached by workers to their output.
type Citation = task.Citation

// Result holds the final output of a task. Written exactly once at the
// terminal transition and immutable thereafter.
type Result struct {
	TaskID     string             `json:"task_id"`
	Output     string             `json:"output"`
	Confidence float64            `json:"confidence"`
	QualityMet bool               `json:"quality_met"`
	Cost       task.CostBreakdown `json:"cost_breakdown"`
	Citations  []Citation         `json:"citations,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
}

// Trace is the redacted, size-capped execution record of a task.
type Trace struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Content   string    `json:"content"`
	SizeBytes int       `json:"size_bytes"`
	Truncated bool      `json:"truncated"`
	CreatedAt time.Time `json:"created_at"`
}

// Truncate caps s at limit bytes, cutting at a line boundary where possible.
// The second return value reports whether truncation happened.
func Truncate(s string, limit int) (string, bool) {
	if len(s) <= limit {
		return s, false
	}
	cut := s[:limit]
	if i := lastNewline(cut); i > 0 {
		cut = cut[:i]
	}
	return cut, true
}

func lastNewline(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return i
		}
	}
	return -1
}
