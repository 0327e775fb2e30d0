package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/result"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
	"github.com/taskmesh-io/taskmesh/internal/port/database"
)

// AssemblerService aggregates assignment outputs into the task's immutable
// TaskResult and TaskTrace at terminal transition.
type AssemblerService struct {
	store database.Store
}

// NewAssemblerService creates an AssemblerService.
func NewAssemblerService(store database.Store) *AssemblerService {
	return &AssemblerService{store: store}
}

// Finalize writes the result and trace for a terminal task, exactly once.
// A second call returns the stored result unchanged: the write is guarded
// by the store's uniqueness on task id, and a lost race re-reads the
// winner's row.
func (s *AssemblerService) Finalize(ctx context.Context, t *task.Task, assignments []task.Assignment) (*result.Result, error) {
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("finalize task %s in %s: %w", t.ID, t.Status, domain.ErrNotReady)
	}

	if existing, err := s.store.GetResult(ctx, t.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("check existing result: %w", err)
	}

	// Deterministic assignment order keeps repeated assembly byte-identical.
	sort.Slice(assignments, func(i, j int) bool { return assignments[i].ID < assignments[j].ID })

	confidence := weightedConfidence(assignments)
	qualityMet := t.QualityThreshold == 0 || confidence >= t.QualityThreshold
	if !qualityMet {
		// Reported, never blocking: the result is still finalized.
		slog.Info("quality threshold not met", "task_id", t.ID,
			"confidence", confidence, "threshold", t.QualityThreshold)
	}

	r := &result.Result{
		TaskID:     t.ID,
		Output:     combineOutputs(assignments),
		Confidence: confidence,
		QualityMet: qualityMet,
		Cost:       t.Cost,
		Citations:  collectCitations(assignments),
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.store.SaveResult(ctx, r); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return s.store.GetResult(ctx, t.ID)
		}
		return nil, fmt.Errorf("save result: %w", err)
	}

	if err := s.saveTrace(ctx, t, assignments); err != nil {
		slog.Error("save trace", "task_id", t.ID, "error", err)
	}

	if err := s.store.SetTaskOutcome(ctx, t.ID, confidence, t.Error); err != nil {
		slog.Warn("record task confidence", "task_id", t.ID, "error", err)
	}

	slog.Info("task finalized", "task_id", t.ID, "status", t.Status,
		"confidence", confidence, "quality_met", qualityMet)
	return r, nil
}

// saveTrace concatenates per-assignment execution logs, redacts recognized
// PII/secret patterns and truncates at the size cap with an explicit flag.
func (s *AssemblerService) saveTrace(ctx context.Context, t *task.Task, assignments []task.Assignment) error {
	var b strings.Builder
	fmt.Fprintf(&b, "task %s (%s) terminal=%s\n", t.ID, t.Type, t.Status)
	for i := range assignments {
		a := &assignments[i]
		fmt.Fprintf(&b, "--- assignment %s agent=%s role=%s status=%s attempts=%d\n",
			a.ID, a.AgentID, a.Role, a.Status, a.Attempts)
		if a.Error != "" {
			fmt.Fprintf(&b, "error: %s\n", a.Error)
		}
		if a.Log != "" {
			b.WriteString(a.Log)
			if !strings.HasSuffix(a.Log, "\n") {
				b.WriteByte('\n')
			}
		}
	}

	const marker = "\n[trace truncated at size cap]"
	content := result.Redact(b.String())
	content, truncated := result.Truncate(content, result.TraceSizeCap-len(marker))
	if truncated {
		content += marker
	}

	tr := &result.Trace{
		ID:        uuid.NewString(),
		TaskID:    t.ID,
		Content:   content,
		SizeBytes: len(content),
		Truncated: truncated,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.SaveTrace(ctx, tr); err != nil && !errors.Is(err, domain.ErrConflict) {
		return err
	}
	return nil
}

// combineOutputs joins completed assignment outputs in assignment order.
func combineOutputs(assignments []task.Assignment) string {
	var parts []string
	for i := range assignments {
		if assignments[i].Status == task.StatusCompleted && assignments[i].Output != "" {
			parts = append(parts, assignments[i].Output)
		}
	}
	return strings.Join(parts, "\n\n")
}

// collectCitations gathers citation metadata reported by completed
// assignments, preserving assignment order.
func collectCitations(assignments []task.Assignment) []result.Citation {
	var cites []result.Citation
	for i := range assignments {
		if assignments[i].Status == task.StatusCompleted {
			cites = append(cites, assignments[i].Citations...)
		}
	}
	return cites
}
