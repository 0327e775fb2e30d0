package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taskmesh-io/taskmesh/internal/adapter/otel"
	"github.com/taskmesh-io/taskmesh/internal/adapter/ws"
	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/agent"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
	"github.com/taskmesh-io/taskmesh/internal/port/broadcast"
	"github.com/taskmesh-io/taskmesh/internal/port/database"
	"github.com/taskmesh-io/taskmesh/internal/port/executor"
	"github.com/taskmesh-io/taskmesh/internal/port/messagequeue"
	"github.com/taskmesh-io/taskmesh/internal/resilience"
)

// errWallClock is the cancellation cause set by the orchestrator's
// wall-clock watchdog. It maps to the timeout terminal state.
var errWallClock = errors.New("wall-clock budget elapsed")

// SupervisorService drives assignments from pending to terminal, detects
// worker failure and recovers by retrying with backoff or migrating to a
// different idle worker.
type SupervisorService struct {
	store    database.Store
	exec     executor.Executor
	tracker  *BudgetTracker
	queue    messagequeue.Queue
	hub      broadcast.Broadcaster
	breakers *resilience.Group
	cfg      *config.Supervisor

	// sleep is time.Sleep with context support; injectable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewSupervisorService creates a SupervisorService. queue and hub may be
// nil when event emission is not wired (tests).
func NewSupervisorService(
	store database.Store,
	exec executor.Executor,
	tracker *BudgetTracker,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	breakers *resilience.Group,
	cfg *config.Supervisor,
) *SupervisorService {
	return &SupervisorService{
		store:    store,
		exec:     exec,
		tracker:  tracker,
		queue:    queue,
		hub:      hub,
		breakers: breakers,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

// SetSleep overrides the backoff sleeper. Test hook.
func (s *SupervisorService) SetSleep(fn func(ctx context.Context, d time.Duration) error) {
	s.sleep = fn
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// progressBoard tracks per-assignment completion fractions. Fractions
// never regress; the overall value is the mean across all assignments.
type progressBoard struct {
	mu        sync.Mutex
	fractions map[string]float64
	total     int
}

func newProgressBoard(assignments []task.Assignment) *progressBoard {
	return &progressBoard{
		fractions: make(map[string]float64, len(assignments)),
		total:     len(assignments),
	}
}

func (b *progressBoard) set(assignmentID string, fraction float64) {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	b.mu.Lock()
	if fraction > b.fractions[assignmentID] {
		b.fractions[assignmentID] = fraction
	}
	b.mu.Unlock()
}

func (b *progressBoard) overall() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.total == 0 {
		return 0
	}
	var sum float64
	for _, f := range b.fractions {
		sum += f
	}
	return sum / float64(b.total)
}

// Run executes all assignments of a task concurrently and returns the
// derived task status. cancel is invoked with domain.ErrBudgetExceeded when
// accrued cost crosses the task's limit, stopping sibling assignments.
func (s *SupervisorService) Run(ctx context.Context, cancel context.CancelCauseFunc, t *task.Task, assignments []task.Assignment) task.Status {
	g, gctx := errgroup.WithContext(ctx)
	board := newProgressBoard(assignments)

	for i := range assignments {
		a := assignments[i]
		g.Go(func() error {
			s.runAssignment(gctx, cancel, t, &a, board)
			board.set(a.ID, 1)
			s.recordProgress(t, board)
			return nil
		})
	}
	_ = g.Wait()

	final, err := s.store.ListAssignments(context.WithoutCancel(ctx), t.ID)
	if err != nil {
		slog.Error("list assignments after run", "task_id", t.ID, "error", err)
		final = assignments
	}
	return deriveTaskStatus(ctx, final, t.QualityThreshold)
}

// recordProgress persists the board's overall fraction with current usage.
func (s *SupervisorService) recordProgress(t *task.Task, board *progressBoard) {
	usage, _ := s.tracker.Usage(t.ID)
	if err := s.store.UpdateTaskProgress(context.Background(), t.ID, board.overall(), usage); err != nil {
		slog.Warn("update task progress", "task_id", t.ID, "error", err)
	}
}

// runAssignment drives one assignment to a terminal state, retrying per
// the backoff schedule and migrating off unresponsive workers.
func (s *SupervisorService) runAssignment(ctx context.Context, cancel context.CancelCauseFunc, t *task.Task, a *task.Assignment, board *progressBoard) {
	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			s.finishAssignment(ctx, a, statusForCause(ctx), "", nil)
			return
		}

		a.Attempts = attempt + 1
		s.markAssignmentRunning(ctx, a)

		outcome, err := s.executeWithGrace(ctx, t, a, board)

		switch {
		case err == nil:
			_ = s.store.UpdateAgentStatus(context.WithoutCancel(ctx), a.AgentID, agent.StatusIdle, 0)
			if s.tracker.Charge(t.ID, outcome.TokensIn, outcome.TokensOut, outcome.CostUSD) {
				cancel(domain.ErrBudgetExceeded)
			}
			s.finishAssignment(ctx, a, task.StatusCompleted, "", outcome)
			return

		case ctx.Err() != nil:
			_ = s.store.UpdateAgentStatus(context.WithoutCancel(ctx), a.AgentID, agent.StatusIdle, 0)
			s.finishAssignment(ctx, a, statusForCause(ctx), "", nil)
			return

		default:
			// Worker failure. Mark the worker errored, pick a
			// recovery target now (within the recovery window),
			// then back off before the retry dispatch.
			_ = s.store.UpdateAgentStatus(context.WithoutCancel(ctx), a.AgentID, agent.StatusError, 0)
			slog.Warn("assignment attempt failed",
				"task_id", t.ID, "assignment_id", a.ID, "agent_id", a.AgentID,
				"attempt", a.Attempts, "error", err)

			if attempt >= len(s.cfg.RetryBackoff) {
				s.finishAssignment(ctx, a, task.StatusFailed, err.Error(), nil)
				return
			}

			s.migrate(ctx, a)
			s.publishAssignment(ctx, messagequeue.SubjectAssignmentRetry, a)

			if serr := s.sleep(ctx, s.cfg.RetryBackoff[attempt]); serr != nil {
				s.finishAssignment(ctx, a, statusForCause(ctx), "", nil)
				return
			}
		}
	}
}

// executeWithGrace runs the subtask behind the worker's circuit breaker.
// Mid-flight progress reports from the worker land on the board and are
// persisted immediately. On cancellation it allows the in-flight execution
// a grace period to unwind before abandoning it; registry bookkeeping never
// waits longer.
func (s *SupervisorService) executeWithGrace(ctx context.Context, t *task.Task, a *task.Assignment, board *progressBoard) (*executor.Outcome, error) {
	type execResult struct {
		out *executor.Outcome
		err error
	}
	ch := make(chan execResult, 1)

	execCtx, span := otel.StartAssignmentSpan(ctx, a.ID, a.AgentID, a.Role)
	defer span.End()

	go func() {
		var out *executor.Outcome
		err := s.breakers.For(a.AgentID).Execute(func() error {
			var execErr error
			out, execErr = s.exec.Execute(execCtx, executor.Request{
				TaskID:       t.ID,
				AssignmentID: a.ID,
				AgentID:      a.AgentID,
				Role:         a.Role,
				Subtask:      a.Subtask,
				Query:        t.Query,
				Progress: func(fraction float64, note string) {
					board.set(a.ID, fraction)
					s.recordProgress(t, board)
					if note != "" {
						slog.Debug("assignment progress",
							"assignment_id", a.ID, "fraction", fraction, "note", note)
					}
				},
			})
			return execErr
		})
		ch <- execResult{out: out, err: err}
	}()

	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		grace := time.NewTimer(s.cfg.GracePeriod)
		defer grace.Stop()
		select {
		case r := <-ch:
			return r.out, r.err
		case <-grace.C:
			slog.Warn("subtask did not unwind within grace period, abandoning",
				"assignment_id", a.ID, "agent_id", a.AgentID)
			return nil, context.Cause(ctx)
		}
	}
}

// migrate reassigns the assignment to a different idle worker with the
// same role, if one exists. Tie-break matches the planner: lowest recent
// load, then lowest id.
func (s *SupervisorService) migrate(ctx context.Context, a *task.Assignment) {
	agents, err := s.store.ListAgents(context.WithoutCancel(ctx))
	if err != nil {
		return
	}
	var best *agent.Agent
	for i := range agents {
		ag := &agents[i]
		if ag.ID == a.AgentID || ag.Status != agent.StatusIdle || !ag.HasRole(agent.Role(a.Role)) {
			continue
		}
		if best == nil || ag.RecentLoad < best.RecentLoad ||
			(ag.RecentLoad == best.RecentLoad && ag.ID < best.ID) {
			best = ag
		}
	}
	if best == nil {
		return // retry on the same worker
	}
	slog.Info("assignment migrated", "assignment_id", a.ID, "from", a.AgentID, "to", best.ID)
	a.AgentID = best.ID
	if err := s.store.UpdateAssignment(context.WithoutCancel(ctx), a); err != nil {
		slog.Warn("persist migration", "assignment_id", a.ID, "error", err)
	}
}

func (s *SupervisorService) markAssignmentRunning(ctx context.Context, a *task.Assignment) {
	now := time.Now().UTC()
	a.Status = task.StatusInProgress
	if a.StartedAt == nil {
		a.StartedAt = &now
	}
	a.UpdatedAt = now
	if err := s.store.UpdateAssignment(context.WithoutCancel(ctx), a); err != nil {
		slog.Warn("mark assignment running", "assignment_id", a.ID, "error", err)
	}
	_ = s.store.UpdateAgentStatus(context.WithoutCancel(ctx), a.AgentID, agent.StatusBusy, 1)
	s.publishAssignment(ctx, messagequeue.SubjectAssignmentStatus, a)
}

// finishAssignment records the terminal state and outcome of one assignment.
func (s *SupervisorService) finishAssignment(ctx context.Context, a *task.Assignment, status task.Status, errMsg string, out *executor.Outcome) {
	now := time.Now().UTC()
	a.Status = status
	a.Error = errMsg
	a.CompletedAt = &now
	a.UpdatedAt = now
	if out != nil {
		a.Output = out.Output
		a.Log = out.Log
		a.QualityScore = out.QualityScore
		a.Citations = out.Citations
		a.Cost = task.CostBreakdown{TokensIn: out.TokensIn, TokensOut: out.TokensOut, CostUSD: out.CostUSD}
	}
	if err := s.store.UpdateAssignment(context.WithoutCancel(ctx), a); err != nil {
		slog.Error("finish assignment", "assignment_id", a.ID, "error", err)
	}
	s.publishAssignment(ctx, messagequeue.SubjectAssignmentStatus, a)
}

func (s *SupervisorService) publishAssignment(ctx context.Context, subject string, a *task.Assignment) {
	payload := messagequeue.AssignmentStatusPayload{
		AssignmentID: a.ID,
		TaskID:       a.TaskID,
		AgentID:      a.AgentID,
		Role:         a.Role,
		Status:       string(a.Status),
		Attempt:      a.Attempts,
	}
	if s.queue != nil {
		data, err := json.Marshal(payload)
		if err == nil {
			if perr := s.queue.Publish(context.WithoutCancel(ctx), subject, data); perr != nil {
				slog.Debug("publish assignment event", "subject", subject, "error", perr)
			}
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(context.WithoutCancel(ctx), ws.EventAssignmentStatus, payload)
	}
}

// statusForCause maps a cancellation cause onto the terminal state the
// task owner chose: watchdog expiry is timeout, budget exhaustion is
// failed, anything else is an explicit cancel.
func statusForCause(ctx context.Context) task.Status {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errWallClock):
		return task.StatusTimeout
	case errors.Is(cause, domain.ErrBudgetExceeded):
		return task.StatusFailed
	default:
		return task.StatusCanceled
	}
}

// deriveTaskStatus resolves the task's terminal state from its assignment
// outcomes. All completed means completed. Partial completion counts as
// success only when the weighted quality aggregate clears the task's
// explicit quality threshold; it is never automatic.
func deriveTaskStatus(ctx context.Context, assignments []task.Assignment, threshold float64) task.Status {
	if ctx.Err() != nil {
		return statusForCause(ctx)
	}
	completed := 0
	for i := range assignments {
		if assignments[i].Status == task.StatusCompleted {
			completed++
		}
	}
	if completed == len(assignments) && completed > 0 {
		return task.StatusCompleted
	}
	if completed > 0 && threshold > 0 && weightedConfidence(assignments) >= threshold {
		return task.StatusCompleted
	}
	return task.StatusFailed
}

// weightedConfidence aggregates per-assignment quality scores, weighting
// each completed assignment by the tokens it consumed. Assignments that
// consumed nothing weigh one token so a completed zero-cost assignment
// still counts.
func weightedConfidence(assignments []task.Assignment) float64 {
	var sum, weights float64
	for i := range assignments {
		a := &assignments[i]
		if a.Status != task.StatusCompleted {
			continue
		}
		w := float64(a.Cost.TokensIn + a.Cost.TokensOut)
		if w <= 0 {
			w = 1
		}
		sum += a.QualityScore * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return sum / weights
}
