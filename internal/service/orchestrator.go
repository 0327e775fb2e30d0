package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh-io/taskmesh/internal/adapter/otel"
	"github.com/taskmesh-io/taskmesh/internal/adapter/ws"
	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/agent"
	"github.com/taskmesh-io/taskmesh/internal/domain/result"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
	"github.com/taskmesh-io/taskmesh/internal/port/broadcast"
	"github.com/taskmesh-io/taskmesh/internal/port/cache"
	"github.com/taskmesh-io/taskmesh/internal/port/database"
	"github.com/taskmesh-io/taskmesh/internal/port/messagequeue"
)

// OrchestratorService owns the task lifecycle: admission, planning, detached
// execution, cancellation and snapshot reads. It is the single writer of
// task status.
type OrchestratorService struct {
	store      database.Store
	cache      cache.Cache
	queue      messagequeue.Queue
	hub        broadcast.Broadcaster
	tracker    *BudgetTracker
	planner    *PlannerService
	supervisor *SupervisorService
	assembler  *AssemblerService
	metrics    *otel.Metrics
	cfg        *config.Orchestrator

	// base is the parent of every task's execution context. Detached from
	// request contexts: a client disconnect must not cancel its task.
	base       context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	running map[string]*runningTask
	closed  bool
}

// runningTask tracks an in-flight execution for cancellation and shutdown.
type runningTask struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewOrchestratorService wires the orchestrator. cache, queue, hub and
// metrics may be nil (tests).
func NewOrchestratorService(
	store database.Store,
	c cache.Cache,
	queue messagequeue.Queue,
	hub broadcast.Broadcaster,
	tracker *BudgetTracker,
	planner *PlannerService,
	supervisor *SupervisorService,
	assembler *AssemblerService,
	metrics *otel.Metrics,
	cfg *config.Orchestrator,
) *OrchestratorService {
	base, cancelBase := context.WithCancel(context.Background())
	return &OrchestratorService{
		store:      store,
		cache:      c,
		queue:      queue,
		hub:        hub,
		tracker:    tracker,
		planner:    planner,
		supervisor: supervisor,
		assembler:  assembler,
		metrics:    metrics,
		cfg:        cfg,
		base:       base,
		cancelBase: cancelBase,
		running:    make(map[string]*runningTask),
	}
}

// Submit admits, plans and starts a task, returning as soon as execution is
// handed off. The returned task is pending; progress is observable through
// GetStatus.
func (s *OrchestratorService) Submit(ctx context.Context, tenantID string, req *task.SubmitRequest) (*task.Task, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("orchestrator draining: %w", domain.ErrNoCapacity)
	}
	s.mu.Unlock()

	lease, err := s.tracker.Admit(tenantID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &task.Task{
		ID:               uuid.NewString(),
		TenantID:         tenantID,
		Type:             req.Type,
		Query:            req.Query,
		MaxAgents:        req.MaxAgents,
		Budget:           req.Budget,
		QualityThreshold: req.QualityThreshold,
		Status:           task.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateTask(ctx, t); err != nil {
		lease.Release()
		return nil, fmt.Errorf("create task: %w", err)
	}
	lease.Bind(t.ID, req.Budget.CostLimit)

	assignments, err := s.planner.Plan(ctx, t)
	if err != nil {
		// Admission-time plan failure fails the submission synchronously.
		// The registry row is kept, flipped to failed, for audit.
		if terr := s.store.TransitionTask(ctx, t.ID, task.StatusPending, task.StatusFailed); terr != nil {
			slog.Error("fail unplannable task", "task_id", t.ID, "error", terr)
		}
		_ = s.store.SetTaskOutcome(ctx, t.ID, 0, err.Error())
		lease.Release()
		return nil, err
	}
	if err := s.store.CreateAssignments(ctx, assignments); err != nil {
		if terr := s.store.TransitionTask(ctx, t.ID, task.StatusPending, task.StatusFailed); terr != nil {
			slog.Error("fail task after assignment write", "task_id", t.ID, "error", terr)
		}
		lease.Release()
		return nil, fmt.Errorf("create assignments: %w", err)
	}

	runCtx, cancel := context.WithCancelCause(s.base)
	rt := &runningTask{cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.running[t.ID] = rt
	s.mu.Unlock()

	// Wall-clock watchdog. The cause distinguishes timeout from cancel.
	watchdog := time.AfterFunc(t.Budget.TimeLimitDuration(), func() {
		cancel(errWallClock)
	})

	// Accounting reclaim: on cancellation the tenant slot comes back within
	// the reclaim deadline even if the in-flight subtask is still unwinding.
	go func() {
		select {
		case <-rt.done:
		case <-runCtx.Done():
			reclaim := time.NewTimer(s.cfg.ReclaimDeadline)
			defer reclaim.Stop()
			select {
			case <-rt.done:
			case <-reclaim.C:
			}
			lease.Release()
		}
	}()

	s.metrics.TaskSubmitted(ctx, t.Type)
	s.publishTask(ctx, messagequeue.SubjectTaskSubmitted, t)
	slog.Info("task submitted", "task_id", t.ID, "tenant_id", tenantID,
		"task_type", t.Type, "assignments", len(assignments))

	go s.execute(runCtx, cancel, watchdog, lease, t, assignments)
	return t, nil
}

// execute drives one task to a terminal state. Runs detached from the
// submitting request.
func (s *OrchestratorService) execute(ctx context.Context, cancel context.CancelCauseFunc, watchdog *time.Timer, lease *Lease, t *task.Task, assignments []task.Assignment) {
	defer func() {
		watchdog.Stop()
		cancel(nil)
		lease.Release()
		s.mu.Lock()
		rt := s.running[t.ID]
		delete(s.running, t.ID)
		s.mu.Unlock()
		if rt != nil {
			close(rt.done)
		}
		s.invalidateSnapshot(t.ID)
	}()

	started := time.Now()
	ctx, span := otel.StartTaskSpan(ctx, t.ID, t.TenantID, t.Type)
	defer span.End()

	if err := s.store.TransitionTask(ctx, t.ID, task.StatusPending, task.StatusInProgress); err != nil {
		// Canceled between submit and start. Honor the stored terminal
		// state and finalize bookkeeping for it.
		if errors.Is(err, domain.ErrConflict) {
			s.finalizeAborted(ctx, t, assignments)
			return
		}
		slog.Error("start task", "task_id", t.ID, "error", err)
		return
	}
	t.Status = task.StatusInProgress
	s.invalidateSnapshot(t.ID)
	s.publishTask(ctx, messagequeue.SubjectTaskStatus, t)

	final := s.supervisor.Run(ctx, cancel, t, assignments)
	watchdog.Stop()

	if err := s.store.TransitionTask(context.WithoutCancel(ctx), t.ID, task.StatusInProgress, final); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.Error("finish task", "task_id", t.ID, "to", final, "error", err)
			return
		}
		// Lost the race with Cancel; the stored status wins.
		stored, gerr := s.store.GetTask(context.WithoutCancel(ctx), t.ID)
		if gerr != nil {
			slog.Error("reload task after transition conflict", "task_id", t.ID, "error", gerr)
			return
		}
		final = stored.Status
	}
	t.Status = final
	t.Error = terminalError(ctx, final)
	s.invalidateSnapshot(t.ID)

	s.finalize(context.WithoutCancel(ctx), t, started)
}

// finalizeAborted handles a task that went terminal before execution began:
// assignments are canceled in place and the result is still assembled.
func (s *OrchestratorService) finalizeAborted(ctx context.Context, t *task.Task, assignments []task.Assignment) {
	stored, err := s.store.GetTask(context.WithoutCancel(ctx), t.ID)
	if err != nil || !stored.Status.IsTerminal() {
		slog.Error("task in unexpected state before start", "task_id", t.ID, "error", err)
		return
	}
	t.Status = stored.Status
	s.invalidateSnapshot(t.ID)
	for i := range assignments {
		a := &assignments[i]
		now := time.Now().UTC()
		a.Status = stored.Status
		a.CompletedAt = &now
		a.UpdatedAt = now
		if uerr := s.store.UpdateAssignment(context.WithoutCancel(ctx), a); uerr != nil {
			slog.Warn("cancel pending assignment", "assignment_id", a.ID, "error", uerr)
		}
	}
	s.finalize(context.WithoutCancel(ctx), t, time.Now())
}

// finalize assembles the result and trace and emits terminal events.
func (s *OrchestratorService) finalize(ctx context.Context, t *task.Task, started time.Time) {
	final, err := s.store.ListAssignments(ctx, t.ID)
	if err != nil {
		slog.Error("list assignments for finalize", "task_id", t.ID, "error", err)
		final = nil
	}
	if usage, ok := s.tracker.Usage(t.ID); ok {
		t.Cost = usage
	}
	if _, err := s.assembler.Finalize(ctx, t, final); err != nil {
		slog.Error("finalize task", "task_id", t.ID, "error", err)
	}

	retries := 0
	for i := range final {
		if final[i].Attempts > 1 {
			retries += final[i].Attempts - 1
		}
	}
	s.metrics.TaskFinished(ctx, string(t.Status), time.Since(started), t.Cost.CostUSD)
	s.metrics.AssignmentRetries(ctx, retries)

	s.publishTask(ctx, messagequeue.SubjectTaskStatus, t)
	s.publishTask(ctx, messagequeue.SubjectTaskFinalized, t)
	slog.Info("task terminal", "task_id", t.ID, "status", t.Status,
		"elapsed", time.Since(started).Round(time.Millisecond), "cost_usd", t.Cost.CostUSD)
}

// terminalError renders the human-readable reason stored on non-completed
// terminal tasks.
func terminalError(ctx context.Context, final task.Status) string {
	switch final {
	case task.StatusTimeout:
		return "wall-clock budget elapsed"
	case task.StatusCanceled:
		return "canceled by client"
	case task.StatusFailed:
		if errors.Is(context.Cause(ctx), domain.ErrBudgetExceeded) {
			return "cost budget exceeded"
		}
		return "assignments failed"
	}
	return ""
}

// GetStatus returns a point-in-time snapshot of the task and its
// assignments. Snapshots are cached briefly so polling clients do not
// contend with registry writes.
func (s *OrchestratorService) GetStatus(ctx context.Context, taskID string) (*task.StatusSnapshot, error) {
	key := snapshotKey(taskID)
	if s.cache != nil {
		if data, ok, _ := s.cache.Get(ctx, key); ok {
			var snap task.StatusSnapshot
			if err := json.Unmarshal(data, &snap); err == nil {
				return &snap, nil
			}
		}
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	assignments, err := s.store.ListAssignments(ctx, taskID)
	if err != nil {
		return nil, err
	}

	cost := t.Cost
	if usage, ok := s.tracker.Usage(taskID); ok {
		cost = usage
	}
	snap := &task.StatusSnapshot{
		TaskID:      t.ID,
		Status:      t.Status,
		Progress:    t.Progress,
		Confidence:  t.Confidence,
		Cost:        cost,
		Error:       t.Error,
		Assignments: assignments,
	}

	if s.cache != nil {
		// A concurrent reader may have cached a fresher snapshot between
		// our miss and now. Never overwrite forward progress.
		if data, ok, _ := s.cache.Get(ctx, key); ok {
			var cached task.StatusSnapshot
			if err := json.Unmarshal(data, &cached); err == nil && !snap.Supersedes(&cached) {
				return snap, nil
			}
		}
		if data, merr := json.Marshal(snap); merr == nil {
			_ = s.cache.Set(ctx, key, data, 0) // adapter applies its configured TTL
		}
	}
	return snap, nil
}

// GetResult returns the assembled result of a completed task.
func (s *OrchestratorService) GetResult(ctx context.Context, taskID string) (*result.Result, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusCompleted {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrNotReady)
	}
	return s.store.GetResult(ctx, taskID)
}

// GetTrace returns the execution trace, available once the task is terminal
// and the trace has been assembled.
func (s *OrchestratorService) GetTrace(ctx context.Context, taskID string) (*result.Trace, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.IsTerminal() {
		return nil, fmt.Errorf("task %s is %s: %w", taskID, t.Status, domain.ErrNotReady)
	}
	tr, err := s.store.GetTrace(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("trace for task %s not assembled yet: %w", taskID, domain.ErrNotReady)
	}
	return tr, err
}

// Cancel requests cooperative cancellation. Idempotent: a terminal task is
// returned as-is with no error. The registry flip happens here, immediately;
// in-flight assignments observe the signal at their next step boundary.
func (s *OrchestratorService) Cancel(ctx context.Context, taskID string) (*task.Task, error) {
	for {
		t, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status.IsTerminal() {
			return t, nil
		}
		err = s.store.TransitionTask(ctx, taskID, t.Status, task.StatusCanceled)
		if errors.Is(err, domain.ErrConflict) {
			continue // raced a concurrent transition, re-read
		}
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		rt := s.running[taskID]
		s.mu.Unlock()
		if rt != nil {
			rt.cancel(context.Canceled)
		}
		s.invalidateSnapshot(taskID)

		t.Status = task.StatusCanceled
		t.Error = "canceled by client"
		s.publishTask(ctx, messagequeue.SubjectTaskStatus, t)
		slog.Info("task canceled", "task_id", taskID)
		return t, nil
	}
}

// RegisterAgent adds or updates a pool worker.
func (s *OrchestratorService) RegisterAgent(ctx context.Context, a *agent.Agent) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
		a.CreatedAt = now
	}
	if a.Status == "" {
		a.Status = agent.StatusIdle
	}
	a.LastHeartbeat = now
	a.UpdatedAt = now
	if err := s.store.UpsertAgent(ctx, a); err != nil {
		return fmt.Errorf("upsert agent: %w", err)
	}
	s.publishAgent(ctx, a)
	return nil
}

// PoolStatus reports pool-level worker availability.
func (s *OrchestratorService) PoolStatus(ctx context.Context) (*agent.PoolStatus, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	busy := 0
	for i := range agents {
		if agents[i].Status == agent.StatusBusy {
			busy++
		}
	}
	return &agent.PoolStatus{BusyAgents: busy, Agents: agents}, nil
}

// Shutdown stops admitting tasks and waits for running tasks to finish.
// When ctx expires the survivors are canceled and waited for briefly.
func (s *OrchestratorService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	waiting := make([]*runningTask, 0, len(s.running))
	for _, rt := range s.running {
		waiting = append(waiting, rt)
	}
	s.mu.Unlock()

	for _, rt := range waiting {
		select {
		case <-rt.done:
		case <-ctx.Done():
			for _, r := range waiting {
				r.cancel(context.Canceled)
			}
			s.cancelBase()
			return ctx.Err()
		}
	}
	s.cancelBase()
	return nil
}

func snapshotKey(taskID string) string { return "snapshot:" + taskID }

func (s *OrchestratorService) invalidateSnapshot(taskID string) {
	if s.cache != nil {
		_ = s.cache.Delete(context.Background(), snapshotKey(taskID))
	}
}

func (s *OrchestratorService) publishTask(ctx context.Context, subject string, t *task.Task) {
	payload := messagequeue.TaskStatusPayload{
		TaskID:   t.ID,
		TenantID: t.TenantID,
		Type:     t.Type,
		Status:   string(t.Status),
		Progress: t.Progress,
		CostUSD:  t.Cost.CostUSD,
	}
	if s.queue != nil {
		if data, err := json.Marshal(payload); err == nil {
			if perr := s.queue.Publish(context.WithoutCancel(ctx), subject, data); perr != nil {
				slog.Debug("publish task event", "subject", subject, "error", perr)
			}
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(context.WithoutCancel(ctx), ws.EventTaskStatus, payload)
	}
}

func (s *OrchestratorService) publishAgent(ctx context.Context, a *agent.Agent) {
	payload := messagequeue.AgentStatusPayload{AgentID: a.ID, Status: string(a.Status)}
	if s.queue != nil {
		if data, err := json.Marshal(payload); err == nil {
			if perr := s.queue.Publish(context.WithoutCancel(ctx), messagequeue.SubjectAgentStatus, data); perr != nil {
				slog.Debug("publish agent event", "error", perr)
			}
		}
	}
	if s.hub != nil {
		s.hub.BroadcastEvent(context.WithoutCancel(ctx), ws.EventAgentStatus, payload)
	}
}
