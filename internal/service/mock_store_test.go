package service_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/agent"
	"github.com/taskmesh-io/taskmesh/internal/domain/result"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
)

// mockStore is an in-memory registry implementing database.Store with the
// same guarded-transition semantics as the postgres adapter.
type mockStore struct {
	mu          sync.Mutex
	tasks       map[string]*task.Task
	assignments map[string]*task.Assignment
	agents      map[string]*agent.Agent
	results     map[string]*result.Result
	traces      map[string]*result.Trace

	// transitions records every task status flip for sequence assertions.
	transitions map[string][]task.Status
}

func newMockStore() *mockStore {
	return &mockStore{
		tasks:       make(map[string]*task.Task),
		assignments: make(map[string]*task.Assignment),
		agents:      make(map[string]*agent.Agent),
		results:     make(map[string]*result.Result),
		traces:      make(map[string]*result.Trace),
		transitions: make(map[string][]task.Status),
	}
}

func (m *mockStore) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tasks[t.ID] = &cp
	m.transitions[t.ID] = append(m.transitions[t.ID], t.Status)
	return nil
}

func (m *mockStore) GetTask(_ context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *mockStore) TransitionTask(_ context.Context, id string, from, to task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("transition task %s: %w", id, domain.ErrNotFound)
	}
	if t.Status != from {
		return fmt.Errorf("transition task %s from %s: %w", id, from, domain.ErrConflict)
	}
	t.Status = to
	now := time.Now().UTC()
	t.UpdatedAt = now
	if to == task.StatusInProgress {
		t.StartedAt = &now
	}
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	m.transitions[id] = append(m.transitions[id], to)
	return nil
}

func (m *mockStore) UpdateTaskProgress(_ context.Context, id string, progress float64, cost task.CostBreakdown) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Progress = progress
	t.Cost = cost
	return nil
}

func (m *mockStore) SetTaskOutcome(_ context.Context, id string, confidence float64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Confidence = confidence
	t.Error = errMsg
	return nil
}

func (m *mockStore) CreateAssignments(_ context.Context, as []task.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range as {
		cp := as[i]
		m.assignments[cp.ID] = &cp
	}
	return nil
}

func (m *mockStore) ListAssignments(_ context.Context, taskID string) ([]task.Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Assignment
	for _, a := range m.assignments {
		if a.TaskID == taskID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *mockStore) UpdateAssignment(_ context.Context, a *task.Assignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assignments[a.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *a
	m.assignments[a.ID] = &cp
	return nil
}

func (m *mockStore) ListAgents(_ context.Context) ([]agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []agent.Agent
	for _, a := range m.agents {
		out = append(out, *a)
	}
	return out, nil
}

func (m *mockStore) GetAgent(_ context.Context, id string) (*agent.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, fmt.Errorf("get agent %s: %w", id, domain.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (m *mockStore) UpsertAgent(_ context.Context, a *agent.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.agents[a.ID] = &cp
	return nil
}

func (m *mockStore) UpdateAgentStatus(_ context.Context, id string, status agent.Status, loadDelta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return domain.ErrNotFound
	}
	a.Status = status
	a.RecentLoad += loadDelta
	return nil
}

func (m *mockStore) SaveResult(_ context.Context, r *result.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.results[r.TaskID]; ok {
		return fmt.Errorf("result for task %s exists: %w", r.TaskID, domain.ErrConflict)
	}
	cp := *r
	m.results[r.TaskID] = &cp
	return nil
}

func (m *mockStore) GetResult(_ context.Context, taskID string) (*result.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.results[taskID]
	if !ok {
		return nil, fmt.Errorf("result for task %s: %w", taskID, domain.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *mockStore) SaveTrace(_ context.Context, tr *result.Trace) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.traces[tr.TaskID]; ok {
		return fmt.Errorf("trace for task %s exists: %w", tr.TaskID, domain.ErrConflict)
	}
	cp := *tr
	m.traces[tr.TaskID] = &cp
	return nil
}

func (m *mockStore) GetTrace(_ context.Context, taskID string) (*result.Trace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.traces[taskID]
	if !ok {
		return nil, fmt.Errorf("trace for task %s: %w", taskID, domain.ErrNotFound)
	}
	cp := *tr
	return &cp, nil
}

func (m *mockStore) DeleteTracesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, tr := range m.traces {
		if tr.CreatedAt.Before(cutoff) {
			delete(m.traces, id)
			n++
		}
	}
	return n, nil
}

// taskTransitions returns the recorded status sequence for a task.
func (m *mockStore) taskTransitions(id string) []task.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]task.Status, len(m.transitions[id]))
	copy(out, m.transitions[id])
	return out
}

// addIdleAgent seeds a pool worker.
func (m *mockStore) addIdleAgent(id string, load int, roles ...agent.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(roles) == 0 {
		roles = []agent.Role{agent.RoleGeneralist}
	}
	m.agents[id] = &agent.Agent{
		ID:         id,
		Name:       id,
		Roles:      roles,
		Status:     agent.StatusIdle,
		RecentLoad: load,
	}
}
