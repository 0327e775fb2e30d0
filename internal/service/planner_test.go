package service_test

import (
	"context"
	"errors"
	"testing"

	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/agent"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
	"github.com/taskmesh-io/taskmesh/internal/service"
)

func researchTask(maxAgents int) *task.Task {
	return &task.Task{
		ID:        "task-1",
		TenantID:  "tenant-x",
		Type:      "breadth_first_research",
		Query:     "q",
		MaxAgents: maxAgents,
		Status:    task.StatusPending,
	}
}

func TestPlannerRoleMatching(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("a-lead", 0, agent.RoleLeadResearcher)
	store.addIdleAgent("a-search-1", 0, agent.RoleSearcher)
	store.addIdleAgent("a-search-2", 0, agent.RoleSearcher)
	planner := service.NewPlannerService(store)

	as, err := planner.Plan(context.Background(), researchTask(3))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(as) != 3 {
		t.Fatalf("got %d assignments, want 3", len(as))
	}
	if as[0].Role != string(agent.RoleLeadResearcher) || as[0].AgentID != "a-lead" {
		t.Errorf("first assignment = %s/%s, want lead_researcher/a-lead", as[0].Role, as[0].AgentID)
	}
	for _, a := range as {
		if a.Status != task.StatusPending {
			t.Errorf("assignment %s starts %s, want pending", a.ID, a.Status)
		}
		if a.TaskID != "task-1" {
			t.Errorf("assignment %s task = %s", a.ID, a.TaskID)
		}
	}
}

func TestPlannerCapsAtMaxAgents(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("a-lead", 0, agent.RoleLeadResearcher)
	for _, id := range []string{"s1", "s2", "s3", "s4", "s5", "s6"} {
		store.addIdleAgent(id, 0, agent.RoleSearcher)
	}
	planner := service.NewPlannerService(store)

	as, err := planner.Plan(context.Background(), researchTask(5))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(as) != 5 {
		t.Fatalf("got %d assignments, want max_agents cap of 5", len(as))
	}
}

func TestPlannerTieBreakDeterministic(t *testing.T) {
	store := newMockStore()
	// b has lower load than a; among equal loads, lowest id wins.
	store.addIdleAgent("worker-c", 1, agent.RoleGeneralist)
	store.addIdleAgent("worker-a", 2, agent.RoleGeneralist)
	store.addIdleAgent("worker-b", 1, agent.RoleGeneralist)
	planner := service.NewPlannerService(store)

	tk := researchTask(3)
	tk.Type = "unknown_type" // falls back to generalist plan

	as, err := planner.Plan(context.Background(), tk)
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []string{"worker-b", "worker-c", "worker-a"}
	for i, a := range as {
		if a.AgentID != want[i] {
			t.Errorf("pick %d = %s, want %s", i, a.AgentID, want[i])
		}
	}
}

func TestPlannerNoCapacity(t *testing.T) {
	store := newMockStore()
	// One busy worker, nothing idle.
	store.addIdleAgent("w1", 0, agent.RoleSearcher)
	_ = store.UpdateAgentStatus(context.Background(), "w1", agent.StatusBusy, 0)
	planner := service.NewPlannerService(store)

	_, err := planner.Plan(context.Background(), researchTask(3))
	if !errors.Is(err, domain.ErrNoCapacity) {
		t.Fatalf("want ErrNoCapacity, got %v", err)
	}
}

func TestPlannerPartialAssignmentBelowMax(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("a-lead", 0, agent.RoleLeadResearcher)
	planner := service.NewPlannerService(store)

	// One qualified worker is the minimum viable set.
	as, err := planner.Plan(context.Background(), researchTask(3))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(as) != 1 {
		t.Fatalf("got %d assignments, want 1", len(as))
	}
}

func TestPlannerGeneralistQualifiesForAnyRole(t *testing.T) {
	store := newMockStore()
	store.addIdleAgent("g1", 0, agent.RoleGeneralist)
	store.addIdleAgent("g2", 0, agent.RoleGeneralist)
	planner := service.NewPlannerService(store)

	as, err := planner.Plan(context.Background(), researchTask(2))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(as) != 2 {
		t.Fatalf("got %d assignments, want 2", len(as))
	}
}
