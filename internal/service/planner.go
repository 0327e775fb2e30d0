package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/agent"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
	"github.com/taskmesh-io/taskmesh/internal/port/database"
)

// PlannerService selects and assigns a bounded set of cooperating workers
// to a task's subtasks by role-matching the task type.
type PlannerService struct {
	store database.Store
}

// NewPlannerService creates a PlannerService.
func NewPlannerService(store database.Store) *PlannerService {
	return &PlannerService{store: store}
}

// roleSlot is one position in a task-type's assignment template. The lead
// slot is filled first; repeatable slots absorb remaining agent budget.
type roleSlot struct {
	role       agent.Role
	subtask    string
	repeatable bool
}

// rolePlans maps task types to assignment templates. Unknown types fall
// back to a single generalist.
var rolePlans = map[string][]roleSlot{
	"breadth_first_research": {
		{role: agent.RoleLeadResearcher, subtask: "decompose the query and synthesize findings"},
		{role: agent.RoleSearcher, subtask: "search one facet of the query", repeatable: true},
	},
	"depth_first_research": {
		{role: agent.RoleLeadResearcher, subtask: "drive the investigation and synthesize"},
		{role: agent.RoleVerifier, subtask: "verify claims against sources", repeatable: true},
	},
	"code_generation": {
		{role: agent.RoleCoder, subtask: "implement the requested change"},
		{role: agent.RoleReviewer, subtask: "review the produced change", repeatable: true},
	},
}

var defaultPlan = []roleSlot{
	{role: agent.RoleGeneralist, subtask: "execute the query", repeatable: true},
}

// Plan chooses up to t.MaxAgents idle workers for the task. Assignments
// start pending. When multiple idle workers qualify for a role the
// tie-break is lowest recent load, then lowest agent id, so planning is
// deterministic.
//
// Returns domain.ErrNoCapacity when not even one worker can be assigned.
// Policy: the orchestrator fails the submission in that case — tasks are
// never queued waiting for capacity.
func (s *PlannerService) Plan(ctx context.Context, t *task.Task) ([]task.Assignment, error) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	idle := make([]agent.Agent, 0, len(agents))
	for i := range agents {
		if agents[i].Status == agent.StatusIdle {
			idle = append(idle, agents[i])
		}
	}
	sort.Slice(idle, func(i, j int) bool {
		if idle[i].RecentLoad != idle[j].RecentLoad {
			return idle[i].RecentLoad < idle[j].RecentLoad
		}
		return idle[i].ID < idle[j].ID
	})

	slots := rolePlans[t.Type]
	if slots == nil {
		slots = defaultPlan
	}

	taken := make(map[string]bool)
	var assignments []task.Assignment

	pick := func(role agent.Role) *agent.Agent {
		for i := range idle {
			if !taken[idle[i].ID] && idle[i].HasRole(role) {
				taken[idle[i].ID] = true
				return &idle[i]
			}
		}
		return nil
	}

	now := time.Now().UTC()
	add := func(ag *agent.Agent, slot roleSlot) {
		assignments = append(assignments, task.Assignment{
			ID:        uuid.NewString(),
			TaskID:    t.ID,
			AgentID:   ag.ID,
			Role:      string(slot.role),
			Subtask:   slot.subtask,
			Status:    task.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	// One pass over the template, then fill remaining budget from
	// repeatable slots.
	for _, slot := range slots {
		if len(assignments) >= t.MaxAgents {
			break
		}
		if ag := pick(slot.role); ag != nil {
			add(ag, slot)
		}
	}
	for _, slot := range slots {
		if !slot.repeatable {
			continue
		}
		for len(assignments) < t.MaxAgents {
			ag := pick(slot.role)
			if ag == nil {
				break
			}
			add(ag, slot)
		}
	}

	// Minimum viable assignment set is one agent, even below max_agents.
	if len(assignments) == 0 {
		return nil, fmt.Errorf("task %s type %s: %w", t.ID, t.Type, domain.ErrNoCapacity)
	}

	slog.Info("task planned", "task_id", t.ID, "task_type", t.Type,
		"assignments", len(assignments), "max_agents", t.MaxAgents)
	return assignments, nil
}
