// Package agent defines the worker pool domain entity.
package agent

import (
	"slices"
	"time"
)

// Status is the pool-level runtime availability of a worker. It is a
// separate enumeration from task.Status on purpose: availability values
// and task-progress values must never be conflated.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusBusy        Status = "busy"
	StatusError       Status = "error"
	StatusMaintenance Status = "maintenance"
)

// Role describes what kind of subtask a worker can take.
type Role string

const (
	RoleLeadResearcher Role = "lead_researcher"
	RoleSearcher       Role = "searcher"
	RoleVerifier       Role = "verifier"
	RoleCoder          Role = "coder"
	RoleReviewer       Role = "reviewer"
	RoleGeneralist     Role = "generalist"
)

// Agent is a pool worker descriptor, independent of any specific task.
type Agent struct {
	ID            string    `json:"agent_id"`
	Name          string    `json:"name"`
	Roles         []Role    `json:"roles"`
	Status        Status    `json:"status"`
	RecentLoad    int       `json:"recent_load"` // assignments handled in the current window
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// HasRole reports whether the worker can serve the given role.
// A generalist qualifies for any role.
func (a *Agent) HasRole(r Role) bool {
	return slices.Contains(a.Roles, r) || slices.Contains(a.Roles, RoleGeneralist)
}

// PoolStatus is the pool-level view served by GET /agents/status.
type PoolStatus struct {
	BusyAgents int     `json:"busy_agents"`
	Agents     []Agent `json:"agents"`
}
