package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/taskmesh-io/taskmesh/internal/domain"
	"github.com/taskmesh-io/taskmesh/internal/domain/agent"
	"github.com/taskmesh-io/taskmesh/internal/domain/result"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
)

// Store implements database.Store using PostgreSQL. Status flips are
// guarded compare-and-swap updates so terminal states stay immutable under
// concurrent writers.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tasks (id, tenant_id, task_type, query, max_agents, time_limit, cost_limit,
		                    quality_threshold, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.TenantID, t.Type, t.Query, t.MaxAgents, t.Budget.TimeLimit, t.Budget.CostLimit,
		t.QualityThreshold, string(t.Status), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, task_type, query, max_agents, time_limit, cost_limit, quality_threshold,
		        status, progress, confidence, tokens_in, tokens_out, cost_usd, error, version,
		        started_at, completed_at, created_at, updated_at
		 FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) TransitionTask(ctx context.Context, id string, from, to task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $3, version = version + 1, updated_at = now(),
		        started_at = CASE WHEN $3 = 'in_progress' THEN now() ELSE started_at END,
		        completed_at = CASE WHEN $3 IN ('completed', 'failed', 'canceled', 'timeout') THEN now() ELSE completed_at END
		 WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("transition task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if qerr := s.pool.QueryRow(ctx, `SELECT true FROM tasks WHERE id = $1`, id).Scan(&exists); qerr != nil {
			if errors.Is(qerr, pgx.ErrNoRows) {
				return fmt.Errorf("transition task %s: %w", id, domain.ErrNotFound)
			}
			return fmt.Errorf("transition task %s: %w", id, qerr)
		}
		return fmt.Errorf("transition task %s from %s: %w", id, from, domain.ErrConflict)
	}
	return nil
}

func (s *Store) UpdateTaskProgress(ctx context.Context, id string, progress float64, cost task.CostBreakdown) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET progress = $2, tokens_in = $3, tokens_out = $4, cost_usd = $5, updated_at = now()
		 WHERE id = $1`,
		id, progress, cost.TokensIn, cost.TokensOut, cost.CostUSD)
	if err != nil {
		return fmt.Errorf("update task progress %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update task progress %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func (s *Store) SetTaskOutcome(ctx context.Context, id string, confidence float64, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET confidence = $2, error = $3, updated_at = now() WHERE id = $1`,
		id, confidence, errMsg)
	if err != nil {
		return fmt.Errorf("set task outcome %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set task outcome %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// --- Assignments ---

func (s *Store) CreateAssignments(ctx context.Context, as []task.Assignment) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	for i := range as {
		a := &as[i]
		citations, merr := marshalCitations(a.Citations)
		if merr != nil {
			return merr
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO assignments (id, task_id, agent_id, role, subtask, status, attempts, citations, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			a.ID, a.TaskID, a.AgentID, a.Role, a.Subtask, string(a.Status), a.Attempts, citations, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert assignment %d: %w", i, err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) ListAssignments(ctx context.Context, taskID string) ([]task.Assignment, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id, agent_id, role, subtask, status, attempts, output, log, citations,
		        quality_score, tokens_in, tokens_out, cost_usd, error, started_at, completed_at, created_at, updated_at
		 FROM assignments WHERE task_id = $1 ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var assignments []task.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func (s *Store) UpdateAssignment(ctx context.Context, a *task.Assignment) error {
	citations, err := marshalCitations(a.Citations)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE assignments SET agent_id = $2, status = $3, attempts = $4, output = $5, log = $6,
		        citations = $7, quality_score = $8, tokens_in = $9, tokens_out = $10, cost_usd = $11,
		        error = $12, started_at = $13, completed_at = $14, updated_at = $15
		 WHERE id = $1`,
		a.ID, a.AgentID, string(a.Status), a.Attempts, a.Output, a.Log,
		citations, a.QualityScore, a.Cost.TokensIn, a.Cost.TokensOut, a.Cost.CostUSD,
		a.Error, a.StartedAt, a.CompletedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update assignment %s: %w", a.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update assignment %s: %w", a.ID, domain.ErrNotFound)
	}
	return nil
}

// --- Agent pool ---

func (s *Store) ListAgents(ctx context.Context) ([]agent.Agent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, roles, status, recent_load, last_heartbeat, version, created_at, updated_at
		 FROM agents ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []agent.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *Store) GetAgent(ctx context.Context, id string) (*agent.Agent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, roles, status, recent_load, last_heartbeat, version, created_at, updated_at
		 FROM agents WHERE id = $1`, id)

	a, err := scanAgent(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent %s", id)
	}
	return &a, nil
}

func (s *Store) UpsertAgent(ctx context.Context, a *agent.Agent) error {
	roles := make([]string, len(a.Roles))
	for i, r := range a.Roles {
		roles[i] = string(r)
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agents (id, name, roles, status, recent_load, last_heartbeat, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		 ON CONFLICT (id) DO UPDATE SET
		   name = EXCLUDED.name,
		   roles = EXCLUDED.roles,
		   status = EXCLUDED.status,
		   last_heartbeat = EXCLUDED.last_heartbeat,
		   version = agents.version + 1,
		   updated_at = now()
		 RETURNING version, created_at, updated_at`,
		a.ID, a.Name, roles, string(a.Status), a.RecentLoad, a.LastHeartbeat,
	).Scan(&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert agent %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status agent.Status, loadDelta int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $2, recent_load = GREATEST(0, recent_load + $3), updated_at = now()
		 WHERE id = $1`,
		id, string(status), loadDelta)
	if err != nil {
		return fmt.Errorf("update agent status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update agent status %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// --- Results and traces ---

// SaveResult writes a task's result exactly once. A second write for the
// same task returns domain.ErrConflict; the caller re-reads the winner.
func (s *Store) SaveResult(ctx context.Context, r *result.Result) error {
	citations, err := marshalCitations(r.Citations)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO task_results (task_id, output, confidence, quality_met, tokens_in, tokens_out, cost_usd, citations, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (task_id) DO NOTHING`,
		r.TaskID, r.Output, r.Confidence, r.QualityMet, r.Cost.TokensIn, r.Cost.TokensOut, r.Cost.CostUSD, citations, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("save result for task %s: %w", r.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("result for task %s exists: %w", r.TaskID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, taskID string) (*result.Result, error) {
	var r result.Result
	var citations []byte
	err := s.pool.QueryRow(ctx,
		`SELECT task_id, output, confidence, quality_met, tokens_in, tokens_out, cost_usd, citations, created_at
		 FROM task_results WHERE task_id = $1`, taskID,
	).Scan(&r.TaskID, &r.Output, &r.Confidence, &r.QualityMet, &r.Cost.TokensIn, &r.Cost.TokensOut, &r.Cost.CostUSD, &citations, &r.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get result for task %s", taskID)
	}
	if citations != nil {
		if err := json.Unmarshal(citations, &r.Citations); err != nil {
			return nil, fmt.Errorf("unmarshal citations: %w", err)
		}
	}
	return &r, nil
}

func (s *Store) SaveTrace(ctx context.Context, tr *result.Trace) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO task_traces (id, task_id, content, size_bytes, truncated, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (task_id) DO NOTHING`,
		tr.ID, tr.TaskID, tr.Content, tr.SizeBytes, tr.Truncated, tr.CreatedAt)
	if err != nil {
		return fmt.Errorf("save trace for task %s: %w", tr.TaskID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("trace for task %s exists: %w", tr.TaskID, domain.ErrConflict)
	}
	return nil
}

func (s *Store) GetTrace(ctx context.Context, taskID string) (*result.Trace, error) {
	var tr result.Trace
	err := s.pool.QueryRow(ctx,
		`SELECT id, task_id, content, size_bytes, truncated, created_at
		 FROM task_traces WHERE task_id = $1`, taskID,
	).Scan(&tr.ID, &tr.TaskID, &tr.Content, &tr.SizeBytes, &tr.Truncated, &tr.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get trace for task %s", taskID)
	}
	return &tr, nil
}

func (s *Store) DeleteTracesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_traces WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete traces before %s: %w", cutoff, err)
	}
	return tag.RowsAffected(), nil
}

// --- Scanners ---

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var status string
	err := row.Scan(&t.ID, &t.TenantID, &t.Type, &t.Query, &t.MaxAgents, &t.Budget.TimeLimit,
		&t.Budget.CostLimit, &t.QualityThreshold, &status, &t.Progress, &t.Confidence,
		&t.Cost.TokensIn, &t.Cost.TokensOut, &t.Cost.CostUSD, &t.Error, &t.Version,
		&t.StartedAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt)
	t.Status = task.Status(status)
	return t, err
}

func scanAssignment(row scannable) (task.Assignment, error) {
	var a task.Assignment
	var status string
	var citations []byte
	err := row.Scan(&a.ID, &a.TaskID, &a.AgentID, &a.Role, &a.Subtask, &status, &a.Attempts,
		&a.Output, &a.Log, &citations, &a.QualityScore, &a.Cost.TokensIn, &a.Cost.TokensOut,
		&a.Cost.CostUSD, &a.Error, &a.StartedAt, &a.CompletedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, fmt.Errorf("scan assignment: %w", err)
	}
	a.Status = task.Status(status)
	if citations != nil {
		if err := json.Unmarshal(citations, &a.Citations); err != nil {
			return a, fmt.Errorf("unmarshal citations: %w", err)
		}
	}
	return a, nil
}

func scanAgent(row scannable) (agent.Agent, error) {
	var a agent.Agent
	var status string
	var roles []string
	err := row.Scan(&a.ID, &a.Name, &roles, &status, &a.RecentLoad, &a.LastHeartbeat,
		&a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return a, err
	}
	a.Status = agent.Status(status)
	a.Roles = make([]agent.Role, len(roles))
	for i, r := range roles {
		a.Roles[i] = agent.Role(r)
	}
	return a, nil
}

func marshalCitations(cs []task.Citation) ([]byte, error) {
	if len(cs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("marshal citations: %w", err)
	}
	return data, nil
}
