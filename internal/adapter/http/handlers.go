package http

import (
	"context"
	"net/http"

	"github.com/taskmesh-io/taskmesh/internal/adapter/ws"
	"github.com/taskmesh-io/taskmesh/internal/domain/agent"
	"github.com/taskmesh-io/taskmesh/internal/domain/task"
	"github.com/taskmesh-io/taskmesh/internal/middleware"
	"github.com/taskmesh-io/taskmesh/internal/port/messagequeue"
	"github.com/taskmesh-io/taskmesh/internal/service"
)

// Pinger checks liveness of a backing store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers bundles the services the HTTP layer depends on.
type Handlers struct {
	Orchestrator *service.OrchestratorService
	Hub          *ws.Hub

	// Health probe targets. Either may be nil when the component is
	// not configured (e.g. in tests).
	DB    Pinger
	Queue messagequeue.Queue
}

// RunTask handles POST /api/v1/agents/run
func (h *Handlers) RunTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[task.SubmitRequest](w, r)
	if !ok {
		return
	}

	tenantID := middleware.TenantIDFromContext(r.Context())

	t, err := h.Orchestrator.Submit(r.Context(), tenantID, &req)
	if err != nil {
		writeDomainError(w, err, "task submission failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID})
}

// GetTaskStatus handles GET /api/v1/agents/tasks/{id}/status
func (h *Handlers) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	snap, err := h.Orchestrator.GetStatus(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetTaskResult handles GET /api/v1/agents/tasks/{id}/result
func (h *Handlers) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	res, err := h.Orchestrator.GetResult(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetTaskTrace handles GET /api/v1/agents/tasks/{id}/trace
func (h *Handlers) GetTaskTrace(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	tr, err := h.Orchestrator.GetTrace(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

// CancelTask handles POST /api/v1/agents/tasks/{id}/cancel
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	t, err := h.Orchestrator.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": t.ID,
		"status":  string(t.Status),
	})
}

// PoolStatus handles GET /api/v1/agents/status
func (h *Handlers) PoolStatus(w http.ResponseWriter, r *http.Request) {
	ps, err := h.Orchestrator.PoolStatus(r.Context())
	if err != nil {
		writeDomainError(w, err, "pool status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// RegisterAgent handles POST /api/v1/agents/register. Workers call it on
// startup and re-call it as a heartbeat.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	a, ok := readJSON[agent.Agent](w, r)
	if !ok {
		return
	}
	if err := h.Orchestrator.RegisterAgent(r.Context(), &a); err != nil {
		writeDomainError(w, err, "agent registration failed")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type healthStatus struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

// Health handles GET /health and reports per-component liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	hs := healthStatus{Status: "ok", Components: map[string]string{}}

	if h.DB != nil {
		if err := h.DB.Ping(r.Context()); err != nil {
			hs.Components["postgres"] = "down"
			hs.Status = "degraded"
		} else {
			hs.Components["postgres"] = "ok"
		}
	}
	if h.Queue != nil {
		if h.Queue.IsConnected() {
			hs.Components["nats"] = "ok"
		} else {
			hs.Components["nats"] = "down"
			hs.Status = "degraded"
		}
	}

	code := http.StatusOK
	if hs.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, hs)
}
