package planapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/semflow/storage"
	"github.com/c360studio/semflow/workflow"
)

// Handler returns the API routes:
//
//	GET /healthz
//	GET /metrics
//	GET /plans?status=&session=
//	GET /plans/{id}
//	GET /tasks?plan=
//	GET /tasks/{id}
func (c *Component) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", c.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if c.config.RequestsPerMinute > 0 {
			r.Use(rateLimit(c.config.RequestsPerMinute, time.Minute))
		}
		r.Get("/plans", c.handleListPlans)
		r.Get("/plans/{id}", c.handleGetPlan)
		r.Get("/tasks", c.handleListTasks)
		r.Get("/tasks/{id}", c.handleGetTask)
	})
	return r
}

func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
			writeError(w, http.StatusTooManyRequests, "rate_limit_exceeded", "Too many requests. Please try again later.")
		}),
	)
}

type healthResponse struct {
	Status     string                            `json:"status"`
	Components map[string]componentHealthPayload `json:"components,omitempty"`
}

type componentHealthPayload struct {
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Errors  int    `json:"errors"`
	Uptime  string `json:"uptime,omitempty"`
}

func (c *Component) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	code := http.StatusOK
	if c.health != nil {
		resp.Components = make(map[string]componentHealthPayload)
		for name, h := range c.health.Health() {
			payload := componentHealthPayload{
				Healthy: h.Healthy,
				Status:  h.Status,
				Errors:  h.ErrorCount,
			}
			if h.Uptime > 0 {
				payload.Uptime = h.Uptime.Round(time.Second).String()
			}
			resp.Components[name] = payload
			if !h.Healthy {
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
	}
	writeJSON(w, code, resp)
}

// planSummary is the list view of a plan; the state machine and results are
// only returned by GET /plans/{id}.
type planSummary struct {
	ID            string              `json:"plan_id"`
	GoalEventType string              `json:"goal_event_type"`
	Status        workflow.PlanStatus `json:"status"`
	CurrentState  string              `json:"current_state"`
	SessionID     string              `json:"session_id,omitempty"`
	ParentPlanID  string              `json:"parent_plan_id,omitempty"`
	Error         string              `json:"error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (c *Component) handleListPlans(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !validPlanStatus(workflow.PlanStatus(status)) {
		writeError(w, http.StatusBadRequest, "invalid_status", fmt.Sprintf("unknown plan status %q", status))
		return
	}
	plans, err := c.repo.ListPlans(r.Context(), storage.Filter{
		Status:    status,
		SessionID: r.URL.Query().Get("session"),
	})
	if err != nil {
		c.logger.Error("List plans failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list plans")
		return
	}

	out := make([]planSummary, 0, len(plans))
	for _, p := range plans {
		out = append(out, planSummary{
			ID:            p.ID,
			GoalEventType: p.GoalEventType,
			Status:        p.Status,
			CurrentState:  p.CurrentState,
			SessionID:     p.SessionID,
			ParentPlanID:  p.ParentPlanID,
			Error:         p.Error,
			CreatedAt:     p.CreatedAt,
			UpdatedAt:     p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

func (c *Component) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	plan, err := c.repo.LoadPlan(r.Context(), id)
	if storage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("plan %s not found", id))
		return
	}
	if err != nil {
		c.logger.Error("Load plan failed", "plan_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load plan")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (c *Component) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := c.repo.ListTasks(r.Context(), storage.Filter{OwnerID: r.URL.Query().Get("plan")})
	if err != nil {
		c.logger.Error("List tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to list tasks")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (c *Component) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := c.repo.LoadTask(r.Context(), id)
	if storage.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "not_found", fmt.Sprintf("task %s not found", id))
		return
	}
	if err != nil {
		c.logger.Error("Load task failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to load task")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func validPlanStatus(s workflow.PlanStatus) bool {
	switch s {
	case workflow.PlanPending, workflow.PlanRunning, workflow.PlanPaused, workflow.PlanCompleted, workflow.PlanFailed:
		return true
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, map[string]string{"error": code, "detail": detail})
}
