package handlers

import (
	"context"
	"net/http"
	"time"

	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/respond"
)

// HealthHandler reports database reachability and the last refresh run of
// each integration.
type HealthHandler struct {
	db           *database.DB
	integrations []string
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *database.DB, integrations []string) *HealthHandler {
	return &HealthHandler{db: db, integrations: integrations}
}

type runSummary struct {
	State      string    `json:"state"`
	Trigger    string    `json:"trigger"`
	Kinds      []string  `json:"kinds"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMS int64     `json:"duration_ms"`
}

type healthResponse struct {
	Status       string                 `json:"status"`
	Database     string                 `json:"database"`
	Integrations []string               `json:"integrations"`
	LastRuns     map[string]*runSummary `json:"last_runs"`
}

// HandleHealth handles GET /health. It answers 503 when the database is
// unreachable so load balancers take the instance out.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:       "ok",
		Database:     "connected",
		Integrations: h.integrations,
		LastRuns:     map[string]*runSummary{},
	}
	if resp.Integrations == nil {
		resp.Integrations = []string{}
	}

	if err := h.db.Health(ctx); err != nil {
		resp.Status = "degraded"
		resp.Database = "disconnected"
		respond.JSON(w, http.StatusServiceUnavailable, resp)
		return
	}

	runs, err := h.db.LatestRefreshRuns(ctx)
	if err != nil {
		respond.Error(w, r, http.StatusInternalServerError, "Failed to read refresh history", err)
		return
	}
	for _, run := range runs {
		resp.LastRuns[run.Integration] = &runSummary{
			State:      run.State,
			Trigger:    run.Trigger,
			Kinds:      run.Kinds,
			Error:      run.Error,
			FinishedAt: run.FinishedAt,
			DurationMS: run.Duration().Milliseconds(),
		}
	}

	respond.JSON(w, http.StatusOK, resp)
}
