package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/respond"
)

// CachedResponse wraps a cached payload as served to the frontend.
type CachedResponse struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetched_at"`
}

// StatsHandler serves cached stat payloads for one integration.
type StatsHandler struct {
	db          *database.DB
	integration string
}

// NewStatsHandler creates a new stats handler
func NewStatsHandler(db *database.DB, integration string) *StatsHandler {
	return &StatsHandler{db: db, integration: integration}
}

// Cached returns a handler that serves the payload stored under kind, or
// 404 until the first successful refresh has written it.
func (h *StatsHandler) Cached(kind, label string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stat, err := h.db.GetCachedStat(r.Context(), h.integration, kind)
		if err != nil {
			respond.Error(w, r, http.StatusInternalServerError, "Failed to read cached stats", err)
			return
		}
		if stat == nil {
			msg := fmt.Sprintf("%s not cached yet. Try /%s/refresh-data", label, h.integration)
			respond.Error(w, r, http.StatusNotFound, msg, nil)
			return
		}

		respond.JSON(w, http.StatusOK, CachedResponse{
			Type:      stat.Kind,
			Data:      json.RawMessage(stat.Payload),
			FetchedAt: stat.FetchedAt,
		})
	}
}
