package handlers

import (
	"net/http"

	"strava-wakatime-backend/internal/refresh"
	"strava-wakatime-backend/internal/respond"
)

// RefreshResponse is returned by a successful manual refresh.
type RefreshResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Kinds   []string `json:"kinds"`
}

// Refresh returns a handler that runs one synchronous refresh for runner.
// A run already in progress answers 409.
func Refresh(runner Runner, integration string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := runner.Run(r.Context(), refresh.TriggerManual)
		if err != nil {
			writeServiceError(w, r, "Failed to refresh "+integration+" data", err)
			return
		}
		respond.JSON(w, http.StatusOK, RefreshResponse{
			Status:  "success",
			Message: "Data refreshed successfully",
			Kinds:   res.Kinds,
		})
	}
}
