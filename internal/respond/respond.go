// Package respond writes the JSON bodies shared by handlers and middleware.
package respond

import (
	"net/http"

	"github.com/goccy/go-json"

	"strava-wakatime-backend/internal/logging"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id"`
}

// JSON writes v with the given status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("Failed to encode response")
	}
}

// Error logs err under the request's correlation id and sends only message
// and the id to the client. 5xx statuses log at error level, the rest at warn.
func Error(w http.ResponseWriter, r *http.Request, status int, message string, err error) {
	ctx := r.Context()
	id := logging.CorrelationIDFromContext(ctx)
	if id == "" {
		id = logging.GenerateCorrelationID()
		ctx = logging.ContextWithCorrelationID(ctx, id)
	}

	event := logging.Ctx(ctx).Warn()
	if status >= http.StatusInternalServerError {
		event = logging.Ctx(ctx).Error()
	}
	if err != nil {
		event = event.Err(err)
	}
	event.
		Int("status", status).
		Str("method", r.Method).
		Str("path", r.URL.Path).
		Msg(message)

	JSON(w, status, ErrorResponse{Error: message, CorrelationID: id})
}
