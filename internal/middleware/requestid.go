package middleware

import (
	"net/http"
	"regexp"

	"strava-wakatime-backend/internal/logging"
)

// RequestIDHeader carries the correlation id in both directions.
const RequestIDHeader = "X-Request-ID"

var validRequestID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// RequestID reuses an upstream X-Request-ID when it looks sane, otherwise
// generates a short correlation id. The id is echoed in the response header
// and attached to the request context for logging.Ctx and error bodies.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !validRequestID.MatchString(id) {
			id = logging.GenerateCorrelationID()
		}

		w.Header().Set(RequestIDHeader, id)
		ctx := logging.ContextWithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
