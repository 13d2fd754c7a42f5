package middleware

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"strava-wakatime-backend/internal/respond"
)

// APIKeyHeader is the header checked by APIKey.
const APIKeyHeader = "X-API-Key"

var (
	errMissingKey = errors.New("no API key sent")
	errWrongKey   = errors.New("API key does not match")
)

// APIKey rejects requests whose X-API-Key does not match key. An empty key
// disables the check; config validation refuses that in production.
func APIKey(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if key == "" {
			return next
		}
		expected := []byte(key)

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get(APIKeyHeader))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				err := errMissingKey
				if len(got) > 0 {
					err = errWrongKey
				}
				respond.Error(w, r, http.StatusUnauthorized, "Invalid or missing API key", err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
