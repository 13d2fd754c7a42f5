// Package handlers holds the HTTP handlers for both integrations. Handlers
// are plain http.HandlerFuncs; routing and middleware live in
// internal/server.
package handlers

import (
	"errors"
	"net/http"

	"strava-wakatime-backend/internal/oauth"
	"strava-wakatime-backend/internal/refresh"
	"strava-wakatime-backend/internal/respond"
	"strava-wakatime-backend/internal/strava"
	"strava-wakatime-backend/internal/tokens"
	"strava-wakatime-backend/internal/upstream"
)

// writeServiceError maps err to a status code and a client-safe message.
func writeServiceError(w http.ResponseWriter, r *http.Request, fallback string, err error) {
	status, message := classify(err)
	if message == "" {
		message = fallback
	}
	respond.Error(w, r, status, message, err)
}

func classify(err error) (int, string) {
	var apiErr *upstream.APIError
	switch {
	case errors.Is(err, oauth.ErrInvalidState):
		return http.StatusBadRequest, "Invalid or expired state parameter"
	case errors.Is(err, oauth.ErrAccessDenied):
		return http.StatusBadRequest, "Authorization was denied"
	case errors.Is(err, oauth.ErrMissingCode):
		return http.StatusBadRequest, "Missing authorization code"
	case errors.Is(err, oauth.ErrUnknownIntegration):
		return http.StatusNotFound, "Integration not configured"
	case errors.Is(err, tokens.ErrNotAuthenticated):
		return http.StatusUnauthorized, "Not authenticated. Complete the authorize flow first"
	case errors.Is(err, tokens.ErrRefreshRejected):
		return http.StatusUnauthorized, "Stored credential was rejected. Re-authorize the integration"
	case errors.Is(err, refresh.ErrRunInProgress):
		return http.StatusConflict, "A refresh is already in progress"
	case upstream.IsBreakerOpen(err):
		return http.StatusServiceUnavailable, "Upstream temporarily unavailable"
	case errors.Is(err, strava.ErrQuotaExhausted), upstream.IsTooManyRequests(err):
		return http.StatusServiceUnavailable, "Upstream rate limit reached. Try again later"
	case errors.As(err, &apiErr):
		return http.StatusBadGateway, "Upstream request failed"
	default:
		return http.StatusInternalServerError, ""
	}
}
