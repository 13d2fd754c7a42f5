package handlers

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"strava-wakatime-backend/internal/logging"
	"strava-wakatime-backend/internal/oauth"
	"strava-wakatime-backend/internal/refresh"
)

// callbackRefreshTimeout bounds the refresh run started after a callback.
const callbackRefreshTimeout = 5 * time.Minute

// Runner starts one refresh run for an integration.
type Runner interface {
	Run(ctx context.Context, trigger string) (refresh.RunResult, error)
}

// OAuthHandler handles the authorize redirect and the provider callback.
type OAuthHandler struct {
	manager     *oauth.Manager
	runners     map[string]Runner
	frontendURL string
}

// NewOAuthHandler creates a new OAuth handler. runners may omit an
// integration, in which case its callback stores the credential only.
func NewOAuthHandler(manager *oauth.Manager, runners map[string]Runner, frontendURL string) *OAuthHandler {
	return &OAuthHandler{
		manager:     manager,
		runners:     runners,
		frontendURL: strings.TrimRight(frontendURL, "/"),
	}
}

// Authorize returns a handler that redirects to the provider's consent page.
func (h *OAuthHandler) Authorize(integration string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authURL, err := h.manager.AuthURL(integration)
		if err != nil {
			writeServiceError(w, r, "Failed to start OAuth flow", err)
			return
		}

		logging.Ctx(r.Context()).Info().Str("integration", integration).Msg("Starting OAuth flow")
		http.Redirect(w, r, authURL, http.StatusTemporaryRedirect)
	}
}

// Callback returns a handler for the provider redirect. On success it stores
// the credential, runs one refresh and redirects to the frontend. A failed
// refresh is logged and does not block the redirect.
func (h *OAuthHandler) Callback(integration string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		cred, err := h.manager.HandleCallback(r.Context(), integration, oauth.CallbackParams{
			Code:  q.Get("code"),
			State: q.Get("state"),
			Error: q.Get("error"),
			Scope: q.Get("scope"),
		})
		if err != nil {
			writeServiceError(w, r, "OAuth authorization failed. Please try again.", err)
			return
		}

		logger := logging.Ctx(r.Context())
		logger.Info().
			Str("integration", integration).
			Str("subject_id", cred.SubjectID).
			Msg("OAuth flow completed successfully")

		if runner, ok := h.runners[integration]; ok {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), callbackRefreshTimeout)
			_, err := runner.Run(ctx, refresh.TriggerCallback)
			cancel()
			if err != nil {
				logger.Warn().Err(err).Str("integration", integration).Msg("Initial data fetch failed")
			}
		}

		http.Redirect(w, r, h.successURL(integration), http.StatusTemporaryRedirect)
	}
}

func (h *OAuthHandler) successURL(integration string) string {
	return h.frontendURL + "/?" + url.Values{integration: {"success"}}.Encode()
}
