package respond

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strava-wakatime-backend/internal/logging"
)

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	prev := logging.Logger()
	t.Cleanup(func() { logging.SetLogger(prev) })

	var buf bytes.Buffer
	logging.SetLogger(zerolog.New(&buf).Level(zerolog.DebugLevel))
	return &buf
}

func TestErrorHidesCauseAndLogsIt(t *testing.T) {
	logs := captureLogs(t)

	req := httptest.NewRequest(http.MethodGet, "/strava/stats/ytd", nil)
	req = req.WithContext(logging.ContextWithCorrelationID(req.Context(), "abcd1234"))
	w := httptest.NewRecorder()
	Error(w, req, http.StatusBadGateway, "Upstream request failed", errors.New("strava said: secret body"))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "secret body")

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, ErrorResponse{Error: "Upstream request failed", CorrelationID: "abcd1234"}, resp)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(logs.Bytes()), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "abcd1234", entry["correlation_id"])
	assert.Contains(t, entry["error"], "secret body")
	assert.EqualValues(t, 502, entry["status"])
}

func TestErrorGeneratesCorrelationID(t *testing.T) {
	captureLogs(t)

	w := httptest.NewRecorder()
	Error(w, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusNotFound, "Not found", nil)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.CorrelationID, 8)
}
