package tokens

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"strava-wakatime-backend/internal/database"
	"strava-wakatime-backend/internal/tokencrypt"
)

func TestIsExpired(t *testing.T) {
	now := time.Unix(1_000_000, 0)

	assert.False(t, IsExpired(1_000_001, now))
	assert.True(t, IsExpired(1_000_000, now), "expiry instant itself counts as expired")
	assert.True(t, IsExpired(999_999, now))
}

func TestNeedsRefresh(t *testing.T) {
	now := time.Unix(1_000_000, 0)

	tests := []struct {
		name      string
		expiresAt int64
		want      bool
	}{
		{"well beyond buffer", 1_000_000 + 7200, false},
		{"one second beyond buffer", 1_000_000 + 3601, false},
		{"exactly at buffer edge", 1_000_000 + 3600, true},
		{"inside buffer", 1_000_000 + 60, true},
		{"already expired", 999_000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NeedsRefresh(tt.expiresAt, DefaultBuffer, now))
		})
	}
}

type tokenServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newTokenServer(t *testing.T, status int, body string) *tokenServer {
	t.Helper()

	ts := &tokenServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.calls.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "stored-refresh" {
			http.Error(w, `{"error":"invalid_request"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(t *testing.T, tokenURL string, now time.Time) (*Manager, *database.CredentialStore) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cipher, err := tokencrypt.New("test-key")
	require.NoError(t, err)
	store := database.NewCredentialStore(db, cipher)

	cfg := &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams},
	}
	m := NewManager("strava", store, cfg, WithClock(func() time.Time { return now }))
	return m, store
}

func seedCredential(t *testing.T, store *database.CredentialStore, expiresAt int64) {
	t.Helper()
	require.NoError(t, store.Upsert(context.Background(), nil, &database.Credential{
		Integration:  "strava",
		SubjectID:    "42",
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    expiresAt,
	}))
}

func TestValidAccessTokenNoCredential(t *testing.T) {
	srv := newTokenServer(t, http.StatusOK, `{}`)
	m, _ := newTestManager(t, srv.URL, time.Now())

	_, err := m.ValidAccessToken(context.Background())
	require.ErrorIs(t, err, ErrNotAuthenticated)
	assert.Zero(t, srv.calls.Load(), "no HTTP call without a credential")
}

func TestValidAccessTokenFresh(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := newTokenServer(t, http.StatusOK, `{}`)
	m, store := newTestManager(t, srv.URL, now)
	seedCredential(t, store, now.Unix()+2*3600)

	tok, err := m.ValidAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "stored-access", tok)
	assert.Zero(t, srv.calls.Load())
}

func TestValidAccessTokenRefreshes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	for _, expiresAt := range []int64{now.Unix() + 600, now.Unix() - 600} {
		srv := newTokenServer(t, http.StatusOK,
			`{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_at":1700021600,"expires_in":21600}`)
		m, store := newTestManager(t, srv.URL, now)
		seedCredential(t, store, expiresAt)

		tok, err := m.ValidAccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "new-access", tok)
		assert.Equal(t, int32(1), srv.calls.Load(), "exactly one refresh call")

		cred, err := store.Get(context.Background(), nil, "strava")
		require.NoError(t, err)
		assert.Equal(t, "new-access", cred.AccessToken)
		assert.Equal(t, "new-refresh", cred.RefreshToken)
		assert.Equal(t, int64(1700021600), cred.ExpiresAt)
	}
}

func TestValidAccessTokenKeepsRefreshTokenWhenOmitted(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := newTokenServer(t, http.StatusOK, `{"access_token":"new-access","token_type":"Bearer","expires_in":3700}`)
	m, store := newTestManager(t, srv.URL, now)
	seedCredential(t, store, now.Unix())

	_, err := m.ValidAccessToken(context.Background())
	require.NoError(t, err)

	cred, err := store.Get(context.Background(), nil, "strava")
	require.NoError(t, err)
	assert.Equal(t, "new-access", cred.AccessToken)
	assert.Equal(t, "stored-refresh", cred.RefreshToken)
	assert.Greater(t, cred.ExpiresAt, now.Unix())
}

func TestValidAccessTokenRefreshFailureLeavesCredential(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	tests := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"server error", http.StatusInternalServerError, `{"message":"boom"}`, false},
		{"revoked grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTokenServer(t, tt.status, tt.body)
			m, store := newTestManager(t, srv.URL, now)
			seedCredential(t, store, now.Unix()-10)

			_, err := m.ValidAccessToken(context.Background())
			require.Error(t, err)
			assert.Equal(t, tt.permanent, errors.Is(err, ErrRefreshRejected))

			cred, err := store.Get(context.Background(), nil, "strava")
			require.NoError(t, err)
			assert.Equal(t, "stored-access", cred.AccessToken)
			assert.Equal(t, "stored-refresh", cred.RefreshToken)
			assert.Equal(t, now.Unix()-10, cred.ExpiresAt)
		})
	}
}

func TestExpiresAt(t *testing.T) {
	now := time.Unix(1_000, 0)

	withExtra := (&oauth2.Token{Expiry: time.Unix(5_000, 0)}).WithExtra(map[string]any{"expires_at": float64(9_000)})
	assert.Equal(t, int64(9_000), ExpiresAt(withExtra, now))

	relative := &oauth2.Token{Expiry: time.Unix(5_000, 0)}
	assert.Equal(t, int64(5_000), ExpiresAt(relative, now))

	iso := (&oauth2.Token{}).WithExtra(map[string]any{"expires_at": "1970-01-01T02:00:00Z"})
	assert.Equal(t, int64(7_200), ExpiresAt(iso, now))

	fallback := ExpiresAt(&oauth2.Token{}, now)
	assert.Equal(t, now.Add(DefaultLifetime).Unix(), fallback)
	assert.False(t, NeedsRefresh(fallback, DefaultBuffer, now), "a token without expiry must not need refreshing straight away")
}

func TestValidAccessTokenWithoutExpiryRefreshesOnce(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	srv := newTokenServer(t, http.StatusOK, `{"access_token":"new-access","refresh_token":"stored-refresh","token_type":"Bearer"}`)
	m, store := newTestManager(t, srv.URL, now)
	seedCredential(t, store, now.Unix()-60)

	for range 3 {
		tok, err := m.ValidAccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "new-access", tok)
	}
	assert.Equal(t, int32(1), srv.calls.Load(), "later calls reuse the refreshed token")
}
