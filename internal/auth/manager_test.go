package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tokenServer serves the portal scrape endpoints plus a configurable token
// endpoint, recording the grants it receives.
type tokenServer struct {
	*httptest.Server
	grants []string
	handle func(w http.ResponseWriter, r *http.Request)
}

func newTokenServer(t *testing.T) *tokenServer {
	t.Helper()
	ts := &tokenServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/eportal/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<script src="main.abc123.js"></script>`)
	})
	mux.HandleFunc("/eportal/main.abc123.js", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `Authorization:"Basic `+testBasicToken+`"`)
	})
	mux.HandleFunc("/rest/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		ts.grants = append(ts.grants, r.PostForm.Get("grant_type"))
		assert.Equal(t, "Basic "+testBasicToken, r.Header.Get("Authorization"))
		ts.handle(w, r)
	})
	ts.Server = httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestManager(srv *tokenServer, creds *Credentials, now time.Time) *Manager {
	m := NewManager(srv.URL, srv.Client(), NewExtractor(srv.URL, srv.Client(), testLogger()), creds, testLogger())
	m.now = func() time.Time { return now }
	return m
}

func TestLoginStoresFullToken(t *testing.T) {
	srv := newTokenServer(t)
	srv.handle = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "alice", r.PostForm.Get("username"))
		assert.Equal(t, "hunter2", r.PostForm.Get("password"))
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","expires_in":1800,"user":{"customerId":"cust-9"}}`)
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m := newTestManager(srv, &Credentials{Username: "alice", Password: "hunter2"}, now)

	require.NoError(t, m.Login(context.Background()))
	assert.Equal(t, []string{"password"}, srv.grants)
	assert.Equal(t, "cust-9", m.CustomerID())
	assert.Equal(t, StateValid, m.State())

	access, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", access)
	assert.Equal(t, []string{"password"}, srv.grants, "valid token must not trigger another exchange")
}

func TestTokenWithoutTokenAndWithoutCredentials(t *testing.T) {
	srv := newTokenServer(t)
	m := newTestManager(srv, nil, time.Now())

	_, err := m.Token(context.Background())
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Empty(t, srv.grants)
}

func TestTokenRefreshesExpiredAndPreservesFields(t *testing.T) {
	srv := newTokenServer(t)
	srv.handle = func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "rt-old", r.PostForm.Get("refresh_token"))
		// refresh responses frequently omit refresh_token and user
		fmt.Fprint(w, `{"access_token":"at-2","expires_in":3600}`)
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m := newTestManager(srv, nil, now)
	m.RestoreTokenData(map[string]any{
		"access_token":  "at-old",
		"refresh_token": "rt-old",
		"expires_at":    float64(now.Add(-time.Minute).Unix()),
		"customer_id":   "cust-9",
	})
	require.Equal(t, StateExpired, m.State())

	access, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-2", access)
	assert.Equal(t, []string{"refresh_token"}, srv.grants)

	data := m.TokenData()
	assert.Equal(t, "rt-old", data["refresh_token"], "omitted refresh_token carries forward")
	assert.Equal(t, "cust-9", data["customer_id"], "omitted customerId carries forward")
}

func TestTokenRefreshRejectedFallsBackToLogin(t *testing.T) {
	srv := newTokenServer(t)
	srv.handle = func(w http.ResponseWriter, r *http.Request) {
		if r.PostForm.Get("grant_type") == "refresh_token" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"at-fresh","refresh_token":"rt-fresh","expires_in":3600,"user":{"customerId":"cust-9"}}`)
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m := newTestManager(srv, &Credentials{Username: "alice", Password: "hunter2"}, now)
	m.RestoreTokenData(map[string]any{
		"access_token":  "at-old",
		"refresh_token": "rt-stale",
		"expires_at":    float64(now.Add(-time.Hour).Unix()),
		"customer_id":   "cust-9",
	})

	access, err := m.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-fresh", access)
	assert.Equal(t, []string{"refresh_token", "password"}, srv.grants)
}

func TestTokenRefreshServerErrorDoesNotFallBack(t *testing.T) {
	srv := newTokenServer(t)
	srv.handle = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, "upstream down")
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m := newTestManager(srv, &Credentials{Username: "alice", Password: "hunter2"}, now)
	m.RestoreTokenData(map[string]any{
		"access_token":  "at-old",
		"refresh_token": "rt-old",
		"expires_at":    float64(now.Add(-time.Hour).Unix()),
		"customer_id":   "cust-9",
	})

	_, err := m.Token(context.Background())
	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, http.StatusBadGateway, srvErr.StatusCode)
	assert.Equal(t, []string{"refresh_token"}, srv.grants,
		"server-side outage must not burn a password login")
}

func TestExchangeClientErrorIsAuthError(t *testing.T) {
	srv := newTokenServer(t)
	srv.handle = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_request"}`)
	}

	m := newTestManager(srv, &Credentials{Username: "alice", Password: "bad"}, time.Now())
	err := m.Login(context.Background())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusBadRequest, authErr.StatusCode)
}

func TestExchangeMissingAccessTokenIsAuthError(t *testing.T) {
	srv := newTokenServer(t)
	srv.handle = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"expires_in":3600}`)
	}

	m := newTestManager(srv, &Credentials{Username: "alice", Password: "hunter2"}, time.Now())
	err := m.Login(context.Background())

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestExchangeDefaultsExpiresIn(t *testing.T) {
	srv := newTokenServer(t)
	srv.handle = func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1"}`)
	}

	now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	m := newTestManager(srv, &Credentials{Username: "alice", Password: "hunter2"}, now)
	require.NoError(t, m.Login(context.Background()))

	data := m.TokenData()
	assert.Equal(t, float64(now.Add(time.Hour).Unix()), data["expires_at"])
}

func TestProactiveRefresh(t *testing.T) {
	tests := []struct {
		name      string
		remaining time.Duration
		refreshed bool
	}{
		{"just above threshold", 1000 * time.Second, false},
		{"below threshold", 500 * time.Second, true},
		{"well above threshold", 2000 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTokenServer(t)
			srv.handle = func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, `{"access_token":"at-new","expires_in":3600}`)
			}

			now := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
			m := newTestManager(srv, nil, now)
			m.RestoreTokenData(map[string]any{
				"access_token":  "at-1",
				"refresh_token": "rt-1",
				"expires_at":    float64(now.Add(tt.remaining).Unix()),
				"customer_id":   "cust-9",
			})

			refreshed, err := m.ProactiveRefresh(context.Background(), 900*time.Second)
			require.NoError(t, err)
			assert.Equal(t, tt.refreshed, refreshed)
		})
	}
}

func TestProactiveRefreshNoTokenIsNoop(t *testing.T) {
	srv := newTokenServer(t)
	m := newTestManager(srv, nil, time.Now())

	refreshed, err := m.ProactiveRefresh(context.Background(), 900*time.Second)
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Empty(t, srv.grants)
}
