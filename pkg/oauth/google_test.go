package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/laomeifun/llm-relay/pkg/types"
)

// testGoogleDriver points the driver's OAuth endpoint at a local server.
func testGoogleDriver(server *httptest.Server, endpoints []string) *GoogleDriver {
	d := NewGoogleDriver(server.Client(), 0, endpoints, nil)
	d.cfg.Endpoint = oauth2.Endpoint{
		AuthURL:  server.URL + "/auth",
		TokenURL: server.URL + "/token",
	}
	d.userInfoURL = server.URL + "/userinfo"
	return d
}

func TestStartAuthorizationCodeFlow(t *testing.T) {
	d := NewGoogleDriver(nil, 0, nil, nil)

	req, err := d.StartAuthorizationCodeFlow("my-project")
	require.NoError(t, err)
	assert.Len(t, req.Verifier, verifierLength)

	u, err := url.Parse(req.AuthorizationURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, googleClientID, q.Get("client_id"))
	assert.Equal(t, "http://localhost:51121/oauth-callback", q.Get("redirect_uri"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, ChallengeS256(req.Verifier), q.Get("code_challenge"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Equal(t, req.State, q.Get("state"))

	fs, err := decodeState(req.State)
	require.NoError(t, err)
	assert.Equal(t, req.Verifier, fs.Verifier)
	assert.Equal(t, "my-project", fs.ProjectID)
}

func TestExchangeCode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "the-code", r.Form.Get("code"))
		assert.NotEmpty(t, r.Form.Get("code_verifier"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "at",
			"refresh_token": "rt",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"email": "user@example.com"})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := testGoogleDriver(server, nil)

	req, err := d.StartAuthorizationCodeFlow("proj-1")
	require.NoError(t, err)

	tokens, err := d.ExchangeCode(context.Background(), "the-code", req.State)
	require.NoError(t, err)
	assert.Equal(t, "at", tokens.AccessToken)
	assert.Equal(t, "rt", tokens.RefreshToken)
	assert.Equal(t, "user@example.com", tokens.Email)
	assert.Equal(t, "proj-1", tokens.ProjectID)
	assert.Greater(t, tokens.ExpiresAt, time.Now().UnixMilli())
}

func TestExchangeCodeMissingRefreshToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := testGoogleDriver(server, nil)
	req, err := d.StartAuthorizationCodeFlow("p")
	require.NoError(t, err)

	_, err = d.ExchangeCode(context.Background(), "code", req.State)
	var ge *types.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, types.ErrCodeMissingRefreshToken, ge.Code)
}

func TestExchangeCodeInvalidState(t *testing.T) {
	d := NewGoogleDriver(nil, 0, nil, nil)

	// A state with no verifier inside.
	state, err := encodeState(flowState{ProjectID: "p"})
	require.NoError(t, err)

	_, err = d.ExchangeCode(context.Background(), "code", state)
	var ge *types.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, types.ErrCodeInvalidState, ge.Code)
}

func TestRefreshCarriesForwardRefreshToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-at",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := testGoogleDriver(server, nil)

	tokens, err := d.Refresh(context.Background(), "old-rt")
	require.NoError(t, err)
	assert.Equal(t, "new-at", tokens.AccessToken)
	assert.Equal(t, "old-rt", tokens.RefreshToken)
}

func TestRefreshInvalidGrant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked."}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	d := testGoogleDriver(server, nil)

	_, err := d.Refresh(context.Background(), "revoked")
	var ge *types.GatewayError
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, types.ErrCodeInvalidGrant, ge.Code)
}

func TestDiscoverProjectID(t *testing.T) {
	t.Run("existing project", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1internal:loadCodeAssist", func(w http.ResponseWriter, r *http.Request) {
			assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"currentTier":             map[string]any{"id": "free-tier"},
				"cloudaicompanionProject": "existing-project",
			})
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		d := testGoogleDriver(server, []string{server.URL})
		assert.Equal(t, "existing-project", d.DiscoverProjectID(context.Background(), "at"))
	})

	t.Run("onboarding", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1internal:loadCodeAssist", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"allowedTiers": []map[string]any{{"id": "free-tier", "isDefault": true}},
			})
		})
		mux.HandleFunc("/v1internal:onboardUser", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"done": true,
				"response": map[string]any{
					"cloudaicompanionProject": map[string]any{"id": "onboarded-project"},
				},
			})
		})
		server := httptest.NewServer(mux)
		defer server.Close()

		d := testGoogleDriver(server, []string{server.URL})
		assert.Equal(t, "onboarded-project", d.DiscoverProjectID(context.Background(), "at"))
	})

	t.Run("default on failure", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", http.StatusForbidden)
		}))
		defer server.Close()

		d := testGoogleDriver(server, []string{server.URL})
		assert.Equal(t, DefaultProjectID, d.DiscoverProjectID(context.Background(), "at"))
	})
}
