package agentapi_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server/agentapi"
)

type testAgentConfig struct {
	directLineBase string
	secret         string
}

func (c testAgentConfig) GetDirectLineBase() string   { return c.directLineBase }
func (c testAgentConfig) GetDirectLineSecret() string { return c.secret }
func (testAgentConfig) GetTenantID() string           { return "tenant" }
func (testAgentConfig) GetClientID() string           { return "client-id" }
func (testAgentConfig) GetClientSecret() string       { return "client-secret" }
func (testAgentConfig) GetOboScopes() []string        { return []string{"scope/.default"} }
func (testAgentConfig) GetEnvironmentScope() string   { return "env/.default" }
func (testAgentConfig) GetIssuerURL() string          { return "" }
func (testAgentConfig) GetAudience() string           { return "client-id" }
func (testAgentConfig) GetSpeechKey() string          { return "" }
func (testAgentConfig) GetSpeechRegion() string       { return "westeurope" }

func TestGenerateToken_UsesSecretAndPrefixesUser(t *testing.T) {
	var gotAuth string
	var gotBody map[string]any

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokens/generate", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		writeJSON(w, map[string]any{"token": "dl-token", "conversationId": "conv-1", "expires_in": 1800})
	}))
	defer upstream.Close()

	client := agentapi.New(testAgentConfig{directLineBase: upstream.URL, secret: "channel-secret"})

	token, err := client.GenerateToken(t.Context(), "user-123")
	require.NoError(t, err)
	require.Equal(t, "dl-token", token.Token)
	require.Equal(t, "conv-1", token.ConversationID)
	require.Equal(t, 1800, token.ExpiresIn)

	require.Equal(t, "Bearer channel-secret", gotAuth)
	user := gotBody["user"].(map[string]any)
	require.Equal(t, "dl_user-123", user["id"], "caller-supplied ids are namespaced")
}

func TestGenerateToken_UpstreamRejection(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	client := agentapi.New(testAgentConfig{directLineBase: upstream.URL, secret: "channel-secret"})

	_, err := client.GenerateToken(t.Context(), "user-123")
	require.ErrorIs(t, err, errs.ErrAuthRequired)
}

func TestRefreshToken_TokenIsItsOwnAuthorization(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tokens/refresh", r.URL.Path)
		require.Equal(t, "Bearer old-token", r.Header.Get("Authorization"))
		writeJSON(w, map[string]any{"token": "new-token", "expires_in": 1800})
	}))
	defer upstream.Close()

	client := agentapi.New(testAgentConfig{directLineBase: upstream.URL, secret: "channel-secret"})

	token, err := client.RefreshToken(t.Context(), "old-token")
	require.NoError(t, err)
	require.Equal(t, "new-token", token.Token)
}

func TestExchangeSecondaryToken(t *testing.T) {
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.FormValue("grant_type"))
		require.Equal(t, "on_behalf_of", r.FormValue("requested_token_use"))
		require.Equal(t, "user-assertion", r.FormValue("assertion"))
		writeJSON(w, map[string]any{"access_token": "secondary-token", "expires_in": 3600})
	}))
	defer identity.Close()

	client := agentapi.New(
		testAgentConfig{directLineBase: "http://unused", secret: "s"},
		agentapi.WithTokenEndpoint(identity.URL),
	)

	secondary, err := client.ExchangeSecondaryToken(t.Context(), "user-assertion")
	require.NoError(t, err)
	require.Equal(t, "secondary-token", secondary.Token)
	// The opaque token has no exp claim; expiry falls back to expires_in.
	require.WithinDuration(t, time.Now().Add(time.Hour), secondary.ExpiresAt, 10*time.Second)
}

func TestExchangeSecondaryToken_ConsentRejection(t *testing.T) {
	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer identity.Close()

	client := agentapi.New(
		testAgentConfig{directLineBase: "http://unused", secret: "s"},
		agentapi.WithTokenEndpoint(identity.URL),
	)

	_, err := client.ExchangeSecondaryToken(t.Context(), "user-assertion")
	require.ErrorIs(t, err, errs.ErrConsentRequired)
}

func writeJSON(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
