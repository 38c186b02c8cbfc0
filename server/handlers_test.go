package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/config"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server/agentapi"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/server/tokencache"
)

type testConfig struct {
	config.EnvVars
	config.Cors
	config.Agent

	rateLimiting bool
	rateMax      int
	degraded     bool
}

func (c testConfig) GetEnableRateLimiting() bool       { return c.rateLimiting }
func (c testConfig) GetRateLimitWindow() time.Duration { return time.Minute }
func (c testConfig) GetRateLimitMax() int              { return c.rateMax }
func (c testConfig) GetAllowDegradedAuth() bool        { return c.degraded }

type fakeAgent struct {
	lock sync.Mutex

	generateErr   error
	refreshErr    error
	exchangeErr   error
	lastUserID    string
	exchangeCalls int
}

func (f *fakeAgent) GenerateToken(_ context.Context, userID string) (*agentapi.DirectLineToken, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.lastUserID = userID
	if f.generateErr != nil {
		return nil, f.generateErr
	}
	return &agentapi.DirectLineToken{Token: "dl-token", ConversationID: "conv-1", ExpiresIn: 1800}, nil
}

func (f *fakeAgent) RefreshToken(_ context.Context, token string) (*agentapi.DirectLineToken, error) {
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &agentapi.DirectLineToken{Token: "dl-token-2", ExpiresIn: 1800}, nil
}

func (f *fakeAgent) ExchangeSecondaryToken(_ context.Context, _ string) (*agentapi.SecondaryToken, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.exchangeCalls++
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	return &agentapi.SecondaryToken{Token: "secondary", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (f *fakeAgent) SpeechToken(_ context.Context) (*agentapi.SpeechToken, error) {
	return &agentapi.SpeechToken{Token: "speech", Region: "westeurope"}, nil
}

func (f *fakeAgent) userID() string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.lastUserID
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(_ context.Context, rawToken string) (*server.Claims, error) {
	if rawToken != "good-token" {
		return nil, errs.Wrapf(errs.ErrAuthRequired, "unknown token")
	}
	return &server.Claims{Subject: "user-123", Name: "Test User", RawToken: rawToken}, nil
}

func newTestServer(t *testing.T, cfg testConfig, agent *fakeAgent, verifier server.TokenVerifier, cache tokencache.Repo) *server.Server {
	t.Helper()
	if cache == nil {
		cache = tokencache.NewInMemory()
	}
	srv, err := server.New(cfg, agent, verifier, cache)
	require.NoError(t, err)
	return srv
}

func postJSON(t *testing.T, srv http.Handler, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	encoded, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(encoded))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestDirectLineToken_AuthenticatedClaimsWin(t *testing.T) {
	agent := &fakeAgent{}
	cache := tokencache.NewInMemory()
	srv := newTestServer(t, testConfig{}, agent, fakeVerifier{}, cache)

	rec := postJSON(t, srv, "/api/directline/token", "good-token", map[string]string{"userId": "spoofed"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "user-123", agent.userID(), "the verified subject overrides the body")

	var body struct {
		Token          string `json:"token"`
		ConversationID string `json:"conversationId"`
		ExpiresIn      int    `json:"expiresIn"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "dl-token", body.Token)
	require.Equal(t, "conv-1", body.ConversationID)
	require.Equal(t, 1800, body.ExpiresIn)

	// The secondary token is pre-cached under the new conversation.
	require.Eventually(t, func() bool {
		entry, err := cache.Get("conv-1")
		return err == nil && entry.Token == "secondary"
	}, time.Second, 10*time.Millisecond)
}

func TestDirectLineToken_DegradedMode(t *testing.T) {
	agent := &fakeAgent{}
	srv := newTestServer(t, testConfig{degraded: true}, agent, nil, nil)

	rec := postJSON(t, srv, "/api/directline/token", "", map[string]string{"userId": "local-user"})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "local-user", agent.userID())
	require.Zero(t, agent.exchangeCalls, "no secondary exchange without a verified identity")
}

func TestDirectLineToken_UnauthenticatedRejected(t *testing.T) {
	srv := newTestServer(t, testConfig{}, &fakeAgent{}, fakeVerifier{}, nil)

	rec := postJSON(t, srv, "/api/directline/token", "", map[string]string{"userId": "local-user"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = postJSON(t, srv, "/api/directline/token", "bad-token", map[string]string{"userId": "local-user"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDirectLineRefresh_MissingTokenIs400(t *testing.T) {
	srv := newTestServer(t, testConfig{}, &fakeAgent{}, fakeVerifier{}, nil)

	rec := postJSON(t, srv, "/api/directline/refresh", "good-token", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, srv, "/api/directline/refresh", "good-token", map[string]string{"token": "dl-token"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSSOToken_CacheHitAndMiss(t *testing.T) {
	cache := tokencache.NewInMemory()
	cache.Put("conv-1", tokencache.Entry{Token: "secondary", ExpiresAt: time.Now().Add(time.Hour)})
	srv := newTestServer(t, testConfig{}, &fakeAgent{}, fakeVerifier{}, cache)

	req := httptest.NewRequest(http.MethodGet, "/api/directline/sso/conv-1", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "secondary", body.Token)

	req = httptest.NewRequest(http.MethodGet, "/api/directline/sso/conv-unknown", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit_429AfterBudget(t *testing.T) {
	srv := newTestServer(t, testConfig{rateLimiting: true, rateMax: 2}, &fakeAgent{}, fakeVerifier{}, nil)

	for i := 0; i < 2; i++ {
		rec := postJSON(t, srv, "/api/directline/token", "", map[string]string{"userId": "u"})
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := postJSON(t, srv, "/api/directline/token", "", map[string]string{"userId": "u"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestHealthz(t *testing.T) {
	srv := newTestServer(t, testConfig{}, &fakeAgent{}, fakeVerifier{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
