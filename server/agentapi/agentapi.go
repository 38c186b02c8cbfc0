// Package agentapi holds the gateway's upstream calls: Direct Line token
// generation and refresh, the on-behalf-of exchange that pre-acquires the
// agent's secondary token, and the speech token service.
package agentapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/config"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
)

const oboGrantType = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// DirectLineToken is an issued or refreshed user-scoped transport token.
type DirectLineToken struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversationId"`
	ExpiresIn      int    `json:"expires_in"`
}

// SecondaryToken is the agent-side token pre-acquired on behalf of the
// signed-in user.
type SecondaryToken struct {
	Token     string
	ExpiresAt time.Time
}

// SpeechToken authorizes the browser against the regional speech service.
type SpeechToken struct {
	Token  string `json:"token"`
	Region string `json:"region"`
}

type Client struct {
	httpc          *http.Client
	directLineBase string
	secret         string
	tokenEndpoint  string
	clientID       string
	clientSecret   string
	oboScopes      []string
	speechKey      string
	speechRegion   string
	environment    *clientcredentials.Config
	log            zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(httpc *http.Client) Option {
	return func(c *Client) {
		c.httpc = httpc
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithTokenEndpoint overrides the identity token endpoint, used by tests.
func WithTokenEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.tokenEndpoint = endpoint
		if c.environment != nil {
			c.environment.TokenURL = endpoint
		}
	}
}

func New(cfg config.AgentConfig, options ...Option) *Client {
	tokenEndpoint := "https://login.microsoftonline.com/" + cfg.GetTenantID() + "/oauth2/v2.0/token"
	c := &Client{
		httpc:          &http.Client{Timeout: 30 * time.Second},
		directLineBase: strings.TrimSuffix(cfg.GetDirectLineBase(), "/"),
		secret:         cfg.GetDirectLineSecret(),
		tokenEndpoint:  tokenEndpoint,
		clientID:       cfg.GetClientID(),
		clientSecret:   cfg.GetClientSecret(),
		oboScopes:      cfg.GetOboScopes(),
		speechKey:      cfg.GetSpeechKey(),
		speechRegion:   cfg.GetSpeechRegion(),
		log:            zerolog.Nop(),
		environment: &clientcredentials.Config{
			ClientID:     cfg.GetClientID(),
			ClientSecret: cfg.GetClientSecret(),
			TokenURL:     tokenEndpoint,
			Scopes:       []string{cfg.GetEnvironmentScope()},
		},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// GenerateToken issues a fresh user-scoped Direct Line token bound to a new
// conversation. The user id is prefixed so arbitrary callers cannot
// impersonate channel-internal identities.
func (c *Client) GenerateToken(ctx context.Context, userID string) (*DirectLineToken, error) {
	bearer, err := c.issuerBearer(ctx)
	if err != nil {
		return nil, err
	}

	body := map[string]any{"user": map[string]string{"id": "dl_" + userID}}
	var out DirectLineToken
	if err := c.postJSON(ctx, c.directLineBase+"/tokens/generate", bearer, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RefreshToken exchanges a live Direct Line token for a new one. The token
// being refreshed is its own authorization.
func (c *Client) RefreshToken(ctx context.Context, token string) (*DirectLineToken, error) {
	var out DirectLineToken
	if err := c.postJSON(ctx, c.directLineBase+"/tokens/refresh", token, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeSecondaryToken trades the user's verified assertion for the
// agent's secondary token via the on-behalf-of grant.
func (c *Client) ExchangeSecondaryToken(ctx context.Context, userAssertion string) (*SecondaryToken, error) {
	form := url.Values{
		"grant_type":          {oboGrantType},
		"client_id":           {c.clientID},
		"client_secret":       {c.clientSecret},
		"assertion":           {userAssertion},
		"scope":               {strings.Join(c.oboScopes, " ")},
		"requested_token_use": {"on_behalf_of"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errs.Wrapf(err, "agentapi obo request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrTransport, "obo exchange: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
		c.log.Warn().Int("status", res.StatusCode).Msg("on-behalf-of exchange rejected")
		return nil, errs.Wrapf(errs.ErrConsentRequired, "obo exchange (status %d): %s", res.StatusCode, detail)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return nil, errs.Wrapf(errs.ErrTransport, "obo exchange: decode response: %v", err)
	}

	return &SecondaryToken{
		Token:     body.AccessToken,
		ExpiresAt: tokenExpiry(body.AccessToken, body.ExpiresIn),
	}, nil
}

// SpeechToken issues a short-lived token from the regional STS endpoint.
func (c *Client) SpeechToken(ctx context.Context) (*SpeechToken, error) {
	if c.speechKey == "" {
		return nil, errs.Wrapf(errs.ErrUnsupported, "speech service not configured")
	}

	endpoint := "https://" + c.speechRegion + ".api.cognitive.microsoft.com/sts/v1.0/issueToken"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, errs.Wrapf(err, "agentapi speech request")
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.speechKey)

	res, err := c.httpc.Do(req)
	if err != nil {
		return nil, errs.Wrapf(errs.ErrTransport, "speech token: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, errs.Wrapf(errs.ErrTransport, "speech token (status %d)", res.StatusCode)
	}

	token, err := io.ReadAll(io.LimitReader(res.Body, 16384))
	if err != nil {
		return nil, errs.Wrapf(errs.ErrTransport, "speech token: read response: %v", err)
	}
	return &SpeechToken{Token: string(token), Region: c.speechRegion}, nil
}

// issuerBearer picks the credential used against the Direct Line token
// endpoint: the channel secret when one is configured, otherwise a
// client-credentials environment token for a Power-Platform-hosted agent.
func (c *Client) issuerBearer(ctx context.Context) (string, error) {
	if c.secret != "" {
		return c.secret, nil
	}
	tok, err := c.environment.Token(ctx)
	if err != nil {
		return "", errs.Wrapf(errs.ErrProvider, "environment token: %v", err)
	}
	return tok.AccessToken, nil
}

func (c *Client) postJSON(ctx context.Context, endpoint, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errs.Wrapf(err, "agentapi encode %s", endpoint)
		}
		reader = strings.NewReader(string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		return errs.Wrapf(err, "agentapi request %s", endpoint)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		return errs.Wrapf(errs.ErrTransport, "POST %s: %v", endpoint, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return errs.Wrapf(errs.ErrAuthRequired, "POST %s (status %d)", endpoint, res.StatusCode)
	case res.StatusCode < 200 || res.StatusCode > 299:
		return errs.Wrapf(errs.ErrTransport, "POST %s (status %d)", endpoint, res.StatusCode)
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errs.Wrapf(errs.ErrTransport, "POST %s: decode response: %v", endpoint, err)
	}
	return nil
}

// tokenExpiry prefers the exp claim of the token itself over the advertised
// lifetime; the claim is read without signature verification because the
// token is only cached, never trusted, on this side.
func tokenExpiry(rawToken string, expiresIn int) time.Time {
	fallback := time.Now().Add(time.Duration(expiresIn) * time.Second)

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(rawToken, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}
