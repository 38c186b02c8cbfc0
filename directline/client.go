// Package directline is the typed client for the backend gateway's token
// endpoints. Every call except token issuance in degraded mode carries the
// caller's bearer access token.
package directline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
)

// TokenResponse is the body of POST /api/directline/token.
type TokenResponse struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversationId"`
	ExpiresIn      int    `json:"expiresIn"` // seconds
}

// RefreshResponse is the body of POST /api/directline/refresh.
type RefreshResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"` // seconds
}

// SpeechTokenResponse is the body of GET /api/speech/token.
type SpeechTokenResponse struct {
	Token  string `json:"token"`
	Region string `json:"region"`
}

type Client struct {
	baseURL string
	httpc   *http.Client
	log     zerolog.Logger
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

// New builds a client for the gateway at baseURL (e.g. "https://host/api").
func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 30 * time.Second},
		log:     zerolog.Nop(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Token requests a new user-scoped transport token and conversation.
func (c *Client) Token(ctx context.Context, bearer, userID string) (*TokenResponse, error) {
	var out TokenResponse
	err := c.do(ctx, http.MethodPost, "/directline/token", bearer, map[string]string{"userId": userID}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Refresh exchanges a live transport token for a fresh one before expiry.
func (c *Client) Refresh(ctx context.Context, bearer, token string) (*RefreshResponse, error) {
	var out RefreshResponse
	err := c.do(ctx, http.MethodPost, "/directline/refresh", bearer, map[string]string{"token": token}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SSOToken retrieves the pre-cached secondary token for a conversation,
// used to resolve an authorization card silently.
func (c *Client) SSOToken(ctx context.Context, bearer, conversationID string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.do(ctx, http.MethodGet, "/directline/sso/"+conversationID, bearer, nil, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

// SpeechToken issues a short-lived speech-service authorization token.
func (c *Client) SpeechToken(ctx context.Context, bearer string) (*SpeechTokenResponse, error) {
	var out SpeechTokenResponse
	err := c.do(ctx, http.MethodGet, "/speech/token", bearer, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errs.Wrapf(err, "directline encode %s", path)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrapf(err, "directline request %s", path)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := c.httpc.Do(req)
	if err != nil {
		return errs.Wrapf(errs.ErrTransport, "%s %s: %v", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return c.statusError(method, path, res)
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errs.Wrapf(errs.ErrTransport, "%s %s: decode response: %v", method, path, err)
	}
	return nil
}

// statusError maps gateway status codes onto the client error taxonomy:
// 401 means the bearer was rejected, 403 is a backend-reported consent
// failure routed to the explicit consent path, everything else is a
// retryable transport error.
func (c *Client) statusError(method, path string, res *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(res.Body).Decode(&body)
	if body.Error == "" {
		body.Error = res.Status
	}
	c.log.Debug().Int("status", res.StatusCode).Str("path", path).Str("error", body.Error).Msg("gateway call failed")

	detail := fmt.Sprintf("%s %s: %s", method, path, body.Error)
	switch res.StatusCode {
	case http.StatusUnauthorized:
		return errs.Wrapf(errs.ErrAuthRequired, "%s", detail)
	case http.StatusForbidden:
		return errs.Wrapf(errs.ErrConsentRequired, "%s", detail)
	default:
		return errs.Wrapf(errs.ErrTransport, "%s (status %d)", detail, res.StatusCode)
	}
}
