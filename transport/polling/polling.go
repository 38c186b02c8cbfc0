// Package polling is a minimal REST transport: activities are posted over
// HTTP and received by polling the conversation's activity feed with the
// last seen watermark. It exists so the CLI can run against a Direct-Line
// compatible endpoint without a streaming socket.
package polling

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/transport"
)

const defaultInterval = time.Second

var _ transport.Provider = (*Provider)(nil)

type Provider struct {
	baseURL  string
	httpc    *http.Client
	interval time.Duration
	log      zerolog.Logger
}

type Option func(*Provider)

func WithHTTPClient(httpc *http.Client) Option {
	return func(p *Provider) {
		p.httpc = httpc
	}
}

func WithInterval(interval time.Duration) Option {
	return func(p *Provider) {
		p.interval = interval
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// New builds a provider against a Direct Line v3 style base URL
// (e.g. "https://directline.botframework.com/v3/directline").
func New(baseURL string, options ...Option) *Provider {
	p := &Provider{
		baseURL:  baseURL,
		httpc:    &http.Client{Timeout: 30 * time.Second},
		interval: defaultInterval,
		log:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

func (p *Provider) Open(ctx context.Context, token string, settings transport.Settings) (transport.Conn, error) {
	conversationID := settings.ConversationID
	if conversationID == "" {
		started, err := p.startConversation(ctx, token)
		if err != nil {
			return nil, err
		}
		conversationID = started
	}

	connCtx, cancel := context.WithCancel(context.Background())
	c := &conn{
		provider:       p,
		token:          token,
		conversationID: conversationID,
		watermark:      settings.Watermark,
		onWatermark:    settings.OnWatermark,
		inbound:        make(chan activity.Activity, 32),
		cancel:         cancel,
	}
	go c.poll(connCtx)
	return c, nil
}

func (p *Provider) startConversation(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/conversations", bytes.NewReader(nil))
	if err != nil {
		return "", errs.Wrapf(err, "polling start conversation")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	res, err := p.httpc.Do(req)
	if err != nil {
		return "", errs.Wrapf(errs.ErrTransport, "start conversation: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusOK {
		return "", errs.Wrapf(errs.ErrTransport, "start conversation: status %d", res.StatusCode)
	}

	var body struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return "", errs.Wrapf(errs.ErrTransport, "start conversation: decode: %v", err)
	}
	return body.ConversationID, nil
}

type conn struct {
	provider       *Provider
	token          string
	conversationID string
	onWatermark    func(string)
	inbound        chan activity.Activity
	cancel         context.CancelFunc

	lock      sync.Mutex
	watermark string
	ended     bool
}

func (c *conn) Send(ctx context.Context, act activity.Activity) error {
	payload, err := json.Marshal(act)
	if err != nil {
		return errs.Wrapf(err, "polling send encode")
	}

	url := fmt.Sprintf("%s/conversations/%s/activities", c.provider.baseURL, c.conversationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errs.Wrapf(err, "polling send request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.provider.httpc.Do(req)
	if err != nil {
		return errs.Wrapf(errs.ErrTransport, "post activity: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return errs.Wrapf(errs.ErrTransport, "post activity: status %d", res.StatusCode)
	}
	return nil
}

func (c *conn) Activities() <-chan activity.Activity {
	return c.inbound
}

func (c *conn) End() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if !c.ended {
		c.ended = true
		c.cancel()
	}
	return nil
}

func (c *conn) poll(ctx context.Context) {
	defer close(c.inbound)

	ticker := time.NewTicker(c.provider.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if err := c.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.provider.log.Warn().Err(err).Str("conversation_id", c.conversationID).Msg("activity poll failed")
		}
	}
}

func (c *conn) fetch(ctx context.Context) error {
	c.lock.Lock()
	watermark := c.watermark
	c.lock.Unlock()

	url := fmt.Sprintf("%s/conversations/%s/activities", c.provider.baseURL, c.conversationID)
	if watermark != "" {
		url += "?watermark=" + watermark
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	res, err := c.provider.httpc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("activity feed: status %d", res.StatusCode)
	}

	var body struct {
		Activities []activity.Activity `json:"activities"`
		Watermark  string              `json:"watermark"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return err
	}

	for _, act := range body.Activities {
		select {
		case c.inbound <- act:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if body.Watermark != "" && body.Watermark != watermark {
		c.lock.Lock()
		c.watermark = body.Watermark
		c.lock.Unlock()
		if c.onWatermark != nil {
			c.onWatermark(body.Watermark)
		}
	}
	return nil
}
