// Package staticclient adapts a pre-acquired bearer token (for example one
// minted by `az account get-access-token`) to the identity.Client capability.
// It is silent-only: interactive acquisition is not possible without a
// provider SDK, so it reports ErrInteractionRequired unmet.
package staticclient

import (
	"context"
	"sync"
	"time"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/identity"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
)

var _ identity.Client = (*Client)(nil)

type Client struct {
	lock    sync.Mutex
	account *identity.Account
	token   string
	expires time.Time
}

// New builds a client around a fixed token. An empty token means nobody is
// signed in.
func New(userID, username, token string, expires time.Time) *Client {
	c := &Client{token: token, expires: expires}
	if token != "" {
		c.account = &identity.Account{
			HomeAccountID:  userID,
			LocalAccountID: userID,
			Username:       username,
			Name:           username,
		}
	}
	return c
}

func (c *Client) ActiveAccount() *identity.Account {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.account
}

func (c *Client) AcquireSilent(_ context.Context, _ *identity.Account, scopes []string) (*identity.Token, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.token == "" || !c.expires.After(time.Now()) {
		return nil, identity.ErrInteractionRequired
	}
	return &identity.Token{
		Value:     c.token,
		Scopes:    append([]string(nil), scopes...),
		ExpiresAt: c.expires,
	}, nil
}

func (c *Client) AcquireInteractive(context.Context, []string) (*identity.Token, error) {
	return nil, errs.Wrapf(errs.ErrAuthRequired, "static client cannot prompt; supply a fresh token")
}

func (c *Client) SignOut(context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.account = nil
	c.token = ""
	return nil
}
