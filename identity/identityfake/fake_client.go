package identityfake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/identity"
)

var _ identity.Client = (*FakeClient)(nil)

// FakeClient is a scripted identity client for tests. Error fields are
// consumed in order: SilentErr applies to every AcquireSilent call until
// cleared; InteractiveErr likewise.
type FakeClient struct {
	lock sync.Mutex

	Account         *identity.Account
	SilentErr       error
	InteractiveErr  error
	TokenLifetime   time.Duration
	SilentGate      chan struct{} // when non-nil, AcquireSilent blocks until closed
	InteractiveGate chan struct{} // when non-nil, AcquireInteractive blocks until closed

	SilentCalls      int
	InteractiveCalls int
	SignOutCalls     int
	LastScopes       []string

	issued int
}

func NewFakeClient(account *identity.Account) *FakeClient {
	return &FakeClient{
		Account:       account,
		TokenLifetime: time.Hour,
	}
}

func (c *FakeClient) ActiveAccount() *identity.Account {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.Account
}

func (c *FakeClient) AcquireSilent(_ context.Context, _ *identity.Account, scopes []string) (*identity.Token, error) {
	c.lock.Lock()
	gate := c.SilentGate
	c.lock.Unlock()
	if gate != nil {
		<-gate
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.SilentCalls++
	c.LastScopes = scopes
	if c.SilentErr != nil {
		return nil, c.SilentErr
	}
	return c.issueLocked(scopes), nil
}

func (c *FakeClient) AcquireInteractive(_ context.Context, scopes []string) (*identity.Token, error) {
	c.lock.Lock()
	gate := c.InteractiveGate
	c.lock.Unlock()
	if gate != nil {
		<-gate
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.InteractiveCalls++
	c.LastScopes = scopes
	if c.InteractiveErr != nil {
		return nil, c.InteractiveErr
	}
	return c.issueLocked(scopes), nil
}

func (c *FakeClient) SignOut(_ context.Context) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.SignOutCalls++
	c.Account = nil
	return nil
}

func (c *FakeClient) issueLocked(scopes []string) *identity.Token {
	c.issued++
	return &identity.Token{
		Value:     fmt.Sprintf("fake-token-%d", c.issued),
		Scopes:    append([]string(nil), scopes...),
		ExpiresAt: time.Now().Add(c.TokenLifetime),
	}
}
