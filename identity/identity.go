package identity

import (
	"context"
	"errors"
	"time"
)

// ErrInteractionRequired is returned by AcquireSilent when the provider
// cannot satisfy the request without user interaction (missing consent,
// expired refresh grant). Callers escalate to AcquireInteractive.
var ErrInteractionRequired = errors.New("interaction required")

// Account is an opaque handle to a signed-in identity. At most one account
// is active at a time; all token operations resolve against it.
type Account struct {
	HomeAccountID  string // stable cross-tenant identifier
	LocalAccountID string // directory object id within the home tenant
	Username       string
	Name           string
}

// Token is a short-lived, scope-specific access grant. Tokens are held in
// memory only and never written to durable storage.
type Token struct {
	Value     string
	Scopes    []string
	ExpiresAt time.Time
}

// Covers reports whether the token's scope set is an equal-or-superset of
// the requested scopes.
func (t *Token) Covers(scopes []string) bool {
	granted := make(map[string]struct{}, len(t.Scopes))
	for _, s := range t.Scopes {
		granted[s] = struct{}{}
	}
	for _, s := range scopes {
		if _, ok := granted[s]; !ok {
			return false
		}
	}
	return true
}

// ExpiresWithin reports whether the token expires before now+skew.
func (t *Token) ExpiresWithin(now time.Time, skew time.Duration) bool {
	return !t.ExpiresAt.After(now.Add(skew))
}

// Client is the identity-provider capability consumed by the token broker.
// Implementations wrap the actual provider SDK; the broker only depends on
// this surface.
type Client interface {
	// ActiveAccount returns the signed-in account, or nil when nobody is
	// signed in.
	ActiveAccount() *Account

	// AcquireSilent returns a token for the given scopes without user
	// interaction, or ErrInteractionRequired (possibly wrapped) when the
	// provider needs a prompt.
	AcquireSilent(ctx context.Context, account *Account, scopes []string) (*Token, error)

	// AcquireInteractive drives a user-facing prompt and returns the
	// resulting token.
	AcquireInteractive(ctx context.Context, scopes []string) (*Token, error)

	// SignOut clears the active account and any cached grants.
	SignOut(ctx context.Context) error
}
