// Package authbroker turns a standing identity session into short-lived,
// scope-specific access tokens. Acquisition is silent-first: a cached grant
// covering the requested scopes is returned without I/O, a silent provider
// call is attempted next, and only an "interaction required" condition
// escalates to the interactive consent flow.
package authbroker

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/identity"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
)

// DefaultExpirySkew is how close to expiry a cached token may be before the
// broker treats it as expired and re-acquires.
const DefaultExpirySkew = 30 * time.Second

type Broker struct {
	client        identity.Client
	scopes        []string
	consentScopes []string
	expirySkew    time.Duration
	nowFunc       func() time.Time
	log           zerolog.Logger

	group singleflight.Group

	lock    sync.Mutex
	cached  []*identity.Token
	status  InteractionStatus
	subs    map[int]func(InteractionStatus)
	nextSub int
}

type Option func(*Broker)

// WithScopes sets the default scope set used when GetToken is called with
// no explicit scopes.
func WithScopes(scopes ...string) Option {
	return func(b *Broker) {
		b.scopes = scopes
	}
}

// WithConsentScopes sets the expanded scope set carried by the interactive
// fallback and by Consent. It is designed to force a one-time user consent
// covering every downstream permission.
func WithConsentScopes(scopes ...string) Option {
	return func(b *Broker) {
		b.consentScopes = scopes
	}
}

func WithExpirySkew(skew time.Duration) Option {
	return func(b *Broker) {
		b.expirySkew = skew
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(b *Broker) {
		b.nowFunc = now
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(b *Broker) {
		b.log = log
	}
}

func New(client identity.Client, options ...Option) *Broker {
	b := &Broker{
		client:        client,
		scopes:        []string{"User.Read"},
		consentScopes: []string{"Calendars.ReadWrite", "People.Read"},
		expirySkew:    DefaultExpirySkew,
		nowFunc:       time.Now,
		log:           zerolog.Nop(),
		subs:          make(map[int]func(InteractionStatus)),
	}

	for _, opt := range options {
		opt(b)
	}
	return b
}

// Account returns the active identity account, or nil when signed out.
func (b *Broker) Account() *identity.Account {
	return b.client.ActiveAccount()
}

// GetToken returns a valid access token for the requested scopes (the
// broker's default scope set when none are given).
//
// Resolution order: cached grant covering the scopes, silent acquisition,
// interactive fallback with the expanded consent scope set. Concurrent
// calls for the same scope set share one provider round trip.
func (b *Broker) GetToken(ctx context.Context, scopes ...string) (*identity.Token, error) {
	account := b.client.ActiveAccount()
	if account == nil {
		return nil, errs.ErrNoActiveAccount
	}
	if len(scopes) == 0 {
		scopes = b.scopes
	}

	if tok := b.cachedToken(scopes); tok != nil {
		return tok, nil
	}

	v, err, _ := b.group.Do(scopeKey(scopes), func() (interface{}, error) {
		// A concurrent caller may have populated the cache while this
		// call waited on the flight group.
		if tok := b.cachedToken(scopes); tok != nil {
			return tok, nil
		}
		return b.acquire(ctx, account, scopes)
	})
	if err != nil {
		return nil, err
	}
	return v.(*identity.Token), nil
}

func (b *Broker) acquire(ctx context.Context, account *identity.Account, scopes []string) (*identity.Token, error) {
	tok, err := b.client.AcquireSilent(ctx, account, scopes)
	if err == nil {
		b.storeToken(tok)
		return tok, nil
	}
	if !errs.Is(err, identity.ErrInteractionRequired) {
		b.log.Error().Err(err).Strs("scopes", scopes).Msg("silent token acquisition failed")
		return nil, errs.Wrapf(errs.ErrProvider, "silent acquisition for %q", scopeKey(scopes))
	}

	b.log.Warn().Strs("scopes", scopes).Msg("silent token acquisition requires interaction, escalating to consent prompt")

	if err := b.beginInteraction(); err != nil {
		return nil, err
	}
	defer b.endInteraction()

	tok, err = b.client.AcquireInteractive(ctx, unionScopes(b.consentScopes, scopes))
	if err != nil {
		b.log.Error().Err(err).Msg("interactive token acquisition failed or was cancelled")
		return nil, errs.Wrapf(errs.ErrAuthRequired, "interactive acquisition for %q", scopeKey(scopes))
	}

	b.storeToken(tok)
	return tok, nil
}

// Login drives a top-level interactive sign-in. It is a no-op while another
// interactive operation is in flight.
func (b *Broker) Login(ctx context.Context) error {
	if err := b.beginInteraction(); err != nil {
		b.log.Debug().Msg("login skipped, interaction already in progress")
		return nil
	}
	defer b.endInteraction()

	tok, err := b.client.AcquireInteractive(ctx, b.scopes)
	if err != nil {
		return errs.Wrapf(errs.ErrAuthRequired, "login")
	}
	b.storeToken(tok)
	return nil
}

// Logout signs the active account out and drops every cached grant. It is a
// no-op while another interactive operation is in flight.
func (b *Broker) Logout(ctx context.Context) error {
	if err := b.beginInteraction(); err != nil {
		b.log.Debug().Msg("logout skipped, interaction already in progress")
		return nil
	}
	defer b.endInteraction()

	if err := b.client.SignOut(ctx); err != nil {
		return errs.Wrapf(errs.ErrProvider, "sign out")
	}

	b.lock.Lock()
	b.cached = nil
	b.lock.Unlock()
	return nil
}

// Consent explicitly triggers the interactive consent prompt. It is used
// when a downstream collaborator reports a consent error even though a
// token was nominally obtained.
func (b *Broker) Consent(ctx context.Context) (*identity.Token, error) {
	if b.client.ActiveAccount() == nil {
		return nil, errs.ErrNoActiveAccount
	}
	if err := b.beginInteraction(); err != nil {
		return nil, err
	}
	defer b.endInteraction()

	tok, err := b.client.AcquireInteractive(ctx, unionScopes(b.consentScopes, b.scopes))
	if err != nil {
		return nil, errs.Wrapf(errs.ErrAuthRequired, "consent prompt")
	}
	b.storeToken(tok)
	return tok, nil
}

// Status returns the current process-wide interaction status.
func (b *Broker) Status() InteractionStatus {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.status
}

// SubscribeStatus registers fn to be called on every interaction status
// change. The returned function removes the subscription.
func (b *Broker) SubscribeStatus(fn func(InteractionStatus)) func() {
	b.lock.Lock()
	defer b.lock.Unlock()

	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	return func() {
		b.lock.Lock()
		defer b.lock.Unlock()
		delete(b.subs, id)
	}
}

func (b *Broker) beginInteraction() error {
	b.lock.Lock()
	if b.status != InteractionIdle {
		b.lock.Unlock()
		return errs.ErrInteractionBusy
	}
	b.status = InteractionStarting
	fns := make([]func(InteractionStatus), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.lock.Unlock()

	for _, fn := range fns {
		fn(InteractionStarting)
	}
	b.setStatus(InteractionInProgress)
	return nil
}

func (b *Broker) endInteraction() {
	b.setStatus(InteractionIdle)
}

// setStatus updates the status and notifies subscribers in order. Callbacks
// run outside the lock so a subscriber may call back into the broker.
func (b *Broker) setStatus(status InteractionStatus) {
	b.lock.Lock()
	if b.status == status {
		b.lock.Unlock()
		return
	}
	b.status = status
	fns := make([]func(InteractionStatus), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.lock.Unlock()

	for _, fn := range fns {
		fn(status)
	}
}

func (b *Broker) cachedToken(scopes []string) *identity.Token {
	b.lock.Lock()
	defer b.lock.Unlock()

	now := b.nowFunc()
	kept := b.cached[:0]
	var found *identity.Token
	for _, tok := range b.cached {
		if tok.ExpiresWithin(now, b.expirySkew) {
			continue
		}
		kept = append(kept, tok)
		if found == nil && tok.Covers(scopes) {
			found = tok
		}
	}
	b.cached = kept
	return found
}

func (b *Broker) storeToken(tok *identity.Token) {
	b.lock.Lock()
	defer b.lock.Unlock()

	// Drop grants the new token supersedes.
	kept := b.cached[:0]
	for _, cached := range b.cached {
		if tok.Covers(cached.Scopes) {
			continue
		}
		kept = append(kept, cached)
	}
	b.cached = append(kept, tok)
}

func scopeKey(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, " ")
}

func unionScopes(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	union := make([]string, 0, len(a)+len(b))
	for _, s := range append(append([]string(nil), a...), b...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		union = append(union, s)
	}
	return union
}
