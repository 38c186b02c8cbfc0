// Package sso resolves mid-conversation sign-in cards silently. When the
// agent asks for a secondary authorization it sends an OAuth card; for a
// signed-in user that card can usually be satisfied without showing anything,
// by exchanging the user's own token through the gateway.
package sso

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/connection"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/identity"
)

// ChannelDataTokenKey is where a resolved secondary token is injected
// before the card activity is redelivered.
const ChannelDataTokenKey = "ssoToken"

const defaultExchangeTimeout = 30 * time.Second

// TokenSource supplies the signed-in user's own token; *authbroker.Broker
// satisfies it.
type TokenSource interface {
	GetToken(ctx context.Context, scopes ...string) (*identity.Token, error)
}

// Exchanger trades the user's bearer for the conversation's secondary
// token; *directline.Client satisfies it.
type Exchanger interface {
	SSOToken(ctx context.Context, bearer, conversationID string) (string, error)
}

type Interceptor struct {
	tokens         TokenSource
	exchanger      Exchanger
	conversationID func() string
	redeliver      func(activity.Activity)

	exchangeTimeout time.Duration
	log             zerolog.Logger

	lock     sync.Mutex
	inflight bool
	fallback map[string]bool // conversations where silent exchange gave up
}

type Option func(*Interceptor)

func WithLogger(log zerolog.Logger) Option {
	return func(i *Interceptor) {
		i.log = log
	}
}

func WithExchangeTimeout(timeout time.Duration) Option {
	return func(i *Interceptor) {
		i.exchangeTimeout = timeout
	}
}

// New builds an interceptor. conversationID reports the live conversation
// (connection.Manager.ConversationID); redeliver hands a resolved or
// given-up card back to the delivery path (connection.Manager.Deliver).
func New(tokens TokenSource, exchanger Exchanger, conversationID func() string, redeliver func(activity.Activity), options ...Option) *Interceptor {
	i := &Interceptor{
		tokens:          tokens,
		exchanger:       exchanger,
		conversationID:  conversationID,
		redeliver:       redeliver,
		exchangeTimeout: defaultExchangeTimeout,
		log:             zerolog.Nop(),
		fallback:        make(map[string]bool),
	}
	for _, opt := range options {
		opt(i)
	}
	return i
}

// Middleware returns the inbound pipeline stage. An OAuth card is
// suppressed and resolved in the background; duplicates arriving while an
// exchange is in flight are suppressed without starting a second one. Once
// an exchange has failed for a conversation, further cards pass through
// untouched so the user can authorize manually.
func (i *Interceptor) Middleware() connection.Middleware {
	return func(act *activity.Activity) bool {
		if !act.HasAttachment(activity.OAuthCardContentType) {
			return true
		}

		conversationID := i.conversationID()
		i.lock.Lock()
		if i.fallback[conversationID] {
			i.lock.Unlock()
			return true
		}
		if i.inflight {
			i.lock.Unlock()
			return false
		}
		i.inflight = true
		i.lock.Unlock()

		go i.exchange(conversationID, *act)
		return false
	}
}

func (i *Interceptor) exchange(conversationID string, card activity.Activity) {
	defer func() {
		i.lock.Lock()
		i.inflight = false
		i.lock.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), i.exchangeTimeout)
	defer cancel()

	token, err := i.resolve(ctx, conversationID)
	if err != nil {
		i.log.Warn().Err(err).
			Str("conversation_id", conversationID).
			Msg("silent sign-in exchange failed, falling back to manual authorization")

		i.lock.Lock()
		i.fallback[conversationID] = true
		i.lock.Unlock()

		// Hand the suppressed card back so the user still sees it.
		i.redeliver(card)
		return
	}

	i.lock.Lock()
	delete(i.fallback, conversationID)
	i.lock.Unlock()

	i.log.Debug().Str("conversation_id", conversationID).Msg("sign-in card resolved silently")
	card.SetChannelData(ChannelDataTokenKey, token)
	i.redeliver(card)
}

func (i *Interceptor) resolve(ctx context.Context, conversationID string) (string, error) {
	userTok, err := i.tokens.GetToken(ctx)
	if err != nil {
		return "", err
	}
	return i.exchanger.SSOToken(ctx, userTok.Value, conversationID)
}
