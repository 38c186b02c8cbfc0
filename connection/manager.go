// Package connection maintains exactly one live transport connection per
// active session: it obtains the transport token, seeds cached history,
// keeps the token fresh ahead of expiry, and recovers from failure.
package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/directline"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/identity"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/sessionstore"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/transport"
)

const (
	// DefaultRefreshMargin is how long before token expiry the refresh
	// fires.
	DefaultRefreshMargin = 5 * time.Minute

	// DefaultMinRefreshDelay bounds the schedule against pathologically
	// short-lived tokens.
	DefaultMinRefreshDelay = 10 * time.Second

	defaultMaxRefreshFailures = 3
	defaultRetryAttempts      = 3
	defaultRetryBase          = 500 * time.Millisecond
)

// TokenSource supplies the caller's own access token; *authbroker.Broker
// satisfies it.
type TokenSource interface {
	GetToken(ctx context.Context, scopes ...string) (*identity.Token, error)
	Account() *identity.Account
}

// TokenAPI is the slice of the gateway client the manager needs;
// *directline.Client satisfies it.
type TokenAPI interface {
	Token(ctx context.Context, bearer, userID string) (*directline.TokenResponse, error)
	Refresh(ctx context.Context, bearer, token string) (*directline.RefreshResponse, error)
}

type Manager struct {
	tokens   TokenSource
	api      TokenAPI
	store    *sessionstore.Store
	provider transport.Provider

	inbound    []Middleware
	outbound   []Middleware
	onActivity func(activity.Activity)

	refreshMargin      time.Duration
	minRefreshDelay    time.Duration
	maxRefreshFailures int
	retryAttempts      int
	retryBase          time.Duration
	nowFunc            func() time.Time
	log                zerolog.Logger

	lock            sync.Mutex
	state           State
	gen             int // bumped on every teardown; late results from old generations are discarded
	sessionID       string
	conversationID  string
	token           string
	expiresAt       time.Time
	conn            transport.Conn
	refreshTimer    *time.Timer
	refreshFailures int
	pending         []string
	initializing    string
	subs            map[int]func(State)
	nextSub         int
}

type Option func(*Manager)

func WithRefreshMargin(margin time.Duration) Option {
	return func(m *Manager) {
		m.refreshMargin = margin
	}
}

func WithMinRefreshDelay(min time.Duration) Option {
	return func(m *Manager) {
		m.minRefreshDelay = min
	}
}

func WithMaxRefreshFailures(max int) Option {
	return func(m *Manager) {
		m.maxRefreshFailures = max
	}
}

func WithRetry(attempts int, base time.Duration) Option {
	return func(m *Manager) {
		m.retryAttempts = attempts
		m.retryBase = base
	}
}

func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// WithInboundMiddleware appends stages to the inbound pipeline, run in the
// order given before persistence and delivery.
func WithInboundMiddleware(stages ...Middleware) Option {
	return func(m *Manager) {
		m.inbound = append(m.inbound, stages...)
	}
}

// WithOutboundMiddleware appends stages to the outbound pipeline.
func WithOutboundMiddleware(stages ...Middleware) Option {
	return func(m *Manager) {
		m.outbound = append(m.outbound, stages...)
	}
}

// WithOnActivity sets the delivery callback the UI binds to. It receives
// replayed history on connect and every surviving pipeline activity after.
func WithOnActivity(fn func(activity.Activity)) Option {
	return func(m *Manager) {
		m.onActivity = fn
	}
}

func New(tokens TokenSource, api TokenAPI, store *sessionstore.Store, provider transport.Provider, options ...Option) *Manager {
	m := &Manager{
		tokens:             tokens,
		api:                api,
		store:              store,
		provider:           provider,
		refreshMargin:      DefaultRefreshMargin,
		minRefreshDelay:    DefaultMinRefreshDelay,
		maxRefreshFailures: defaultMaxRefreshFailures,
		retryAttempts:      defaultRetryAttempts,
		retryBase:          defaultRetryBase,
		nowFunc:            time.Now,
		log:                zerolog.Nop(),
		subs:               make(map[int]func(State)),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.state
}

// SessionID returns the session the manager is bound to, or "".
func (m *Manager) SessionID() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.sessionID
}

// ConversationID returns the live transport conversation id, or "".
func (m *Manager) ConversationID() string {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.conversationID
}

// SubscribeState registers fn for state change notifications. The returned
// function removes the subscription.
func (m *Manager) SubscribeState(fn func(State)) func() {
	m.lock.Lock()
	defer m.lock.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.lock.Lock()
		defer m.lock.Unlock()
		delete(m.subs, id)
	}
}

// Connect opens a transport connection for the given session. It is a
// no-op when the manager is already connecting or online for that session.
func (m *Manager) Connect(ctx context.Context, sessionID string) error {
	m.lock.Lock()
	if m.sessionID == sessionID {
		switch m.state {
		case StateConnecting, StateOnline, StateRefreshing:
			m.lock.Unlock()
			return nil
		}
	}
	if m.initializing == sessionID {
		m.lock.Unlock()
		return nil
	}
	if m.sessionID != "" && m.sessionID != sessionID {
		// Switching sessions: queued messages belonged to the old one.
		m.pending = nil
	}
	m.teardownLocked()
	m.initializing = sessionID
	m.sessionID = sessionID
	m.setStateLocked(StateConnecting)
	gen := m.gen
	m.lock.Unlock()

	err := m.open(ctx, sessionID, gen)

	m.lock.Lock()
	if m.gen == gen {
		m.initializing = ""
		if err != nil {
			m.setStateLocked(StateFailed)
		}
	}
	m.lock.Unlock()
	return err
}

func (m *Manager) open(ctx context.Context, sessionID string, gen int) error {
	sess, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return errs.Wrapf(err, "connect %s", sessionID)
	}

	userTok, err := m.tokens.GetToken(ctx)
	if err != nil {
		// AuthRequired propagates untouched so the UI can surface its
		// connect/authorize call to action.
		return err
	}

	var resp *directline.TokenResponse
	err = m.withRetry(ctx, func() error {
		var apiErr error
		resp, apiErr = m.api.Token(ctx, userTok.Value, sess.UserID)
		return apiErr
	})
	if err != nil {
		return err
	}

	conversationID := sess.ConversationID
	if conversationID == "" {
		conversationID = resp.ConversationID
		if err := m.store.BindConversation(ctx, sessionID, conversationID); err != nil {
			return err
		}
	}

	history, err := m.store.Activities(ctx, sessionID)
	if err != nil {
		return errs.Wrapf(err, "seed history for %s", sessionID)
	}

	settings := transport.Settings{
		ConversationID: conversationID,
		Watermark:      sess.Watermark,
		OnWatermark: func(watermark string) {
			if !m.current(gen) {
				return
			}
			if err := m.store.UpdateWatermark(context.Background(), sessionID, watermark); err != nil {
				m.log.Warn().Err(err).Str("session_id", sessionID).Msg("watermark update failed")
			}
		},
	}

	var conn transport.Conn
	err = m.withRetry(ctx, func() error {
		var openErr error
		conn, openErr = m.provider.Open(ctx, resp.Token, settings)
		return openErr
	})
	if err != nil {
		return err
	}

	m.lock.Lock()
	if m.gen != gen {
		// The session was torn down or switched while the handshake was
		// outstanding; discard the result.
		m.lock.Unlock()
		_ = conn.End()
		return nil
	}
	m.conn = conn
	m.conversationID = conversationID
	m.token = resp.Token
	m.expiresAt = m.nowFunc().Add(time.Duration(resp.ExpiresIn) * time.Second)
	m.refreshFailures = 0
	m.setStateLocked(StateOnline)
	pending := m.pending
	m.pending = nil
	m.scheduleRefreshLocked(gen)
	m.lock.Unlock()

	m.log.Info().
		Str("session_id", sessionID).
		Str("conversation_id", conversationID).
		Int("cached_activities", len(history)).
		Msg("connection online")

	for _, act := range history {
		m.deliver(act)
	}
	go m.read(gen, conn)

	for _, text := range pending {
		if err := m.post(ctx, conn, sessionID, text); err != nil {
			m.log.Warn().Err(err).Msg("queued message send failed")
		}
	}
	return nil
}

// StartSession creates a fresh session for the active account and connects
// it. The conversation id is bound on first connect.
func (m *Manager) StartSession(ctx context.Context) (*sessionstore.Session, error) {
	account := m.tokens.Account()
	if account == nil {
		return nil, errs.ErrNoActiveAccount
	}

	sess, err := m.store.CreateSession(ctx, "", account.LocalAccountID)
	if err != nil {
		return nil, err
	}
	if err := m.Connect(ctx, sess.SessionID); err != nil {
		return nil, err
	}
	return sess, nil
}

// Send routes an outbound message. With no active session a new one is
// created and connected; while a connect is in progress the text is queued
// and flushed exactly once when the connection comes online. Send fails
// with ErrNotConnected once the connection has failed.
func (m *Manager) Send(ctx context.Context, text string) error {
	m.lock.Lock()
	switch m.state {
	case StateOnline, StateRefreshing:
		conn, sessionID := m.conn, m.sessionID
		m.lock.Unlock()
		return m.post(ctx, conn, sessionID, text)

	case StateConnecting:
		m.pending = append(m.pending, text)
		m.lock.Unlock()
		return nil

	case StateFailed:
		m.lock.Unlock()
		return errs.ErrNotConnected

	default: // StateDisconnected
		m.pending = append(m.pending, text)
		sessionID := m.sessionID
		m.lock.Unlock()

		if sessionID == "" {
			sessionID = m.store.ActiveSessionID()
		}
		if sessionID == "" {
			_, err := m.StartSession(ctx)
			return err
		}
		return m.Connect(ctx, sessionID)
	}
}

// Reconnect tears down any existing transport and timer and re-enters
// Connecting for the current session.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.lock.Lock()
	sessionID := m.sessionID
	m.teardownLocked()
	m.lock.Unlock()

	if sessionID == "" {
		return errs.ErrSessionNotFound
	}
	return m.Connect(ctx, sessionID)
}

// Disconnect cancels the refresh timer, closes the transport, and returns
// to Disconnected. Outstanding handshake or refresh results are discarded.
func (m *Manager) Disconnect() {
	m.lock.Lock()
	m.teardownLocked()
	m.pending = nil
	m.sessionID = ""
	m.lock.Unlock()
}

func (m *Manager) post(ctx context.Context, conn transport.Conn, sessionID, text string) error {
	from := activity.ChannelAccount{Role: activity.RoleUser}
	if account := m.tokens.Account(); account != nil {
		from.ID = account.LocalAccountID
		from.Name = account.Name
	}
	act := activity.Activity{
		ID:        uuid.NewString(),
		Type:      activity.TypeMessage,
		From:      from,
		Text:      text,
		Timestamp: m.nowFunc(),
	}

	if !runPipeline(m.outbound, &act) {
		return nil
	}
	if err := conn.Send(ctx, act); err != nil {
		return errs.Wrapf(err, "send on %s", sessionID)
	}
	if err := m.store.AppendActivity(ctx, sessionID, act); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("outbound activity not persisted")
	}
	m.deliver(act)
	return nil
}

func (m *Manager) read(gen int, conn transport.Conn) {
	for act := range conn.Activities() {
		if !m.current(gen) {
			return
		}
		m.handleInbound(gen, act)
	}

	// The inbound stream closed underneath a live connection.
	m.lock.Lock()
	if m.gen == gen && (m.state == StateOnline || m.state == StateRefreshing) {
		m.log.Warn().Str("session_id", m.sessionID).Msg("inbound stream closed, connection failed")
		m.setStateLocked(StateFailed)
	}
	m.lock.Unlock()
}

func (m *Manager) handleInbound(gen int, act activity.Activity) {
	if act.ID == "" {
		act.ID = uuid.NewString()
	}
	if !runPipeline(m.inbound, &act) {
		return
	}

	m.lock.Lock()
	sessionID := m.sessionID
	m.lock.Unlock()
	if sessionID == "" {
		return
	}

	if err := m.store.AppendActivity(context.Background(), sessionID, act); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID).Msg("inbound activity not persisted")
	}
	m.deliver(act)
}

// Deliver hands an activity straight to the delivery callback, bypassing
// the transport. The SSO interceptor uses it to resubmit a resolved
// authorization card.
func (m *Manager) Deliver(act activity.Activity) {
	m.deliver(act)
}

func (m *Manager) deliver(act activity.Activity) {
	if m.onActivity != nil {
		m.onActivity(act)
	}
}

func (m *Manager) scheduleRefreshLocked(gen int) {
	delay := refreshDelay(m.expiresAt.Sub(m.nowFunc()), m.refreshMargin, m.minRefreshDelay)
	m.refreshTimer = time.AfterFunc(delay, func() {
		m.refresh(gen)
	})
}

// refresh renews the transport token in the background. The connection
// stays usable throughout; a failed renewal is a soft warning until the
// consecutive-failure bound is hit, at which point the state goes Failed
// while the live transport keeps working until the provider rejects it.
func (m *Manager) refresh(gen int) {
	m.lock.Lock()
	if m.gen != gen || (m.state != StateOnline && m.state != StateRefreshing) {
		m.lock.Unlock()
		return
	}
	m.setStateLocked(StateRefreshing)
	token := m.token
	m.lock.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var resp *directline.RefreshResponse
	userTok, err := m.tokens.GetToken(ctx)
	if err == nil {
		err = m.withRetry(ctx, func() error {
			var apiErr error
			resp, apiErr = m.api.Refresh(ctx, userTok.Value, token)
			return apiErr
		})
	}

	m.lock.Lock()
	defer m.lock.Unlock()
	if m.gen != gen {
		return
	}

	if err != nil {
		m.refreshFailures++
		m.log.Warn().Err(err).
			Int("failures", m.refreshFailures).
			Str("session_id", m.sessionID).
			Msg("token refresh failed")

		if m.refreshFailures >= m.maxRefreshFailures {
			m.setStateLocked(StateFailed)
			return
		}
		m.setStateLocked(StateOnline)
		backoff := m.retryBase << uint(m.refreshFailures)
		m.refreshTimer = time.AfterFunc(backoff, func() {
			m.refresh(gen)
		})
		return
	}

	m.refreshFailures = 0
	m.token = resp.Token
	m.expiresAt = m.nowFunc().Add(time.Duration(resp.ExpiresIn) * time.Second)
	m.setStateLocked(StateOnline)
	m.scheduleRefreshLocked(gen)
}

// withRetry runs op, retrying network-class failures with exponential
// backoff up to the configured attempt bound. Auth and consent errors are
// never retried.
func (m *Manager) withRetry(ctx context.Context, op func() error) error {
	var err error
	delay := m.retryBase
	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
		if err = op(); err == nil {
			return nil
		}
		if !errs.Is(err, errs.ErrTransport) && !errs.Is(err, errs.ErrProvider) {
			return err
		}
	}
	return err
}

func (m *Manager) current(gen int) bool {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.gen == gen
}

// teardownLocked releases the timer and transport on every exit path and
// invalidates outstanding async results.
func (m *Manager) teardownLocked() {
	m.gen++
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	if m.conn != nil {
		_ = m.conn.End()
		m.conn = nil
	}
	m.conversationID = ""
	m.token = ""
	m.refreshFailures = 0
	m.initializing = ""
	m.setStateLocked(StateDisconnected)
}

func (m *Manager) setStateLocked(state State) {
	if m.state == state {
		return
	}
	m.state = state

	fns := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	go func() {
		for _, fn := range fns {
			fn(state)
		}
	}()
}

// refreshDelay computes when the refresh fires: margin ahead of expiry,
// never sooner than the minimum delay.
func refreshDelay(untilExpiry, margin, min time.Duration) time.Duration {
	delay := untilExpiry - margin
	if delay < min {
		return min
	}
	return delay
}
