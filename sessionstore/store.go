// Package sessionstore owns durable, reactive storage of chat sessions and
// their cached activity history. Sessions are created on the first outbound
// message of a new chat, appended to while activities stream in, and read
// back once at connection-open time to seed history.
package sessionstore

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
)

// DefaultTitle is assigned to freshly created sessions until renamed.
const DefaultTitle = "New Chat"

type Store struct {
	repo    Repo
	nowFunc func() time.Time
	log     zerolog.Logger

	lock            sync.Mutex
	activeSessionID string
	subs            map[int]chan struct{}
	nextSub         int
}

type Option func(*Store)

func WithNowFunc(now func() time.Time) Option {
	return func(s *Store) {
		s.nowFunc = now
	}
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *Store) {
		s.log = log
	}
}

func New(repo Repo, options ...Option) *Store {
	s := &Store{
		repo:    repo,
		nowFunc: time.Now,
		log:     zerolog.Nop(),
		subs:    make(map[int]chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// CreateSession allocates a new session with empty history and makes it the
// active session.
func (s *Store) CreateSession(ctx context.Context, conversationID, userID string) (*Session, error) {
	now := s.nowFunc()
	session := &Session{
		SessionID:      uuid.NewString(),
		ConversationID: conversationID,
		UserID:         userID,
		Title:          DefaultTitle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Insert(ctx, session); err != nil {
		return nil, errors.Wrap(err, "Store.CreateSession Insert")
	}

	s.lock.Lock()
	s.activeSessionID = session.SessionID
	s.lock.Unlock()

	s.notify()
	return session, nil
}

// Session looks a session up by id, archived or not.
func (s *Store) Session(ctx context.Context, sessionID string) (*Session, error) {
	return s.repo.Get(ctx, sessionID)
}

// AppendActivity caches an activity on a session. Appends are idempotent by
// activity id; a duplicate is dropped without touching UpdatedAt.
func (s *Store) AppendActivity(ctx context.Context, sessionID string, act activity.Activity) error {
	added, err := s.repo.AppendActivity(ctx, sessionID, act, s.nowFunc())
	if err != nil {
		return errors.Wrap(err, "Store.AppendActivity")
	}
	if added {
		s.notify()
	}
	return nil
}

// Activities returns the cached history in arrival order, used to seed a
// reopened connection.
func (s *Store) Activities(ctx context.Context, sessionID string) ([]activity.Activity, error) {
	return s.repo.Activities(ctx, sessionID)
}

// ActiveSessions returns the unarchived sessions for a user ordered by
// UpdatedAt descending.
func (s *Store) ActiveSessions(ctx context.Context, userID string) ([]*Session, error) {
	return s.repo.ListActive(ctx, userID)
}

// UpdateWatermark records a server-issued resume cursor. The watermark only
// ever advances; a stale value is ignored.
func (s *Store) UpdateWatermark(ctx context.Context, sessionID, watermark string) error {
	session, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		return errors.Wrap(err, "Store.UpdateWatermark Get")
	}
	if !watermarkAdvances(session.Watermark, watermark) {
		s.log.Debug().
			Str("session_id", sessionID).
			Str("current", session.Watermark).
			Str("proposed", watermark).
			Msg("ignoring stale watermark")
		return nil
	}

	if err := s.repo.SetWatermark(ctx, sessionID, watermark, s.nowFunc()); err != nil {
		return errors.Wrap(err, "Store.UpdateWatermark SetWatermark")
	}
	s.notify()
	return nil
}

// BindConversation records the transport conversation id on a session
// created ahead of its first connect.
func (s *Store) BindConversation(ctx context.Context, sessionID, conversationID string) error {
	if err := s.repo.SetConversationID(ctx, sessionID, conversationID, s.nowFunc()); err != nil {
		return errors.Wrap(err, "Store.BindConversation")
	}
	s.notify()
	return nil
}

// Rename sets a session's title.
func (s *Store) Rename(ctx context.Context, sessionID, title string) error {
	if err := s.repo.SetTitle(ctx, sessionID, title, s.nowFunc()); err != nil {
		return errors.Wrap(err, "Store.Rename")
	}
	s.notify()
	return nil
}

// Archive soft-deletes a session. The record stays addressable by id but
// drops out of the active list. Archiving the active session clears the
// active selection.
func (s *Store) Archive(ctx context.Context, sessionID string) error {
	if err := s.repo.SetArchived(ctx, sessionID, true, s.nowFunc()); err != nil {
		return errors.Wrap(err, "Store.Archive")
	}

	s.lock.Lock()
	if s.activeSessionID == sessionID {
		s.activeSessionID = ""
	}
	s.lock.Unlock()

	s.notify()
	return nil
}

// SwitchSession changes the active session selection.
func (s *Store) SwitchSession(sessionID string) {
	s.lock.Lock()
	s.activeSessionID = sessionID
	s.lock.Unlock()
	s.notify()
}

// ActiveSessionID returns the currently selected session id, or "" when no
// session is active.
func (s *Store) ActiveSessionID() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.activeSessionID
}

// Subscribe returns a channel that receives a signal after every committed
// store mutation. Signals are coalesced; slow consumers see at least one.
// The returned cancel function releases the subscription.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	s.lock.Lock()
	defer s.lock.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan struct{}, 1)
	s.subs[id] = ch

	return ch, func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.subs, id)
	}
}

// Watch is the reactive feed the session sidebar binds to: it emits the
// current active list immediately and re-emits after every store mutation
// until ctx is cancelled.
func (s *Store) Watch(ctx context.Context, userID string) <-chan []*Session {
	out := make(chan []*Session, 1)
	events, cancel := s.Subscribe()

	go func() {
		defer close(out)
		defer cancel()

		emit := func() {
			list, err := s.repo.ListActive(ctx, userID)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Error().Err(err).Str("user_id", userID).Msg("watch query failed")
				}
				return
			}
			// Replace a pending emission rather than blocking; only the
			// freshest list matters to the UI.
			select {
			case out <- list:
			default:
				select {
				case <-out:
				default:
				}
				out <- list
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
				emit()
			}
		}
	}()

	return out
}

func (s *Store) notify() {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// watermarkAdvances compares server-issued cursors. Direct-Line-style
// watermarks are numeric strings; fall back to length-then-lexical when
// either side is not a number.
func watermarkAdvances(current, proposed string) bool {
	if proposed == "" {
		return false
	}
	if current == "" {
		return true
	}
	ci, cerr := strconv.ParseInt(current, 10, 64)
	pi, perr := strconv.ParseInt(proposed, 10, 64)
	if cerr == nil && perr == nil {
		return pi > ci
	}
	if len(proposed) != len(current) {
		return len(proposed) > len(current)
	}
	return proposed > current
}
