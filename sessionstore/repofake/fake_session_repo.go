package repofake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/sessionstore"
)

var _ sessionstore.Repo = (*FakeSessionRepo)(nil)

type FakeSessionRepo struct {
	sessions   map[string]*sessionstore.Session
	activities map[string][]activity.Activity
	lock       sync.RWMutex
}

func NewFakeSessionRepo() *FakeSessionRepo {
	return &FakeSessionRepo{
		sessions:   make(map[string]*sessionstore.Session),
		activities: make(map[string][]activity.Activity),
	}
}

func (r *FakeSessionRepo) Insert(_ context.Context, session *sessionstore.Session) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	copied := *session
	r.sessions[session.SessionID] = &copied
	return nil
}

func (r *FakeSessionRepo) Get(_ context.Context, sessionID string) (*sessionstore.Session, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, errs.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

func (r *FakeSessionRepo) ListActive(_ context.Context, userID string) ([]*sessionstore.Session, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	list := make([]*sessionstore.Session, 0)
	for _, session := range r.sessions {
		if session.UserID != userID || session.IsArchived {
			continue
		}
		copied := *session
		list = append(list, &copied)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].UpdatedAt.After(list[j].UpdatedAt)
	})
	return list, nil
}

func (r *FakeSessionRepo) SetConversationID(_ context.Context, sessionID, conversationID string, updatedAt time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return errs.ErrSessionNotFound
	}
	session.ConversationID = conversationID
	session.UpdatedAt = updatedAt
	return nil
}

func (r *FakeSessionRepo) SetTitle(_ context.Context, sessionID, title string, updatedAt time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return errs.ErrSessionNotFound
	}
	session.Title = title
	session.UpdatedAt = updatedAt
	return nil
}

func (r *FakeSessionRepo) SetArchived(_ context.Context, sessionID string, archived bool, updatedAt time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return errs.ErrSessionNotFound
	}
	session.IsArchived = archived
	session.UpdatedAt = updatedAt
	return nil
}

func (r *FakeSessionRepo) SetWatermark(_ context.Context, sessionID, watermark string, updatedAt time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return errs.ErrSessionNotFound
	}
	session.Watermark = watermark
	session.UpdatedAt = updatedAt
	return nil
}

func (r *FakeSessionRepo) AppendActivity(_ context.Context, sessionID string, act activity.Activity, updatedAt time.Time) (bool, error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	session, ok := r.sessions[sessionID]
	if !ok {
		return false, errs.ErrSessionNotFound
	}

	for _, existing := range r.activities[sessionID] {
		if existing.ID != "" && existing.ID == act.ID {
			return false, nil
		}
	}

	r.activities[sessionID] = append(r.activities[sessionID], act)
	session.UpdatedAt = updatedAt
	return true, nil
}

func (r *FakeSessionRepo) Activities(_ context.Context, sessionID string) ([]activity.Activity, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()

	if _, ok := r.sessions[sessionID]; !ok {
		return nil, errs.ErrSessionNotFound
	}
	return append([]activity.Activity(nil), r.activities[sessionID]...), nil
}
