// Package tokencache stores pre-acquired secondary tokens keyed by
// conversation id until the agent's sign-in card asks for them.
package tokencache

import (
	"sync"
	"time"

	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
)

type Entry struct {
	Token     string
	ExpiresAt time.Time
}

type Repo interface {
	Put(conversationID string, entry Entry)
	Get(conversationID string) (Entry, error)
	Delete(conversationID string)
}

var _ Repo = (*InMemory)(nil)

type InMemory struct {
	nowFunc func() time.Time

	lock    sync.Mutex
	entries map[string]Entry
}

type Option func(*InMemory)

func WithNowFunc(now func() time.Time) Option {
	return func(c *InMemory) {
		c.nowFunc = now
	}
}

func NewInMemory(options ...Option) *InMemory {
	c := &InMemory{
		nowFunc: time.Now,
		entries: make(map[string]Entry),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (c *InMemory) Put(conversationID string, entry Entry) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries[conversationID] = entry
}

// Get returns the cached token for a conversation. An expired entry is
// removed and reported as not found.
func (c *InMemory) Get(conversationID string) (Entry, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.entries[conversationID]
	if !ok {
		return Entry{}, errs.ErrNotFound
	}
	if !entry.ExpiresAt.After(c.nowFunc()) {
		delete(c.entries, conversationID)
		return Entry{}, errs.Wrapf(errs.ErrNotFound, "token for %s expired", conversationID)
	}
	return entry, nil
}

func (c *InMemory) Delete(conversationID string) {
	c.lock.Lock()
	defer c.lock.Unlock()
	delete(c.entries, conversationID)
}
