package sessionstore

import (
	"context"
	"time"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
)

// Session is a persisted conversation and the system of record for resuming
// it across restarts. The transport token is deliberately absent: access
// tokens are held in memory only and never written to durable storage.
type Session struct {
	SessionID      string    // UUID, immutable primary key
	ConversationID string    // transport-side conversation id
	UserID         string    // owner, set once at creation
	Title          string    // auto-generated or user-edited
	CreatedAt      time.Time
	UpdatedAt      time.Time // drives the active-list ordering
	Watermark      string    // server-issued resume cursor, empty until first ack
	IsArchived     bool      // soft-delete flag; archived sessions are never physically removed
}

// Repo is the storage interface for sessions and their cached activity
// history. Implementations must treat (sessionID, activity id) as unique
// and report duplicate appends rather than inserting twice.
type Repo interface {
	// Insert creates a new session record
	Insert(ctx context.Context, session *Session) error

	// Get retrieves a session by ID regardless of archive state
	Get(ctx context.Context, sessionID string) (*Session, error)

	// ListActive returns unarchived sessions for a user, newest UpdatedAt first
	ListActive(ctx context.Context, userID string) ([]*Session, error)

	// SetConversationID binds a transport conversation to a session that
	// was created before its first connect
	SetConversationID(ctx context.Context, sessionID, conversationID string, updatedAt time.Time) error

	// SetTitle renames a session
	SetTitle(ctx context.Context, sessionID, title string, updatedAt time.Time) error

	// SetArchived flips the soft-delete flag
	SetArchived(ctx context.Context, sessionID string, archived bool, updatedAt time.Time) error

	// SetWatermark records the resume cursor
	SetWatermark(ctx context.Context, sessionID, watermark string, updatedAt time.Time) error

	// AppendActivity adds an activity to the cached history. It returns
	// false without error when the activity id already exists, and bumps
	// the session's UpdatedAt only on a real insert.
	AppendActivity(ctx context.Context, sessionID string, act activity.Activity, updatedAt time.Time) (bool, error)

	// Activities returns the cached history in append order
	Activities(ctx context.Context, sessionID string) ([]activity.Activity, error)
}
