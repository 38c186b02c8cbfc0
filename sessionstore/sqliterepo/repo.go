// Package sqliterepo is the durable sessionstore.Repo backed by an embedded
// SQLite database (pure-Go driver, no cgo).
package sqliterepo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/sessionstore"
)

var _ sessionstore.Repo = (*Repo)(nil)

type Repo struct {
	db *sql.DB
}

// New opens (or creates) the database at path and runs migrations.
func New(path string) (*Repo, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrap(err, "sqliterepo.New open")
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqliterepo.New ping")
	}

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqliterepo.New migrate")
	}
	return r, nil
}

func (r *Repo) Close() error {
	return r.db.Close()
}

func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id      TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			user_id         TEXT NOT NULL,
			title           TEXT NOT NULL,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL,
			watermark       TEXT NOT NULL DEFAULT '',
			is_archived     INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user_active
			ON sessions (user_id, is_archived, updated_at DESC);

		CREATE TABLE IF NOT EXISTS activities (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL REFERENCES sessions(session_id),
			activity_id TEXT NOT NULL,
			payload     TEXT NOT NULL,
			UNIQUE (session_id, activity_id)
		);
	`)
	return err
}

func (r *Repo) Insert(ctx context.Context, session *sessionstore.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, conversation_id, user_id, title, created_at, updated_at, watermark, is_archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		session.SessionID,
		session.ConversationID,
		session.UserID,
		session.Title,
		session.CreatedAt.UnixMilli(),
		session.UpdatedAt.UnixMilli(),
		session.Watermark,
		boolToInt(session.IsArchived),
	)
	return errors.Wrap(err, "sqliterepo.Insert")
}

func (r *Repo) Get(ctx context.Context, sessionID string) (*sessionstore.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT session_id, conversation_id, user_id, title, created_at, updated_at, watermark, is_archived
		FROM sessions WHERE session_id = ?`, sessionID)

	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, errs.ErrSessionNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqliterepo.Get")
	}
	return session, nil
}

func (r *Repo) ListActive(ctx context.Context, userID string) ([]*sessionstore.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT session_id, conversation_id, user_id, title, created_at, updated_at, watermark, is_archived
		FROM sessions
		WHERE user_id = ? AND is_archived = 0
		ORDER BY updated_at DESC`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "sqliterepo.ListActive query")
	}
	defer rows.Close()

	sessions := make([]*sessionstore.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqliterepo.ListActive scan")
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

func (r *Repo) SetConversationID(ctx context.Context, sessionID, conversationID string, updatedAt time.Time) error {
	return r.updateField(ctx, `UPDATE sessions SET conversation_id = ?, updated_at = ? WHERE session_id = ?`,
		conversationID, updatedAt.UnixMilli(), sessionID)
}

func (r *Repo) SetTitle(ctx context.Context, sessionID, title string, updatedAt time.Time) error {
	return r.updateField(ctx, `UPDATE sessions SET title = ?, updated_at = ? WHERE session_id = ?`,
		title, updatedAt.UnixMilli(), sessionID)
}

func (r *Repo) SetArchived(ctx context.Context, sessionID string, archived bool, updatedAt time.Time) error {
	return r.updateField(ctx, `UPDATE sessions SET is_archived = ?, updated_at = ? WHERE session_id = ?`,
		boolToInt(archived), updatedAt.UnixMilli(), sessionID)
}

func (r *Repo) SetWatermark(ctx context.Context, sessionID, watermark string, updatedAt time.Time) error {
	return r.updateField(ctx, `UPDATE sessions SET watermark = ?, updated_at = ? WHERE session_id = ?`,
		watermark, updatedAt.UnixMilli(), sessionID)
}

func (r *Repo) AppendActivity(ctx context.Context, sessionID string, act activity.Activity, updatedAt time.Time) (bool, error) {
	payload, err := json.Marshal(act)
	if err != nil {
		return false, errors.Wrap(err, "sqliterepo.AppendActivity marshal")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "sqliterepo.AppendActivity begin")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO activities (session_id, activity_id, payload) VALUES (?, ?, ?)`,
		sessionID, act.ID, string(payload))
	if err != nil {
		return false, errors.Wrap(err, "sqliterepo.AppendActivity insert")
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sqliterepo.AppendActivity rows affected")
	}
	if inserted == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE session_id = ?`,
		updatedAt.UnixMilli(), sessionID); err != nil {
		return false, errors.Wrap(err, "sqliterepo.AppendActivity touch session")
	}

	return true, errors.Wrap(tx.Commit(), "sqliterepo.AppendActivity commit")
}

func (r *Repo) Activities(ctx context.Context, sessionID string) ([]activity.Activity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT payload FROM activities WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "sqliterepo.Activities query")
	}
	defer rows.Close()

	acts := make([]activity.Activity, 0)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, errors.Wrap(err, "sqliterepo.Activities scan")
		}
		var act activity.Activity
		if err := json.Unmarshal([]byte(payload), &act); err != nil {
			return nil, errors.Wrap(err, "sqliterepo.Activities unmarshal")
		}
		acts = append(acts, act)
	}
	return acts, rows.Err()
}

func (r *Repo) updateField(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "sqliterepo.updateField")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "sqliterepo.updateField rows affected")
	}
	if affected == 0 {
		return errs.ErrSessionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*sessionstore.Session, error) {
	var s sessionstore.Session
	var createdAt, updatedAt int64
	var archived int
	if err := row.Scan(&s.SessionID, &s.ConversationID, &s.UserID, &s.Title,
		&createdAt, &updatedAt, &s.Watermark, &archived); err != nil {
		return nil, err
	}
	s.CreatedAt = time.UnixMilli(createdAt)
	s.UpdatedAt = time.UnixMilli(updatedAt)
	s.IsArchived = archived != 0
	return &s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
