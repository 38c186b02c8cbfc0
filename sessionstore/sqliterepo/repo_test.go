package sqliterepo_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/activity"
	errs "github.com/GitAlboBis/TeamsAppointmentAgentWebApp/internal/errors"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/sessionstore"
	"github.com/GitAlboBis/TeamsAppointmentAgentWebApp/sessionstore/sqliterepo"
)

func newTestRepo(t *testing.T) *sqliterepo.Repo {
	t.Helper()

	repo, err := sqliterepo.New(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testSession(id string) *sessionstore.Session {
	now := time.Now().Truncate(time.Millisecond)
	return &sessionstore.Session{
		SessionID:      id,
		ConversationID: "conv-" + id,
		UserID:         "oid-1",
		Title:          sessionstore.DefaultTitle,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestRepo_InsertGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	want := testSession("s-1")
	require.NoError(t, repo.Insert(ctx, want))

	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, want.SessionID, got.SessionID)
	require.Equal(t, want.ConversationID, got.ConversationID)
	require.Equal(t, want.UserID, got.UserID)
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
	require.False(t, got.IsArchived)

	_, err = repo.Get(ctx, "missing")
	require.ErrorIs(t, err, errs.ErrSessionNotFound)
}

func TestRepo_AppendActivity(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, testSession("s-1")))

	act := activity.Activity{
		ID:   "a-1",
		Type: activity.TypeMessage,
		From: activity.ChannelAccount{ID: "oid-1", Role: activity.RoleUser},
		Text: "Hello",
	}

	bump := time.Now().Add(time.Minute).Truncate(time.Millisecond)
	added, err := repo.AppendActivity(ctx, "s-1", act, bump)
	require.NoError(t, err)
	require.True(t, added)

	added, err = repo.AppendActivity(ctx, "s-1", act, bump.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, added, "duplicate id is ignored")

	acts, err := repo.Activities(ctx, "s-1")
	require.NoError(t, err)
	require.Len(t, acts, 1)
	require.Equal(t, "Hello", acts[0].Text)
	require.Equal(t, activity.RoleUser, acts[0].From.Role)

	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	require.True(t, got.UpdatedAt.Equal(bump), "only the real insert bumps UpdatedAt")
}

func TestRepo_ListActive(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	a := testSession("s-a")
	b := testSession("s-b")
	b.UpdatedAt = a.UpdatedAt.Add(time.Minute)
	other := testSession("s-other")
	other.UserID = "oid-2"

	for _, s := range []*sessionstore.Session{a, b, other} {
		require.NoError(t, repo.Insert(ctx, s))
	}
	require.NoError(t, repo.SetArchived(ctx, "s-a", true, a.UpdatedAt.Add(2*time.Minute)))

	list, err := repo.ListActive(ctx, "oid-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "s-b", list[0].SessionID)
}

func TestRepo_FieldUpdates(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Insert(ctx, testSession("s-1")))

	at := time.Now().Add(time.Hour).Truncate(time.Millisecond)
	require.NoError(t, repo.SetTitle(ctx, "s-1", "Renamed", at))
	require.NoError(t, repo.SetWatermark(ctx, "s-1", "42", at))

	got, err := repo.Get(ctx, "s-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Title)
	require.Equal(t, "42", got.Watermark)
	require.True(t, got.UpdatedAt.Equal(at))

	require.ErrorIs(t, repo.SetTitle(ctx, "missing", "x", at), errs.ErrSessionNotFound)
}
