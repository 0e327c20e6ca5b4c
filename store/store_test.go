package store

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chatwire/chatwire/chat"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenBootstrapsAdmin(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "boot.db")

	s, err := Open(path)
	require.NoError(t, err)

	admin, err := s.Authenticate(ctx, "admin", "admin")
	require.NoError(t, err)
	require.True(t, admin.Admin)
	require.True(t, admin.Active)
	require.NoError(t, s.Close())

	// Reopening an existing database must not bootstrap again.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	users, err := s.AllUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestSignup(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	u, err := s.Signup(ctx, "alice", "pw1")
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
	require.Equal(t, "alice", u.Name)
	require.True(t, u.Active)
	require.False(t, u.Admin)

	_, err = s.Signup(ctx, "alice", "other")
	require.ErrorIs(t, err, ErrUserExists)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, u, got)
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	u, err := s.Signup(ctx, "bob", "hunter2")
	require.NoError(t, err)

	t.Run("valid credentials", func(t *testing.T) {
		got, err := s.Authenticate(ctx, "bob", "hunter2")
		require.NoError(t, err)
		require.Equal(t, u.ID, got.ID)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := s.Authenticate(ctx, "bob", "wrong")
		require.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := s.Authenticate(ctx, "nobody", "hunter2")
		require.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("deactivated account", func(t *testing.T) {
		require.NoError(t, s.UpdateUser(ctx, u.ID, false, false))
		_, err := s.Authenticate(ctx, "bob", "hunter2")
		require.ErrorIs(t, err, ErrAuthFailed)

		require.NoError(t, s.UpdateUser(ctx, u.ID, false, true))
		_, err = s.Authenticate(ctx, "bob", "hunter2")
		require.NoError(t, err)
	})
}

func TestChangePassword(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	u, err := s.Signup(ctx, "carol", "old")
	require.NoError(t, err)

	saltOf := func() string {
		var salt string
		err := s.db.QueryRowContext(ctx, "select salt from users where id=?", u.ID).Scan(&salt)
		require.NoError(t, err)
		return salt
	}
	oldSalt := saltOf()

	require.NoError(t, s.ChangePassword(ctx, u, "new"))

	// The salt rotates with every password change.
	require.NotEqual(t, oldSalt, saltOf())

	_, err = s.Authenticate(ctx, "carol", "old")
	require.ErrorIs(t, err, ErrAuthFailed)
	_, err = s.Authenticate(ctx, "carol", "new")
	require.NoError(t, err)

	err = s.ChangePassword(ctx, User{ID: "missing", Name: "ghost"}, "x")
	require.ErrorIs(t, err, ErrNoSuchUser)
}

func TestUpdateUser(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	u, err := s.Signup(ctx, "dave", "pw")
	require.NoError(t, err)

	require.NoError(t, s.UpdateUser(ctx, u.ID, true, true))
	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, got.Admin)

	require.ErrorIs(t, s.UpdateUser(ctx, "missing", true, true), ErrNoSuchUser)
}

func TestSaveMessageRendering(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	u, err := s.Signup(ctx, "eve", "pw")
	require.NoError(t, err)

	require.NoError(t, s.SaveMessage(ctx, u, &chat.Text{Body: "hello all"}))
	require.NoError(t, s.SaveMessage(ctx, u, &chat.File{Name: "plan.pdf", Data: []byte{1}}))
	require.NoError(t, s.SaveMessage(ctx, u, &chat.Image{Data: []byte{2}}))
	// Credentials and control messages leave no trace in the history.
	require.NoError(t, s.SaveMessage(ctx, u, &chat.Login{Username: "eve", Password: "pw"}))
	require.NoError(t, s.SaveMessage(ctx, u, &chat.Quit{}))

	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	var texts []string
	for _, m := range msgs {
		require.Equal(t, "eve", m.AuthorName)
		texts = append(texts, m.Message)
	}
	require.ElementsMatch(t, []string{"hello all", "[Shared file plan.pdf]", "[Shared an image]"}, texts)
}

func TestMessagesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	u, err := s.Signup(ctx, "frank", "pw")
	require.NoError(t, err)
	require.NoError(t, s.SaveMessage(ctx, u, &chat.Text{Body: "older"}))
	require.NoError(t, s.SaveMessage(ctx, u, &chat.Text{Body: "newer"}))

	// Both rows share a wall clock second, so separate them explicitly.
	_, err = s.db.ExecContext(ctx,
		"update user_messages set sent_at_instant=? where message='older'",
		time.Now().Add(-time.Hour).Unix())
	require.NoError(t, err)

	msgs, err := s.Messages(ctx)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "newer", msgs[0].Message)
	require.Equal(t, "older", msgs[1].Message)
	require.True(t, msgs[0].SentAt.After(msgs[1].SentAt))
}

func TestPasswordDigest(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{64}$`)

	d1 := passwordDigest("pw", "salt-a")
	d2 := passwordDigest("pw", "salt-b")
	require.Regexp(t, re, d1)
	require.Regexp(t, re, d2)
	// Same password, different salt, different digest.
	require.NotEqual(t, d1, d2)
	require.Equal(t, d1, passwordDigest("pw", "salt-a"))
}

func TestQueryObserver(t *testing.T) {
	var ops []string
	s, err := Open(filepath.Join(t.TempDir(), "obs.db"),
		WithQueryObserver(func(query string, d time.Duration) {
			ops = append(ops, query)
		}))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Signup(context.Background(), "gina", "pw")
	require.NoError(t, err)
	require.Contains(t, ops, "signup")
}
