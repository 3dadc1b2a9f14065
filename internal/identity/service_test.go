package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	users  map[string]*User
	nextID int64
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{users: make(map[string]*User)}
}

func (r *fakeRepo) CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error) {
	r.nextID++
	user := &User{
		ID:           r.nextID,
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	r.users[username] = user
	return user, nil
}

func (r *fakeRepo) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.users[username], nil
}

func (r *fakeRepo) UserExists(ctx context.Context, username, email string) (bool, error) {
	for _, u := range r.users {
		if u.Username == username || u.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func TestRegisterThenAuthenticate(t *testing.T) {
	svc := NewService(newFakeRepo())

	user, err := svc.Register(context.Background(), "alice", "a@x.com", "pw1")
	require.NoError(t, err)
	require.Equal(t, "alice", user.Username)
	require.NotContains(t, user.PasswordHash, "pw1")

	authed, err := svc.Authenticate(context.Background(), "alice", "pw1")
	require.NoError(t, err)
	require.Equal(t, user.ID, authed.ID)

	_, err = svc.Authenticate(context.Background(), "alice", "wrong")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	svc := NewService(newFakeRepo())

	_, err := svc.Authenticate(context.Background(), "bob", "pw")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)

	_, err := svc.Register(context.Background(), "alice", "a@x.com", "pw1")
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), "alice", "other@x.com", "pw2")
	require.ErrorIs(t, err, ErrUserAlreadyExists)

	_, err = svc.Register(context.Background(), "alice2", "a@x.com", "pw2")
	require.ErrorIs(t, err, ErrUserAlreadyExists)

	require.Len(t, repo.users, 1)
}

func TestRegisterRejectsEmptyFields(t *testing.T) {
	svc := NewService(newFakeRepo())

	_, err := svc.Register(context.Background(), "", "a@x.com", "pw")
	require.Error(t, err)

	_, err = svc.Register(context.Background(), "alice", "", "pw")
	require.Error(t, err)
}

func TestUserID(t *testing.T) {
	svc := NewService(newFakeRepo())

	user, err := svc.Register(context.Background(), "alice", "a@x.com", "pw1")
	require.NoError(t, err)

	id, err := svc.UserID(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, user.ID, id)

	_, err = svc.UserID(context.Background(), "bob")
	require.ErrorIs(t, err, ErrUserNotFound)
}

func TestStoredHashVerifiable(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo)

	_, err := svc.Register(context.Background(), "alice", "a@x.com", "pw1")
	require.NoError(t, err)

	stored := repo.users["alice"].PasswordHash
	require.True(t, strings.HasPrefix(stored, "$2a$"))
}
