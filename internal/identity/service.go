package identity

import (
	"context"
	"errors"
	"fmt"

	"aichatserver/internal/auth"

	"github.com/sirupsen/logrus"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserAlreadyExists  = errors.New("username or email already exists")
	ErrInvalidCredentials = errors.New("invalid username or password")
)

type Repo interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UserExists(ctx context.Context, username, email string) (bool, error)
}

type Service struct {
	repo Repo
}

func NewService(repo Repo) *Service {
	return &Service{repo: repo}
}

// Register checks username and email for uniqueness before the insert so the
// caller gets a precise "already exists" error instead of a storage failure.
// The plaintext password never reaches the repository or the logs.
func (s *Service) Register(ctx context.Context, username, email, password string) (*User, error) {
	if username == "" || email == "" {
		return nil, fmt.Errorf("username and email must not be empty")
	}

	exists, err := s.repo.UserExists(ctx, username, email)
	if err != nil {
		logrus.Errorf("Failed to check existing user %q: %v", username, err)
		return nil, fmt.Errorf("internal error while checking user")
	}
	if exists {
		return nil, ErrUserAlreadyExists
	}

	hashedPassword, err := auth.HashPassword(password)
	if err != nil {
		logrus.Errorf("Failed to hash password for user %q: %v", username, err)
		return nil, fmt.Errorf("internal error while hashing password")
	}

	user, err := s.repo.CreateUser(ctx, username, email, hashedPassword)
	if err != nil {
		logrus.Errorf("Failed to create user %q: %v", username, err)
		return nil, fmt.Errorf("internal error while creating user")
	}

	logrus.Infof("Registered user %q", username)
	return user, nil
}

// Authenticate returns ErrInvalidCredentials both for an unknown username and
// for a wrong password; verification goes through bcrypt's own comparison.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*User, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		logrus.Errorf("Failed to look up user %q for authentication: %v", username, err)
		return nil, fmt.Errorf("internal error during authentication")
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}

	if !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return user, nil
}

func (s *Service) UserID(ctx context.Context, username string) (int64, error) {
	user, err := s.repo.GetUserByUsername(ctx, username)
	if err != nil {
		logrus.Errorf("Failed to look up user %q: %v", username, err)
		return 0, fmt.Errorf("internal error while looking up user")
	}
	if user == nil {
		return 0, ErrUserNotFound
	}
	return user.ID, nil
}
