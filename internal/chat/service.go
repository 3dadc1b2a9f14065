package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ErrSessionNotFound = errors.New("session not found")
)

type Repo interface {
	InsertSession(ctx context.Context, userID int64, name string) (int64, error)
	SessionsByUser(ctx context.Context, userID int64) ([]Session, error)
	SessionExists(ctx context.Context, sessionID int64) (bool, error)
	SessionBelongsToUser(ctx context.Context, sessionID, userID int64) (bool, error)
	SessionIDByName(ctx context.Context, userID int64, name string) (int64, error)
	InsertMessage(ctx context.Context, sessionID int64, role, content string) (int64, error)
	MessagesBySession(ctx context.Context, sessionID int64) ([]Message, error)
}

type Service struct {
	repo Repo
}

func NewService(repo Repo) *Service {
	return &Service{repo: repo}
}

func (s *Service) CreateSession(ctx context.Context, userID int64, name string) (int64, error) {
	if strings.TrimSpace(name) == "" {
		name = DefaultSessionName
	}

	sessionID, err := s.repo.InsertSession(ctx, userID, name)
	if err != nil {
		logrus.Errorf("Failed to create session %q for user %d: %v", name, userID, err)
		return 0, err
	}

	logrus.Infof("Created session %d (%q) for user %d", sessionID, name, userID)
	return sessionID, nil
}

func (s *Service) ListSessions(ctx context.Context, userID int64) ([]Session, error) {
	return s.repo.SessionsByUser(ctx, userID)
}

func (s *Service) SessionExists(ctx context.Context, sessionID int64) (bool, error) {
	if sessionID <= 0 {
		return false, nil
	}
	return s.repo.SessionExists(ctx, sessionID)
}

func (s *Service) SessionBelongsToUser(ctx context.Context, sessionID, userID int64) (bool, error) {
	if sessionID <= 0 {
		return false, nil
	}
	return s.repo.SessionBelongsToUser(ctx, sessionID, userID)
}

func (s *Service) SessionIDByName(ctx context.Context, userID int64, name string) (int64, error) {
	sessionID, err := s.repo.SessionIDByName(ctx, userID, name)
	if err != nil {
		return 0, err
	}
	if sessionID == 0 {
		return 0, ErrSessionNotFound
	}
	return sessionID, nil
}

// AppendMessage verifies the session exists before inserting so a bad session
// id surfaces as ErrSessionNotFound instead of a foreign key violation.
func (s *Service) AppendMessage(ctx context.Context, sessionID int64, role, content string) (int64, error) {
	exists, err := s.repo.SessionExists(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, fmt.Errorf("%w: %d", ErrSessionNotFound, sessionID)
	}

	return s.repo.InsertMessage(ctx, sessionID, role, content)
}

// AppendExchange persists one completed turn: the user message first, then
// the assistant reply, as two separate role-tagged rows.
func (s *Service) AppendExchange(ctx context.Context, sessionID int64, userText, assistantText string) error {
	if _, err := s.AppendMessage(ctx, sessionID, RoleUser, userText); err != nil {
		return err
	}
	if _, err := s.AppendMessage(ctx, sessionID, RoleAssistant, assistantText); err != nil {
		return err
	}
	return nil
}

func (s *Service) History(ctx context.Context, sessionID int64) ([]Message, error) {
	return s.repo.MessagesBySession(ctx, sessionID)
}
