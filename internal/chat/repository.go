package chat

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

type Repository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) InsertSession(ctx context.Context, userID int64, name string) (int64, error) {
	query := `
		INSERT INTO chat_sessions (user_id, session_name, created_at)
		VALUES ($1, $2, NOW())
		RETURNING id
	`

	var sessionID int64
	err := r.db.GetContext(ctx, &sessionID, query, userID, name)
	if err != nil {
		return 0, fmt.Errorf("failed to create session: %w", err)
	}
	return sessionID, nil
}

func (r *Repository) SessionsByUser(ctx context.Context, userID int64) ([]Session, error) {
	query := `
		SELECT id, user_id, session_name, created_at
		FROM chat_sessions
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`

	var sessions []Session
	err := r.db.SelectContext(ctx, &sessions, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

func (r *Repository) SessionExists(ctx context.Context, sessionID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1)`

	var exists bool
	err := r.db.GetContext(ctx, &exists, query, sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}
	return exists, nil
}

func (r *Repository) SessionBelongsToUser(ctx context.Context, sessionID, userID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM chat_sessions WHERE id = $1 AND user_id = $2)`

	var belongs bool
	err := r.db.GetContext(ctx, &belongs, query, sessionID, userID)
	if err != nil {
		return false, fmt.Errorf("failed to check session ownership: %w", err)
	}
	return belongs, nil
}

func (r *Repository) SessionIDByName(ctx context.Context, userID int64, name string) (int64, error) {
	query := `
		SELECT id
		FROM chat_sessions
		WHERE user_id = $1 AND session_name = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	var sessionID int64
	err := r.db.GetContext(ctx, &sessionID, query, userID, name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to look up session by name: %w", err)
	}
	return sessionID, nil
}

func (r *Repository) InsertMessage(ctx context.Context, sessionID int64, role, content string) (int64, error) {
	query := `
		INSERT INTO chat_messages (session_id, role, content, created_at)
		VALUES ($1, $2, $3, NOW())
		RETURNING id
	`

	var messageID int64
	err := r.db.GetContext(ctx, &messageID, query, sessionID, role, content)
	if err != nil {
		return 0, fmt.Errorf("failed to store message: %w", err)
	}
	return messageID, nil
}

func (r *Repository) MessagesBySession(ctx context.Context, sessionID int64) ([]Message, error) {
	query := `
		SELECT id, session_id, role, content, created_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY created_at ASC, id ASC
	`

	var messages []Message
	err := r.db.SelectContext(ctx, &messages, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session history: %w", err)
	}
	return messages, nil
}
