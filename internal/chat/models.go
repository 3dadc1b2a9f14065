package chat

import (
	"time"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultSessionName is used when a session is created without a name, and
// for sessions auto-provisioned by send_message.
const DefaultSessionName = "New Chat"

type Session struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	Name      string    `db:"session_name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type Message struct {
	ID        int64     `db:"id" json:"id"`
	SessionID int64     `db:"session_id" json:"session_id"`
	Role      string    `db:"role" json:"role"`
	Content   string    `db:"content" json:"content"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
