// Package protocol defines the line-oriented JSON wire format: one request
// object per newline-terminated line in, one response object per line out.
package protocol

// The closed set of known actions. Anything else is answered with
// CodeUnknownAction and the connection stays open.
const (
	ActionLogin         = "login"
	ActionRegister      = "register"
	ActionCreateSession = "create_session"
	ActionSelectSession = "select_session"
	ActionGetSessions   = "get_sessions"
	ActionGetSessionID  = "get_session_id"
	ActionSendMessage   = "send_message"
	ActionGetHistory    = "get_history"
)

// Error codes carried in failure responses alongside the human-readable
// error string.
const (
	CodeBadRequest    = "BadRequest"
	CodeUnauthorized  = "Unauthorized"
	CodeNotFound      = "NotFound"
	CodePersistence   = "PersistenceError"
	CodeCompletion    = "CompletionError"
	CodeUnknownAction = "UnknownAction"
	CodeInternal      = "InternalError"
)

// Request is the envelope every client line unmarshals into; which fields
// matter depends on Action.
type Request struct {
	Action      string `json:"action"`
	Username    string `json:"username,omitempty"`
	Email       string `json:"email,omitempty"`
	Password    string `json:"password,omitempty"`
	Token       string `json:"token,omitempty"`
	SessionName string `json:"sessionName,omitempty"`
	SessionID   int64  `json:"sessionId,omitempty"`
	Message     string `json:"message,omitempty"`
}

type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func OK() Response {
	return Response{Success: true}
}

func Fail(code, message string) Response {
	return Response{Success: false, Code: code, Error: message}
}

type LoginResponse struct {
	Response
	Token string `json:"token,omitempty"`
}

type SessionResponse struct {
	Response
	SessionID int64 `json:"sessionId"`
}

type MessageResponse struct {
	Response
	AIResponse string `json:"aiResponse"`
	SessionID  int64  `json:"sessionId"`
}

type SessionInfo struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Created string `json:"created"`
}

type SessionsResponse struct {
	Response
	Sessions []SessionInfo `json:"sessions"`
}

type HistoryItem struct {
	MessageID     int64  `json:"messageId"`
	SessionID     int64  `json:"sessionId"`
	Content       string `json:"content"`
	IsUserMessage bool   `json:"isUserMessage"`
	Timestamp     string `json:"timestamp"`
}

type HistoryResponse struct {
	Response
	History []HistoryItem `json:"history"`
}
